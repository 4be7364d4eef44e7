package schema

import "time"

// Status is the outcome tag of an execution result envelope.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorCategory classifies a failed execution for the retry logic.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient" // retry-eligible
	CategoryPermanent ErrorCategory = "permanent" // not retry-eligible
)

// ExecutionMeta describes how a result was produced.
type ExecutionMeta struct {
	Crew      string        `json:"crew"`
	ProjectID string        `json:"project_id"`
	Phase     Phase         `json:"phase"`
	Attempt   int           `json:"attempt"`
	Duration  time.Duration `json:"duration"`
}

// ExecutionResult is the canonical envelope every crew output is
// normalized into. It is a tagged variant: a success carries content and
// a next-phase directive, a failure carries a category and message. The
// output validator is the only producer; raw crew output never reaches
// the engine.
type ExecutionResult struct {
	Status        Status         `json:"status"`
	Content       map[string]any `json:"content,omitempty"`
	Meta          ExecutionMeta  `json:"meta"`
	NextPhase     Phase          `json:"next_phase,omitempty"`
	ErrorCategory ErrorCategory  `json:"error_category,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// NewSuccessResult builds the success variant.
func NewSuccessResult(content map[string]any, meta ExecutionMeta) *ExecutionResult {
	return &ExecutionResult{
		Status:  StatusSuccess,
		Content: content,
		Meta:    meta,
	}
}

// NewFailureResult builds the failure variant.
func NewFailureResult(category ErrorCategory, message string, meta ExecutionMeta) *ExecutionResult {
	return &ExecutionResult{
		Status:        StatusError,
		Meta:          meta,
		ErrorCategory: category,
		ErrorMessage:  message,
	}
}

// Success reports whether the envelope carries the success variant.
func (r *ExecutionResult) Success() bool {
	return r.Status == StatusSuccess
}

// Validate enforces the envelope invariant: a non-empty known status,
// and an error category whenever the status is not success.
func (r *ExecutionResult) Validate() error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusError:
		if r.ErrorCategory != CategoryTransient && r.ErrorCategory != CategoryPermanent {
			return NewErrorf(ErrCodeValidation,
				"error envelope missing category (got %q)", r.ErrorCategory)
		}
		return nil
	default:
		return NewErrorf(ErrCodeValidation, "unknown envelope status %q", r.Status)
	}
}
