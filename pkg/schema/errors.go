package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeBudgetExceeded    = "BUDGET_EXCEEDED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCrewUnavailable   = "CREW_UNAVAILABLE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodePoolShutdown      = "POOL_SHUTDOWN"
	ErrCodeStore             = "STORE_ERROR"
)

// TractionError is the structured error type for all engine operations.
type TractionError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Phase     Phase          `json:"phase,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Cause     error          `json:"-"`
}

func (e *TractionError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("[%s] phase %s: %s", e.Code, e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TractionError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TractionError.
func NewError(code, message string) *TractionError {
	return &TractionError{Code: code, Message: message}
}

// NewErrorf creates a new TractionError with a formatted message.
func NewErrorf(code, format string, args ...any) *TractionError {
	return &TractionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPhase attaches the phase the error occurred in.
func (e *TractionError) WithPhase(phase Phase) *TractionError {
	e.Phase = phase
	return e
}

// WithProject attaches the project ID.
func (e *TractionError) WithProject(projectID string) *TractionError {
	e.ProjectID = projectID
	return e
}

// WithCause attaches an underlying cause.
func (e *TractionError) WithCause(err error) *TractionError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TractionError) WithDetails(details map[string]any) *TractionError {
	e.Details = details
	return e
}

// Category maps the error code onto the failure taxonomy the workflow
// engine branches on. Budget refusals, validation failures, and cancels
// are never retried; timeouts, rate limits, and store hiccups are.
func (e *TractionError) Category() ErrorCategory {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeRateLimited, ErrCodeCircuitOpen, ErrCodeStore:
		return CategoryTransient
	case ErrCodeValidation, ErrCodeBudgetExceeded, ErrCodeInvalidTransition,
		ErrCodeCrewUnavailable, ErrCodeCancelled:
		return CategoryPermanent
	default:
		return ""
	}
}
