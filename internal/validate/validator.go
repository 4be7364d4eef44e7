// Package validate normalizes untrusted crew output into the canonical
// ExecutionResult envelope. It is the single place where "did this crew
// actually fail, and how" is decided; raw output never reaches the
// workflow engine.
package validate

import (
	"context"
	"errors"
	"fmt"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/expressions"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// Validator converts raw crew return values and errors into envelopes.
// Safe for concurrent use.
type Validator struct {
	pipeline *schema.Pipeline
	schemas  *ContentSchemas
	jq       *expressions.GoJQEngine

	// extraction maps a phase to named jq paths evaluated against the
	// content; results are merged back under the given keys.
	extraction map[schema.Phase]map[string]string
}

// Option configures a Validator.
type Option func(*Validator)

// WithContentSchemas enables per-phase structural validation.
func WithContentSchemas(cs *ContentSchemas) Option {
	return func(v *Validator) { v.schemas = cs }
}

// WithExtraction registers jq extraction paths for a phase.
func WithExtraction(phase schema.Phase, paths map[string]string) Option {
	return func(v *Validator) { v.extraction[phase] = paths }
}

// New creates a validator bound to a pipeline. The pipeline supplies
// the default next-success phase when crew output carries no directive.
func New(pipeline *schema.Pipeline, opts ...Option) *Validator {
	v := &Validator{
		pipeline:   pipeline,
		jq:         expressions.NewGoJQEngine(),
		extraction: make(map[schema.Phase]map[string]string),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Normalize is the sole converter from raw crew output into the tagged
// result variant. The returned envelope always has a status and, when
// not successful, an error category.
//
// Rules, in order:
//   - a caller error produces the failure variant, classified by Categorize
//   - non-map output is wrapped as {"raw_content": <string form>}
//   - content failing the phase's registered schema is a permanent failure
//   - a "next_phase" directive naming an unknown phase is a permanent failure
//   - absent directives default to the phase's configured next-success phase
func (v *Validator) Normalize(ctx context.Context, raw any, callErr error, meta schema.ExecutionMeta) *schema.ExecutionResult {
	if callErr != nil {
		return schema.NewFailureResult(Categorize(callErr), callErr.Error(), meta)
	}

	content := coerceContent(raw)

	if v.schemas != nil {
		if err := v.schemas.Check(meta.Phase, content); err != nil {
			return schema.NewFailureResult(schema.CategoryPermanent,
				fmt.Sprintf("output failed validation: %s", err.Error()), meta)
		}
	}

	if paths := v.extraction[meta.Phase]; len(paths) > 0 {
		extracted, err := v.extract(ctx, content, paths)
		if err != nil {
			return schema.NewFailureResult(schema.CategoryPermanent,
				fmt.Sprintf("output extraction failed: %s", err.Error()), meta)
		}
		for k, val := range extracted {
			content[k] = val
		}
	}

	next, err := v.resolveNextPhase(content, meta.Phase)
	if err != nil {
		return schema.NewFailureResult(schema.CategoryPermanent, err.Error(), meta)
	}

	result := schema.NewSuccessResult(content, meta)
	result.NextPhase = next
	return result
}

func (v *Validator) extract(ctx context.Context, content map[string]any, paths map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(paths))
	for key, path := range paths {
		val, err := v.jq.Evaluate(ctx, path, content)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// resolveNextPhase honors an explicit "next_phase" directive in the
// output and otherwise falls back to the pipeline's configured
// next-success phase. The directive is consumed, not stored as content.
func (v *Validator) resolveNextPhase(content map[string]any, phase schema.Phase) (schema.Phase, error) {
	if directive, ok := content["next_phase"]; ok {
		delete(content, "next_phase")
		name, ok := directive.(string)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"next_phase directive must be a string, got %T", directive)
		}
		next := schema.Phase(name)
		if _, known := v.pipeline.Spec(next); !known && !next.Terminal() {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"next_phase directive names unknown phase %q", name)
		}
		return next, nil
	}

	if spec, ok := v.pipeline.Spec(phase); ok {
		return spec.NextOnSuccess, nil
	}
	return "", nil
}

// coerceContent produces a structured map from whatever the crew
// returned. Non-map values are stringified under raw_content.
func coerceContent(raw any) map[string]any {
	switch val := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if val == nil {
			return map[string]any{}
		}
		return val
	default:
		return map[string]any{"raw_content": fmt.Sprint(raw)}
	}
}

// Categorize maps an execution error onto the failure taxonomy. Context
// deadlines count as transient so timed-out phases are retried; crew
// errors without an explicit classification are permanent, since the
// worker boundary is where unknown failures stop propagating.
func Categorize(err error) schema.ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.CategoryTransient
	}
	var terr *schema.TractionError
	if errors.As(err, &terr) {
		if c := terr.Category(); c != "" {
			return c
		}
	}
	return schema.CategoryPermanent
}
