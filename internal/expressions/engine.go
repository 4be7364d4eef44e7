// Package expressions provides the sandboxed expression engines used
// across the pipeline: CEL for phase guards, Expr for cost rules, and
// GoJQ for extracting values out of crew output.
package expressions

import "context"

// Engine evaluates expressions against pipeline data.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
