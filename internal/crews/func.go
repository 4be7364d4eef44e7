package crews

import "context"

// Func adapts a plain function into a Crew. Handy for wiring and tests.
type Func struct {
	CrewName string
	Fn       func(ctx context.Context, input Input) (map[string]any, error)
}

// Name implements Crew.
func (f Func) Name() string { return f.CrewName }

// Run implements Crew.
func (f Func) Run(ctx context.Context, input Input) (map[string]any, error) {
	return f.Fn(ctx, input)
}
