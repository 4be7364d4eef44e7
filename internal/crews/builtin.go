package crews

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins registers the stock crews for the default pipeline.
// They produce deterministic structured output so an evaluation run
// works end to end without any external integration; deployments
// replace them by registering crews with the same names.
func RegisterBuiltins(reg *Registry) error {
	builtins := []Crew{
		Func{CrewName: "intake_crew", Fn: runIntake},
		Func{CrewName: "market_crew", Fn: runMarketScan},
		Func{CrewName: "research_crew", Fn: runMarketScan},
		Func{CrewName: "planning_crew", Fn: runPlanning},
		Func{CrewName: "execution_crew", Fn: runExecution},
		Func{CrewName: "builder_crew", Fn: runExecution},
		Func{CrewName: "synthesis_crew", Fn: runSynthesis},
	}
	for _, c := range builtins {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func runIntake(_ context.Context, input Input) (map[string]any, error) {
	idea := strings.TrimSpace(input.Idea)
	if idea == "" {
		return nil, fmt.Errorf("project idea is empty")
	}
	return map[string]any{
		"idea":        idea,
		"word_count":  len(strings.Fields(idea)),
		"accepted_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func runMarketScan(_ context.Context, input Input) (map[string]any, error) {
	return map[string]any{
		"summary":  fmt.Sprintf("market scan for: %s", input.Idea),
		"segments": []string{"early_adopters", "smb", "enterprise"},
		"signals":  map[string]any{"search_volume": "unknown", "competitors": []string{}},
	}, nil
}

func runPlanning(_ context.Context, input Input) (map[string]any, error) {
	return map[string]any{
		"plan": []map[string]any{
			{"task": "define_mvp_scope", "order": 1},
			{"task": "identify_target_segment", "order": 2},
			{"task": "draft_validation_experiment", "order": 3},
		},
		"based_on": input.Phase,
	}, nil
}

func runExecution(_ context.Context, input Input) (map[string]any, error) {
	tasks, _ := input.Context["plan"].([]any)
	return map[string]any{
		"completed_tasks": len(tasks),
		"notes":           "executed planned validation tasks",
	}, nil
}

func runSynthesis(_ context.Context, input Input) (map[string]any, error) {
	report := map[string]any{
		"idea":      input.Idea,
		"generated": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range input.Context {
		report[k] = v
	}
	return map[string]any{"report": report, "recommendation": "proceed_with_validation"}, nil
}
