package schema

import "time"

// Phase is a named step in a project's lifecycle state machine.
type Phase string

const (
	PhaseInitialization Phase = "INITIALIZATION"
	PhaseMarketResearch Phase = "MARKET_RESEARCH"
	PhasePlanning       Phase = "PLANNING"
	PhaseTaskExecution  Phase = "TASK_EXECUTION"
	PhaseSynthesis      Phase = "SYNTHESIS"

	// PhaseRecovery is the re-attempt state entered after a transient failure
	// or after a permanent failure with a registered recovery crew.
	PhaseRecovery Phase = "RECOVERY"

	// Terminal pair.
	PhaseCompleted Phase = "COMPLETED"
	PhaseError     Phase = "ERROR"
)

// Terminal reports whether the phase stops the engine.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// DefaultMaxRetries bounds RECOVERY cycles per phase when a PhaseSpec
// does not set its own limit.
const DefaultMaxRetries = 3

// DefaultPhaseTimeout bounds a single crew execution when a PhaseSpec
// does not set its own timeout.
const DefaultPhaseTimeout = 5 * time.Minute

// PhaseSpec is the static configuration of one non-terminal phase.
type PhaseSpec struct {
	Phase Phase `json:"phase"`

	// NextOnSuccess is the single designated successor. Required.
	NextOnSuccess Phase `json:"next_on_success"`

	// NextOnPermanentFailure overrides the default ERROR destination for
	// permanent failures. Ignored when a RecoveryCrew is registered.
	NextOnPermanentFailure Phase `json:"next_on_permanent_failure,omitempty"`

	// Candidates is the statically configured crew set for this phase.
	// Slice order is the deterministic tie-break for the router.
	Candidates []string `json:"candidates"`

	// RecoveryCrew, when set, makes permanent failures recoverable: the
	// project moves to RECOVERY instead of ERROR and this crew handles
	// the re-attempt.
	RecoveryCrew string `json:"recovery_crew,omitempty"`

	// Guard is an optional CEL expression over the project snapshot.
	// When it evaluates to false the phase is skipped.
	Guard string `json:"guard,omitempty"`

	// EstimatedCost is the spend estimate presented to the budget ledger
	// before execution. CostRule, when set, is an expr expression over the
	// project snapshot that overrides the literal.
	EstimatedCost int64  `json:"estimated_cost"`
	CostRule      string `json:"cost_rule,omitempty"`

	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
}

// PhaseTimeout returns the configured timeout or the package default.
func (s *PhaseSpec) PhaseTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultPhaseTimeout
}

// RetryLimit returns the configured retry bound or the package default.
func (s *PhaseSpec) RetryLimit() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return DefaultMaxRetries
}

// Pipeline is the ordered set of phase specs a project advances through.
type Pipeline struct {
	specs map[Phase]*PhaseSpec
	order []Phase
}

// NewPipeline builds a pipeline from specs, preserving order. Returns an
// error if a spec is missing its successor or duplicates a phase.
func NewPipeline(specs ...*PhaseSpec) (*Pipeline, error) {
	p := &Pipeline{specs: make(map[Phase]*PhaseSpec, len(specs))}
	for _, s := range specs {
		if s.Phase == "" {
			return nil, NewError(ErrCodeValidation, "phase spec missing phase name")
		}
		if s.Phase.Terminal() {
			return nil, NewErrorf(ErrCodeValidation, "terminal phase %s cannot have a spec", s.Phase)
		}
		if s.NextOnSuccess == "" {
			return nil, NewErrorf(ErrCodeValidation, "phase %s missing next_on_success", s.Phase)
		}
		if len(s.Candidates) == 0 {
			return nil, NewErrorf(ErrCodeValidation, "phase %s has no candidate crews", s.Phase)
		}
		if _, dup := p.specs[s.Phase]; dup {
			return nil, NewErrorf(ErrCodeConflict, "duplicate phase spec %s", s.Phase)
		}
		p.specs[s.Phase] = s
		p.order = append(p.order, s.Phase)
	}
	return p, nil
}

// Spec returns the spec for a phase, or false if none is registered.
func (p *Pipeline) Spec(phase Phase) (*PhaseSpec, bool) {
	s, ok := p.specs[phase]
	return s, ok
}

// Entry is the first phase of the pipeline.
func (p *Pipeline) Entry() Phase {
	if len(p.order) == 0 {
		return PhaseError
	}
	return p.order[0]
}

// Phases returns the configured phase order.
func (p *Pipeline) Phases() []Phase {
	out := make([]Phase, len(p.order))
	copy(out, p.order)
	return out
}

// DefaultPipeline is the standard five-phase evaluation flow for a
// business idea, each phase served by its conventionally named crew.
func DefaultPipeline() *Pipeline {
	p, err := NewPipeline(
		&PhaseSpec{Phase: PhaseInitialization, NextOnSuccess: PhaseMarketResearch, Candidates: []string{"intake_crew"}, EstimatedCost: 1},
		&PhaseSpec{Phase: PhaseMarketResearch, NextOnSuccess: PhasePlanning, Candidates: []string{"market_crew", "research_crew"}, EstimatedCost: 10},
		&PhaseSpec{Phase: PhasePlanning, NextOnSuccess: PhaseTaskExecution, Candidates: []string{"planning_crew"}, EstimatedCost: 5},
		&PhaseSpec{Phase: PhaseTaskExecution, NextOnSuccess: PhaseSynthesis, Candidates: []string{"execution_crew", "builder_crew"}, EstimatedCost: 20},
		&PhaseSpec{Phase: PhaseSynthesis, NextOnSuccess: PhaseCompleted, Candidates: []string{"synthesis_crew"}, EstimatedCost: 5},
	)
	if err != nil {
		panic(err) // static table, cannot fail
	}
	return p
}
