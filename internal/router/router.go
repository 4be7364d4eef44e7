// Package router picks the crew that runs each phase. Selection is a
// pure function of the candidate list and a reliability snapshot, so
// identical inputs always produce identical rankings.
package router

import (
	"sort"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// Scorer provides reliability scores for candidate crews. The
// reliability store satisfies it.
type Scorer interface {
	Snapshot(phase schema.Phase, candidates []string) map[string]float64
}

// Candidate pairs a crew name with the score it was ranked on.
type Candidate struct {
	Crew  string
	Score float64
}

// Router ranks candidate crews by reliability.
type Router struct {
	scorer Scorer
}

// New creates a router backed by the given scorer.
func New(scorer Scorer) *Router {
	return &Router{scorer: scorer}
}

// Select returns the highest-scoring crew for the phase. Ties keep the
// configured candidate order, so selection is deterministic. Returns a
// CREW_UNAVAILABLE error when the candidate list is empty.
func (r *Router) Select(phase schema.Phase, candidates []string) (string, error) {
	ranked, err := r.Rank(phase, candidates)
	if err != nil {
		return "", err
	}
	return ranked[0].Crew, nil
}

// Rank returns all candidates ordered best-first. The primary key is
// the reliability score descending; the tie-break is position in the
// configured candidate list.
func (r *Router) Rank(phase schema.Phase, candidates []string) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, schema.NewError(schema.ErrCodeCrewUnavailable,
			"no candidate crews configured for phase").WithPhase(phase)
	}

	scores := r.scorer.Snapshot(phase, candidates)

	ranked := make([]Candidate, len(candidates))
	for i, crew := range candidates {
		ranked[i] = Candidate{Crew: crew, Score: scores[crew]}
	}
	// Stable sort preserves configured order among equal scores.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}
