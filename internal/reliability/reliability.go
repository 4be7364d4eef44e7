// Package reliability tracks per-(phase, crew) success scores with an
// exponentially weighted moving average. The router reads snapshots to
// rank candidate crews; the engine reports outcomes after every
// execution.
package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

const (
	// DefaultAlpha weights the most recent outcome at 20%.
	DefaultAlpha = 0.2
	// NeutralScore is assumed for pairs with no recorded history.
	NeutralScore = 0.5
)

// Key identifies one (phase, crew) pair.
type Key struct {
	Phase schema.Phase
	Crew  string
}

type entry struct {
	score   float64
	samples int64
	updated time.Time
}

// Persister writes reliability records to durable storage. The libsql
// store satisfies it; a nil persister keeps scores in memory only.
type Persister interface {
	UpsertReliability(ctx context.Context, rec *store.ReliabilityRecord) error
}

// Store holds EWMA scores for crew assignments. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	alpha   float64
	entries map[Key]entry

	persister Persister
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithAlpha overrides the smoothing factor. Values outside (0, 1] are
// ignored.
func WithAlpha(alpha float64) Option {
	return func(s *Store) {
		if alpha > 0 && alpha <= 1 {
			s.alpha = alpha
		}
	}
}

// WithPersister enables write-through persistence of score updates.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a reliability store with the default alpha.
func NewStore(opts ...Option) *Store {
	s := &Store{
		alpha:   DefaultAlpha,
		entries: make(map[Key]entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the current score for the pair, or NeutralScore when
// the pair has never been observed.
func (s *Store) Score(phase schema.Phase, crew string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[Key{Phase: phase, Crew: crew}]; ok {
		return e.score
	}
	return NeutralScore
}

// Record folds one outcome into the pair's score and returns the new
// value. Success counts as 1.0, failure as 0.0. The read-modify-write
// is serialized per store so interleaved reporters cannot lose updates.
func (s *Store) Record(ctx context.Context, phase schema.Phase, crew string, success bool) float64 {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	key := Key{Phase: phase, Crew: crew}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = entry{score: NeutralScore}
	}
	e.score = e.score*(1-s.alpha) + outcome*s.alpha
	e.samples++
	e.updated = time.Now().UTC()
	s.entries[key] = e
	s.mu.Unlock()

	if s.persister != nil {
		rec := &store.ReliabilityRecord{
			Phase:     phase,
			Crew:      crew,
			Score:     e.score,
			Samples:   e.samples,
			UpdatedAt: e.updated,
		}
		if err := s.persister.UpsertReliability(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "failed to persist reliability score",
				"phase", phase, "crew", crew, "error", err)
		}
	}
	return e.score
}

// Snapshot returns scores for every crew in the candidate list, filling
// NeutralScore for pairs with no history. The router consumes this to
// rank candidates without holding the store lock.
func (s *Store) Snapshot(phase schema.Phase, candidates []string) map[string]float64 {
	out := make(map[string]float64, len(candidates))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, crew := range candidates {
		if e, ok := s.entries[Key{Phase: phase, Crew: crew}]; ok {
			out[crew] = e.score
		} else {
			out[crew] = NeutralScore
		}
	}
	return out
}

// Samples returns how many outcomes have been recorded for the pair.
func (s *Store) Samples(phase schema.Phase, crew string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[Key{Phase: phase, Crew: crew}].samples
}

// Load seeds the in-memory table from persisted records. Called once at
// startup so history survives restarts.
func (s *Store) Load(records []*store.ReliabilityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.entries[Key{Phase: rec.Phase, Crew: rec.Crew}] = entry{
			score:   rec.Score,
			samples: rec.Samples,
			updated: rec.UpdatedAt,
		}
	}
}

// All returns every tracked pair and its score.
func (s *Store) All() map[Key]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]float64, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.score
	}
	return out
}
