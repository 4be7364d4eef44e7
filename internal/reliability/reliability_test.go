package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

func TestScoreUnseenPairIsNeutral(t *testing.T) {
	s := NewStore()
	assert.Equal(t, NeutralScore, s.Score(schema.PhasePlanning, "planning_crew"))
}

func TestRecordSuccessRaisesScore(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	score := s.Record(ctx, schema.PhasePlanning, "planning_crew", true)
	// 0.5*0.8 + 1.0*0.2
	assert.InDelta(t, 0.6, score, 1e-9)

	prev := score
	for i := 0; i < 20; i++ {
		score = s.Record(ctx, schema.PhasePlanning, "planning_crew", true)
		assert.Greater(t, score, prev, "repeated successes must be monotonically increasing")
		prev = score
	}
	assert.Less(t, score, 1.0, "score approaches but never reaches 1.0")
}

func TestRecordFailureLowersScore(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	score := s.Record(ctx, schema.PhaseTaskExecution, "execution_crew", false)
	assert.InDelta(t, 0.4, score, 1e-9)

	prev := score
	for i := 0; i < 20; i++ {
		score = s.Record(ctx, schema.PhaseTaskExecution, "execution_crew", false)
		assert.Less(t, score, prev)
		prev = score
	}
	assert.Greater(t, score, 0.0)
}

func TestScoresAreScopedPerPhase(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	s.Record(ctx, schema.PhasePlanning, "shared_crew", true)
	assert.Equal(t, NeutralScore, s.Score(schema.PhaseSynthesis, "shared_crew"),
		"outcomes in one phase must not bleed into another")
}

func TestWithAlpha(t *testing.T) {
	s := NewStore(WithAlpha(0.5))
	score := s.Record(context.Background(), schema.PhasePlanning, "c", true)
	assert.InDelta(t, 0.75, score, 1e-9)

	// Out-of-range values keep the default.
	s2 := NewStore(WithAlpha(1.5))
	score = s2.Record(context.Background(), schema.PhasePlanning, "c", true)
	assert.InDelta(t, 0.6, score, 1e-9)
}

func TestSnapshotFillsNeutral(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.Record(ctx, schema.PhaseMarketResearch, "market_crew", true)

	snap := s.Snapshot(schema.PhaseMarketResearch, []string{"market_crew", "research_crew"})
	require.Len(t, snap, 2)
	assert.InDelta(t, 0.6, snap["market_crew"], 1e-9)
	assert.Equal(t, NeutralScore, snap["research_crew"])
}

func TestLoadSeedsHistory(t *testing.T) {
	s := NewStore()
	s.Load([]*store.ReliabilityRecord{
		{Phase: schema.PhasePlanning, Crew: "planning_crew", Score: 0.9, Samples: 12, UpdatedAt: time.Now()},
	})
	assert.InDelta(t, 0.9, s.Score(schema.PhasePlanning, "planning_crew"), 1e-9)
	assert.Equal(t, int64(12), s.Samples(schema.PhasePlanning, "planning_crew"))
}

type capturingPersister struct {
	mu   sync.Mutex
	recs []*store.ReliabilityRecord
}

func (c *capturingPersister) UpsertReliability(_ context.Context, rec *store.ReliabilityRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func TestRecordPersistsWriteThrough(t *testing.T) {
	p := &capturingPersister{}
	s := NewStore(WithPersister(p))

	s.Record(context.Background(), schema.PhasePlanning, "planning_crew", true)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.recs, 1)
	assert.Equal(t, schema.PhasePlanning, p.recs[0].Phase)
	assert.Equal(t, "planning_crew", p.recs[0].Crew)
	assert.InDelta(t, 0.6, p.recs[0].Score, 1e-9)
	assert.Equal(t, int64(1), p.recs[0].Samples)
}

func TestConcurrentRecords(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Record(ctx, schema.PhasePlanning, "planning_crew", true)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), s.Samples(schema.PhasePlanning, "planning_crew"))
	score := s.Score(schema.PhasePlanning, "planning_crew")
	assert.Greater(t, score, 0.99)
	assert.LessOrEqual(t, score, 1.0)
}
