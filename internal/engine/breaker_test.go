package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})

	require.NoError(t, r.Allow("market_crew"))
	r.RecordFailure("market_crew")
	r.RecordFailure("market_crew")
	assert.Equal(t, CircuitClosed, r.State("market_crew"))
	require.NoError(t, r.Allow("market_crew"))

	state := r.RecordFailure("market_crew")
	assert.Equal(t, CircuitOpen, state)

	err := r.Allow("market_crew")
	require.Error(t, err)
	terr := &schema.TractionError{}
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, terr.Code)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})

	r.RecordFailure("market_crew")
	r.RecordFailure("market_crew")
	r.RecordSuccess("market_crew")
	r.RecordFailure("market_crew")
	r.RecordFailure("market_crew")
	assert.Equal(t, CircuitClosed, r.State("market_crew"))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	r.RecordFailure("market_crew")
	require.Error(t, r.Allow("market_crew"))

	time.Sleep(20 * time.Millisecond)

	// First call after the cooldown is the test request.
	require.NoError(t, r.Allow("market_crew"))
	// HalfOpenMax reached, a second call is refused.
	require.Error(t, r.Allow("market_crew"))

	r.RecordSuccess("market_crew")
	assert.Equal(t, CircuitClosed, r.State("market_crew"))
	require.NoError(t, r.Allow("market_crew"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	r.RecordFailure("market_crew")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Allow("market_crew"))

	state := r.RecordFailure("market_crew")
	assert.Equal(t, CircuitOpen, state)
	require.Error(t, r.Allow("market_crew"))
}

func TestBreaker_PerCrewIsolation(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})

	r.RecordFailure("market_crew")
	require.Error(t, r.Allow("market_crew"))
	require.NoError(t, r.Allow("research_crew"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
}
