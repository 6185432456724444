package axis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Second})
	require.False(t, cb.IsOpen("fs"))
	require.Equal(t, CircuitClosed, cb.GetState("fs"))
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Second})
	cb.RecordFailure("fs")
	cb.RecordFailure("fs")
	require.False(t, cb.IsOpen("fs"), "two failures below threshold should not open")

	cb.RecordFailure("fs")
	require.True(t, cb.IsOpen("fs"))
}

func TestCircuitBreakerPrunesFailuresOutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Second})
	cb.nowFn = func() time.Time { return now }

	cb.RecordFailure("fs")
	now = now.Add(2 * time.Minute)
	cb.RecordFailure("fs")

	require.False(t, cb.IsOpen("fs"), "first failure should have aged out of the window")
}

func TestCircuitBreakerTransitionsToHalfOpenAfterCooldown(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Second})
	cb.nowFn = func() time.Time { return now }

	cb.RecordFailure("fs")
	require.Equal(t, CircuitOpen, cb.GetState("fs"))

	now = now.Add(11 * time.Second)
	require.Equal(t, CircuitHalfOpen, cb.GetState("fs"))
	require.False(t, cb.IsOpen("fs"), "half_open admits a probe")
}

func TestCircuitBreakerHalfOpenFailureReturnsToOpen(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Second})
	cb.nowFn = func() time.Time { return now }

	cb.RecordFailure("fs")
	now = now.Add(11 * time.Second)
	require.Equal(t, CircuitHalfOpen, cb.GetState("fs"))

	cb.RecordFailure("fs")
	require.True(t, cb.IsOpen("fs"))
}

func TestCircuitBreakerHalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Second, HalfOpenSuccessesToClose: 2})
	cb.nowFn = func() time.Time { return now }

	cb.RecordFailure("fs")
	now = now.Add(11 * time.Second)
	require.Equal(t, CircuitHalfOpen, cb.GetState("fs"))

	cb.RecordSuccess("fs")
	require.Equal(t, CircuitHalfOpen, cb.GetState("fs"), "one success below HalfOpenSuccessesToClose should stay half_open")

	cb.RecordSuccess("fs")
	require.Equal(t, CircuitClosed, cb.GetState("fs"))
}

func TestCircuitBreakerDefaultsHalfOpenSuccessesToOne(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Millisecond})
	require.Equal(t, 1, cb.cfg.HalfOpenSuccessesToClose)
}

func TestCircuitBreakerTracksGearsIndependently(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Minute})
	cb.RecordFailure("fs")
	require.True(t, cb.IsOpen("fs"))
	require.False(t, cb.IsOpen("http"))
}

func TestCircuitBreakerSuccessFromClosedIsNoop(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute})
	cb.RecordFailure("fs")
	cb.RecordSuccess("fs")
	require.Equal(t, CircuitClosed, cb.GetState("fs"))

	cb.RecordFailure("fs")
	cb.RecordFailure("fs")
	require.False(t, cb.IsOpen("fs"), "success should have reset the failure count")
}
