package payout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBreaker(now func() time.Time) *breaker {
	return newBreaker(BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	}, now)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	b := newTestBreaker(func() time.Time { return baseTime })

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow())
	b.RecordFailure()

	require.ErrorIs(t, b.Allow(), ErrRouteUnavailable)
	require.Equal(t, BreakerOpen, b.Snapshot().State)
	require.Equal(t, 2, b.StateCode())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	b := newTestBreaker(func() time.Time { return baseTime })

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	require.NoError(t, b.Allow())
	require.Equal(t, BreakerClosed, b.Snapshot().State)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	now := baseTime
	b := newTestBreaker(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.ErrorIs(t, b.Allow(), ErrRouteUnavailable)

	now = baseTime.Add(time.Minute)
	b.Tick()
	require.Equal(t, BreakerHalfOpen, b.Snapshot().State)
	require.Equal(t, 1, b.StateCode())
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	require.Equal(t, BreakerHalfOpen, b.Snapshot().State)
	b.RecordSuccess()
	require.Equal(t, BreakerClosed, b.Snapshot().State)
	require.Equal(t, 0, b.StateCode())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	now := baseTime
	b := newTestBreaker(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	now = baseTime.Add(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrRouteUnavailable)
	// The recovery window restarts from the half-open failure.
	require.Equal(t, now, b.Snapshot().OpenedAt)
}

func TestBreakerDefaults(t *testing.T) {
	cfg := BreakerConfig{}.withDefaults()
	require.Equal(t, 10, cfg.FailureThreshold)
	require.Equal(t, 5*time.Minute, cfg.RecoveryTimeout)
	require.Equal(t, 2, cfg.SuccessThreshold)
}
