package fees

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lucidpay/core/types"
)

type fakeHeights struct {
	height uint64
	err    error
	calls  int
}

func (f *fakeHeights) Height(ctx context.Context) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.height, nil
}

func newTestEstimator(t *testing.T, source HeightSource, now func() time.Time) *Estimator {
	t.Helper()
	e, err := NewEstimator(source, WithProviderClock(now))
	require.NoError(t, err)
	return e
}

func TestEstimateTokenTransfer(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	e := newTestEstimator(t, &fakeHeights{height: 42}, func() time.Time { return baseTime })

	est, err := e.Estimate(context.Background(), CategoryTokenTransfer, types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, int64(268), est.BandwidthUnits)
	require.Equal(t, int64(14_800), est.EnergyUnits)
	require.Equal(t, 268*BandwidthUnitCostSun, est.BandwidthFeeSun)
	require.Equal(t, 14_800*EnergyUnitCostSun, est.EnergyFeeSun)
	require.Equal(t, est.BandwidthFeeSun+est.EnergyFeeSun, est.TotalFeeSun)
	require.Equal(t, 1.0, est.Multiplier)
	require.Equal(t, uint64(42), est.Conditions.Height)
}

func TestEstimatePriorityOrdering(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	e := newTestEstimator(t, &fakeHeights{height: 1}, func() time.Time { return baseTime })
	ctx := context.Background()

	fees := make(map[types.Priority]int64, 4)
	for _, priority := range types.Priorities() {
		est, err := e.Estimate(ctx, CategoryPayoutOpen, priority)
		require.NoError(t, err)
		fees[priority] = est.TotalFeeSun
	}
	require.Greater(t, fees[types.PriorityUrgent], fees[types.PriorityHigh])
	require.Greater(t, fees[types.PriorityHigh], fees[types.PriorityNormal])
	require.Greater(t, fees[types.PriorityNormal], fees[types.PriorityLow])
}

func TestEstimateBatchScalesLinearly(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	e := newTestEstimator(t, &fakeHeights{height: 1}, func() time.Time { return baseTime })
	ctx := context.Background()

	single, err := e.Estimate(ctx, CategoryTransfer, types.PriorityNormal)
	require.NoError(t, err)
	batch, err := e.EstimateBatch(ctx, 5, CategoryTransfer, types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, single.BandwidthUnits*5, batch.BandwidthUnits)
	require.Equal(t, single.TotalFeeSun*5, batch.TotalFeeSun)

	_, err = e.EstimateBatch(ctx, 0, CategoryTransfer, types.PriorityNormal)
	require.Error(t, err)
}

func TestEstimateRejectsUnknownInputs(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	e := newTestEstimator(t, &fakeHeights{height: 1}, func() time.Time { return baseTime })

	_, err := e.Estimate(context.Background(), Category("swap"), types.PriorityNormal)
	require.Error(t, err)
	_, err = e.Estimate(context.Background(), CategoryTransfer, types.Priority("asap"))
	require.Error(t, err)
}

func TestOptimizeReturnsAffordableAscending(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	e := newTestEstimator(t, &fakeHeights{height: 1}, func() time.Time { return baseTime })
	ctx := context.Background()

	normal, err := e.Estimate(ctx, CategoryTokenTransfer, types.PriorityNormal)
	require.NoError(t, err)

	// Budget covers low, normal, and high but not urgent.
	budget := int64(float64(normal.TotalFeeSun) * 1.5)
	affordable, err := e.Optimize(ctx, CategoryTokenTransfer, budget)
	require.NoError(t, err)
	require.Len(t, affordable, 3)
	require.Equal(t, types.PriorityLow, affordable[0].Priority)
	require.Equal(t, types.PriorityNormal, affordable[1].Priority)
	require.Equal(t, types.PriorityHigh, affordable[2].Priority)
	for i := 1; i < len(affordable); i++ {
		require.GreaterOrEqual(t, affordable[i].TotalFeeSun, affordable[i-1].TotalFeeSun)
	}

	_, err = e.Optimize(ctx, CategoryTokenTransfer, 0)
	require.Error(t, err)
}

func TestConfirmTimeByPriority(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	e := newTestEstimator(t, &fakeHeights{height: 1}, func() time.Time { return baseTime })
	ctx := context.Background()

	// No fee history yet, so congestion is zero and the baseline is the
	// plain depth * block time figure.
	base := float64(confirmationDepth) * blockTime.Seconds()

	urgent, err := e.Estimate(ctx, CategoryTransfer, types.PriorityUrgent)
	require.NoError(t, err)
	require.InDelta(t, base/2, urgent.ConfirmTime.Seconds(), 0.01)

	normal, err := e.Estimate(ctx, CategoryTransfer, types.PriorityNormal)
	require.NoError(t, err)
	require.InDelta(t, base, normal.ConfirmTime.Seconds(), 0.01)

	low, err := e.Estimate(ctx, CategoryTransfer, types.PriorityLow)
	require.NoError(t, err)
	require.InDelta(t, base*1.5, low.ConfirmTime.Seconds(), 0.01)
}

func TestConfidenceClamp(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	e := newTestEstimator(t, &fakeHeights{height: 1}, func() time.Time { return baseTime })
	ctx := context.Background()

	for _, priority := range types.Priorities() {
		est, err := e.Estimate(ctx, CategoryTransfer, priority)
		require.NoError(t, err)
		require.GreaterOrEqual(t, est.Confidence, 0.1)
		require.LessOrEqual(t, est.Confidence, 0.95)
	}
}

func TestConditionsCacheTTL(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	now := baseTime
	source := &fakeHeights{height: 10}
	e := newTestEstimator(t, source, func() time.Time { return now })
	ctx := context.Background()

	_, err := e.Estimate(ctx, CategoryTransfer, types.PriorityNormal)
	require.NoError(t, err)
	_, err = e.Estimate(ctx, CategoryTransfer, types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, 1, source.calls)

	now = baseTime.Add(defaultConditionsTTL + time.Second)
	source.height = 20
	conditions, err := e.Conditions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
	require.Equal(t, uint64(20), conditions.Height)
}

func TestConditionsStaleFallback(t *testing.T) {
	baseTime := time.Unix(1700000000, 0)
	now := baseTime
	source := &fakeHeights{height: 10}
	e := newTestEstimator(t, source, func() time.Time { return now })
	ctx := context.Background()

	first, err := e.Conditions(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), first.Height)

	now = baseTime.Add(defaultConditionsTTL + time.Second)
	source.err = errors.New("ledger unreachable")
	stale, err := e.Conditions(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), stale.Height)

	// With no cache at all the error surfaces.
	fresh := newTestEstimator(t, &fakeHeights{err: errors.New("down")}, func() time.Time { return now })
	_, err = fresh.Conditions(ctx)
	require.Error(t, err)
}

func TestParseCategory(t *testing.T) {
	category, err := ParseCategory("")
	require.NoError(t, err)
	require.Equal(t, CategoryTokenTransfer, category)

	category, err = ParseCategory("  Payout_Open ")
	require.NoError(t, err)
	require.Equal(t, CategoryPayoutOpen, category)

	_, err = ParseCategory("swap")
	require.Error(t, err)
}
