package fees

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"lucidpay/core/types"
	"lucidpay/observability"
)

// Category identifies the shape of ledger call being priced.
type Category string

const (
	CategoryTransfer      Category = "transfer"
	CategoryTokenTransfer Category = "token_transfer"
	CategoryContractCall  Category = "contract_call"
	CategoryPayoutOpen    Category = "payout_open"
	CategoryPayoutKYC     Category = "payout_kyc"
)

// ParseCategory normalises and validates a category string. Empty input
// defaults to a token transfer.
func ParseCategory(raw string) (Category, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return CategoryTokenTransfer, nil
	}
	switch Category(trimmed) {
	case CategoryTransfer, CategoryTokenTransfer, CategoryContractCall, CategoryPayoutOpen, CategoryPayoutKYC:
		return Category(trimmed), nil
	default:
		return "", fmt.Errorf("fees: unknown category %q", raw)
	}
}

// resourceCost is the fixed bandwidth/energy consumption of one call shape.
// Gated calls cost more energy than plain transfers because they carry and
// check compliance payload on chain.
type resourceCost struct {
	bandwidth int64
	energy    int64
}

var categoryCosts = map[Category]resourceCost{
	CategoryTransfer:      {bandwidth: 268, energy: 0},
	CategoryTokenTransfer: {bandwidth: 268, energy: 14_800},
	CategoryContractCall:  {bandwidth: 268, energy: 20_000},
	CategoryPayoutOpen:    {bandwidth: 268, energy: 25_000},
	CategoryPayoutKYC:     {bandwidth: 268, energy: 30_000},
}

var priorityMultipliers = map[types.Priority]float64{
	types.PriorityLow:    0.8,
	types.PriorityNormal: 1.0,
	types.PriorityHigh:   1.5,
	types.PriorityUrgent: 2.0,
}

// historyLimit bounds the rolling fee history used as a congestion proxy.
const historyLimit = 1000

// congestionWindow is how many recent fees feed the variance calculation.
const congestionWindow = 10

// Estimate is the priced result for one call shape at one priority.
type Estimate struct {
	Category        Category
	Priority        types.Priority
	BandwidthUnits  int64
	EnergyUnits     int64
	BandwidthFeeSun int64
	EnergyFeeSun    int64
	TotalFeeSun     int64
	Multiplier      float64
	Confidence      float64
	ConfirmTime     time.Duration
	Conditions      Conditions
}

// Estimator prices ledger calls from the fixed category table, current
// network conditions, and a priority bias. It keeps a bounded history of
// produced estimates as a cheap congestion proxy.
type Estimator struct {
	provider *Provider

	mu      sync.Mutex
	history []int64
}

// NewEstimator builds an Estimator over the supplied height source. The
// estimator feeds its own fee history back into the provider as the
// congestion signal.
func NewEstimator(source HeightSource, opts ...ProviderOption) (*Estimator, error) {
	e := &Estimator{}
	provider, err := NewProvider(source, e.historyCongestion, opts...)
	if err != nil {
		return nil, err
	}
	e.provider = provider
	return e, nil
}

// Conditions exposes the current network snapshot.
func (e *Estimator) Conditions(ctx context.Context) (Conditions, error) {
	return e.provider.Current(ctx)
}

// Estimate prices one call of the given category and priority.
func (e *Estimator) Estimate(ctx context.Context, category Category, priority types.Priority) (Estimate, error) {
	return e.estimate(ctx, category, priority, 1)
}

// EstimateBatch prices count calls dispatched together, scaling resource
// consumption linearly.
func (e *Estimator) EstimateBatch(ctx context.Context, count int, category Category, priority types.Priority) (Estimate, error) {
	if count <= 0 {
		return Estimate{}, fmt.Errorf("fees: batch count must be positive")
	}
	return e.estimate(ctx, category, priority, int64(count))
}

// Optimize returns every priority whose estimate fits within maxFeeSun,
// sorted by ascending total fee.
func (e *Estimator) Optimize(ctx context.Context, category Category, maxFeeSun int64) ([]Estimate, error) {
	if maxFeeSun <= 0 {
		return nil, fmt.Errorf("fees: fee budget must be positive")
	}
	affordable := make([]Estimate, 0, 4)
	for _, priority := range types.Priorities() {
		est, err := e.estimate(ctx, category, priority, 1)
		if err != nil {
			return nil, err
		}
		if est.TotalFeeSun <= maxFeeSun {
			affordable = append(affordable, est)
		}
	}
	sort.Slice(affordable, func(i, j int) bool {
		return affordable[i].TotalFeeSun < affordable[j].TotalFeeSun
	})
	return affordable, nil
}

func (e *Estimator) estimate(ctx context.Context, category Category, priority types.Priority, count int64) (Estimate, error) {
	cost, ok := categoryCosts[category]
	if !ok {
		return Estimate{}, fmt.Errorf("fees: unknown category %q", category)
	}
	multiplier, ok := priorityMultipliers[priority]
	if !ok {
		return Estimate{}, fmt.Errorf("fees: unknown priority %q", priority)
	}
	conditions, err := e.provider.Current(ctx)
	if err != nil {
		return Estimate{}, err
	}

	bandwidth := cost.bandwidth * count
	energy := cost.energy * count
	bandwidthFee := int64(math.Round(float64(bandwidth*conditions.BandwidthPriceSun) * multiplier))
	energyFee := int64(math.Round(float64(energy*conditions.EnergyPriceSun) * multiplier))
	total := bandwidthFee + energyFee

	est := Estimate{
		Category:        category,
		Priority:        priority,
		BandwidthUnits:  bandwidth,
		EnergyUnits:     energy,
		BandwidthFeeSun: bandwidthFee,
		EnergyFeeSun:    energyFee,
		TotalFeeSun:     total,
		Multiplier:      multiplier,
		Confidence:      confidence(conditions.Congestion, priority),
		ConfirmTime:     confirmTime(conditions.Congestion, priority),
		Conditions:      conditions,
	}

	e.record(total)
	observability.Fees().ObserveEstimate(string(category), string(priority), total)
	return est, nil
}

// confirmTime compresses or stretches the congestion-adjusted baseline by
// priority. Urgent halves it, low stretches it by half again.
func confirmTime(congestion float64, priority types.Priority) time.Duration {
	base := baseConfirmation(congestion).Seconds()
	var seconds float64
	switch priority {
	case types.PriorityUrgent:
		seconds = math.Max(10, base/2)
	case types.PriorityHigh:
		seconds = math.Max(15, base*0.7)
	case types.PriorityLow:
		seconds = base * 1.5
	default:
		seconds = base
	}
	return time.Duration(seconds * float64(time.Second))
}

// confidence starts at 0.8 and shifts with congestion and priority, clamped
// to [0.1, 0.95].
func confidence(congestion float64, priority types.Priority) float64 {
	score := 0.8
	switch {
	case congestion > 0.7:
		score -= 0.1
	case congestion < 0.3:
		score += 0.1
	}
	switch priority {
	case types.PriorityUrgent:
		score -= 0.05
	case types.PriorityLow:
		score += 0.05
	}
	return math.Max(0.1, math.Min(0.95, score))
}

func (e *Estimator) record(totalSun int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, totalSun)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
}

// historyCongestion derives a congestion proxy from the variance of recent
// fees relative to their mean. Stable fees read as a quiet network.
func (e *Estimator) historyCongestion() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) < 2 {
		return 0
	}
	window := e.history
	if len(window) > congestionWindow {
		window = window[len(window)-congestionWindow:]
	}
	var sum float64
	for _, fee := range window {
		sum += float64(fee)
	}
	mean := sum / float64(len(window))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, fee := range window {
		delta := float64(fee) - mean
		variance += delta * delta
	}
	variance /= float64(len(window))
	return clamp01(math.Sqrt(variance) / mean)
}
