package fees

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lucidpay/observability"
)

// Sun-denominated unit prices for ledger resources.
const (
	BandwidthUnitCostSun int64 = 1000
	EnergyUnitCostSun    int64 = 420
)

// blockTime is the ledger's block production interval.
const blockTime = 3 * time.Second

// confirmationDepth is the block depth at which a transaction is considered
// durable.
const confirmationDepth = 19

// defaultConditionsTTL bounds how long cached network conditions are served.
const defaultConditionsTTL = 5 * time.Minute

// Conditions is a whole-value snapshot of the network state used for fee
// estimation. It is replaced atomically on refresh, never partially updated.
type Conditions struct {
	Height            uint64
	BandwidthPriceSun int64
	EnergyPriceSun    int64
	Congestion        float64
	AvgConfirmation   time.Duration
	FetchedAt         time.Time
}

// HeightSource supplies the latest ledger height.
type HeightSource interface {
	Height(ctx context.Context) (uint64, error)
}

// CongestionSource supplies a congestion estimate in [0, 1]. The estimator's
// rolling fee history backs the default implementation.
type CongestionSource func() float64

// Provider caches network conditions with a short TTL so estimation does not
// hit the ledger on every request.
type Provider struct {
	mu         sync.Mutex
	source     HeightSource
	congestion CongestionSource
	ttl        time.Duration
	cached     *Conditions
	logger     *slog.Logger
	now        func() time.Time
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithProviderClock overrides the time source, primarily for tests.
func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTTL overrides the cache lifetime.
func WithTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewProvider builds a Provider reading heights from source and congestion
// from the supplied callback.
func NewProvider(source HeightSource, congestion CongestionSource, opts ...ProviderOption) (*Provider, error) {
	if source == nil {
		return nil, fmt.Errorf("fees: height source required")
	}
	if congestion == nil {
		congestion = func() float64 { return 0 }
	}
	p := &Provider{
		source:     source,
		congestion: congestion,
		ttl:        defaultConditionsTTL,
		logger:     slog.Default().With("component", "network_conditions"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Current returns the cached conditions, refreshing them when the TTL has
// elapsed. A refresh failure falls back to the previous snapshot when one
// exists.
func (p *Provider) Current(ctx context.Context) (Conditions, error) {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	now := p.now()
	if cached != nil && now.Sub(cached.FetchedAt) < p.ttl {
		return *cached, nil
	}

	height, err := p.source.Height(ctx)
	if err != nil {
		if cached != nil {
			p.logger.Warn("refresh network conditions", "error", err)
			return *cached, nil
		}
		return Conditions{}, fmt.Errorf("fees: fetch ledger height: %w", err)
	}

	congestion := clamp01(p.congestion())
	fresh := Conditions{
		Height:            height,
		BandwidthPriceSun: BandwidthUnitCostSun,
		EnergyPriceSun:    EnergyUnitCostSun,
		Congestion:        congestion,
		AvgConfirmation:   baseConfirmation(congestion),
		FetchedAt:         now,
	}

	p.mu.Lock()
	p.cached = &fresh
	p.mu.Unlock()

	observability.Fees().SetCongestion(congestion)
	return fresh, nil
}

// baseConfirmation stretches the nominal confirmation time by congestion.
func baseConfirmation(congestion float64) time.Duration {
	base := float64(confirmationDepth) * blockTime.Seconds()
	return time.Duration(base * (1 + congestion*0.5) * float64(time.Second))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
