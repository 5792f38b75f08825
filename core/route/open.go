package route

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"lucidpay/core/fees"
	"lucidpay/core/types"
	"lucidpay/ledger"
)

// Broadcaster is the slice of the ledger client a route needs.
type Broadcaster interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	BuildAndBroadcast(ctx context.Context, req ledger.BroadcastRequest) (string, error)
}

// FeeQuoter prices a call shape at a priority, used to enforce fee ceilings
// before broadcast.
type FeeQuoter interface {
	Estimate(ctx context.Context, category fees.Category, priority types.Priority) (fees.Estimate, error)
}

// defaultCallTimeout bounds each outbound ledger call made by a route.
const defaultCallTimeout = 10 * time.Second

// OpenConfig parameterises the ungated route.
type OpenConfig struct {
	Treasury    string
	Limits      Limits
	CallTimeout time.Duration
}

// Open executes payouts without identity gating: bounds checks, treasury
// balance check, then sign and broadcast.
type Open struct {
	cfg     OpenConfig
	client  Broadcaster
	quoter  FeeQuoter
	limiter *dailyLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// OpenOption customises the open route.
type OpenOption func(*Open)

// WithOpenClock overrides the time source, primarily for tests.
func WithOpenClock(now func() time.Time) OpenOption {
	return func(o *Open) {
		if now != nil {
			o.now = now
		}
	}
}

// WithOpenQuoter attaches a fee estimator used to enforce the fee ceiling.
func WithOpenQuoter(quoter FeeQuoter) OpenOption {
	return func(o *Open) { o.quoter = quoter }
}

// WithOpenLogger overrides the route logger.
func WithOpenLogger(logger *slog.Logger) OpenOption {
	return func(o *Open) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOpen builds the open route executor.
func NewOpen(cfg OpenConfig, client Broadcaster, opts ...OpenOption) (*Open, error) {
	if client == nil {
		return nil, fmt.Errorf("route: ledger client required")
	}
	if !ledger.ValidAddress(cfg.Treasury) {
		return nil, fmt.Errorf("route: invalid treasury address %q", cfg.Treasury)
	}
	if err := cfg.Limits.validate(); err != nil {
		return nil, err
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	o := &Open{
		cfg:    cfg,
		client: client,
		logger: slog.Default().With("component", "route_open"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.limiter = newDailyLimiter(cfg.Limits.DailyCap, o.now)
	return o, nil
}

// Route identifies this executor.
func (o *Open) Route() types.Route { return types.RouteOpen }

// Validate runs the cheap prerequisite checks at intake.
func (o *Open) Validate(req Request) error {
	if !ledger.ValidAddress(req.Recipient) {
		return fmt.Errorf("route: invalid recipient address %q", req.Recipient)
	}
	return o.cfg.Limits.checkAmount(req.Amount)
}

// Execute re-validates, reserves daily volume, checks the treasury balance,
// and broadcasts. The daily reservation is released on any failure so a
// rejected payout does not burn headroom.
func (o *Open) Execute(ctx context.Context, req Request) (string, error) {
	if err := o.Validate(req); err != nil {
		return "", err
	}
	if err := o.limiter.Reserve(req.Amount); err != nil {
		return "", err
	}
	txid, err := broadcastTransfer(ctx, o.client, o.quoter, o.cfg.Limits, o.cfg.Treasury, o.cfg.CallTimeout, req, fees.CategoryPayoutOpen, nil)
	if err != nil {
		o.limiter.Release(req.Amount)
		return "", err
	}
	o.logger.Info("payout broadcast", "payout_id", req.PayoutID, "route", "open", "txid", txid)
	return txid, nil
}

// DailyRemaining reports the unused daily volume headroom.
func (o *Open) DailyRemaining() *big.Int { return o.limiter.Remaining() }

// broadcastTransfer is the shared tail of both routes: fee ceiling check,
// treasury balance check failing closed, then sign and broadcast. Every
// ledger call runs under its own timeout.
func broadcastTransfer(ctx context.Context, client Broadcaster, quoter FeeQuoter, limits Limits, treasury string, timeout time.Duration, req Request, category fees.Category, callData []byte) (string, error) {
	if quoter != nil {
		est, err := quoter.Estimate(ctx, category, req.Priority)
		if err != nil {
			return "", fmt.Errorf("route: estimate fee: %w", err)
		}
		if est.TotalFeeSun > limits.FeeLimitSun {
			return "", fmt.Errorf("%w: %d > %d sun", ErrFeeCeilingExceeded, est.TotalFeeSun, limits.FeeLimitSun)
		}
	}

	balanceCtx, cancel := context.WithTimeout(ctx, timeout)
	balance, err := client.Balance(balanceCtx, treasury)
	cancel()
	if err != nil {
		return "", fmt.Errorf("route: query treasury balance: %w", err)
	}
	if balance.Cmp(req.Amount) < 0 {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, req.Amount)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.BuildAndBroadcast(broadcastCtx, ledger.BroadcastRequest{
		To:          req.Recipient,
		Amount:      req.Amount,
		FeeLimitSun: limits.FeeLimitSun,
		CallData:    callData,
	})
}

var _ Executor = (*Open)(nil)
