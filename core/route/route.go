package route

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"lucidpay/core/compliance"
	"lucidpay/core/types"
)

var (
	// ErrKYCPending marks a gated payout whose identity is not currently
	// verified. Not a failure: an external verification event must advance it.
	ErrKYCPending = errors.New("route: kyc verification pending")
	// ErrCompliancePending marks a gated payout whose compliance signature is
	// missing or not currently valid.
	ErrCompliancePending = errors.New("route: compliance approval pending")
	// ErrAmountBelowMinimum rejects amounts under the route floor.
	ErrAmountBelowMinimum = errors.New("route: amount below minimum")
	// ErrAmountAboveMaximum rejects amounts over the route ceiling.
	ErrAmountAboveMaximum = errors.New("route: amount above maximum")
	// ErrDailyCapExceeded rejects payouts that would push the route past its
	// daily volume cap.
	ErrDailyCapExceeded = errors.New("route: daily cap exceeded")
	// ErrInsufficientBalance rejects payouts the treasury cannot cover. Hard
	// rejection: a partial send is never attempted.
	ErrInsufficientBalance = errors.New("route: insufficient treasury balance")
	// ErrFeeCeilingExceeded rejects payouts whose estimated fee exceeds the
	// route's configured ceiling.
	ErrFeeCeilingExceeded = errors.New("route: estimated fee exceeds ceiling")
)

// Request is the route-facing slice of a payout: everything an executor needs
// to validate and broadcast one transfer.
type Request struct {
	PayoutID  string
	Recipient string
	Amount    *big.Int
	Priority  types.Priority
	Reason    string
	NodeID    string
	KYCHash   string
	Signature *compliance.Signature
}

// Executor is one payout execution path. Validate runs at intake and must be
// cheap; Execute may block on ledger I/O and must honour the context
// deadline.
type Executor interface {
	Route() types.Route
	Validate(req Request) error
	Execute(ctx context.Context, req Request) (string, error)
}

// Limits bounds a single route's traffic.
type Limits struct {
	MinAmount   *big.Int
	MaxAmount   *big.Int
	DailyCap    *big.Int
	FeeLimitSun int64
}

func (l Limits) validate() error {
	if l.MinAmount == nil || l.MinAmount.Sign() <= 0 {
		return fmt.Errorf("route: minimum amount must be positive")
	}
	if l.MaxAmount == nil || l.MaxAmount.Cmp(l.MinAmount) < 0 {
		return fmt.Errorf("route: maximum amount must be >= minimum")
	}
	if l.DailyCap == nil || l.DailyCap.Sign() <= 0 {
		return fmt.Errorf("route: daily cap must be positive")
	}
	if l.FeeLimitSun <= 0 {
		return fmt.Errorf("route: fee limit must be positive")
	}
	return nil
}

func (l Limits) checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount required", ErrAmountBelowMinimum)
	}
	if amount.Cmp(l.MinAmount) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrAmountBelowMinimum, amount, l.MinAmount)
	}
	if amount.Cmp(l.MaxAmount) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrAmountAboveMaximum, amount, l.MaxAmount)
	}
	return nil
}

// dailyLimiter tracks a route's cumulative daily volume. Reserve and Release
// form a single critical section per day bucket so concurrent payouts cannot
// jointly exceed the cap.
type dailyLimiter struct {
	mu     sync.Mutex
	cap    *big.Int
	totals map[string]*big.Int
	now    func() time.Time
}

func newDailyLimiter(cap *big.Int, now func() time.Time) *dailyLimiter {
	return &dailyLimiter{
		cap:    new(big.Int).Set(cap),
		totals: make(map[string]*big.Int),
		now:    now,
	}
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (l *dailyLimiter) Reserve(amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := dayBucket(l.now())
	total, ok := l.totals[bucket]
	if !ok {
		total = big.NewInt(0)
		l.totals[bucket] = total
		// Earlier buckets never roll forward; drop them.
		for key := range l.totals {
			if key != bucket {
				delete(l.totals, key)
			}
		}
	}
	projected := new(big.Int).Add(total, amount)
	if projected.Cmp(l.cap) > 0 {
		return fmt.Errorf("%w: %s + %s > %s", ErrDailyCapExceeded, total, amount, l.cap)
	}
	total.Set(projected)
	return nil
}

func (l *dailyLimiter) Release(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := dayBucket(l.now())
	if total, ok := l.totals[bucket]; ok {
		total.Sub(total, amount)
		if total.Sign() < 0 {
			total.SetInt64(0)
		}
	}
}

// Remaining reports the unused daily headroom.
func (l *dailyLimiter) Remaining() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total, ok := l.totals[dayBucket(l.now())]
	if !ok {
		return new(big.Int).Set(l.cap)
	}
	remaining := new(big.Int).Sub(l.cap, total)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining
}
