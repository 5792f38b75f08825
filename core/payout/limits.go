package payout

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// LimitConfig bounds the orchestrator's global cumulative volume.
type LimitConfig struct {
	DailyCap  *big.Int
	HourlyCap *big.Int
}

func (c LimitConfig) validate() error {
	if c.DailyCap == nil || c.DailyCap.Sign() <= 0 {
		return fmt.Errorf("payout: daily cap must be positive")
	}
	if c.HourlyCap == nil || c.HourlyCap.Sign() <= 0 {
		return fmt.Errorf("payout: hourly cap must be positive")
	}
	return nil
}

// limitLedger tracks cumulative payout volume per calendar day and hour.
// Reserve checks and increments both windows in one critical section, so
// concurrent requests cannot jointly exceed a cap. Buckets roll over by key;
// stale buckets are dropped on first touch of a new one.
type limitLedger struct {
	mu    sync.Mutex
	cfg   LimitConfig
	days  map[string]*big.Int
	hours map[string]*big.Int
	now   func() time.Time
}

func newLimitLedger(cfg LimitConfig, now func() time.Time) *limitLedger {
	return &limitLedger{
		cfg:   cfg,
		days:  make(map[string]*big.Int),
		hours: make(map[string]*big.Int),
		now:   now,
	}
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// Reserve authorises amount against both windows or returns a LimitError
// without mutating either.
func (l *limitLedger) Reserve(amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	day := l.bucket(l.days, dayBucket(now))
	hour := l.bucket(l.hours, hourBucket(now))

	if projected := new(big.Int).Add(day, amount); projected.Cmp(l.cfg.DailyCap) > 0 {
		return &LimitError{Window: "daily", Cap: new(big.Int).Set(l.cfg.DailyCap), Current: new(big.Int).Set(day), Requested: new(big.Int).Set(amount)}
	}
	if projected := new(big.Int).Add(hour, amount); projected.Cmp(l.cfg.HourlyCap) > 0 {
		return &LimitError{Window: "hourly", Cap: new(big.Int).Set(l.cfg.HourlyCap), Current: new(big.Int).Set(hour), Requested: new(big.Int).Set(amount)}
	}
	day.Add(day, amount)
	hour.Add(hour, amount)
	return nil
}

// Release returns headroom consumed by a payout that never happened
// (cancelled, rejected, or exhausted without broadcast). The release targets
// the windows the reservation was taken in: once a window rolls over its
// buckets are dropped, so a late release must not free headroom in the new
// window.
func (l *limitLedger) Release(amount *big.Int, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range []struct {
		buckets map[string]*big.Int
		key     string
	}{
		{l.days, dayBucket(at)},
		{l.hours, hourBucket(at)},
	} {
		if total, ok := entry.buckets[entry.key]; ok {
			total.Sub(total, amount)
			if total.Sign() < 0 {
				total.SetInt64(0)
			}
		}
	}
}

// Replay re-applies volume from a restored transaction created at a known
// time, so caps survive restarts.
func (l *limitLedger) Replay(amount *big.Int, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if dayBucket(at) == dayBucket(now) {
		day := l.bucket(l.days, dayBucket(now))
		day.Add(day, amount)
	}
	if hourBucket(at) == hourBucket(now) {
		hour := l.bucket(l.hours, hourBucket(now))
		hour.Add(hour, amount)
	}
}

// Remaining reports the unused daily and hourly headroom.
func (l *limitLedger) Remaining() (daily, hourly *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	daily = remaining(l.cfg.DailyCap, l.days[dayBucket(now)])
	hourly = remaining(l.cfg.HourlyCap, l.hours[hourBucket(now)])
	return daily, hourly
}

func (l *limitLedger) bucket(buckets map[string]*big.Int, key string) *big.Int {
	total, ok := buckets[key]
	if !ok {
		total = big.NewInt(0)
		buckets[key] = total
		for existing := range buckets {
			if existing != key {
				delete(buckets, existing)
			}
		}
	}
	return total
}

func remaining(cap, used *big.Int) *big.Int {
	if used == nil {
		return new(big.Int).Set(cap)
	}
	left := new(big.Int).Sub(cap, used)
	if left.Sign() < 0 {
		left.SetInt64(0)
	}
	return left
}
