package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lucidpay/core/route"
	"lucidpay/core/types"
	"lucidpay/ledger"
	"lucidpay/observability"
)

// Store is the persistence boundary for the transaction registry. The
// orchestrator treats it as an at-least-durable document store keyed by id.
type Store interface {
	SavePayout(ctx context.Context, tx *Transaction) error
	DeletePayout(ctx context.Context, id string) error
	LoadPayouts(ctx context.Context) ([]*Transaction, error)
}

// EventSink receives append-only audit events. Events never drive control
// flow.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// StatusSource reports the ledger-side status of broadcast transactions.
type StatusSource interface {
	TransactionStatus(ctx context.Context, txid string) (ledger.TxStatus, error)
}

// Config parameterises the orchestrator.
type Config struct {
	Limits            LimitConfig
	Breaker           BreakerConfig
	MaxBatchSize      int
	MaxConcurrent     int
	MaxRetries        int
	BatchInterval     time.Duration
	ConfirmInterval   time.Duration
	MonitorInterval   time.Duration
	RetentionPeriod   time.Duration
	RetentionInterval time.Duration
	DispatchTimeout   time.Duration
	ConfirmTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Minute
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 30 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 30 * 24 * time.Hour
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	return c
}

// Orchestrator accepts unified payout requests, enforces global limits,
// schedules queued work in strict priority order, and owns the background
// loops for confirmation polling, breaker monitoring, and retention.
type Orchestrator struct {
	cfg          Config
	routes       map[types.Route]route.Executor
	statusSource StatusSource
	limits       *limitLedger
	breakers     map[types.Route]*breaker
	queues       *queueSet
	store        Store
	events       EventSink
	logger       *slog.Logger
	metrics      *observability.PayoutMetrics
	tracer       trace.Tracer
	now          func() time.Time

	mu       sync.Mutex
	txs      map[string]*Transaction
	inflight map[string]struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithStore attaches a persistence backend.
func WithStore(store Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithEvents attaches an audit event sink.
func WithEvents(sink EventSink) Option {
	return func(o *Orchestrator) { o.events = sink }
}

// WithLogger overrides the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an Orchestrator over the supplied route executors.
func New(cfg Config, executors []route.Executor, statusSource StatusSource, opts ...Option) (*Orchestrator, error) {
	if len(executors) == 0 {
		return nil, fmt.Errorf("payout: at least one route executor required")
	}
	if statusSource == nil {
		return nil, fmt.Errorf("payout: status source required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Limits.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:          cfg,
		routes:       make(map[types.Route]route.Executor, len(executors)),
		statusSource: statusSource,
		queues:       newQueueSet(),
		txs:          make(map[string]*Transaction),
		inflight:     make(map[string]struct{}),
		logger:       slog.Default().With("component", "payout_orchestrator"),
		metrics:      observability.Payout(),
		tracer:       otel.Tracer("lucidpay/core/payout"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.limits = newLimitLedger(cfg.Limits, o.now)
	o.breakers = make(map[types.Route]*breaker, len(executors))
	for _, exec := range executors {
		name := exec.Route()
		if _, dup := o.routes[name]; dup {
			return nil, fmt.Errorf("payout: duplicate executor for route %s", name)
		}
		o.routes[name] = exec
		o.breakers[name] = newBreaker(cfg.Breaker, o.now)
	}
	return o, nil
}

// Restore loads persisted transactions, re-queues interrupted work, and
// replays volume from the current limit windows. Call once before Start.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	restored, err := o.store.LoadPayouts(ctx)
	if err != nil {
		return fmt.Errorf("payout: restore transactions: %w", err)
	}
	o.mu.Lock()
	for _, tx := range restored {
		o.txs[tx.ID] = tx
		if tx.Status == StatusQueued {
			o.queues.Push(tx.Request.Priority, tx.ID)
		}
	}
	o.mu.Unlock()
	for _, tx := range restored {
		switch tx.Status {
		case StatusRejected, StatusCancelled, StatusFailed, StatusExpired:
		default:
			o.limits.Replay(tx.Request.Amount, tx.CreatedAt)
		}
	}
	o.logger.Info("restored transactions", "count", len(restored))
	return nil
}

// CreatePayout validates a request, derives its idempotent transaction id,
// and either dispatches it synchronously or appends it to its priority
// queue. Validation and limit errors surface to the caller; dispatch
// failures are absorbed into transaction state.
func (o *Orchestrator) CreatePayout(ctx context.Context, req Request) (*Transaction, error) {
	ctx, span := o.tracer.Start(ctx, "payout.create")
	defer span.End()

	req = normalise(req)
	executor, err := o.validate(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("payout.route", string(req.Route)))

	now := o.now()
	id := deriveID(req, now)
	if existing := o.lookup(id); existing != nil {
		return existing, nil
	}

	if err := o.limits.Reserve(req.Amount); err != nil {
		var le *LimitError
		if errors.As(err, &le) {
			o.metrics.RecordError(string(req.Route), le.Window+"_limit")
		}
		span.RecordError(err)
		return nil, err
	}

	tx := &Transaction{ID: id, Request: req, CreatedAt: now, Status: StatusQueued}
	if req.BatchMode == types.BatchImmediate {
		tx.Status = StatusPending
	}

	o.mu.Lock()
	if existing, ok := o.txs[id]; ok {
		// Lost a race with an identical request; hand back its transaction.
		snapshot := existing.Clone()
		o.mu.Unlock()
		o.limits.Release(req.Amount, now)
		return snapshot, nil
	}
	o.txs[id] = tx
	snapshot := tx.Clone()
	o.mu.Unlock()

	o.persist(ctx, snapshot)
	o.emit("payout_created", snapshot, nil)
	o.logger.Info("payout created", "payout_id", id, "route", string(req.Route),
		"priority", string(req.Priority), "batch_mode", string(req.BatchMode))

	if req.BatchMode == types.BatchImmediate {
		if err := o.dispatch(ctx, id, executor, true); err != nil {
			span.RecordError(err)
			return nil, err
		}
		return o.lookup(id), nil
	}

	o.queues.Push(req.Priority, id)
	o.publishDepths()
	return o.lookup(id), nil
}

// Get returns the transaction for an id.
func (o *Orchestrator) Get(id string) (*Transaction, error) {
	if tx := o.lookup(strings.TrimSpace(id)); tx != nil {
		return tx, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ListFilter narrows List output. Zero values match everything.
type ListFilter struct {
	Route  types.Route
	Status Status
	Limit  int
}

// List returns matching transactions, newest first.
func (o *Orchestrator) List(filter ListFilter) []*Transaction {
	o.mu.Lock()
	matched := make([]*Transaction, 0, len(o.txs))
	for _, tx := range o.txs {
		if filter.Route != "" && tx.Request.Route != filter.Route {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		matched = append(matched, tx.Clone())
	}
	o.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Cancel removes a still-queued transaction from its priority queue. Anything
// past the queue is immutable from the caller's side.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Transaction, error) {
	id = strings.TrimSpace(id)
	o.mu.Lock()
	tx, ok := o.txs[id]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, busy := o.inflight[id]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is dispatching", ErrNotCancellable, id)
	}
	if tx.Status != StatusQueued {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, tx.Status)
	}
	o.queues.Remove(id)
	tx.Status = StatusCancelled
	tx.CompletedAt = o.now()
	snapshot := tx.Clone()
	o.mu.Unlock()

	o.limits.Release(snapshot.Request.Amount, snapshot.CreatedAt)
	o.persist(ctx, snapshot)
	o.emit("payout_cancelled", snapshot, nil)
	o.metrics.RecordOutcome(string(snapshot.Request.Route), string(StatusCancelled))
	o.publishDepths()
	return snapshot, nil
}

// Stats is a point-in-time operational summary.
type Stats struct {
	Total           int
	ByStatus        map[Status]int
	ByRoute         map[types.Route]int
	QueueDepths     map[types.Priority]int
	DailyRemaining  *big.Int
	HourlyRemaining *big.Int
	Breakers        map[types.Route]BreakerSnapshot
}

// Stats summarises registry contents, queue backlog, limit headroom, and
// breaker positions.
func (o *Orchestrator) Stats() Stats {
	stats := Stats{
		ByStatus:    make(map[Status]int),
		ByRoute:     make(map[types.Route]int),
		QueueDepths: o.queues.Depths(),
		Breakers:    make(map[types.Route]BreakerSnapshot, len(o.breakers)),
	}
	o.mu.Lock()
	stats.Total = len(o.txs)
	for _, tx := range o.txs {
		stats.ByStatus[tx.Status]++
		stats.ByRoute[tx.Request.Route]++
	}
	o.mu.Unlock()
	stats.DailyRemaining, stats.HourlyRemaining = o.limits.Remaining()
	for name, br := range o.breakers {
		stats.Breakers[name] = br.Snapshot()
	}
	return stats
}

// Start launches the background loops. Stop cancels them and waits for
// in-flight work.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.started {
		return fmt.Errorf("payout: orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = true

	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"batch", o.cfg.BatchInterval, o.ProcessBatch},
		{"confirm", o.cfg.ConfirmInterval, o.PollConfirmations},
		{"monitor", o.cfg.MonitorInterval, func(context.Context) { o.MonitorBreakers() }},
		{"retention", o.cfg.RetentionInterval, o.SweepRetention},
	}
	for _, loop := range loops {
		o.wg.Add(1)
		go o.run(runCtx, loop.name, loop.interval, loop.fn)
	}
	o.logger.Info("orchestrator started",
		"batch_interval", o.cfg.BatchInterval.String(),
		"confirm_interval", o.cfg.ConfirmInterval.String())
	return nil
}

// Stop halts the background loops and waits for them to drain.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	if !o.started {
		o.runMu.Unlock()
		return
	}
	o.cancel()
	o.started = false
	o.runMu.Unlock()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) run(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ProcessBatch drains one batch window: up to MaxBatchSize transactions in
// strict priority order, dispatched concurrently with bounded parallelism.
// Exposed so tests can run windows without the scheduler.
func (o *Orchestrator) ProcessBatch(ctx context.Context) {
	ids := o.queues.Drain(o.cfg.MaxBatchSize)
	if len(ids) == 0 {
		return
	}
	sem := make(chan struct{}, o.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, id := range ids {
		tx := o.lookup(id)
		if tx == nil || tx.Status != StatusQueued {
			continue
		}
		executor := o.routes[tx.Request.Route]
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			_ = o.dispatch(ctx, id, executor, false)
		}(id)
	}
	wg.Wait()
	o.publishDepths()
}

// PollConfirmations checks every broadcast transaction against the ledger and
// applies expiry to transactions that aged out before broadcasting.
func (o *Orchestrator) PollConfirmations(ctx context.Context) {
	now := o.now()
	type pendingTx struct {
		id    string
		txid  string
		route types.Route
	}
	pending := make([]pendingTx, 0)
	expired := make([]string, 0)

	o.mu.Lock()
	for id, tx := range o.txs {
		if tx.Status.Terminal() {
			continue
		}
		if tx.TxID != "" && tx.Status == StatusPending {
			pending = append(pending, pendingTx{id: id, txid: tx.TxID, route: tx.Request.Route})
			continue
		}
		if !tx.Request.ExpiresAt.IsZero() && now.After(tx.Request.ExpiresAt) {
			if _, busy := o.inflight[id]; busy {
				continue
			}
			expired = append(expired, id)
		}
	}
	o.mu.Unlock()

	for _, id := range expired {
		o.markExpired(ctx, id)
	}

	sem := make(chan struct{}, o.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, p := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(p pendingTx) {
			defer wg.Done()
			defer func() { <-sem }()
			o.checkConfirmation(ctx, p.id, p.txid, p.route)
		}(p)
	}
	wg.Wait()
}

// MonitorBreakers advances breaker timers and refreshes the operational
// gauges.
func (o *Orchestrator) MonitorBreakers() {
	for name, br := range o.breakers {
		br.Tick()
		o.metrics.SetBreakerState(string(name), br.StateCode())
	}
	daily, hourly := o.limits.Remaining()
	o.metrics.RecordLimitRemaining("daily", daily)
	o.metrics.RecordLimitRemaining("hourly", hourly)
	o.publishDepths()
}

// SweepRetention evicts terminal transactions older than the retention
// window.
func (o *Orchestrator) SweepRetention(ctx context.Context) {
	cutoff := o.now().Add(-o.cfg.RetentionPeriod)
	evicted := make([]string, 0)

	o.mu.Lock()
	for id, tx := range o.txs {
		if !tx.Status.Terminal() {
			continue
		}
		stamp := tx.CompletedAt
		if stamp.IsZero() {
			stamp = tx.CreatedAt
		}
		if stamp.Before(cutoff) {
			delete(o.txs, id)
			evicted = append(evicted, id)
		}
	}
	o.mu.Unlock()

	for _, id := range evicted {
		if o.store != nil {
			if err := o.store.DeletePayout(ctx, id); err != nil {
				o.logger.Error("evict transaction", "payout_id", id, "error", err)
			}
		}
	}
	if len(evicted) > 0 {
		o.logger.Info("retention sweep", "evicted", len(evicted))
	}
}

// dispatch drives one transaction through its route. For immediate requests a
// breaker fast-fail is surfaced to the caller and the transaction is unwound;
// queued work is pushed back for the next window without consuming a retry.
func (o *Orchestrator) dispatch(ctx context.Context, id string, executor route.Executor, immediate bool) error {
	snapshot := o.claim(id)
	if snapshot == nil {
		return nil
	}
	defer o.unclaim(id)
	if !snapshot.Request.ExpiresAt.IsZero() && o.now().After(snapshot.Request.ExpiresAt) {
		o.markExpired(ctx, id)
		return nil
	}
	routeName := string(snapshot.Request.Route)

	br := o.breakers[snapshot.Request.Route]
	if err := br.Allow(); err != nil {
		if immediate {
			// Fail fast and unwind, as if the request was never accepted.
			o.mu.Lock()
			delete(o.txs, id)
			o.mu.Unlock()
			o.limits.Release(snapshot.Request.Amount, snapshot.CreatedAt)
			if o.store != nil {
				_ = o.store.DeletePayout(ctx, id)
			}
			unwound := snapshot.Clone()
			unwound.Status = StatusRejected
			unwound.CompletedAt = o.now()
			unwound.LastError = err.Error()
			o.emit("payout_rejected", unwound, map[string]any{"error": err.Error()})
			o.metrics.RecordError(routeName, "route_unavailable")
			return err
		}
		o.queues.Push(snapshot.Request.Priority, id)
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "payout.dispatch",
		trace.WithAttributes(attribute.String("payout.route", routeName)))
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	started := o.now()
	txid, err := executor.Execute(execCtx, o.toRouteRequest(snapshot))
	cancel()
	o.metrics.ObserveDispatch(routeName, o.now().Sub(started))

	if err == nil {
		br.RecordSuccess()
		updated := o.update(id, func(tx *Transaction) {
			if tx.Status.Terminal() {
				return
			}
			tx.TxID = txid
			tx.Status = StatusPending
			tx.ApprovedAt = o.now()
			tx.LastError = ""
		})
		if updated == nil || updated.Status.Terminal() {
			return nil
		}
		o.persist(ctx, updated)
		o.emit("payout_broadcast", updated, map[string]any{"txid": txid})
		return nil
	}

	span.RecordError(err)
	o.absorbDispatchError(ctx, id, snapshot, br, err)
	return nil
}

// absorbDispatchError maps a route failure onto transaction state: deferred
// gating states, hard rejections, or bounded transient retries counted
// against the breaker.
func (o *Orchestrator) absorbDispatchError(ctx context.Context, id string, snapshot *Transaction, br *breaker, err error) {
	routeName := string(snapshot.Request.Route)
	switch {
	case errors.Is(err, route.ErrKYCPending):
		updated := o.update(id, func(tx *Transaction) {
			if tx.Status.Terminal() {
				return
			}
			tx.Status = StatusKYCPending
			tx.LastError = err.Error()
		})
		if updated == nil || updated.Status != StatusKYCPending {
			return
		}
		o.persist(ctx, updated)
		o.metrics.RecordOutcome(routeName, string(StatusKYCPending))
		o.logger.Info("payout deferred", "payout_id", id, "reason", "kyc_pending")

	case errors.Is(err, route.ErrCompliancePending):
		updated := o.update(id, func(tx *Transaction) {
			if tx.Status.Terminal() {
				return
			}
			tx.Status = StatusCompliancePending
			tx.LastError = err.Error()
		})
		if updated == nil || updated.Status != StatusCompliancePending {
			return
		}
		o.persist(ctx, updated)
		o.metrics.RecordOutcome(routeName, string(StatusCompliancePending))
		o.logger.Info("payout deferred", "payout_id", id, "reason", "compliance_pending")

	case isRejection(err):
		updated := o.update(id, func(tx *Transaction) {
			if tx.Status.Terminal() {
				return
			}
			tx.Status = StatusRejected
			tx.CompletedAt = o.now()
			tx.LastError = err.Error()
		})
		if updated == nil || updated.Status != StatusRejected {
			return
		}
		o.limits.Release(snapshot.Request.Amount, snapshot.CreatedAt)
		o.persist(ctx, updated)
		o.emit("payout_failed", updated, map[string]any{"error": err.Error()})
		o.metrics.RecordOutcome(routeName, string(StatusRejected))
		o.metrics.RecordError(routeName, rejectionReason(err))
		o.logger.Warn("payout rejected", "payout_id", id, "error", err)

	default:
		br.RecordFailure()
		retries := 0
		counted := false
		updated := o.update(id, func(tx *Transaction) {
			if tx.Status.Terminal() {
				return
			}
			counted = true
			tx.Retries++
			retries = tx.Retries
			tx.LastError = err.Error()
		})
		if updated == nil || !counted {
			return
		}
		if retries > o.cfg.MaxRetries {
			updated = o.update(id, func(tx *Transaction) {
				if tx.Status.Terminal() {
					return
				}
				tx.Status = StatusFailed
				tx.CompletedAt = o.now()
			})
			if updated == nil || updated.Status != StatusFailed {
				return
			}
			o.limits.Release(snapshot.Request.Amount, snapshot.CreatedAt)
			o.persist(ctx, updated)
			o.emit("payout_failed", updated, map[string]any{"error": err.Error()})
			o.metrics.RecordOutcome(routeName, string(StatusFailed))
			o.metrics.RecordError(routeName, "retries_exhausted")
			o.logger.Error("payout failed", "payout_id", id, "retries", retries, "error", err)
			return
		}
		updated = o.update(id, func(tx *Transaction) {
			if tx.Status.Terminal() {
				return
			}
			tx.Status = StatusQueued
		})
		if updated == nil || updated.Status != StatusQueued {
			return
		}
		o.persist(ctx, updated)
		o.queues.Push(snapshot.Request.Priority, id)
		o.metrics.RecordRetry(routeName)
		o.logger.Warn("payout retry scheduled", "payout_id", id, "attempt", retries, "error", err)
	}
}

func (o *Orchestrator) checkConfirmation(ctx context.Context, id, txid string, routeName types.Route) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	status, err := o.statusSource.TransactionStatus(callCtx, txid)
	cancel()
	if err != nil {
		if !errors.Is(err, ledger.ErrTxNotFound) {
			o.logger.Warn("confirmation poll", "payout_id", id, "txid", txid, "error", err)
		}
		return
	}
	switch status {
	case ledger.TxConfirmed:
		updated := o.update(id, func(tx *Transaction) {
			if tx.Status != StatusPending {
				return
			}
			now := o.now()
			tx.Status = StatusConfirmed
			tx.ConfirmedAt = now
			tx.CompletedAt = now
		})
		if updated == nil || updated.Status != StatusConfirmed {
			return
		}
		o.persist(ctx, updated)
		o.emit("payout_confirmed", updated, map[string]any{"txid": txid})
		o.metrics.RecordOutcome(string(routeName), string(StatusConfirmed))
		o.logger.Info("payout confirmed", "payout_id", id, "txid", txid)

	case ledger.TxFailed:
		// Ledger rejection after broadcast. Never retried automatically:
		// resubmitting an identical transfer risks duplication.
		updated := o.update(id, func(tx *Transaction) {
			if tx.Status != StatusPending {
				return
			}
			tx.Status = StatusFailed
			tx.CompletedAt = o.now()
			tx.LastError = "ledger reported transaction failure"
		})
		if updated == nil || updated.Status != StatusFailed {
			return
		}
		o.limits.Release(updated.Request.Amount, updated.CreatedAt)
		o.persist(ctx, updated)
		o.emit("payout_failed", updated, map[string]any{"txid": txid, "error": updated.LastError})
		o.metrics.RecordOutcome(string(routeName), string(StatusFailed))
		o.metrics.RecordError(string(routeName), "ledger_rejection")
		o.logger.Error("payout failed on ledger", "payout_id", id, "txid", txid)
	}
}

func (o *Orchestrator) markExpired(ctx context.Context, id string) {
	updated := o.update(id, func(tx *Transaction) {
		if tx.Status.Terminal() {
			return
		}
		tx.Status = StatusExpired
		tx.CompletedAt = o.now()
		tx.LastError = "request expired before dispatch"
	})
	if updated == nil || updated.Status != StatusExpired {
		return
	}
	o.queues.Remove(id)
	o.limits.Release(updated.Request.Amount, updated.CreatedAt)
	o.persist(ctx, updated)
	o.emit("payout_failed", updated, map[string]any{"error": updated.LastError})
	o.metrics.RecordOutcome(string(updated.Request.Route), string(StatusExpired))
}

func (o *Orchestrator) validate(req Request) (route.Executor, error) {
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, validationErr("recipient", "address required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, validationErr("amount", "must be positive")
	}
	executor, ok := o.routes[req.Route]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, req.Route)
	}
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(o.now()) {
		return nil, validationErr("expires_at", "already past")
	}
	if err := executor.Validate(o.toRouteRequestFrom(req, "")); err != nil {
		return nil, fmt.Errorf("payout: validate request: %w", err)
	}
	return executor, nil
}

func normalise(req Request) Request {
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.NodeID = strings.TrimSpace(req.NodeID)
	req.KYCHash = strings.ToLower(strings.TrimSpace(req.KYCHash))
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if req.BatchMode == "" {
		req.BatchMode = types.BatchImmediate
	}
	return req
}

func (o *Orchestrator) toRouteRequest(tx *Transaction) route.Request {
	return o.toRouteRequestFrom(tx.Request, tx.ID)
}

func (o *Orchestrator) toRouteRequestFrom(req Request, id string) route.Request {
	return route.Request{
		PayoutID:  id,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Priority:  req.Priority,
		Reason:    req.Reason,
		NodeID:    req.NodeID,
		KYCHash:   req.KYCHash,
		Signature: req.Signature,
	}
}

func (o *Orchestrator) lookup(id string) *Transaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.txs[id].Clone()
}

// claim marks a transaction as dispatching so cancellation and expiry leave
// it alone while the route executor is on the wire. Returns nil when the
// transaction is gone, terminal, or already claimed.
func (o *Orchestrator) claim(id string) *Transaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	tx, ok := o.txs[id]
	if !ok || tx.Status.Terminal() {
		return nil
	}
	if _, busy := o.inflight[id]; busy {
		return nil
	}
	o.inflight[id] = struct{}{}
	return tx.Clone()
}

func (o *Orchestrator) unclaim(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

// update mutates a transaction under the registry lock and returns a snapshot
// for persistence and events taken in the same critical section.
func (o *Orchestrator) update(id string, fn func(*Transaction)) *Transaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	tx, ok := o.txs[id]
	if !ok {
		return nil
	}
	fn(tx)
	return tx.Clone()
}

func (o *Orchestrator) persist(ctx context.Context, tx *Transaction) {
	if o.store == nil || tx == nil {
		return
	}
	if err := o.store.SavePayout(ctx, tx); err != nil {
		o.logger.Error("persist transaction", "payout_id", tx.ID, "error", err)
	}
}

func (o *Orchestrator) emit(event string, tx *Transaction, extra map[string]any) {
	if o.events == nil || tx == nil {
		return
	}
	fields := map[string]any{
		"payout_id": tx.ID,
		"route":     string(tx.Request.Route),
		"status":    string(tx.Status),
		"amount":    tx.Request.Amount.String(),
		"recipient": tx.Request.Recipient,
	}
	for key, value := range extra {
		fields[key] = value
	}
	o.events.Emit(event, fields)
}

func (o *Orchestrator) publishDepths() {
	for priority, depth := range o.queues.Depths() {
		o.metrics.SetQueueDepth(string(priority), depth)
	}
}

func isRejection(err error) bool {
	return errors.Is(err, route.ErrAmountBelowMinimum) ||
		errors.Is(err, route.ErrAmountAboveMaximum) ||
		errors.Is(err, route.ErrDailyCapExceeded) ||
		errors.Is(err, route.ErrInsufficientBalance) ||
		errors.Is(err, route.ErrFeeCeilingExceeded)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, route.ErrDailyCapExceeded):
		return "route_daily_cap"
	case errors.Is(err, route.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, route.ErrFeeCeilingExceeded):
		return "fee_ceiling"
	default:
		return "amount_bounds"
	}
}
