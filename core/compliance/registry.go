package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lucidpay/ledger"
	"lucidpay/observability"
)

// Status tracks a registered identity through its verification lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

var (
	// ErrRecordNotFound is returned when no registration exists for a node.
	ErrRecordNotFound = errors.New("compliance: kyc record not found")
	// ErrRecordExists is returned when a node registers twice.
	ErrRecordExists = errors.New("compliance: kyc record already registered")
	// ErrNotVerified marks a record that is not currently in verified state.
	ErrNotVerified = errors.New("compliance: kyc record not verified")
	// ErrRecordExpired marks a record past its expiry horizon.
	ErrRecordExpired = errors.New("compliance: kyc record expired")
	// ErrHashMismatch marks a payout whose KYC hash differs from the record.
	ErrHashMismatch = errors.New("compliance: kyc hash mismatch")
)

// defaultValidity is how long a verification remains usable after
// registration.
const defaultValidity = 365 * 24 * time.Hour

// defaultSweepInterval spaces the background expiry sweeps.
const defaultSweepInterval = time.Hour

// Record is one identity's registry entry. Mutated only by Register, Verify,
// Suspend, and the expiry sweep.
type Record struct {
	NodeID     string
	Address    string
	KYCHash    string
	Level      Level
	Status     Status
	CreatedAt  time.Time
	VerifiedAt time.Time
	ExpiresAt  time.Time
}

// RecordStore persists registry entries across restarts.
type RecordStore interface {
	SaveKYCRecord(ctx context.Context, record Record) error
	LoadKYCRecords(ctx context.Context) ([]Record, error)
}

// EventSink receives audit events for registry transitions.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// Registry owns the per-identity verification records consulted by the gated
// payout route.
type Registry struct {
	mu         sync.Mutex
	records    map[string]Record
	validity   time.Duration
	sweepEvery time.Duration
	verifier   *Verifier
	store      RecordStore
	events     EventSink
	logger     *slog.Logger
	now        func() time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source, primarily for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithValidity overrides the registration expiry horizon.
func WithValidity(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.validity = d
		}
	}
}

// WithSweepInterval overrides the background expiry sweep cadence.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sweepEvery = d
		}
	}
}

// WithRecordStore attaches a persistence backend.
func WithRecordStore(store RecordStore) RegistryOption {
	return func(r *Registry) { r.store = store }
}

// WithRegistryEvents attaches an audit event sink.
func WithRegistryEvents(sink EventSink) RegistryOption {
	return func(r *Registry) { r.events = sink }
}

// WithRegistryLogger overrides the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds a Registry that validates verification requests with the
// supplied Verifier.
func NewRegistry(verifier *Verifier, opts ...RegistryOption) (*Registry, error) {
	if verifier == nil {
		return nil, fmt.Errorf("compliance: verifier required")
	}
	r := &Registry{
		records:    make(map[string]Record),
		validity:   defaultValidity,
		sweepEvery: defaultSweepInterval,
		verifier:   verifier,
		logger:     slog.Default().With("component", "kyc_registry"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Restore loads persisted records into memory. Call once before serving.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadKYCRecords(ctx)
	if err != nil {
		return fmt.Errorf("compliance: restore records: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range records {
		r.records[record.NodeID] = record
	}
	return nil
}

// Start launches the background expiry sweep loop.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return fmt.Errorf("compliance: registry already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.SweepExpired(runCtx)
			}
		}
	}()
	r.logger.Info("kyc expiry sweep started", "interval", r.sweepEvery.String())
	return nil
}

// Stop halts the sweep loop and waits for it to exit. Safe to call when the
// registry was never started.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if !r.started {
		r.runMu.Unlock()
		return
	}
	r.cancel()
	r.started = false
	r.runMu.Unlock()
	r.wg.Wait()
}

// Register creates a pending record for a node. The record expires a fixed
// horizon after creation regardless of verification activity.
func (r *Registry) Register(ctx context.Context, nodeID, address, kycHash string, level Level) (Record, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return Record{}, fmt.Errorf("compliance: node id required")
	}
	if !ledger.ValidAddress(address) {
		return Record{}, fmt.Errorf("compliance: invalid wallet address %q", address)
	}
	if !ValidKYCHash(kycHash) {
		return Record{}, fmt.Errorf("compliance: invalid kyc hash")
	}
	now := r.now()
	record := Record{
		NodeID:    nodeID,
		Address:   address,
		KYCHash:   strings.ToLower(strings.TrimSpace(kycHash)),
		Level:     level,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.validity),
	}

	r.mu.Lock()
	if _, exists := r.records[nodeID]; exists {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrRecordExists, nodeID)
	}
	r.records[nodeID] = record
	r.mu.Unlock()

	r.persist(ctx, record)
	r.emit("kyc_registered", record)
	observability.Compliance().RecordKYC("register", "pending")
	r.logger.Info("kyc registered", "node_id", nodeID, "level", string(level))
	return record, nil
}

// Verify checks the authority signature against the stored record and flips
// it to verified.
func (r *Registry) Verify(ctx context.Context, nodeID string, sig Signature) (Record, error) {
	nodeID = strings.TrimSpace(nodeID)

	r.mu.Lock()
	record, ok := r.records[nodeID]
	r.mu.Unlock()
	if !ok {
		observability.Compliance().RecordKYC("verify", "not_found")
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, nodeID)
	}
	if record.Status == StatusSuspended {
		observability.Compliance().RecordKYC("verify", "suspended")
		return Record{}, fmt.Errorf("compliance: node %s suspended", nodeID)
	}
	if r.now().After(record.ExpiresAt) {
		observability.Compliance().RecordKYC("verify", "expired")
		return Record{}, fmt.Errorf("%w: %s", ErrRecordExpired, nodeID)
	}
	if !strings.EqualFold(sig.KYCHash, record.KYCHash) {
		observability.Compliance().RecordKYC("verify", "hash_mismatch")
		return Record{}, fmt.Errorf("%w: node %s", ErrHashMismatch, nodeID)
	}
	if err := r.verifier.Verify(sig); err != nil {
		observability.Compliance().RecordKYC("verify", "signature_rejected")
		return Record{}, err
	}

	// Re-validate under the write lock: a Suspend or sweep landing after the
	// checks above must not be overwritten by the verified flip.
	now := r.now()
	r.mu.Lock()
	record, ok = r.records[nodeID]
	if !ok {
		r.mu.Unlock()
		observability.Compliance().RecordKYC("verify", "not_found")
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, nodeID)
	}
	if record.Status == StatusSuspended {
		r.mu.Unlock()
		observability.Compliance().RecordKYC("verify", "suspended")
		return Record{}, fmt.Errorf("compliance: node %s suspended", nodeID)
	}
	if now.After(record.ExpiresAt) {
		r.mu.Unlock()
		observability.Compliance().RecordKYC("verify", "expired")
		return Record{}, fmt.Errorf("%w: %s", ErrRecordExpired, nodeID)
	}
	record.Status = StatusVerified
	record.VerifiedAt = now
	r.records[nodeID] = record
	r.mu.Unlock()

	r.persist(ctx, record)
	r.emit("kyc_verified", record)
	observability.Compliance().RecordKYC("verify", "verified")
	r.logger.Info("kyc verified", "node_id", nodeID, "level", string(record.Level))
	return record, nil
}

// Suspend takes a record out of service without deleting it.
func (r *Registry) Suspend(ctx context.Context, nodeID string) (Record, error) {
	nodeID = strings.TrimSpace(nodeID)

	r.mu.Lock()
	record, ok := r.records[nodeID]
	if !ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, nodeID)
	}
	record.Status = StatusSuspended
	r.records[nodeID] = record
	r.mu.Unlock()

	r.persist(ctx, record)
	r.emit("kyc_suspended", record)
	observability.Compliance().RecordKYC("suspend", "suspended")
	return record, nil
}

// Get returns the record for a node when one exists.
func (r *Registry) Get(nodeID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[strings.TrimSpace(nodeID)]
	return record, ok
}

// Eligible reports whether a node may use the gated route right now: the
// record must exist, be verified, be unexpired, and match the payout's KYC
// hash.
func (r *Registry) Eligible(nodeID, kycHash string) error {
	r.mu.Lock()
	record, ok := r.records[strings.TrimSpace(nodeID)]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, nodeID)
	}
	if r.now().After(record.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrRecordExpired, nodeID)
	}
	if record.Status != StatusVerified {
		return fmt.Errorf("%w: %s is %s", ErrNotVerified, nodeID, record.Status)
	}
	if !strings.EqualFold(kycHash, record.KYCHash) {
		return fmt.Errorf("%w: node %s", ErrHashMismatch, nodeID)
	}
	return nil
}

// SweepExpired flips every record past its expiry horizon to expired and
// returns how many were flipped. Runs independent of payout activity.
func (r *Registry) SweepExpired(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	expired := make([]Record, 0)
	for nodeID, record := range r.records {
		if record.Status == StatusExpired || record.Status == StatusRejected {
			continue
		}
		if now.After(record.ExpiresAt) {
			record.Status = StatusExpired
			r.records[nodeID] = record
			expired = append(expired, record)
		}
	}
	r.mu.Unlock()

	for _, record := range expired {
		r.persist(ctx, record)
		r.emit("kyc_expired", record)
		observability.Compliance().RecordKYC("sweep", "expired")
		r.logger.Info("kyc expired", "node_id", record.NodeID)
	}
	return len(expired)
}

func (r *Registry) persist(ctx context.Context, record Record) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveKYCRecord(ctx, record); err != nil {
		r.logger.Error("persist kyc record", "node_id", record.NodeID, "error", err)
	}
}

func (r *Registry) emit(event string, record Record) {
	if r.events == nil {
		return
	}
	r.events.Emit(event, map[string]any{
		"node_id":    record.NodeID,
		"level":      string(record.Level),
		"status":     string(record.Status),
		"expires_at": record.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
