package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lucidpay/ledger"
	"lucidpay/observability"
)

var (
	// ErrWalletNotFound is returned when no wallet exists for an id.
	ErrWalletNotFound = errors.New("wallet: not found")
	// ErrWalletExists is returned when a wallet id is registered twice.
	ErrWalletExists = errors.New("wallet: already registered")
	// ErrWalletUnavailable is returned when a wallet's status forbids
	// execution.
	ErrWalletUnavailable = errors.New("wallet: not active")
	// ErrSessionNotFound is returned for missing or expired sessions.
	ErrSessionNotFound = errors.New("wallet: session not found")
	// ErrSessionLimit is returned when a wallet is at its concurrent session
	// cap.
	ErrSessionLimit = errors.New("wallet: session limit reached")
)

// BalanceSource reads on-ledger balances for wallet addresses.
type BalanceSource interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// Store persists wallet records and their credentials separately.
type Store interface {
	SaveWallet(ctx context.Context, info Info) error
	LoadWallets(ctx context.Context) ([]Info, error)
	SaveCredentials(ctx context.Context, creds Credentials) error
	LoadCredentials(ctx context.Context) ([]Credentials, error)
}

// EventSink receives audit events for wallet and session transitions.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// ManagerConfig parameterises the adapter.
type ManagerConfig struct {
	SessionIdleTimeout time.Duration
	SessionSweep       time.Duration
	InactivityHorizon  time.Duration
	InactivitySweep    time.Duration
	RotationInterval   time.Duration
	RotationCheck      time.Duration
	MaxSessions        int
	ExecuteTimeout     time.Duration
	HistoryLimit       int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 30 * time.Minute
	}
	if c.SessionSweep <= 0 {
		c.SessionSweep = 5 * time.Minute
	}
	if c.InactivityHorizon <= 0 {
		c.InactivityHorizon = 30 * 24 * time.Hour
	}
	if c.InactivitySweep <= 0 {
		c.InactivitySweep = time.Hour
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = 90 * 24 * time.Hour
	}
	if c.RotationCheck <= 0 {
		c.RotationCheck = 24 * time.Hour
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 5
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	return c
}

// Manager owns the wallet registry, connection sessions, and per-type
// execution dispatch. Credentials are held apart from wallet records and
// only handed to executors for the duration of one call.
type Manager struct {
	cfg       ManagerConfig
	executors *ExecutorRegistry
	balances  BalanceSource
	store     Store
	events    EventSink
	logger    *slog.Logger
	metrics   *observability.WalletMetrics
	now       func() time.Time

	mu       sync.Mutex
	wallets  map[string]Info
	creds    map[string]Credentials
	sessions map[string]*Session
	history  map[string][]TransactionResult

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source, primarily for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithManagerStore attaches a persistence backend.
func WithManagerStore(store Store) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithManagerEvents attaches an audit event sink.
func WithManagerEvents(sink EventSink) ManagerOption {
	return func(m *Manager) { m.events = sink }
}

// WithManagerLogger overrides the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds a Manager dispatching to the supplied executor registry.
func NewManager(cfg ManagerConfig, executors *ExecutorRegistry, balances BalanceSource, opts ...ManagerOption) (*Manager, error) {
	if executors == nil {
		return nil, fmt.Errorf("wallet: executor registry required")
	}
	if balances == nil {
		return nil, fmt.Errorf("wallet: balance source required")
	}
	m := &Manager{
		cfg:       cfg.withDefaults(),
		executors: executors,
		balances:  balances,
		wallets:   make(map[string]Info),
		creds:     make(map[string]Credentials),
		sessions:  make(map[string]*Session),
		history:   make(map[string][]TransactionResult),
		logger:    slog.Default().With("component", "wallet_manager"),
		metrics:   observability.Wallet(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Restore loads persisted wallets and credentials. Call once before Start.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	wallets, err := m.store.LoadWallets(ctx)
	if err != nil {
		return fmt.Errorf("wallet: restore wallets: %w", err)
	}
	creds, err := m.store.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("wallet: restore credentials: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range wallets {
		info.Integration = IntegrationDisconnected
		m.wallets[info.ID] = info
	}
	for _, c := range creds {
		m.creds[c.WalletID] = c
	}
	return nil
}

// Register adds a wallet and its credentials to the registry.
func (m *Manager) Register(ctx context.Context, info Info, creds Credentials) error {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return fmt.Errorf("wallet: id required")
	}
	if _, err := ParseType(string(info.Type)); err != nil {
		return err
	}
	if !ledger.ValidAddress(info.Address) {
		return fmt.Errorf("wallet: invalid address %q", info.Address)
	}
	now := m.now()
	if info.Status == "" {
		info.Status = StatusActive
	}
	info.Integration = IntegrationDisconnected
	info.CreatedAt = now
	if info.BalanceSun == nil {
		info.BalanceSun = big.NewInt(0)
	}
	creds.WalletID = info.ID
	if creds.RotatedAt.IsZero() {
		creds.RotatedAt = now
	}

	m.mu.Lock()
	if _, exists := m.wallets[info.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWalletExists, info.ID)
	}
	m.wallets[info.ID] = info
	m.creds[info.ID] = creds
	m.mu.Unlock()

	m.persist(ctx, info)
	m.persistCreds(ctx, creds)
	m.emit("wallet_registered", map[string]any{
		"wallet_id": info.ID,
		"type":      string(info.Type),
		"role":      string(info.Role),
	})
	m.logger.Info("wallet registered", "wallet_id", info.ID, "type", string(info.Type))
	return nil
}

// Connect opens a session against an active wallet and returns its id.
func (m *Manager) Connect(ctx context.Context, walletID string, metadata map[string]string) (string, error) {
	walletID = strings.TrimSpace(walletID)
	now := m.now()

	m.mu.Lock()
	info, ok := m.wallets[walletID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	if info.Status != StatusActive {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %s", ErrWalletUnavailable, walletID, info.Status)
	}
	open := 0
	for _, session := range m.sessions {
		if session.WalletID == walletID {
			open++
		}
	}
	if open >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s has %d open sessions", ErrSessionLimit, walletID, open)
	}
	sessionID := uuid.NewString()
	m.sessions[sessionID] = &Session{
		ID:         sessionID,
		WalletID:   walletID,
		CreatedAt:  now,
		LastActive: now,
		Metadata:   metadata,
	}
	info.Integration = IntegrationConnected
	m.wallets[walletID] = info
	total := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(total)
	m.persist(ctx, info)
	m.emit("session_opened", map[string]any{"wallet_id": walletID, "session_id": sessionID})
	return sessionID, nil
}

// Disconnect closes a session. The wallet's integration flips to
// disconnected once its last session closes.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	walletID := session.WalletID
	remaining := 0
	for _, other := range m.sessions {
		if other.WalletID == walletID {
			remaining++
		}
	}
	var info Info
	if remaining == 0 {
		if current, exists := m.wallets[walletID]; exists {
			current.Integration = IntegrationDisconnected
			m.wallets[walletID] = current
			info = current
		}
	}
	total := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(total)
	if info.ID != "" {
		m.persist(ctx, info)
	}
	m.emit("session_closed", map[string]any{"wallet_id": walletID, "session_id": sessionID})
	return nil
}

// Execute gates on wallet status and session liveness, then dispatches on
// wallet type. Credentials leave the registry only for the duration of this
// call.
func (m *Manager) Execute(ctx context.Context, req TransactionRequest) (TransactionResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return TransactionResult{}, fmt.Errorf("wallet: amount must be positive")
	}
	if !ledger.ValidAddress(req.To) {
		return TransactionResult{}, fmt.Errorf("wallet: invalid recipient %q", req.To)
	}
	now := m.now()

	m.mu.Lock()
	session, ok := m.sessions[req.SessionID]
	if !ok || session.WalletID != strings.TrimSpace(req.WalletID) {
		m.mu.Unlock()
		return TransactionResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
	}
	info, ok := m.wallets[session.WalletID]
	if !ok {
		m.mu.Unlock()
		return TransactionResult{}, fmt.Errorf("%w: %s", ErrWalletNotFound, session.WalletID)
	}
	if info.Status != StatusActive {
		m.mu.Unlock()
		return TransactionResult{}, fmt.Errorf("%w: %s is %s", ErrWalletUnavailable, info.ID, info.Status)
	}
	creds := m.creds[info.ID]
	session.LastActive = now
	m.mu.Unlock()

	executor, err := m.executors.Lookup(info.Type)
	if err != nil {
		return TransactionResult{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecuteTimeout)
	res, err := executor.Execute(execCtx, info, creds, req)
	cancel()
	m.metrics.RecordExecution(string(info.Type), err)
	if err != nil {
		m.mu.Lock()
		if current, exists := m.wallets[info.ID]; exists {
			current.Integration = IntegrationError
			m.wallets[info.ID] = current
		}
		m.mu.Unlock()
		m.emit("wallet_execution_failed", map[string]any{
			"wallet_id": info.ID,
			"type":      string(info.Type),
			"error":     err.Error(),
		})
		return TransactionResult{}, err
	}

	m.mu.Lock()
	if current, exists := m.wallets[info.ID]; exists {
		current.LastUsed = now
		current.Integration = IntegrationConnected
		m.wallets[info.ID] = current
		info = current
	}
	entries := append(m.history[info.ID], res)
	if len(entries) > m.cfg.HistoryLimit {
		entries = entries[len(entries)-m.cfg.HistoryLimit:]
	}
	m.history[info.ID] = entries
	m.mu.Unlock()

	m.persist(ctx, info)
	m.emit("wallet_executed", map[string]any{
		"wallet_id": info.ID,
		"type":      string(info.Type),
		"txid":      res.TxID,
	})
	return res, nil
}

// Balance reads the wallet's on-ledger balance and refreshes the cached
// counter.
func (m *Manager) Balance(ctx context.Context, walletID string) (*big.Int, error) {
	m.mu.Lock()
	info, ok := m.wallets[strings.TrimSpace(walletID)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	balance, err := m.balances.Balance(ctx, info.Address)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if current, exists := m.wallets[info.ID]; exists {
		current.BalanceSun = new(big.Int).Set(balance)
		m.wallets[info.ID] = current
	}
	m.mu.Unlock()
	return balance, nil
}

// History returns the recent execution results for a wallet, newest last.
func (m *Manager) History(walletID string) ([]TransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[strings.TrimSpace(walletID)]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	entries := m.history[strings.TrimSpace(walletID)]
	out := make([]TransactionResult, len(entries))
	copy(out, entries)
	return out, nil
}

// Get returns the wallet record for an id.
func (m *Manager) Get(walletID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.wallets[strings.TrimSpace(walletID)]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return info, nil
}

// Start launches the session, inactivity, and rotation sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return fmt.Errorf("wallet: manager already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	loops := []struct {
		interval time.Duration
		fn       func(context.Context)
	}{
		{m.cfg.SessionSweep, m.SweepSessions},
		{m.cfg.InactivitySweep, m.SweepInactive},
		{m.cfg.RotationCheck, func(context.Context) { m.CheckRotation() }},
	}
	for _, loop := range loops {
		m.wg.Add(1)
		go func(interval time.Duration, fn func(context.Context)) {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					fn(runCtx)
				}
			}
		}(loop.interval, loop.fn)
	}
	return nil
}

// Stop halts the background sweeps and waits for them.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.started {
		m.runMu.Unlock()
		return
	}
	m.cancel()
	m.started = false
	m.runMu.Unlock()
	m.wg.Wait()
}

// SweepSessions closes sessions idle past the timeout.
func (m *Manager) SweepSessions(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.SessionIdleTimeout)
	expired := make([]string, 0)
	m.mu.Lock()
	for id, session := range m.sessions {
		if session.LastActive.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		if err := m.Disconnect(ctx, id); err == nil {
			m.emit("session_expired", map[string]any{"session_id": id})
		}
	}
	if len(expired) > 0 {
		m.logger.Info("expired idle sessions", "count", len(expired))
	}
}

// SweepInactive marks wallets unused past the horizon as inactive.
func (m *Manager) SweepInactive(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.InactivityHorizon)
	flagged := make([]Info, 0)
	m.mu.Lock()
	for id, info := range m.wallets {
		if info.Status != StatusActive {
			continue
		}
		last := info.LastUsed
		if last.IsZero() {
			last = info.CreatedAt
		}
		if last.Before(cutoff) {
			info.Status = StatusInactive
			m.wallets[id] = info
			flagged = append(flagged, info)
		}
	}
	m.mu.Unlock()
	for _, info := range flagged {
		m.persist(ctx, info)
		m.emit("wallet_inactive", map[string]any{"wallet_id": info.ID})
		m.logger.Info("wallet marked inactive", "wallet_id", info.ID)
	}
}

// CheckRotation flags wallets whose key material is past the rotation
// interval. Rotation itself is an operator action; this only surfaces the
// event.
func (m *Manager) CheckRotation() int {
	cutoff := m.now().Add(-m.cfg.RotationInterval)
	due := make([]string, 0)
	m.mu.Lock()
	for id, creds := range m.creds {
		if creds.RotatedAt.Before(cutoff) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()
	m.metrics.SetRotationDue(len(due))
	for _, id := range due {
		m.emit("wallet_rotation_due", map[string]any{"wallet_id": id})
	}
	if len(due) > 0 {
		m.logger.Warn("wallet key rotation due", "count", len(due))
	}
	return len(due)
}

// RotateCredentials installs fresh credentials for a wallet.
func (m *Manager) RotateCredentials(ctx context.Context, walletID string, creds Credentials) error {
	walletID = strings.TrimSpace(walletID)
	m.mu.Lock()
	if _, ok := m.wallets[walletID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	creds.WalletID = walletID
	creds.RotatedAt = m.now()
	m.creds[walletID] = creds
	m.mu.Unlock()

	m.persistCreds(ctx, creds)
	m.emit("wallet_rotated", map[string]any{"wallet_id": walletID})
	m.logger.Info("wallet credentials rotated", "wallet_id", walletID)
	return nil
}

func (m *Manager) persist(ctx context.Context, info Info) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveWallet(ctx, info); err != nil {
		m.logger.Error("persist wallet", "wallet_id", info.ID, "error", err)
	}
}

func (m *Manager) persistCreds(ctx context.Context, creds Credentials) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveCredentials(ctx, creds); err != nil {
		m.logger.Error("persist credentials", "wallet_id", creds.WalletID, "error", err)
	}
}

func (m *Manager) emit(event string, fields map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(event, fields)
}
