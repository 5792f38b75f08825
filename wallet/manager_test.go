package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedExecutor stands in for any wallet type in manager tests.
type scriptedExecutor struct {
	walletType Type

	mu    sync.Mutex
	err   error
	txid  string
	calls int
}

func (s *scriptedExecutor) Type() Type { return s.walletType }

func (s *scriptedExecutor) Execute(ctx context.Context, info Info, creds Credentials, req TransactionRequest) (TransactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return TransactionResult{}, s.err
	}
	return TransactionResult{TxID: s.txid, WalletID: info.ID, WalletType: info.Type}, nil
}

type fakeBalances struct {
	balance *big.Int
	err     error
}

func (f *fakeBalances) Balance(ctx context.Context, address string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.balance), nil
}

type managerFixture struct {
	manager  *Manager
	executor *scriptedExecutor
	balances *fakeBalances
	now      time.Time
}

func (f *managerFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newManagerFixture(t *testing.T, cfg ManagerConfig) *managerFixture {
	t.Helper()
	f := &managerFixture{
		executor: &scriptedExecutor{walletType: TypeNative, txid: "tx-1"},
		balances: &fakeBalances{balance: big.NewInt(42_000_000)},
		now:      time.Unix(1700000000, 0),
	}
	m, err := NewManager(cfg, NewExecutorRegistry(f.executor), f.balances,
		WithManagerClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.manager = m
	return f
}

func (f *managerFixture) register(t *testing.T, id string) string {
	t.Helper()
	_, addr := testKeyAndAddress(t)
	err := f.manager.Register(context.Background(), Info{
		ID:      id,
		Type:    TypeNative,
		Role:    RolePayout,
		Address: addr,
	}, Credentials{})
	require.NoError(t, err)
	return addr
}

func TestManagerRegister(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	ctx := context.Background()
	addr := f.register(t, "w1")

	info, err := f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, info.Status)
	require.Equal(t, IntegrationDisconnected, info.Integration)
	require.Equal(t, addr, info.Address)
	require.Equal(t, f.now, info.CreatedAt)

	err = f.manager.Register(ctx, Info{ID: "w1", Type: TypeNative, Address: addr}, Credentials{})
	require.ErrorIs(t, err, ErrWalletExists)

	err = f.manager.Register(ctx, Info{ID: "w2", Type: Type("paper"), Address: addr}, Credentials{})
	require.Error(t, err)

	err = f.manager.Register(ctx, Info{ID: "w3", Type: TypeNative, Address: "bogus"}, Credentials{})
	require.Error(t, err)
}

func TestManagerSessions(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{MaxSessions: 2})
	ctx := context.Background()
	f.register(t, "w1")

	first, err := f.manager.Connect(ctx, "w1", map[string]string{"client": "cli"})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	info, err := f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, IntegrationConnected, info.Integration)

	second, err := f.manager.Connect(ctx, "w1", nil)
	require.NoError(t, err)

	_, err = f.manager.Connect(ctx, "w1", nil)
	require.ErrorIs(t, err, ErrSessionLimit)

	require.NoError(t, f.manager.Disconnect(ctx, first))
	info, err = f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, IntegrationConnected, info.Integration)

	require.NoError(t, f.manager.Disconnect(ctx, second))
	info, err = f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, IntegrationDisconnected, info.Integration)

	require.ErrorIs(t, f.manager.Disconnect(ctx, first), ErrSessionNotFound)
	_, err = f.manager.Connect(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrWalletNotFound)
}

func TestManagerExecute(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	ctx := context.Background()
	f.register(t, "w1")
	_, recipient := testKeyAndAddress(t)

	session, err := f.manager.Connect(ctx, "w1", nil)
	require.NoError(t, err)

	f.advance(time.Minute)
	res, err := f.manager.Execute(ctx, TransactionRequest{
		WalletID:    "w1",
		SessionID:   session,
		To:          recipient,
		Amount:      big.NewInt(1_000_000),
		FeeLimitSun: 100,
	})
	require.NoError(t, err)
	require.Equal(t, "tx-1", res.TxID)

	info, err := f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, f.now, info.LastUsed)

	history, err := f.manager.History("w1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "tx-1", history[0].TxID)
}

func TestManagerExecuteGating(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	ctx := context.Background()
	f.register(t, "w1")
	_, recipient := testKeyAndAddress(t)
	req := TransactionRequest{WalletID: "w1", To: recipient, Amount: big.NewInt(1), FeeLimitSun: 1}

	// No session opened yet.
	req.SessionID = "bogus"
	_, err := f.manager.Execute(ctx, req)
	require.ErrorIs(t, err, ErrSessionNotFound)

	session, err := f.manager.Connect(ctx, "w1", nil)
	require.NoError(t, err)
	req.SessionID = session

	// A session is bound to its wallet.
	f.register(t, "w2")
	other := req
	other.WalletID = "w2"
	_, err = f.manager.Execute(ctx, other)
	require.ErrorIs(t, err, ErrSessionNotFound)

	missing := req
	missing.Amount = nil
	_, err = f.manager.Execute(ctx, missing)
	require.Error(t, err)

	bad := req
	bad.To = "not-an-address"
	_, err = f.manager.Execute(ctx, bad)
	require.Error(t, err)
}

func TestManagerExecuteFailureFlagsIntegration(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	ctx := context.Background()
	f.register(t, "w1")
	_, recipient := testKeyAndAddress(t)

	session, err := f.manager.Connect(ctx, "w1", nil)
	require.NoError(t, err)

	f.executor.err = errors.New("device unreachable")
	_, err = f.manager.Execute(ctx, TransactionRequest{
		WalletID:  "w1",
		SessionID: session,
		To:        recipient,
		Amount:    big.NewInt(1),
	})
	require.Error(t, err)

	info, err := f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, IntegrationError, info.Integration)

	history, err := f.manager.History("w1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestManagerBalanceRefreshesCache(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	ctx := context.Background()
	f.register(t, "w1")

	balance, err := f.manager.Balance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(42_000_000), balance.Int64())

	info, err := f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, int64(42_000_000), info.BalanceSun.Int64())

	_, err = f.manager.Balance(ctx, "missing")
	require.ErrorIs(t, err, ErrWalletNotFound)
}

func TestManagerSweepSessions(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{SessionIdleTimeout: 10 * time.Minute})
	ctx := context.Background()
	f.register(t, "w1")

	stale, err := f.manager.Connect(ctx, "w1", nil)
	require.NoError(t, err)

	f.advance(11 * time.Minute)
	live, err := f.manager.Connect(ctx, "w1", nil)
	require.NoError(t, err)

	f.manager.SweepSessions(ctx)

	require.ErrorIs(t, f.manager.Disconnect(ctx, stale), ErrSessionNotFound)
	require.NoError(t, f.manager.Disconnect(ctx, live))
}

func TestManagerSweepInactive(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{InactivityHorizon: 24 * time.Hour})
	ctx := context.Background()
	f.register(t, "w1")

	f.advance(25 * time.Hour)
	f.register(t, "w2")
	f.manager.SweepInactive(ctx)

	info, err := f.manager.Get("w1")
	require.NoError(t, err)
	require.Equal(t, StatusInactive, info.Status)

	info, err = f.manager.Get("w2")
	require.NoError(t, err)
	require.Equal(t, StatusActive, info.Status)

	// Inactive wallets refuse new sessions.
	_, err = f.manager.Connect(ctx, "w1", nil)
	require.ErrorIs(t, err, ErrWalletUnavailable)
}

func TestManagerRotation(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{RotationInterval: 30 * 24 * time.Hour})
	ctx := context.Background()
	f.register(t, "w1")
	f.register(t, "w2")

	require.Equal(t, 0, f.manager.CheckRotation())

	f.advance(31 * 24 * time.Hour)
	require.Equal(t, 2, f.manager.CheckRotation())

	require.NoError(t, f.manager.RotateCredentials(ctx, "w1", Credentials{EncryptedKey: []byte("fresh")}))
	require.Equal(t, 1, f.manager.CheckRotation())

	require.ErrorIs(t, f.manager.RotateCredentials(ctx, "missing", Credentials{}), ErrWalletNotFound)
}
