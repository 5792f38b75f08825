package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"lucidpay/core/compliance"
	"lucidpay/core/fees"
	"lucidpay/core/payout"
	"lucidpay/core/route"
	"lucidpay/core/types"
	"lucidpay/ledger"
	"lucidpay/wallet"
)

const testHash = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

type stubRoute struct {
	name types.Route
	txid string
	err  error
}

func (s *stubRoute) Route() types.Route                 { return s.name }
func (s *stubRoute) Validate(req route.Request) error   { return nil }
func (s *stubRoute) Execute(ctx context.Context, req route.Request) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.txid, nil
}

type stubHeights struct{}

func (stubHeights) Height(ctx context.Context) (uint64, error) { return 100, nil }

type stubStatuses struct{}

func (stubStatuses) TransactionStatus(ctx context.Context, txid string) (ledger.TxStatus, error) {
	return "", ledger.ErrTxNotFound
}

type stubWalletExecutor struct{}

func (stubWalletExecutor) Type() wallet.Type { return wallet.TypeNative }

func (stubWalletExecutor) Execute(ctx context.Context, info wallet.Info, creds wallet.Credentials, req wallet.TransactionRequest) (wallet.TransactionResult, error) {
	return wallet.TransactionResult{TxID: "tx-gw", WalletID: info.ID, WalletType: info.Type, ExecutedAt: time.Now()}, nil
}

type stubBalances struct{}

func (stubBalances) Balance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(7_000_000), nil
}

type serverFixture struct {
	server    *httptest.Server
	authority *ecdsa.PrivateKey
	openRoute *stubRoute
}

func newServerFixture(t *testing.T, limits payout.LimitConfig, withWallets bool) *serverFixture {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	verifier, err := compliance.NewVerifier(&key.PublicKey)
	require.NoError(t, err)
	registry, err := compliance.NewRegistry(verifier)
	require.NoError(t, err)

	estimator, err := fees.NewEstimator(stubHeights{})
	require.NoError(t, err)

	open := &stubRoute{name: types.RouteOpen, txid: "deadbeef"}
	if limits.DailyCap == nil {
		limits = payout.LimitConfig{
			DailyCap:  new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000)),
			HourlyCap: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000)),
		}
	}
	orch, err := payout.New(payout.Config{Limits: limits}, []route.Executor{open}, stubStatuses{})
	require.NoError(t, err)

	var manager *wallet.Manager
	if withWallets {
		manager, err = wallet.NewManager(wallet.ManagerConfig{}, wallet.NewExecutorRegistry(stubWalletExecutor{}), stubBalances{})
		require.NoError(t, err)
	}

	srv, err := New(Config{RateLimit: RateLimit{PerSecond: 1000, Burst: 1000}}, orch, registry, estimator, manager, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{server: ts, authority: key, openRoute: open}
}

func (f *serverFixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	return resp, decodeJSON(t, resp)
}

func (f *serverFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp, decodeJSON(t, resp)
}

func (f *serverFixture) delete(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, decodeJSON(t, resp)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil
	}
	return decoded
}

func gatewayAddress(t *testing.T) string {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr, err := ledger.AddressFromPubKey(&key.PublicKey)
	require.NoError(t, err)
	return addr
}

func signaturePayloadFor(t *testing.T, key *ecdsa.PrivateKey, nodeID, amount string) map[string]any {
	t.Helper()
	parsed, err := types.ParseAmount(amount)
	require.NoError(t, err)
	issued := time.Now().UTC().Truncate(time.Second)
	sig := compliance.Signature{
		NodeID:     nodeID,
		KYCHash:    testHash,
		Amount:     parsed,
		Reason:     "work settlement",
		Signer:     "authority",
		IssuedAt:   issued,
		ValidUntil: issued.Add(time.Hour),
		Level:      compliance.LevelEnhanced,
	}
	raw, err := ethcrypto.Sign(sig.Digest(), key)
	require.NoError(t, err)
	return map[string]any{
		"node_id":     nodeID,
		"kyc_hash":    testHash,
		"amount":      amount,
		"reason":      "work settlement",
		"signature":   hex.EncodeToString(raw),
		"signer":      "authority",
		"issued_at":   issued.Format(time.RFC3339),
		"valid_until": issued.Add(time.Hour).Format(time.RFC3339),
		"level":       "enhanced",
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, false)
	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreatePayout(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, false)

	resp, body := f.post(t, "/v1/payouts", map[string]any{
		"recipient": gatewayAddress(t),
		"amount":    "5",
		"reason":    "work settlement",
		"route":     "open",
		"priority":  "high",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "pending", body["status"])
	require.Equal(t, "deadbeef", body["txid"])
	require.Equal(t, "5", body["amount"])
	require.Equal(t, "high", body["priority"])
	require.NotEmpty(t, body["id"])
}

func TestCreatePayoutBadRequest(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, false)

	resp, _ := f.post(t, "/v1/payouts", map[string]any{
		"recipient": gatewayAddress(t),
		"amount":    "not-a-number",
		"route":     "open",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/payouts", map[string]any{
		"recipient": gatewayAddress(t),
		"amount":    "5",
		"route":     "teleport",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/payouts", map[string]any{
		"recipient": "",
		"amount":    "5",
		"route":     "open",
		"surprise":  true,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreatePayoutLimitExceeded(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{
		DailyCap:  big.NewInt(6_000_000),
		HourlyCap: big.NewInt(6_000_000),
	}, false)

	resp, _ := f.post(t, "/v1/payouts", map[string]any{
		"recipient": gatewayAddress(t),
		"amount":    "5",
		"route":     "open",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.post(t, "/v1/payouts", map[string]any{
		"recipient": gatewayAddress(t),
		"amount":    "2",
		"route":     "open",
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestPayoutLifecycleEndpoints(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, false)

	resp, created := f.post(t, "/v1/payouts", map[string]any{
		"recipient":  gatewayAddress(t),
		"amount":     "5",
		"route":      "open",
		"batch_mode": "hourly",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "queued", created["status"])
	id := created["id"].(string)

	resp, fetched := f.get(t, "/v1/payouts/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, fetched["id"])

	resp, _ = f.get(t, "/v1/payouts/po_missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, listed := f.get(t, "/v1/payouts?status=queued")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed["payouts"], 1)

	resp, cancelled := f.delete(t, "/v1/payouts/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", cancelled["status"])

	// Terminal payouts cannot be cancelled again.
	resp, _ = f.delete(t, "/v1/payouts/"+id)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, stats := f.get(t, "/v1/payouts/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), stats["total"])
}

func TestKYCEndpoints(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, false)
	address := gatewayAddress(t)

	register := map[string]any{
		"node_id":  "node-1",
		"address":  address,
		"kyc_hash": testHash,
		"level":    "enhanced",
	}
	resp, record := f.post(t, "/v1/kyc/register", register)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pending", record["status"])

	resp, _ = f.post(t, "/v1/kyc/register", register)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, verified := f.post(t, "/v1/kyc/verify", map[string]any{
		"node_id":   "node-1",
		"signature": signaturePayloadFor(t, f.authority, "node-1", "50"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "verified", verified["status"])

	// A signature from a different key is rejected.
	foreign, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	resp, _ = f.post(t, "/v1/kyc/verify", map[string]any{
		"node_id":   "node-1",
		"signature": signaturePayloadFor(t, foreign, "node-1", "50"),
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, fetched := f.get(t, "/v1/kyc/node-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "node-1", fetched["node_id"])

	resp, _ = f.get(t, "/v1/kyc/node-missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeeEndpoints(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, false)

	resp, est := f.get(t, "/v1/fees/estimate?category=token_transfer&priority=urgent&count=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "token_transfer", est["category"])
	require.Equal(t, "urgent", est["priority"])
	require.Equal(t, float64(536), est["bandwidth_units"])

	resp, _ = f.get(t, "/v1/fees/estimate?category=swap")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/v1/fees/estimate?count=-1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, optimized := f.get(t, "/v1/fees/optimize?category=transfer&max_fee_sun=100000000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, optimized["estimates"])

	resp, _ = f.get(t, "/v1/fees/optimize?category=transfer")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWalletEndpoints(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, true)
	address := gatewayAddress(t)

	resp, registered := f.post(t, "/v1/wallets", map[string]any{
		"id":      "w1",
		"type":    "native",
		"role":    "payout",
		"address": address,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "active", registered["status"])
	require.Equal(t, address, registered["address"])

	resp, fetched := f.get(t, "/v1/wallets/w1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "w1", fetched["id"])

	resp, balance := f.get(t, "/v1/wallets/w1/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "7000000", balance["balance_sun"])

	resp, session := f.post(t, "/v1/wallets/w1/sessions", map[string]any{
		"metadata": map[string]string{"client": "test"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := session["session_id"].(string)
	require.NotEmpty(t, sessionID)

	resp, executed := f.post(t, "/v1/wallets/execute", map[string]any{
		"wallet_id":     "w1",
		"session_id":    sessionID,
		"to":            gatewayAddress(t),
		"amount":        "1",
		"fee_limit_sun": 1000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "tx-gw", executed["txid"])

	resp, history := f.get(t, "/v1/wallets/w1/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history["history"], 1)

	resp, _ = f.delete(t, "/v1/sessions/" + sessionID)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.get(t, "/v1/wallets/missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWalletEndpointsAbsentWithoutManager(t *testing.T) {
	f := newServerFixture(t, payout.LimitConfig{}, false)
	resp, _ := f.get(t, "/v1/wallets/w1")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimiting(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	verifier, err := compliance.NewVerifier(&key.PublicKey)
	require.NoError(t, err)
	registry, err := compliance.NewRegistry(verifier)
	require.NoError(t, err)
	estimator, err := fees.NewEstimator(stubHeights{})
	require.NoError(t, err)
	orch, err := payout.New(payout.Config{
		Limits: payout.LimitConfig{DailyCap: big.NewInt(1), HourlyCap: big.NewInt(1)},
	}, []route.Executor{&stubRoute{name: types.RouteOpen}}, stubStatuses{})
	require.NoError(t, err)

	srv, err := New(Config{RateLimit: RateLimit{PerSecond: 1, Burst: 1}}, orch, registry, estimator, nil, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	statuses := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("X-Real-IP", "10.0.0.9")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, statuses)
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	require.Equal(t, "192.0.2.10", clientID(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 192.0.2.1")
	require.Equal(t, "198.51.100.7", clientID(req))

	req.Header.Set("X-Real-IP", "203.0.113.5")
	require.Equal(t, "203.0.113.5", clientID(req))
}

func TestSignaturePayloadParsing(t *testing.T) {
	payload := &signaturePayload{
		NodeID:     "node-1",
		KYCHash:    testHash,
		Amount:     "50",
		Signature:  "0x" + strings.Repeat("ab", 65),
		Signer:     "authority",
		IssuedAt:   "2026-08-30T12:00:00Z",
		ValidUntil: "2026-08-30T13:00:00Z",
		Level:      "basic",
	}
	sig, err := payload.toSignature()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(50_000_000), sig.Amount)
	require.Equal(t, compliance.LevelBasic, sig.Level)
	require.Len(t, sig.Signature, 65)

	bad := *payload
	bad.Signature = "zz"
	_, err = bad.toSignature()
	require.Error(t, err)

	bad = *payload
	bad.IssuedAt = "yesterday"
	_, err = bad.toSignature()
	require.Error(t, err)

	bad = *payload
	bad.Level = "platinum"
	_, err = bad.toSignature()
	require.Error(t, err)
}
