package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	client, err := NewHTTPClient(Config{BaseURL: server.URL, APIKey: "secret", SigningKey: key})
	require.NoError(t, err)
	return client, server
}

func TestHeight(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chain/height", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode(map[string]uint64{"height": 4521})
	}))
	height, err := client.Height(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(4521), height)
}

func TestBalance(t *testing.T) {
	recipient := testAddress(t)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/"+recipient+"/balance", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"balance": "125000000"})
	}))
	balance, err := client.Balance(context.Background(), recipient)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(125000000), balance)
}

func TestBalanceRejectsInvalidAddress(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())
	_, err := client.Balance(context.Background(), "not-an-address")
	require.Error(t, err)
}

func TestBuildAndBroadcastSignsTransfer(t *testing.T) {
	recipient := testAddress(t)
	var captured broadcastPayload
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transactions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]string{"txid": "tx-001"})
	}))

	amount := big.NewInt(50_000_000)
	txid, err := client.BuildAndBroadcast(context.Background(), BroadcastRequest{
		To: recipient, Amount: amount, FeeLimitSun: 25_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, "tx-001", txid)

	require.Equal(t, client.TreasuryAddress(), captured.From)
	require.Equal(t, recipient, captured.To)
	require.Equal(t, amount.String(), captured.Amount)
	require.Len(t, captured.Signatures, 1)

	sig, err := hex.DecodeString(captured.Signatures[0])
	require.NoError(t, err)
	digest := TransferDigest(captured.From, recipient, amount, 25_000_000, nil)
	recovered, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	addr, err := AddressFromPubKey(recovered)
	require.NoError(t, err)
	require.Equal(t, client.TreasuryAddress(), addr)
}

func TestSubmitSignedRequiresSignatures(t *testing.T) {
	recipient := testAddress(t)
	client, _ := newTestClient(t, http.NewServeMux())
	_, err := client.SubmitSigned(context.Background(), SignedTransfer{
		From: testAddress(t), To: recipient, Amount: big.NewInt(1),
	})
	require.Error(t, err)
}

func TestTransactionStatusMapping(t *testing.T) {
	statuses := map[string]TxStatus{
		"pending":   TxPending,
		"broadcast": TxPending,
		"confirmed": TxConfirmed,
		"success":   TxConfirmed,
		"failed":    TxFailed,
		"reverted":  TxFailed,
		"expired":   TxFailed,
	}
	for raw, want := range statuses {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": raw})
		}))
		got, err := client.TransactionStatus(context.Background(), "tx-1")
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
}

func TestTransactionStatusNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	_, err := client.TransactionStatus(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestTransferDigestBindsFields(t *testing.T) {
	a := testAddress(t)
	b := testAddress(t)
	base := TransferDigest(a, b, big.NewInt(100), 1000, nil)
	require.Len(t, base, 32)
	require.Equal(t, base, TransferDigest(a, b, big.NewInt(100), 1000, nil))
	require.NotEqual(t, base, TransferDigest(a, b, big.NewInt(101), 1000, nil))
	require.NotEqual(t, base, TransferDigest(a, b, big.NewInt(100), 1001, nil))
	require.NotEqual(t, base, TransferDigest(a, b, big.NewInt(100), 1000, []byte{0x01}))
}
