package ledger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Config captures the parameters for the HTTP ledger client.
type Config struct {
	BaseURL    string
	APIKey     string
	SigningKey *ecdsa.PrivateKey
	Timeout    time.Duration
}

// HTTPClient implements Client against a TRON-grid style REST endpoint. The
// signing key authorises transfers from the treasury account it derives to.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	signingKey *ecdsa.PrivateKey
	from       string
	httpClient *http.Client
}

// NewHTTPClient builds a ledger client using the supplied configuration.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("ledger: base url required")
	}
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("ledger: signing key required")
	}
	from, err := AddressFromPubKey(&cfg.SigningKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: derive treasury address: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		signingKey: cfg.SigningKey,
		from:       from,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// TreasuryAddress returns the account address derived from the signing key.
func (c *HTTPClient) TreasuryAddress() string {
	if c == nil {
		return ""
	}
	return c.from
}

type heightResponse struct {
	Height uint64 `json:"height"`
}

// Height returns the latest ledger block height.
func (c *HTTPClient) Height(ctx context.Context) (uint64, error) {
	var decoded heightResponse
	if err := c.get(ctx, "/v1/chain/height", &decoded); err != nil {
		return 0, err
	}
	return decoded.Height, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// Balance returns the stable-token balance of an account in micro units.
func (c *HTTPClient) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("ledger: invalid address %q", address)
	}
	var decoded balanceResponse
	if err := c.get(ctx, "/v1/accounts/"+address+"/balance", &decoded); err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(decoded.Balance)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid balance %q for %s", raw, address)
	}
	return value, nil
}

type broadcastPayload struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Amount     string   `json:"amount"`
	FeeLimit   int64    `json:"feeLimit"`
	CallData   string   `json:"callData,omitempty"`
	Signatures []string `json:"signatures"`
}

type broadcastResponse struct {
	TxID string `json:"txid"`
}

// BuildAndBroadcast signs a transfer with the configured key and submits it.
// It returns the ledger transaction id; confirmation is observed separately
// through TransactionStatus.
func (c *HTTPClient) BuildAndBroadcast(ctx context.Context, req BroadcastRequest) (string, error) {
	if !ValidAddress(req.To) {
		return "", fmt.Errorf("ledger: invalid recipient %q", req.To)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return "", fmt.Errorf("ledger: amount must be positive")
	}
	payload := broadcastPayload{
		From:     c.from,
		To:       req.To,
		Amount:   req.Amount.String(),
		FeeLimit: req.FeeLimitSun,
	}
	if len(req.CallData) > 0 {
		payload.CallData = hex.EncodeToString(req.CallData)
	}
	digest := TransferDigest(payload.From, req.To, req.Amount, req.FeeLimitSun, req.CallData)
	signature, err := ethcrypto.Sign(digest, c.signingKey)
	if err != nil {
		return "", fmt.Errorf("ledger: sign transfer: %w", err)
	}
	payload.Signatures = []string{hex.EncodeToString(signature)}
	return c.submit(ctx, payload)
}

// SignedTransfer is a transfer whose signatures were produced out of band,
// e.g. by a wallet key or a multisig quorum.
type SignedTransfer struct {
	From        string
	To          string
	Amount      *big.Int
	FeeLimitSun int64
	CallData    []byte
	Signatures  [][]byte
}

// SubmitSigned broadcasts a pre-signed transfer without touching the
// client's own signing key.
func (c *HTTPClient) SubmitSigned(ctx context.Context, tx SignedTransfer) (string, error) {
	if !ValidAddress(tx.From) {
		return "", fmt.Errorf("ledger: invalid sender %q", tx.From)
	}
	if !ValidAddress(tx.To) {
		return "", fmt.Errorf("ledger: invalid recipient %q", tx.To)
	}
	if tx.Amount == nil || tx.Amount.Sign() <= 0 {
		return "", fmt.Errorf("ledger: amount must be positive")
	}
	if len(tx.Signatures) == 0 {
		return "", fmt.Errorf("ledger: at least one signature required")
	}
	payload := broadcastPayload{
		From:     tx.From,
		To:       tx.To,
		Amount:   tx.Amount.String(),
		FeeLimit: tx.FeeLimitSun,
	}
	if len(tx.CallData) > 0 {
		payload.CallData = hex.EncodeToString(tx.CallData)
	}
	payload.Signatures = make([]string, 0, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		payload.Signatures = append(payload.Signatures, hex.EncodeToString(sig))
	}
	return c.submit(ctx, payload)
}

func (c *HTTPClient) submit(ctx context.Context, payload broadcastPayload) (string, error) {
	var decoded broadcastResponse
	if err := c.post(ctx, "/v1/transactions", payload, &decoded); err != nil {
		return "", err
	}
	txid := strings.TrimSpace(decoded.TxID)
	if txid == "" {
		return "", fmt.Errorf("ledger: broadcast returned empty txid")
	}
	return txid, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// TransactionStatus reports whether a broadcast transaction has confirmed.
func (c *HTTPClient) TransactionStatus(ctx context.Context, txid string) (TxStatus, error) {
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return "", fmt.Errorf("ledger: txid required")
	}
	var decoded statusResponse
	if err := c.get(ctx, "/v1/transactions/"+txid, &decoded); err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(decoded.Status)) {
	case "pending", "broadcast":
		return TxPending, nil
	case "confirmed", "success":
		return TxConfirmed, nil
	case "failed", "reverted", "expired":
		return TxFailed, nil
	case "":
		return "", ErrTxNotFound
	default:
		return "", fmt.Errorf("ledger: unknown status %q for %s", decoded.Status, txid)
	}
}

// TransferDigest hashes the canonical transfer fields. Signers produce
// signatures over this digest and the ledger recomputes it on verification.
func TransferDigest(from, to string, amount *big.Int, feeLimitSun int64, callData []byte) []byte {
	amountStr := "0"
	if amount != nil {
		amountStr = amount.String()
	}
	var buf bytes.Buffer
	buf.WriteString(from)
	buf.WriteByte('|')
	buf.WriteString(to)
	buf.WriteByte('|')
	buf.WriteString(amountStr)
	buf.WriteByte('|')
	fmt.Fprintf(&buf, "%d", feeLimitSun)
	if len(callData) > 0 {
		buf.WriteByte('|')
		buf.WriteString(hex.EncodeToString(callData))
	}
	return ethcrypto.Keccak256(buf.Bytes())
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrTxNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger: %s %s: status=%d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
