package route

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"lucidpay/core/compliance"
	"lucidpay/core/fees"
	"lucidpay/core/types"
	"lucidpay/ledger"
)

// KYCConfig parameterises the gated route.
type KYCConfig struct {
	Treasury    string
	Limits      Limits
	CallTimeout time.Duration
}

// KYC executes payouts only for verified identities carrying a currently
// valid compliance signature. The gating decision is encoded into the
// on-chain call so it stays auditable from the transaction itself.
type KYC struct {
	cfg      KYCConfig
	client   Broadcaster
	registry *compliance.Registry
	verifier *compliance.Verifier
	quoter   FeeQuoter
	limiter  *dailyLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// KYCOption customises the gated route.
type KYCOption func(*KYC)

// WithKYCClock overrides the time source, primarily for tests.
func WithKYCClock(now func() time.Time) KYCOption {
	return func(k *KYC) {
		if now != nil {
			k.now = now
		}
	}
}

// WithKYCQuoter attaches a fee estimator used to enforce the fee ceiling.
func WithKYCQuoter(quoter FeeQuoter) KYCOption {
	return func(k *KYC) { k.quoter = quoter }
}

// WithKYCLogger overrides the route logger.
func WithKYCLogger(logger *slog.Logger) KYCOption {
	return func(k *KYC) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// NewKYC builds the gated route executor.
func NewKYC(cfg KYCConfig, client Broadcaster, registry *compliance.Registry, verifier *compliance.Verifier, opts ...KYCOption) (*KYC, error) {
	if client == nil {
		return nil, fmt.Errorf("route: ledger client required")
	}
	if registry == nil {
		return nil, fmt.Errorf("route: kyc registry required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("route: compliance verifier required")
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
	k := &KYC{
		cfg:      cfg,
		client:   client,
		registry: registry,
		verifier: verifier,
		logger:   slog.Default().With("component", "route_kyc"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.limiter = newDailyLimiter(cfg.Limits.DailyCap, k.now)
	return k, nil
}

// Route identifies this executor.
func (k *KYC) Route() types.Route { return types.RouteKYC }

// Validate enforces the gated route's intake invariant: node id, KYC hash,
// and compliance signature must all be present.
func (k *KYC) Validate(req Request) error {
	if !ledger.ValidAddress(req.Recipient) {
		return fmt.Errorf("route: invalid recipient address %q", req.Recipient)
	}
	if err := k.cfg.Limits.checkAmount(req.Amount); err != nil {
		return err
	}
	if strings.TrimSpace(req.NodeID) == "" {
		return fmt.Errorf("route: node id required for gated payouts")
	}
	if !compliance.ValidKYCHash(req.KYCHash) {
		return fmt.Errorf("route: valid kyc hash required for gated payouts")
	}
	if req.Signature == nil {
		return fmt.Errorf("route: compliance signature required for gated payouts")
	}
	return nil
}

// Execute gates on registry state and signature validity before any ledger
// call, then proceeds like the open route with the gating evidence attached
// to the broadcast.
func (k *KYC) Execute(ctx context.Context, req Request) (string, error) {
	if err := k.Validate(req); err != nil {
		return "", err
	}
	if err := k.registry.Eligible(req.NodeID, req.KYCHash); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKYCPending, err)
	}
	if err := k.checkSignature(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompliancePending, err)
	}
	if err := k.limiter.Reserve(req.Amount); err != nil {
		return "", err
	}

	callData, err := auditPayload(req)
	if err != nil {
		k.limiter.Release(req.Amount)
		return "", fmt.Errorf("route: encode audit payload: %w", err)
	}
	txid, err := broadcastTransfer(ctx, k.client, k.quoter, k.cfg.Limits, k.cfg.Treasury, k.cfg.CallTimeout, req, fees.CategoryPayoutKYC, callData)
	if err != nil {
		k.limiter.Release(req.Amount)
		return "", err
	}
	k.logger.Info("payout broadcast", "payout_id", req.PayoutID, "route", "kyc", "node_id", req.NodeID, "txid", txid)
	return txid, nil
}

// DailyRemaining reports the unused daily volume headroom.
func (k *KYC) DailyRemaining() *big.Int { return k.limiter.Remaining() }

// checkSignature binds the signature to this specific payout before checking
// window and authenticity.
func (k *KYC) checkSignature(req Request) error {
	sig := req.Signature
	if !strings.EqualFold(strings.TrimSpace(sig.NodeID), strings.TrimSpace(req.NodeID)) {
		return fmt.Errorf("signature bound to node %q, payout from %q", sig.NodeID, req.NodeID)
	}
	if !strings.EqualFold(sig.KYCHash, req.KYCHash) {
		return fmt.Errorf("signature kyc hash does not match payout")
	}
	if sig.Amount == nil || req.Amount == nil || sig.Amount.Cmp(req.Amount) != 0 {
		return fmt.Errorf("signature amount does not match payout")
	}
	return k.verifier.Verify(*sig)
}

// auditPayload serialises the gating evidence carried in the on-chain call.
func auditPayload(req Request) ([]byte, error) {
	return json.Marshal(map[string]string{
		"node_id":     req.NodeID,
		"kyc_hash":    strings.ToLower(req.KYCHash),
		"signature":   hex.EncodeToString(req.Signature.Signature),
		"signer":      req.Signature.Signer,
		"valid_until": req.Signature.ValidUntil.UTC().Format(time.RFC3339),
	})
}

var _ Executor = (*KYC)(nil)
