package compliance

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lucidpay/observability"
)

var (
	// ErrSignatureMalformed marks a signature that fails structural checks
	// before any cryptography runs.
	ErrSignatureMalformed = errors.New("compliance: signature malformed")
	// ErrSignatureFuture marks a signature issued after the current time.
	ErrSignatureFuture = errors.New("compliance: signature issued in the future")
	// ErrSignatureExpired marks a signature past its validity window.
	ErrSignatureExpired = errors.New("compliance: signature expired")
	// ErrSignatureUntrusted marks a signature that does not recover to the
	// configured authority key.
	ErrSignatureUntrusted = errors.New("compliance: signature not from authority")
)

// signatureLength is the recoverable secp256k1 signature size.
const signatureLength = 65

// defaultMaxValidity bounds how long an authority attestation may remain
// usable.
const defaultMaxValidity = 24 * time.Hour

// Verifier checks compliance signatures against the configured authority key
// and validity window. It holds no mutable state and is safe for concurrent
// use.
type Verifier struct {
	authority   *ecdsa.PublicKey
	maxValidity time.Duration
	clockSkew   time.Duration
	now         func() time.Time
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source, primarily for tests.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithMaxValidity overrides the maximum attestation lifetime.
func WithMaxValidity(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.maxValidity = d
		}
	}
}

// NewVerifier builds a Verifier trusting the supplied authority public key.
func NewVerifier(authority *ecdsa.PublicKey, opts ...VerifierOption) (*Verifier, error) {
	if authority == nil {
		return nil, fmt.Errorf("compliance: authority key required")
	}
	v := &Verifier{
		authority:   authority,
		maxValidity: defaultMaxValidity,
		clockSkew:   30 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks structure, timestamp window, and signature authenticity. A nil
// error means the attestation currently authorises its payout.
func (v *Verifier) Verify(sig Signature) error {
	if err := v.verify(sig); err != nil {
		observability.Compliance().RecordSignatureCheck("rejected")
		return err
	}
	observability.Compliance().RecordSignatureCheck("accepted")
	return nil
}

func (v *Verifier) verify(sig Signature) error {
	if !ValidKYCHash(sig.KYCHash) {
		return fmt.Errorf("%w: invalid kyc hash", ErrSignatureMalformed)
	}
	if len(sig.Signature) != signatureLength {
		return fmt.Errorf("%w: expected %d signature bytes, got %d", ErrSignatureMalformed, signatureLength, len(sig.Signature))
	}
	if sig.IssuedAt.IsZero() || sig.ValidUntil.IsZero() {
		return fmt.Errorf("%w: missing validity window", ErrSignatureMalformed)
	}
	if !sig.ValidUntil.After(sig.IssuedAt) {
		return fmt.Errorf("%w: valid_until precedes issued_at", ErrSignatureMalformed)
	}
	if sig.ValidUntil.Sub(sig.IssuedAt) > v.maxValidity {
		return fmt.Errorf("%w: window exceeds %s", ErrSignatureMalformed, v.maxValidity)
	}
	now := v.now()
	if sig.IssuedAt.After(now.Add(v.clockSkew)) {
		return ErrSignatureFuture
	}
	if now.After(sig.ValidUntil) {
		return ErrSignatureExpired
	}
	recovered, err := ethcrypto.SigToPub(sig.Digest(), sig.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
	}
	if recovered.X.Cmp(v.authority.X) != 0 || recovered.Y.Cmp(v.authority.Y) != 0 {
		return ErrSignatureUntrusted
	}
	return nil
}
