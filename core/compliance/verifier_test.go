package compliance

import (
	"crypto/ecdsa"
	"math/big"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var testKYCHash = strings.Repeat("ab", 32)

func signedAttestation(t *testing.T, key *ecdsa.PrivateKey, issued time.Time, validity time.Duration) Signature {
	t.Helper()
	sig := Signature{
		NodeID:     "node-1",
		KYCHash:    testKYCHash,
		Amount:     big.NewInt(50_000_000),
		Reason:     "work settlement",
		Signer:     "authority",
		IssuedAt:   issued,
		ValidUntil: issued.Add(validity),
		Level:      LevelEnhanced,
	}
	raw, err := ethcrypto.Sign(sig.Digest(), key)
	require.NoError(t, err)
	sig.Signature = raw
	return sig
}

func newTestVerifier(t *testing.T, key *ecdsa.PrivateKey, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(&key.PublicKey, WithVerifierClock(func() time.Time { return now }))
	require.NoError(t, err)
	return v
}

func TestVerifyAcceptsAuthoritySignature(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	baseTime := time.Unix(1700000000, 0)

	sig := signedAttestation(t, key, baseTime, time.Hour)
	v := newTestVerifier(t, key, baseTime.Add(30*time.Minute))
	require.NoError(t, v.Verify(sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	baseTime := time.Unix(1700000000, 0)

	sig := signedAttestation(t, key, baseTime, time.Hour)
	sig.Amount = big.NewInt(999_000_000)
	v := newTestVerifier(t, key, baseTime.Add(time.Minute))
	require.ErrorIs(t, v.Verify(sig), ErrSignatureUntrusted)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	authority, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	imposter, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	baseTime := time.Unix(1700000000, 0)

	sig := signedAttestation(t, imposter, baseTime, time.Hour)
	v := newTestVerifier(t, authority, baseTime.Add(time.Minute))
	require.ErrorIs(t, v.Verify(sig), ErrSignatureUntrusted)
}

func TestVerifyRejectsExpired(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	baseTime := time.Unix(1700000000, 0)

	sig := signedAttestation(t, key, baseTime, time.Hour)
	v := newTestVerifier(t, key, baseTime.Add(2*time.Hour))
	require.ErrorIs(t, v.Verify(sig), ErrSignatureExpired)
}

func TestVerifyRejectsFutureIssuance(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	baseTime := time.Unix(1700000000, 0)

	sig := signedAttestation(t, key, baseTime.Add(time.Hour), time.Hour)
	v := newTestVerifier(t, key, baseTime)
	require.ErrorIs(t, v.Verify(sig), ErrSignatureFuture)
}

func TestVerifyRejectsOversizedWindow(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	baseTime := time.Unix(1700000000, 0)

	sig := signedAttestation(t, key, baseTime, 48*time.Hour)
	v := newTestVerifier(t, key, baseTime.Add(time.Minute))
	require.ErrorIs(t, v.Verify(sig), ErrSignatureMalformed)
}

func TestVerifyRejectsStructuralProblems(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	baseTime := time.Unix(1700000000, 0)
	v := newTestVerifier(t, key, baseTime)

	bad := signedAttestation(t, key, baseTime, time.Hour)
	bad.KYCHash = "short"
	require.ErrorIs(t, v.Verify(bad), ErrSignatureMalformed)

	bad = signedAttestation(t, key, baseTime, time.Hour)
	bad.Signature = bad.Signature[:10]
	require.ErrorIs(t, v.Verify(bad), ErrSignatureMalformed)

	bad = signedAttestation(t, key, baseTime, time.Hour)
	bad.ValidUntil = bad.IssuedAt.Add(-time.Minute)
	require.ErrorIs(t, v.Verify(bad), ErrSignatureMalformed)
}

func TestValidKYCHash(t *testing.T) {
	require.True(t, ValidKYCHash(testKYCHash))
	require.False(t, ValidKYCHash(strings.ToUpper(testKYCHash)))
	require.False(t, ValidKYCHash(testKYCHash[:63]))
	require.False(t, ValidKYCHash(strings.Repeat("zz", 32)))
	require.False(t, ValidKYCHash(""))
}
