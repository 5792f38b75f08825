package compliance

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Level grades how deeply an identity was vetted.
type Level string

const (
	LevelBasic         Level = "basic"
	LevelEnhanced      Level = "enhanced"
	LevelInstitutional Level = "institutional"
	LevelGovernment    Level = "government"
)

// ParseLevel normalises and validates a compliance level string.
func ParseLevel(raw string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(raw))) {
	case LevelBasic:
		return LevelBasic, nil
	case LevelEnhanced:
		return LevelEnhanced, nil
	case LevelInstitutional:
		return LevelInstitutional, nil
	case LevelGovernment:
		return LevelGovernment, nil
	default:
		return "", fmt.Errorf("unknown compliance level %q", raw)
	}
}

// Signature is a time-bounded attestation from the compliance authority
// approving one payout for one verified identity. It is a stateless value:
// validity is a pure function of the current time and the signature bytes.
type Signature struct {
	NodeID     string
	KYCHash    string
	Amount     *big.Int
	Reason     string
	Signature  []byte
	Signer     string
	IssuedAt   time.Time
	ValidUntil time.Time
	Level      Level
}

// Digest returns the canonical hash the authority signs. Any party holding the
// payload fields can recompute it.
func (s Signature) Digest() []byte {
	amount := "0"
	if s.Amount != nil {
		amount = s.Amount.String()
	}
	var buf bytes.Buffer
	buf.WriteString(strings.TrimSpace(s.NodeID))
	buf.WriteByte('|')
	buf.WriteString(strings.ToLower(strings.TrimSpace(s.KYCHash)))
	buf.WriteByte('|')
	buf.WriteString(amount)
	buf.WriteByte('|')
	buf.WriteString(strings.TrimSpace(s.Reason))
	buf.WriteByte('|')
	fmt.Fprintf(&buf, "%d|%d", s.IssuedAt.UTC().Unix(), s.ValidUntil.UTC().Unix())
	buf.WriteByte('|')
	buf.WriteString(string(s.Level))
	return ethcrypto.Keccak256(buf.Bytes())
}

// kycHashLength is the expected hex length of an identity document hash.
const kycHashLength = 64

// ValidKYCHash reports whether the supplied string is a well-formed identity
// hash (64 lowercase hex characters).
func ValidKYCHash(hash string) bool {
	trimmed := strings.TrimSpace(hash)
	if len(trimmed) != kycHashLength {
		return false
	}
	for _, c := range trimmed {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
