package ledger

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// addressVersion is the base58check version byte for mainnet accounts.
const addressVersion = 0x41

// ValidAddress reports whether the supplied string is a well-formed
// base58check account address ("T" prefix, 34 characters, intact checksum).
func ValidAddress(address string) bool {
	if len(address) != 34 || address[0] != 'T' {
		return false
	}
	decoded, err := base58.Decode(address)
	if err != nil || len(decoded) != 25 {
		return false
	}
	if decoded[0] != addressVersion {
		return false
	}
	payload, checksum := decoded[:21], decoded[21:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := 0; i < 4; i++ {
		if checksum[i] != second[i] {
			return false
		}
	}
	return true
}

// AddressFromPubKey derives the base58check account address for a secp256k1
// public key.
func AddressFromPubKey(pub *ecdsa.PublicKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("ledger: nil public key")
	}
	raw := ethcrypto.FromECDSAPub(pub)
	if len(raw) != 65 {
		return "", fmt.Errorf("ledger: unexpected public key length %d", len(raw))
	}
	digest := ethcrypto.Keccak256(raw[1:])
	payload := make([]byte, 0, 25)
	payload = append(payload, addressVersion)
	payload = append(payload, digest[12:]...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	payload = append(payload, second[:4]...)
	return base58.Encode(payload), nil
}
