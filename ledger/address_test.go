package ledger

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func testAddress(t *testing.T) string {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr, err := AddressFromPubKey(&key.PublicKey)
	require.NoError(t, err)
	return addr
}

func TestAddressFromPubKeyIsValid(t *testing.T) {
	addr := testAddress(t)
	require.Len(t, addr, 34)
	require.Equal(t, byte('T'), addr[0])
	require.True(t, ValidAddress(addr))
}

func TestValidAddressRejectsMalformed(t *testing.T) {
	addr := testAddress(t)

	require.False(t, ValidAddress(""))
	require.False(t, ValidAddress("not-an-address"))
	require.False(t, ValidAddress(addr[:33]))
	require.False(t, ValidAddress("A"+addr[1:]))
}

func TestValidAddressRejectsBadChecksum(t *testing.T) {
	addr := testAddress(t)
	decoded, err := base58.Decode(addr)
	require.NoError(t, err)
	decoded[len(decoded)-1] ^= 0xff
	require.False(t, ValidAddress(base58.Encode(decoded)))
}

func TestAddressFromPubKeyNil(t *testing.T) {
	_, err := AddressFromPubKey(nil)
	require.Error(t, err)
}
