package wallet

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Type selects the signing/broadcast mechanism behind a wallet identity.
type Type string

const (
	TypeSoftware Type = "software"
	TypeHardware Type = "hardware"
	TypeMultisig Type = "multisig"
	TypeNative   Type = "native"
	TypeExternal Type = "external"
)

// ParseType normalises and validates a wallet type string.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeSoftware:
		return TypeSoftware, nil
	case TypeHardware:
		return TypeHardware, nil
	case TypeMultisig:
		return TypeMultisig, nil
	case TypeNative:
		return TypeNative, nil
	case TypeExternal:
		return TypeExternal, nil
	default:
		return "", fmt.Errorf("wallet: unknown type %q", raw)
	}
}

// Role describes what the wallet is for.
type Role string

const (
	RoleTreasury Role = "treasury"
	RolePayout   Role = "payout"
	RoleReserve  Role = "reserve"
	RoleOperator Role = "operator"
)

// Status is the wallet's administrative state. Only active wallets may
// execute transactions.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusLocked      Status = "locked"
	StatusSuspended   Status = "suspended"
	StatusMaintenance Status = "maintenance"
)

// IntegrationStatus tracks the connection to the wallet's backing mechanism.
type IntegrationStatus string

const (
	IntegrationConnected      IntegrationStatus = "connected"
	IntegrationDisconnected   IntegrationStatus = "disconnected"
	IntegrationError          IntegrationStatus = "error"
	IntegrationAuthenticating IntegrationStatus = "authenticating"
	IntegrationSyncing        IntegrationStatus = "syncing"
)

// Info is the public half of a wallet record. Key material lives in
// Credentials, stored and rotated separately.
type Info struct {
	ID                 string
	Type               Type
	Role               Role
	Address            string
	PublicKey          string
	Status             Status
	Integration        IntegrationStatus
	BalanceSun         *big.Int
	EnergyAvailable    int64
	BandwidthAvailable int64
	CreatedAt          time.Time
	LastUsed           time.Time
}

// Credentials is the private half of a wallet record: encrypted key material
// plus per-type integration parameters. Never logged verbatim.
type Credentials struct {
	WalletID          string
	EncryptedKey      []byte
	MultisigThreshold int
	MultisigSigners   []string
	DeviceID          string
	Endpoint          string
	APIKey            string
	RotatedAt         time.Time
}

// TransactionRequest asks a wallet to move funds. SessionID must reference a
// live session opened with Connect.
type TransactionRequest struct {
	WalletID    string
	SessionID   string
	To          string
	Amount      *big.Int
	FeeLimitSun int64
	Memo        string
}

// TransactionResult is the uniform outcome every executor returns.
type TransactionResult struct {
	TxID       string
	WalletID   string
	WalletType Type
	ExecutedAt time.Time
}

// Session is one live connection to a wallet.
type Session struct {
	ID         string
	WalletID   string
	CreatedAt  time.Time
	LastActive time.Time
	Metadata   map[string]string
}
