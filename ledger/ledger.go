package ledger

import (
	"context"
	"errors"
	"math/big"
)

// TxStatus reflects the ledger-side view of a broadcast transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// ErrTxNotFound is returned when the ledger has no record of a transaction id.
var ErrTxNotFound = errors.New("ledger: transaction not found")

// BroadcastRequest describes one transfer to build, sign, and submit. Amount is
// denominated in micro units of the stable token. CallData carries optional
// audit payload encoded into the on-chain call.
type BroadcastRequest struct {
	To          string
	Amount      *big.Int
	FeeLimitSun int64
	CallData    []byte
}

// Client is the boundary to the ledger RPC endpoint. Implementations must
// honour the context deadline on every call.
type Client interface {
	Height(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	BuildAndBroadcast(ctx context.Context, req BroadcastRequest) (string, error)
	TransactionStatus(ctx context.Context, txid string) (TxStatus, error)
}
