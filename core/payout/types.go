package payout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"lucidpay/core/compliance"
	"lucidpay/core/types"
)

// Request is one payout as submitted by the application. Amounts are integer
// micro units of the stable token. Gated requests must carry NodeID, KYCHash,
// and Signature.
type Request struct {
	Recipient  string
	Amount     *big.Int
	Reason     string
	Route      types.Route
	Priority   types.Priority
	BatchMode  types.BatchMode
	SessionID  string
	NodeID     string
	WorkCredit *big.Int
	KYCHash    string
	Signature  *compliance.Signature
	ExpiresAt  time.Time
	// Timestamp anchors the idempotency bucket. Zero means intake time.
	Timestamp time.Time
}

// Status tracks a transaction through its lifecycle. Terminal states are
// immutable.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusPending           Status = "pending"
	StatusApproved          Status = "approved"
	StatusKYCPending        Status = "kyc_pending"
	StatusCompliancePending Status = "compliance_pending"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
	StatusRejected          Status = "rejected"
	StatusExpired           Status = "expired"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Transaction is the orchestrator's record of one payout. TxID stays empty
// until broadcast; only the confirmation loop moves pending to a terminal
// state.
type Transaction struct {
	ID            string
	Request       Request
	TxID          string
	Status        Status
	FeePaidSun    int64
	EnergyUsed    int64
	BandwidthUsed int64
	CreatedAt     time.Time
	ApprovedAt    time.Time
	ConfirmedAt   time.Time
	CompletedAt   time.Time
	LastError     string
	Retries       int
}

// Clone returns a deep enough copy for callers to hold without racing the
// orchestrator.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	dup := *t
	if t.Request.Amount != nil {
		dup.Request.Amount = new(big.Int).Set(t.Request.Amount)
	}
	if t.Request.WorkCredit != nil {
		dup.Request.WorkCredit = new(big.Int).Set(t.Request.WorkCredit)
	}
	if t.Request.Signature != nil {
		sig := *t.Request.Signature
		dup.Request.Signature = &sig
	}
	return &dup
}

// idBucket is the window within which identical logical requests collapse to
// one transaction id.
const idBucket = time.Minute

// deriveID produces the deterministic transaction id for a request: identical
// recipient, amount, and route within one bucket always map to the same id,
// so retried submissions cannot double-broadcast.
func deriveID(req Request, at time.Time) string {
	bucket := at
	if !req.Timestamp.IsZero() {
		bucket = req.Timestamp
	}
	payload := fmt.Sprintf("%s|%s|%s|%d", req.Recipient, req.Amount, req.Route, bucket.UTC().Truncate(idBucket).Unix())
	sum := sha256.Sum256([]byte(payload))
	return "po_" + hex.EncodeToString(sum[:12])
}
