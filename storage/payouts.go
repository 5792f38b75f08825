package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"lucidpay/core/compliance"
	"lucidpay/core/payout"
	"lucidpay/core/types"
)

// signatureRow is the persisted form of a compliance signature attached to a
// payout request.
type signatureRow struct {
	NodeID     string `json:"node_id"`
	KYCHash    string `json:"kyc_hash"`
	Amount     string `json:"amount"`
	Reason     string `json:"reason"`
	Signature  string `json:"signature"`
	Signer     string `json:"signer"`
	IssuedAt   int64  `json:"issued_at"`
	ValidUntil int64  `json:"valid_until"`
	Level      string `json:"level"`
}

func encodeSignature(sig *compliance.Signature) (any, error) {
	if sig == nil {
		return nil, nil
	}
	row := signatureRow{
		NodeID:     sig.NodeID,
		KYCHash:    sig.KYCHash,
		Reason:     sig.Reason,
		Signature:  hex.EncodeToString(sig.Signature),
		Signer:     sig.Signer,
		IssuedAt:   sig.IssuedAt.UTC().Unix(),
		ValidUntil: sig.ValidUntil.UTC().Unix(),
		Level:      string(sig.Level),
	}
	if sig.Amount != nil {
		row.Amount = sig.Amount.String()
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode signature: %w", err)
	}
	return string(encoded), nil
}

func decodeSignature(raw sql.NullString) (*compliance.Signature, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var row signatureRow
	if err := json.Unmarshal([]byte(raw.String), &row); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	sigBytes, err := hex.DecodeString(row.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature bytes: %w", err)
	}
	sig := &compliance.Signature{
		NodeID:     row.NodeID,
		KYCHash:    row.KYCHash,
		Reason:     row.Reason,
		Signature:  sigBytes,
		Signer:     row.Signer,
		IssuedAt:   time.Unix(row.IssuedAt, 0).UTC(),
		ValidUntil: time.Unix(row.ValidUntil, 0).UTC(),
		Level:      compliance.Level(row.Level),
	}
	if row.Amount != "" {
		amount, ok := new(big.Int).SetString(row.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("decode signature amount %q", row.Amount)
		}
		sig.Amount = amount
	}
	return sig, nil
}

// SavePayout upserts one transaction record.
func (s *Storage) SavePayout(ctx context.Context, tx *payout.Transaction) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("payout record incomplete")
	}
	amount := ""
	if tx.Request.Amount != nil {
		amount = tx.Request.Amount.String()
	}
	var workCredit any
	if tx.Request.WorkCredit != nil {
		workCredit = tx.Request.WorkCredit.String()
	}
	signature, err := encodeSignature(tx.Request.Signature)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO payouts(
            id, recipient, amount, reason, route, priority, batch_mode,
            session_id, node_id, work_credit, kyc_hash, signature,
            expires_at, requested_at, txid, status, fee_paid_sun,
            energy_used, bandwidth_used, created_at, approved_at,
            confirmed_at, completed_at, last_error, retries
        ) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            txid = excluded.txid,
            status = excluded.status,
            fee_paid_sun = excluded.fee_paid_sun,
            energy_used = excluded.energy_used,
            bandwidth_used = excluded.bandwidth_used,
            approved_at = excluded.approved_at,
            confirmed_at = excluded.confirmed_at,
            completed_at = excluded.completed_at,
            last_error = excluded.last_error,
            retries = excluded.retries
    `,
		tx.ID, tx.Request.Recipient, amount, tx.Request.Reason,
		string(tx.Request.Route), string(tx.Request.Priority), string(tx.Request.BatchMode),
		tx.Request.SessionID, tx.Request.NodeID, workCredit, tx.Request.KYCHash, signature,
		timeOrNull(tx.Request.ExpiresAt), timeOrNull(tx.Request.Timestamp),
		tx.TxID, string(tx.Status), tx.FeePaidSun,
		tx.EnergyUsed, tx.BandwidthUsed, tx.CreatedAt.UTC().Unix(), timeOrNull(tx.ApprovedAt),
		timeOrNull(tx.ConfirmedAt), timeOrNull(tx.CompletedAt), tx.LastError, tx.Retries,
	)
	if err != nil {
		return fmt.Errorf("upsert payout: %w", err)
	}
	return nil
}

// DeletePayout removes one transaction record by id.
func (s *Storage) DeletePayout(ctx context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payouts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete payout: %w", err)
	}
	return nil
}

// LoadPayouts returns every persisted transaction, oldest first.
func (s *Storage) LoadPayouts(ctx context.Context) ([]*payout.Transaction, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, recipient, amount, reason, route, priority, batch_mode,
               session_id, node_id, work_credit, kyc_hash, signature,
               expires_at, requested_at, txid, status, fee_paid_sun,
               energy_used, bandwidth_used, created_at, approved_at,
               confirmed_at, completed_at, last_error, retries
        FROM payouts
        ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()

	records := make([]*payout.Transaction, 0)
	for rows.Next() {
		var (
			tx          payout.Transaction
			amount      string
			workCredit  sql.NullString
			signature   sql.NullString
			expiresAt   sql.NullInt64
			requestedAt sql.NullInt64
			createdAt   int64
			approvedAt  sql.NullInt64
			confirmedAt sql.NullInt64
			completedAt sql.NullInt64
			route       string
			priority    string
			batchMode   string
			status      string
		)
		if err := rows.Scan(
			&tx.ID, &tx.Request.Recipient, &amount, &tx.Request.Reason,
			&route, &priority, &batchMode,
			&tx.Request.SessionID, &tx.Request.NodeID, &workCredit, &tx.Request.KYCHash, &signature,
			&expiresAt, &requestedAt, &tx.TxID, &status, &tx.FeePaidSun,
			&tx.EnergyUsed, &tx.BandwidthUsed, &createdAt, &approvedAt,
			&confirmedAt, &completedAt, &tx.LastError, &tx.Retries,
		); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		parsed, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("parse payout amount %q", amount)
		}
		tx.Request.Amount = parsed
		if workCredit.Valid && workCredit.String != "" {
			credit, ok := new(big.Int).SetString(workCredit.String, 10)
			if !ok {
				return nil, fmt.Errorf("parse work credit %q", workCredit.String)
			}
			tx.Request.WorkCredit = credit
		}
		sig, err := decodeSignature(signature)
		if err != nil {
			return nil, err
		}
		tx.Request.Signature = sig
		tx.Request.Route = types.Route(route)
		tx.Request.Priority = types.Priority(priority)
		tx.Request.BatchMode = types.BatchMode(batchMode)
		tx.Request.ExpiresAt = unixOrZero(expiresAt)
		tx.Request.Timestamp = unixOrZero(requestedAt)
		tx.Status = payout.Status(status)
		tx.CreatedAt = time.Unix(createdAt, 0).UTC()
		tx.ApprovedAt = unixOrZero(approvedAt)
		tx.ConfirmedAt = unixOrZero(confirmedAt)
		tx.CompletedAt = unixOrZero(completedAt)
		records = append(records, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return records, nil
}
