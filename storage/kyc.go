package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lucidpay/core/compliance"
)

// SaveKYCRecord upserts one registry entry keyed by node id.
func (s *Storage) SaveKYCRecord(ctx context.Context, record compliance.Record) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if record.NodeID == "" {
		return fmt.Errorf("kyc record incomplete")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO kyc_records(node_id, address, kyc_hash, level, status, created_at, verified_at, expires_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(node_id) DO UPDATE SET
            address = excluded.address,
            kyc_hash = excluded.kyc_hash,
            level = excluded.level,
            status = excluded.status,
            verified_at = excluded.verified_at,
            expires_at = excluded.expires_at
    `, record.NodeID, record.Address, record.KYCHash, string(record.Level), string(record.Status),
		record.CreatedAt.UTC().Unix(), timeOrNull(record.VerifiedAt), timeOrNull(record.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert kyc record: %w", err)
	}
	return nil
}

// LoadKYCRecords returns every persisted registry entry.
func (s *Storage) LoadKYCRecords(ctx context.Context) ([]compliance.Record, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT node_id, address, kyc_hash, level, status, created_at, verified_at, expires_at
        FROM kyc_records
        ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query kyc records: %w", err)
	}
	defer rows.Close()

	records := make([]compliance.Record, 0)
	for rows.Next() {
		var (
			record     compliance.Record
			level      string
			status     string
			createdAt  int64
			verifiedAt sql.NullInt64
			expiresAt  sql.NullInt64
		)
		if err := rows.Scan(&record.NodeID, &record.Address, &record.KYCHash, &level, &status,
			&createdAt, &verifiedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan kyc record: %w", err)
		}
		record.Level = compliance.Level(level)
		record.Status = compliance.Status(status)
		record.CreatedAt = time.Unix(createdAt, 0).UTC()
		record.VerifiedAt = unixOrZero(verifiedAt)
		record.ExpiresAt = unixOrZero(expiresAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kyc records: %w", err)
	}
	return records, nil
}
