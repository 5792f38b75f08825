package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lucidpay/wallet"
)

// SaveWallet upserts one wallet record. Integration state is runtime-only and
// not persisted.
func (s *Storage) SaveWallet(ctx context.Context, info wallet.Info) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if info.ID == "" {
		return fmt.Errorf("wallet record incomplete")
	}
	balance := "0"
	if info.BalanceSun != nil {
		balance = info.BalanceSun.String()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO wallets(id, type, role, address, public_key, status, balance_sun,
            energy_available, bandwidth_available, created_at, last_used)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            balance_sun = excluded.balance_sun,
            energy_available = excluded.energy_available,
            bandwidth_available = excluded.bandwidth_available,
            last_used = excluded.last_used
    `, info.ID, string(info.Type), string(info.Role), info.Address, info.PublicKey,
		string(info.Status), balance, info.EnergyAvailable, info.BandwidthAvailable,
		info.CreatedAt.UTC().Unix(), timeOrNull(info.LastUsed))
	if err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}
	return nil
}

// LoadWallets returns every persisted wallet record.
func (s *Storage) LoadWallets(ctx context.Context) ([]wallet.Info, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, type, role, address, public_key, status, balance_sun,
               energy_available, bandwidth_available, created_at, last_used
        FROM wallets
        ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	records := make([]wallet.Info, 0)
	for rows.Next() {
		var (
			info      wallet.Info
			typ       string
			role      string
			status    string
			balance   string
			createdAt int64
			lastUsed  sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &typ, &role, &info.Address, &info.PublicKey, &status,
			&balance, &info.EnergyAvailable, &info.BandwidthAvailable, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		parsed, ok := new(big.Int).SetString(balance, 10)
		if !ok {
			return nil, fmt.Errorf("parse wallet balance %q", balance)
		}
		info.Type = wallet.Type(typ)
		info.Role = wallet.Role(role)
		info.Status = wallet.Status(status)
		info.BalanceSun = parsed
		info.CreatedAt = time.Unix(createdAt, 0).UTC()
		info.LastUsed = unixOrZero(lastUsed)
		records = append(records, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallets: %w", err)
	}
	return records, nil
}

// SaveCredentials upserts the private half of a wallet record.
func (s *Storage) SaveCredentials(ctx context.Context, creds wallet.Credentials) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if creds.WalletID == "" {
		return fmt.Errorf("credentials record incomplete")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO wallet_credentials(wallet_id, encrypted_key, multisig_threshold,
            multisig_signers, device_id, endpoint, api_key, rotated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(wallet_id) DO UPDATE SET
            encrypted_key = excluded.encrypted_key,
            multisig_threshold = excluded.multisig_threshold,
            multisig_signers = excluded.multisig_signers,
            device_id = excluded.device_id,
            endpoint = excluded.endpoint,
            api_key = excluded.api_key,
            rotated_at = excluded.rotated_at
    `, creds.WalletID, creds.EncryptedKey, creds.MultisigThreshold,
		strings.Join(creds.MultisigSigners, ","), creds.DeviceID, creds.Endpoint,
		creds.APIKey, creds.RotatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

// LoadCredentials returns every persisted credentials record.
func (s *Storage) LoadCredentials(ctx context.Context) ([]wallet.Credentials, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT wallet_id, encrypted_key, multisig_threshold, multisig_signers,
               device_id, endpoint, api_key, rotated_at
        FROM wallet_credentials
    `)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	records := make([]wallet.Credentials, 0)
	for rows.Next() {
		var (
			creds     wallet.Credentials
			signers   string
			rotatedAt int64
		)
		if err := rows.Scan(&creds.WalletID, &creds.EncryptedKey, &creds.MultisigThreshold,
			&signers, &creds.DeviceID, &creds.Endpoint, &creds.APIKey, &rotatedAt); err != nil {
			return nil, fmt.Errorf("scan credentials: %w", err)
		}
		if signers != "" {
			creds.MultisigSigners = strings.Split(signers, ",")
		}
		creds.RotatedAt = time.Unix(rotatedAt, 0).UTC()
		records = append(records, creds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return records, nil
}
