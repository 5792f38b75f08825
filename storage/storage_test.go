package storage

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lucidpay/core/compliance"
	"lucidpay/core/payout"
	"lucidpay/core/types"
	"lucidpay/wallet"
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "payouts.db"))
	require.NoError(t, err)
	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestPayoutRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	baseTime := time.Unix(1700000000, 0).UTC()

	tx := &payout.Transaction{
		ID: "po_abc123",
		Request: payout.Request{
			Recipient:  "TRecipientAddress",
			Amount:     big.NewInt(5_000_000),
			Reason:     "work settlement",
			Route:      types.RouteKYC,
			Priority:   types.PriorityHigh,
			BatchMode:  types.BatchHourly,
			NodeID:     "node-1",
			WorkCredit: big.NewInt(120),
			KYCHash:    "aabb",
			Signature: &compliance.Signature{
				NodeID:     "node-1",
				KYCHash:    "aabb",
				Amount:     big.NewInt(5_000_000),
				Reason:     "work settlement",
				Signature:  []byte{0x01, 0x02},
				Signer:     "authority",
				IssuedAt:   baseTime,
				ValidUntil: baseTime.Add(time.Hour),
				Level:      compliance.LevelEnhanced,
			},
			ExpiresAt: baseTime.Add(2 * time.Hour),
		},
		TxID:          "deadbeef",
		Status:        payout.StatusPending,
		FeePaidSun:    1_000,
		EnergyUsed:    14_800,
		BandwidthUsed: 268,
		CreatedAt:     baseTime,
		ApprovedAt:    baseTime.Add(time.Second),
		LastError:     "previous attempt timed out",
		Retries:       1,
	}
	require.NoError(t, store.SavePayout(ctx, tx))

	loaded, err := store.LoadPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]

	require.Equal(t, tx.ID, got.ID)
	require.Equal(t, tx.Request.Recipient, got.Request.Recipient)
	require.Equal(t, 0, tx.Request.Amount.Cmp(got.Request.Amount))
	require.Equal(t, types.RouteKYC, got.Request.Route)
	require.Equal(t, types.PriorityHigh, got.Request.Priority)
	require.Equal(t, types.BatchHourly, got.Request.BatchMode)
	require.Equal(t, 0, tx.Request.WorkCredit.Cmp(got.Request.WorkCredit))
	require.Equal(t, payout.StatusPending, got.Status)
	require.Equal(t, "deadbeef", got.TxID)
	require.Equal(t, 1, got.Retries)
	require.Equal(t, tx.LastError, got.LastError)
	require.Equal(t, baseTime.Unix(), got.CreatedAt.Unix())
	require.True(t, got.ConfirmedAt.IsZero())

	require.NotNil(t, got.Request.Signature)
	require.Equal(t, []byte{0x01, 0x02}, got.Request.Signature.Signature)
	require.Equal(t, compliance.LevelEnhanced, got.Request.Signature.Level)
	require.Equal(t, baseTime.Unix(), got.Request.Signature.IssuedAt.Unix())

	// Saving again with mutated state replaces the row.
	tx.Status = payout.StatusConfirmed
	tx.ConfirmedAt = baseTime.Add(time.Minute)
	require.NoError(t, store.SavePayout(ctx, tx))
	loaded, err = store.LoadPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, payout.StatusConfirmed, loaded[0].Status)
	require.Equal(t, tx.ConfirmedAt.Unix(), loaded[0].ConfirmedAt.Unix())
}

func TestPayoutDelete(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	tx := &payout.Transaction{
		ID: "po_gone",
		Request: payout.Request{
			Recipient: "TSomeAddress",
			Amount:    big.NewInt(1),
			Route:     types.RouteOpen,
			Priority:  types.PriorityNormal,
			BatchMode: types.BatchImmediate,
		},
		Status:    payout.StatusQueued,
		CreatedAt: time.Unix(1700000000, 0),
	}
	require.NoError(t, store.SavePayout(ctx, tx))
	require.NoError(t, store.DeletePayout(ctx, "po_gone"))

	loaded, err := store.LoadPayouts(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestKYCRecordRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	baseTime := time.Unix(1700000000, 0).UTC()

	record := compliance.Record{
		NodeID:    "node-1",
		Address:   "TWalletAddress",
		KYCHash:   "ccdd",
		Level:     compliance.LevelInstitutional,
		Status:    compliance.StatusPending,
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(365 * 24 * time.Hour),
	}
	require.NoError(t, store.SaveKYCRecord(ctx, record))

	// Upsert keyed on node id.
	record.Status = compliance.StatusVerified
	record.VerifiedAt = baseTime.Add(time.Hour)
	require.NoError(t, store.SaveKYCRecord(ctx, record))

	loaded, err := store.LoadKYCRecords(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, compliance.StatusVerified, loaded[0].Status)
	require.Equal(t, compliance.LevelInstitutional, loaded[0].Level)
	require.Equal(t, record.VerifiedAt.Unix(), loaded[0].VerifiedAt.Unix())
	require.Equal(t, record.ExpiresAt.Unix(), loaded[0].ExpiresAt.Unix())
}

func TestWalletRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	baseTime := time.Unix(1700000000, 0).UTC()

	info := wallet.Info{
		ID:                 "w1",
		Type:               wallet.TypeMultisig,
		Role:               wallet.RoleTreasury,
		Address:            "TTreasuryAddress",
		PublicKey:          "04abcd",
		Status:             wallet.StatusActive,
		Integration:        wallet.IntegrationConnected,
		BalanceSun:         big.NewInt(9_000_000),
		EnergyAvailable:    50_000,
		BandwidthAvailable: 5_000,
		CreatedAt:          baseTime,
		LastUsed:           baseTime.Add(time.Hour),
	}
	require.NoError(t, store.SaveWallet(ctx, info))

	creds := wallet.Credentials{
		WalletID:          "w1",
		EncryptedKey:      []byte{0xde, 0xad},
		MultisigThreshold: 2,
		MultisigSigners:   []string{"alice", "bob", "carol"},
		Endpoint:          "https://custody.example.com",
		APIKey:            "secret",
		RotatedAt:         baseTime,
	}
	require.NoError(t, store.SaveCredentials(ctx, creds))

	wallets, err := store.LoadWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	got := wallets[0]
	require.Equal(t, info.ID, got.ID)
	require.Equal(t, wallet.TypeMultisig, got.Type)
	require.Equal(t, wallet.RoleTreasury, got.Role)
	require.Equal(t, 0, info.BalanceSun.Cmp(got.BalanceSun))
	require.Equal(t, info.LastUsed.Unix(), got.LastUsed.Unix())

	loadedCreds, err := store.LoadCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, loadedCreds, 1)
	require.Equal(t, creds.EncryptedKey, loadedCreds[0].EncryptedKey)
	require.Equal(t, 2, loadedCreds[0].MultisigThreshold)
	require.Equal(t, []string{"alice", "bob", "carol"}, loadedCreds[0].MultisigSigners)
	require.Equal(t, creds.RotatedAt.Unix(), loadedCreds[0].RotatedAt.Unix())
}
