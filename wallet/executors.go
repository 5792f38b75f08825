package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lucidpay/ledger"
)

// ErrNoExecutor is returned when no executor is registered for a wallet type.
var ErrNoExecutor = errors.New("wallet: no executor for type")

// Submitter broadcasts a transfer signed outside the ledger client.
type Submitter interface {
	SubmitSigned(ctx context.Context, tx ledger.SignedTransfer) (string, error)
}

// Broadcaster builds, signs with the node's own key, and broadcasts.
type Broadcaster interface {
	BuildAndBroadcast(ctx context.Context, req ledger.BroadcastRequest) (string, error)
}

// Executor signs and broadcasts one transfer for one wallet type.
type Executor interface {
	Type() Type
	Execute(ctx context.Context, info Info, creds Credentials, req TransactionRequest) (TransactionResult, error)
}

// ExecutorRegistry dispatches on wallet type.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[Type]Executor
}

// NewExecutorRegistry builds a registry holding the supplied executors.
func NewExecutorRegistry(executors ...Executor) *ExecutorRegistry {
	r := &ExecutorRegistry{executors: make(map[Type]Executor, len(executors))}
	for _, exec := range executors {
		r.executors[exec.Type()] = exec
	}
	return r
}

// Register adds or replaces the executor for a type.
func (r *ExecutorRegistry) Register(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[exec.Type()] = exec
}

// Lookup returns the executor for a type.
func (r *ExecutorRegistry) Lookup(walletType Type) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[walletType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, walletType)
	}
	return exec, nil
}

// SoftwareExecutor signs with an encrypted local key.
type SoftwareExecutor struct {
	cipher    Cipher
	submitter Submitter
	now       func() time.Time
}

// NewSoftwareExecutor builds an executor decrypting keys with cipher and
// submitting through submitter.
func NewSoftwareExecutor(cipher Cipher, submitter Submitter) *SoftwareExecutor {
	return &SoftwareExecutor{cipher: cipher, submitter: submitter, now: time.Now}
}

func (e *SoftwareExecutor) Type() Type { return TypeSoftware }

func (e *SoftwareExecutor) Execute(ctx context.Context, info Info, creds Credentials, req TransactionRequest) (TransactionResult, error) {
	keyBytes, err := e.cipher.Decrypt(creds.EncryptedKey)
	if err != nil {
		return TransactionResult{}, err
	}
	key, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("wallet: parse key material: %w", err)
	}
	derived, err := ledger.AddressFromPubKey(&key.PublicKey)
	if err != nil {
		return TransactionResult{}, err
	}
	if derived != info.Address {
		return TransactionResult{}, fmt.Errorf("wallet: key does not control %s", info.Address)
	}
	digest := ledger.TransferDigest(info.Address, req.To, req.Amount, req.FeeLimitSun, nil)
	signature, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("wallet: sign transfer: %w", err)
	}
	txid, err := e.submitter.SubmitSigned(ctx, ledger.SignedTransfer{
		From:        info.Address,
		To:          req.To,
		Amount:      req.Amount,
		FeeLimitSun: req.FeeLimitSun,
		Signatures:  [][]byte{signature},
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result(txid, info, e.now()), nil
}

// DeviceSigner produces a signature on an attached hardware device.
type DeviceSigner interface {
	SignOnDevice(ctx context.Context, deviceID string, digest []byte) ([]byte, error)
}

// HardwareExecutor signs through a hardware device channel.
type HardwareExecutor struct {
	devices   DeviceSigner
	submitter Submitter
	now       func() time.Time
}

// NewHardwareExecutor builds an executor delegating signatures to devices.
func NewHardwareExecutor(devices DeviceSigner, submitter Submitter) *HardwareExecutor {
	return &HardwareExecutor{devices: devices, submitter: submitter, now: time.Now}
}

func (e *HardwareExecutor) Type() Type { return TypeHardware }

func (e *HardwareExecutor) Execute(ctx context.Context, info Info, creds Credentials, req TransactionRequest) (TransactionResult, error) {
	if strings.TrimSpace(creds.DeviceID) == "" {
		return TransactionResult{}, fmt.Errorf("wallet: hardware wallet %s has no device id", info.ID)
	}
	digest := ledger.TransferDigest(info.Address, req.To, req.Amount, req.FeeLimitSun, nil)
	signature, err := e.devices.SignOnDevice(ctx, creds.DeviceID, digest)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("wallet: device signing: %w", err)
	}
	txid, err := e.submitter.SubmitSigned(ctx, ledger.SignedTransfer{
		From:        info.Address,
		To:          req.To,
		Amount:      req.Amount,
		FeeLimitSun: req.FeeLimitSun,
		Signatures:  [][]byte{signature},
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result(txid, info, e.now()), nil
}

// Cosigner produces one co-signature for a multisig quorum.
type Cosigner interface {
	Cosign(ctx context.Context, signer string, digest []byte) ([]byte, error)
}

// MultisigExecutor collects a threshold of co-signatures before submitting.
type MultisigExecutor struct {
	cosigner  Cosigner
	submitter Submitter
	now       func() time.Time
}

// NewMultisigExecutor builds an executor collecting signatures via cosigner.
func NewMultisigExecutor(cosigner Cosigner, submitter Submitter) *MultisigExecutor {
	return &MultisigExecutor{cosigner: cosigner, submitter: submitter, now: time.Now}
}

func (e *MultisigExecutor) Type() Type { return TypeMultisig }

func (e *MultisigExecutor) Execute(ctx context.Context, info Info, creds Credentials, req TransactionRequest) (TransactionResult, error) {
	if creds.MultisigThreshold <= 0 || len(creds.MultisigSigners) < creds.MultisigThreshold {
		return TransactionResult{}, fmt.Errorf("wallet: multisig wallet %s needs %d of %d signers",
			info.ID, creds.MultisigThreshold, len(creds.MultisigSigners))
	}
	digest := ledger.TransferDigest(info.Address, req.To, req.Amount, req.FeeLimitSun, nil)
	signatures := make([][]byte, 0, creds.MultisigThreshold)
	for _, signer := range creds.MultisigSigners {
		signature, err := e.cosigner.Cosign(ctx, signer, digest)
		if err != nil {
			// A refusing or unreachable signer is skipped; the quorum decides.
			continue
		}
		signatures = append(signatures, signature)
		if len(signatures) == creds.MultisigThreshold {
			break
		}
	}
	if len(signatures) < creds.MultisigThreshold {
		return TransactionResult{}, fmt.Errorf("wallet: quorum not reached for %s: %d of %d signatures",
			info.ID, len(signatures), creds.MultisigThreshold)
	}
	txid, err := e.submitter.SubmitSigned(ctx, ledger.SignedTransfer{
		From:        info.Address,
		To:          req.To,
		Amount:      req.Amount,
		FeeLimitSun: req.FeeLimitSun,
		Signatures:  signatures,
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result(txid, info, e.now()), nil
}

// NativeExecutor delegates signing to the node's own ledger client key.
type NativeExecutor struct {
	client Broadcaster
	now    func() time.Time
}

// NewNativeExecutor builds an executor broadcasting through the node key.
func NewNativeExecutor(client Broadcaster) *NativeExecutor {
	return &NativeExecutor{client: client, now: time.Now}
}

func (e *NativeExecutor) Type() Type { return TypeNative }

func (e *NativeExecutor) Execute(ctx context.Context, info Info, creds Credentials, req TransactionRequest) (TransactionResult, error) {
	txid, err := e.client.BuildAndBroadcast(ctx, ledger.BroadcastRequest{
		To:          req.To,
		Amount:      req.Amount,
		FeeLimitSun: req.FeeLimitSun,
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result(txid, info, e.now()), nil
}

// ExternalExecutor delegates the whole transfer to a custodial API.
type ExternalExecutor struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewExternalExecutor builds an executor calling custodial endpoints with the
// supplied timeout.
func NewExternalExecutor(timeout time.Duration) *ExternalExecutor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ExternalExecutor{httpClient: &http.Client{Timeout: timeout}, now: time.Now}
}

type externalTransferRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	FeeLimit int64  `json:"feeLimit"`
	Memo     string `json:"memo,omitempty"`
}

type externalTransferResponse struct {
	TxID string `json:"txid"`
}

func (e *ExternalExecutor) Type() Type { return TypeExternal }

func (e *ExternalExecutor) Execute(ctx context.Context, info Info, creds Credentials, req TransactionRequest) (TransactionResult, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(creds.Endpoint), "/")
	if endpoint == "" {
		return TransactionResult{}, fmt.Errorf("wallet: external wallet %s has no endpoint", info.ID)
	}
	payload, err := json.Marshal(externalTransferRequest{
		From:     info.Address,
		To:       req.To,
		Amount:   req.Amount.String(),
		FeeLimit: req.FeeLimitSun,
		Memo:     req.Memo,
	})
	if err != nil {
		return TransactionResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/transfers", bytes.NewReader(payload))
	if err != nil {
		return TransactionResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if creds.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("wallet: custodial transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return TransactionResult{}, fmt.Errorf("wallet: custodial transfer failed: status=%d", resp.StatusCode)
	}
	var decoded externalTransferResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TransactionResult{}, fmt.Errorf("wallet: decode custodial response: %w", err)
	}
	txid := strings.TrimSpace(decoded.TxID)
	if txid == "" {
		return TransactionResult{}, fmt.Errorf("wallet: custodial transfer returned empty txid")
	}
	return result(txid, info, e.now()), nil
}

func result(txid string, info Info, at time.Time) TransactionResult {
	return TransactionResult{
		TxID:       txid,
		WalletID:   info.ID,
		WalletType: info.Type,
		ExecutedAt: at,
	}
}

var (
	_ Executor = (*SoftwareExecutor)(nil)
	_ Executor = (*HardwareExecutor)(nil)
	_ Executor = (*MultisigExecutor)(nil)
	_ Executor = (*NativeExecutor)(nil)
	_ Executor = (*ExternalExecutor)(nil)
)
