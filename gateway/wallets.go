package gateway

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lucidpay/core/types"
	"lucidpay/wallet"
)

func decodeHex(raw string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
}

type registerWalletRequest struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	Role              string   `json:"role"`
	Address           string   `json:"address"`
	PublicKey         string   `json:"public_key"`
	EncryptedKey      string   `json:"encrypted_key"`
	MultisigThreshold int      `json:"multisig_threshold"`
	MultisigSigners   []string `json:"multisig_signers"`
	DeviceID          string   `json:"device_id"`
	Endpoint          string   `json:"endpoint"`
	APIKey            string   `json:"api_key"`
}

type walletView struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Role        string `json:"role"`
	Address     string `json:"address"`
	Status      string `json:"status"`
	Integration string `json:"integration"`
	BalanceSun  string `json:"balance_sun"`
	CreatedAt   string `json:"created_at"`
	LastUsed    string `json:"last_used,omitempty"`
}

func walletViewOf(info wallet.Info) walletView {
	view := walletView{
		ID:          info.ID,
		Type:        string(info.Type),
		Role:        string(info.Role),
		Address:     info.Address,
		Status:      string(info.Status),
		Integration: string(info.Integration),
		BalanceSun:  "0",
		CreatedAt:   info.CreatedAt.UTC().Format(time.RFC3339),
	}
	if info.BalanceSun != nil {
		view.BalanceSun = info.BalanceSun.String()
	}
	if !info.LastUsed.IsZero() {
		view.LastUsed = info.LastUsed.UTC().Format(time.RFC3339)
	}
	return view
}

func (s *Server) mountWallets(r chi.Router) {
	r.Post("/wallets", instrument("register_wallet", s.registerWallet))
	r.Get("/wallets/{id}", instrument("get_wallet", s.getWallet))
	r.Get("/wallets/{id}/balance", instrument("wallet_balance", s.walletBalance))
	r.Get("/wallets/{id}/history", instrument("wallet_history", s.walletHistory))
	r.Post("/wallets/{id}/sessions", instrument("connect_wallet", s.connectWallet))
	r.Delete("/sessions/{id}", instrument("disconnect_wallet", s.disconnectWallet))
	r.Post("/wallets/execute", instrument("execute_wallet", s.executeWallet))
}

func (s *Server) registerWallet(w http.ResponseWriter, r *http.Request) {
	var body registerWalletRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	walletType, err := wallet.ParseType(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var encrypted []byte
	if strings.TrimSpace(body.EncryptedKey) != "" {
		encrypted, err = decodeHex(body.EncryptedKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode encrypted_key: %w", err))
			return
		}
	}
	info := wallet.Info{
		ID:        body.ID,
		Type:      walletType,
		Role:      wallet.Role(strings.ToLower(strings.TrimSpace(body.Role))),
		Address:   body.Address,
		PublicKey: body.PublicKey,
	}
	creds := wallet.Credentials{
		EncryptedKey:      encrypted,
		MultisigThreshold: body.MultisigThreshold,
		MultisigSigners:   body.MultisigSigners,
		DeviceID:          body.DeviceID,
		Endpoint:          body.Endpoint,
		APIKey:            body.APIKey,
	}
	if err := s.wallets.Register(r.Context(), info, creds); err != nil {
		s.writeWalletError(w, err)
		return
	}
	registered, err := s.wallets.Get(body.ID)
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, walletViewOf(registered))
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	info, err := s.wallets.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletViewOf(info))
}

func (s *Server) walletBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.wallets.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance_sun": balance.String()})
}

func (s *Server) walletHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.wallets.History(chi.URLParam(r, "id"))
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	views := make([]map[string]string, 0, len(history))
	for _, res := range history {
		views = append(views, map[string]string{
			"txid":        res.TxID,
			"wallet_type": string(res.WalletType),
			"executed_at": res.ExecutedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": views})
}

type connectWalletRequest struct {
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) connectWallet(w http.ResponseWriter, r *http.Request) {
	var body connectWalletRequest
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessionID, err := s.wallets.Connect(r.Context(), chi.URLParam(r, "id"), body.Metadata)
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *Server) disconnectWallet(w http.ResponseWriter, r *http.Request) {
	if err := s.wallets.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeWalletError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeWalletRequest struct {
	WalletID    string `json:"wallet_id"`
	SessionID   string `json:"session_id"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	FeeLimitSun int64  `json:"fee_limit_sun"`
	Memo        string `json:"memo"`
}

func (s *Server) executeWallet(w http.ResponseWriter, r *http.Request) {
	var body executeWalletRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := types.ParseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.wallets.Execute(r.Context(), wallet.TransactionRequest{
		WalletID:    body.WalletID,
		SessionID:   body.SessionID,
		To:          body.To,
		Amount:      amount,
		FeeLimitSun: body.FeeLimitSun,
		Memo:        body.Memo,
	})
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"txid":        result.TxID,
		"wallet_id":   result.WalletID,
		"wallet_type": string(result.WalletType),
		"executed_at": result.ExecutedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeWalletError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrWalletNotFound), errors.Is(err, wallet.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, wallet.ErrWalletExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, wallet.ErrWalletUnavailable), errors.Is(err, wallet.ErrSessionLimit):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, wallet.ErrNoExecutor):
		writeError(w, http.StatusNotImplemented, err)
	default:
		s.logger.Error("wallet request failed", "error", err)
		writeError(w, http.StatusBadRequest, err)
	}
}
