// Package gateway exposes the payout service over HTTP. Handlers stay thin:
// they translate JSON to the core contracts and map sentinel errors onto
// status codes, leaving every decision to the orchestrator and registry.
package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lucidpay/core/compliance"
	"lucidpay/core/fees"
	"lucidpay/core/payout"
	"lucidpay/core/types"
	"lucidpay/wallet"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server mounts the HTTP surface over the core services.
type Server struct {
	orchestrator *payout.Orchestrator
	registry     *compliance.Registry
	estimator    *fees.Estimator
	wallets      *wallet.Manager
	limiter      *RateLimiter
	logger       *slog.Logger
}

// Config parameterises the server.
type Config struct {
	RateLimit RateLimit
}

// New builds a Server over the supplied core services. The wallet manager is
// optional; its endpoints are mounted only when present.
func New(cfg Config, orchestrator *payout.Orchestrator, registry *compliance.Registry, estimator *fees.Estimator, wallets *wallet.Manager, logger *slog.Logger) (*Server, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("gateway: orchestrator required")
	}
	if registry == nil {
		return nil, fmt.Errorf("gateway: compliance registry required")
	}
	if estimator == nil {
		return nil, fmt.Errorf("gateway: fee estimator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orchestrator: orchestrator,
		registry:     registry,
		estimator:    estimator,
		wallets:      wallets,
		limiter:      NewRateLimiter(cfg.RateLimit),
		logger:       logger.With("component", "gateway"),
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/payouts", instrument("create_payout", s.createPayout))
		v1.Get("/payouts", instrument("list_payouts", s.listPayouts))
		v1.Get("/payouts/stats", instrument("payout_stats", s.payoutStats))
		v1.Get("/payouts/{id}", instrument("get_payout", s.getPayout))
		v1.Delete("/payouts/{id}", instrument("cancel_payout", s.cancelPayout))

		v1.Post("/kyc/register", instrument("kyc_register", s.kycRegister))
		v1.Post("/kyc/verify", instrument("kyc_verify", s.kycVerify))
		v1.Get("/kyc/{nodeID}", instrument("kyc_get", s.kycGet))

		v1.Get("/fees/estimate", instrument("fee_estimate", s.feeEstimate))
		v1.Get("/fees/optimize", instrument("fee_optimize", s.feeOptimize))

		if s.wallets != nil {
			s.mountWallets(v1)
		}
	})
	return r
}

type signaturePayload struct {
	NodeID     string `json:"node_id"`
	KYCHash    string `json:"kyc_hash"`
	Amount     string `json:"amount"`
	Reason     string `json:"reason"`
	Signature  string `json:"signature"`
	Signer     string `json:"signer"`
	IssuedAt   string `json:"issued_at"`
	ValidUntil string `json:"valid_until"`
	Level      string `json:"level"`
}

func (p *signaturePayload) toSignature() (*compliance.Signature, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature hex: %w", err)
	}
	issued, err := time.Parse(time.RFC3339, p.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}
	validUntil, err := time.Parse(time.RFC3339, p.ValidUntil)
	if err != nil {
		return nil, fmt.Errorf("parse valid_until: %w", err)
	}
	level, err := compliance.ParseLevel(p.Level)
	if err != nil {
		return nil, err
	}
	sig := &compliance.Signature{
		NodeID:     p.NodeID,
		KYCHash:    p.KYCHash,
		Reason:     p.Reason,
		Signature:  raw,
		Signer:     p.Signer,
		IssuedAt:   issued,
		ValidUntil: validUntil,
		Level:      level,
	}
	if strings.TrimSpace(p.Amount) != "" {
		amount, err := types.ParseAmount(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse signature amount: %w", err)
		}
		sig.Amount = amount
	}
	return sig, nil
}

type createPayoutRequest struct {
	Recipient  string            `json:"recipient"`
	Amount     string            `json:"amount"`
	Reason     string            `json:"reason"`
	Route      string            `json:"route"`
	Priority   string            `json:"priority"`
	BatchMode  string            `json:"batch_mode"`
	SessionID  string            `json:"session_id"`
	NodeID     string            `json:"node_id"`
	WorkCredit string            `json:"work_credit"`
	KYCHash    string            `json:"kyc_hash"`
	Signature  *signaturePayload `json:"signature"`
	ExpiresAt  string            `json:"expires_at"`
}

type transactionView struct {
	ID            string `json:"id"`
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	Route         string `json:"route"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
	TxID          string `json:"txid,omitempty"`
	FeePaidSun    int64  `json:"fee_paid_sun,omitempty"`
	CreatedAt     string `json:"created_at"`
	ApprovedAt    string `json:"approved_at,omitempty"`
	ConfirmedAt   string `json:"confirmed_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Retries       int    `json:"retries"`
}

func viewOf(tx *payout.Transaction) transactionView {
	view := transactionView{
		ID:         tx.ID,
		Recipient:  tx.Request.Recipient,
		Route:      string(tx.Request.Route),
		Priority:   string(tx.Request.Priority),
		Status:     string(tx.Status),
		TxID:       tx.TxID,
		FeePaidSun: tx.FeePaidSun,
		CreatedAt:  tx.CreatedAt.UTC().Format(time.RFC3339),
		LastError:  tx.LastError,
		Retries:    tx.Retries,
	}
	if tx.Request.Amount != nil {
		view.Amount = types.FormatAmount(tx.Request.Amount)
	}
	if !tx.ApprovedAt.IsZero() {
		view.ApprovedAt = tx.ApprovedAt.UTC().Format(time.RFC3339)
	}
	if !tx.ConfirmedAt.IsZero() {
		view.ConfirmedAt = tx.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	if !tx.CompletedAt.IsZero() {
		view.CompletedAt = tx.CompletedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (s *Server) createPayout(w http.ResponseWriter, r *http.Request) {
	var body createPayoutRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := types.ParseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := payout.Request{
		Recipient: body.Recipient,
		Amount:    amount,
		Reason:    body.Reason,
		Route:     types.Route(strings.ToLower(strings.TrimSpace(body.Route))),
		Priority:  types.Priority(strings.ToLower(strings.TrimSpace(body.Priority))),
		BatchMode: types.BatchMode(strings.ToLower(strings.TrimSpace(body.BatchMode))),
		SessionID: body.SessionID,
		NodeID:    body.NodeID,
		KYCHash:   body.KYCHash,
	}
	if strings.TrimSpace(body.WorkCredit) != "" {
		credit, err := types.ParseAmount(body.WorkCredit)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("work_credit: %w", err))
			return
		}
		req.WorkCredit = credit
	}
	if body.Signature != nil {
		sig, err := body.Signature.toSignature()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Signature = sig
	}
	if strings.TrimSpace(body.ExpiresAt) != "" {
		expires, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parse expires_at: %w", err))
			return
		}
		req.ExpiresAt = expires
	}
	tx, err := s.orchestrator.CreatePayout(r.Context(), req)
	if err != nil {
		s.writePayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(tx))
}

func (s *Server) getPayout(w http.ResponseWriter, r *http.Request) {
	tx, err := s.orchestrator.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writePayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(tx))
}

func (s *Server) listPayouts(w http.ResponseWriter, r *http.Request) {
	filter := payout.ListFilter{
		Route:  types.Route(strings.ToLower(r.URL.Query().Get("route"))),
		Status: payout.Status(strings.ToLower(r.URL.Query().Get("status"))),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}
	records := s.orchestrator.List(filter)
	views := make([]transactionView, 0, len(records))
	for _, tx := range records {
		views = append(views, viewOf(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": views})
}

func (s *Server) cancelPayout(w http.ResponseWriter, r *http.Request) {
	tx, err := s.orchestrator.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writePayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(tx))
}

func (s *Server) payoutStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.orchestrator.Stats()
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	byRoute := make(map[string]int, len(stats.ByRoute))
	for route, count := range stats.ByRoute {
		byRoute[string(route)] = count
	}
	queues := make(map[string]int, len(stats.QueueDepths))
	for priority, depth := range stats.QueueDepths {
		queues[string(priority)] = depth
	}
	breakers := make(map[string]map[string]any, len(stats.Breakers))
	for route, snapshot := range stats.Breakers {
		breakers[string(route)] = map[string]any{
			"state":    string(snapshot.State),
			"failures": snapshot.Failures,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":            stats.Total,
		"by_status":        byStatus,
		"by_route":         byRoute,
		"queue_depths":     queues,
		"daily_remaining":  formatOrZero(stats.DailyRemaining),
		"hourly_remaining": formatOrZero(stats.HourlyRemaining),
		"breakers":         breakers,
	})
}

type kycRegisterRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	KYCHash string `json:"kyc_hash"`
	Level   string `json:"level"`
}

type kycRecordView struct {
	NodeID     string `json:"node_id"`
	Address    string `json:"address"`
	Level      string `json:"level"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	VerifiedAt string `json:"verified_at,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

func recordView(record compliance.Record) kycRecordView {
	view := kycRecordView{
		NodeID:    record.NodeID,
		Address:   record.Address,
		Level:     string(record.Level),
		Status:    string(record.Status),
		CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !record.VerifiedAt.IsZero() {
		view.VerifiedAt = record.VerifiedAt.UTC().Format(time.RFC3339)
	}
	if !record.ExpiresAt.IsZero() {
		view.ExpiresAt = record.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (s *Server) kycRegister(w http.ResponseWriter, r *http.Request) {
	var body kycRegisterRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	level, err := compliance.ParseLevel(body.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.registry.Register(r.Context(), body.NodeID, body.Address, body.KYCHash, level)
	if err != nil {
		s.writeComplianceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordView(record))
}

type kycVerifyRequest struct {
	NodeID    string           `json:"node_id"`
	Signature signaturePayload `json:"signature"`
}

func (s *Server) kycVerify(w http.ResponseWriter, r *http.Request) {
	var body kycVerifyRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := body.Signature.toSignature()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.registry.Verify(r.Context(), body.NodeID, *sig)
	if err != nil {
		s.writeComplianceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordView(record))
}

func (s *Server) kycGet(w http.ResponseWriter, r *http.Request) {
	record, ok := s.registry.Get(chi.URLParam(r, "nodeID"))
	if !ok {
		writeError(w, http.StatusNotFound, compliance.ErrRecordNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recordView(record))
}

type estimateView struct {
	Category        string  `json:"category"`
	Priority        string  `json:"priority"`
	BandwidthUnits  int64   `json:"bandwidth_units"`
	EnergyUnits     int64   `json:"energy_units"`
	BandwidthFeeSun int64   `json:"bandwidth_fee_sun"`
	EnergyFeeSun    int64   `json:"energy_fee_sun"`
	TotalFeeSun     int64   `json:"total_fee_sun"`
	Multiplier      float64 `json:"multiplier"`
	Confidence      float64 `json:"confidence"`
	ConfirmSeconds  float64 `json:"confirm_seconds"`
	Congestion      float64 `json:"congestion"`
}

func estimateViewOf(est fees.Estimate) estimateView {
	return estimateView{
		Category:        string(est.Category),
		Priority:        string(est.Priority),
		BandwidthUnits:  est.BandwidthUnits,
		EnergyUnits:     est.EnergyUnits,
		BandwidthFeeSun: est.BandwidthFeeSun,
		EnergyFeeSun:    est.EnergyFeeSun,
		TotalFeeSun:     est.TotalFeeSun,
		Multiplier:      est.Multiplier,
		Confidence:      est.Confidence,
		ConfirmSeconds:  est.ConfirmTime.Seconds(),
		Congestion:      est.Conditions.Congestion,
	}
}

func (s *Server) feeEstimate(w http.ResponseWriter, r *http.Request) {
	category, err := fees.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priority, err := types.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	count := 1
	if raw := r.URL.Query().Get("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid count %q", raw))
			return
		}
	}
	est, err := s.estimator.EstimateBatch(r.Context(), count, category, priority)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateViewOf(est))
}

func (s *Server) feeOptimize(w http.ResponseWriter, r *http.Request) {
	category, err := fees.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxFee, err := strconv.ParseInt(r.URL.Query().Get("max_fee_sun"), 10, 64)
	if err != nil || maxFee <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid max_fee_sun"))
		return
	}
	affordable, err := s.estimator.Optimize(r.Context(), category, maxFee)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	views := make([]estimateView, 0, len(affordable))
	for _, est := range affordable {
		views = append(views, estimateViewOf(est))
	}
	writeJSON(w, http.StatusOK, map[string]any{"estimates": views})
}

func (s *Server) writePayoutError(w http.ResponseWriter, err error) {
	switch {
	case payout.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case payout.IsLimit(err):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, payout.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, payout.ErrNotCancellable):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, payout.ErrUnknownRoute):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, payout.ErrRouteUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("payout request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Server) writeComplianceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, compliance.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, compliance.ErrRecordExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, compliance.ErrRecordExpired),
		errors.Is(err, compliance.ErrNotVerified),
		errors.Is(err, compliance.ErrHashMismatch),
		errors.Is(err, compliance.ErrSignatureMalformed),
		errors.Is(err, compliance.ErrSignatureExpired),
		errors.Is(err, compliance.ErrSignatureFuture),
		errors.Is(err, compliance.ErrSignatureUntrusted):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		s.logger.Error("compliance request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func formatOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return types.FormatAmount(v)
}
