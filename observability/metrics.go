package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics

	complianceMetricsOnce sync.Once
	complianceRegistry    *ComplianceMetrics

	feeMetricsOnce sync.Once
	feeRegistry    *FeeMetrics

	walletMetricsOnce sync.Once
	walletRegistry    *WalletMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// PayoutMetrics wraps collectors tracking orchestrator health: dispatch
// outcomes, queue backlog, limit headroom, and breaker state per route.
type PayoutMetrics struct {
	payouts       *prometheus.CounterVec
	payoutLatency *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	limitRemain   *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	retries       *prometheus.CounterVec
	errors        *prometheus.CounterVec
}

// Payout exposes the metrics registry for the payout orchestrator.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "payout",
				Name:      "transactions_total",
				Help:      "Count of payout transactions segmented by route and terminal status.",
			}, []string{"route", "status"}),
			payoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lucid",
				Subsystem: "payout",
				Name:      "dispatch_latency_seconds",
				Help:      "Latency distribution for route dispatch calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lucid",
				Subsystem: "payout",
				Name:      "queue_depth",
				Help:      "Number of queued payouts per priority tier.",
			}, []string{"priority"}),
			limitRemain: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lucid",
				Subsystem: "payout",
				Name:      "limit_remaining",
				Help:      "Remaining cumulative-amount headroom per limit window in micro units.",
			}, []string{"window"}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lucid",
				Subsystem: "payout",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per route: 0 closed, 1 half-open, 2 open.",
			}, []string{"route"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "payout",
				Name:      "retries_total",
				Help:      "Count of payout dispatch retries segmented by route.",
			}, []string{"route"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "payout",
				Name:      "errors_total",
				Help:      "Count of payout failures segmented by route and reason.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			payoutRegistry.payouts,
			payoutRegistry.payoutLatency,
			payoutRegistry.queueDepth,
			payoutRegistry.limitRemain,
			payoutRegistry.breakerState,
			payoutRegistry.retries,
			payoutRegistry.errors,
		)
	})
	return payoutRegistry
}

// RecordOutcome increments the transaction counter for a route/status pair.
func (m *PayoutMetrics) RecordOutcome(route, status string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(labelRoute(route), labelOr(status, "unknown")).Inc()
}

// ObserveDispatch records the latency of one route dispatch call.
func (m *PayoutMetrics) ObserveDispatch(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.payoutLatency.WithLabelValues(labelRoute(route)).Observe(d.Seconds())
}

// SetQueueDepth updates the backlog gauge for a priority tier.
func (m *PayoutMetrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(labelOr(priority, "unknown")).Set(float64(depth))
}

// RecordLimitRemaining updates the limit headroom gauge for a window.
func (m *PayoutMetrics) RecordLimitRemaining(window string, remaining *big.Int) {
	if m == nil {
		return
	}
	m.limitRemain.WithLabelValues(labelOr(window, "unknown")).Set(bigToFloat(remaining))
}

// SetBreakerState publishes the breaker state for a route.
func (m *PayoutMetrics) SetBreakerState(route string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(labelRoute(route)).Set(float64(state))
}

// RecordRetry increments the retry counter for a route.
func (m *PayoutMetrics) RecordRetry(route string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelRoute(route)).Inc()
}

// RecordError increments the error counter for the supplied reason. Reasons
// should be stable strings such as "limit_exceeded" or "broadcast" so
// dashboards and alerts remain consistent.
func (m *PayoutMetrics) RecordError(route, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelRoute(route), labelOr(reason, "unspecified")).Inc()
}

// ComplianceMetrics bundles collectors for KYC registry and signature checks.
type ComplianceMetrics struct {
	records    *prometheus.CounterVec
	signatures *prometheus.CounterVec
}

// Compliance returns the metrics registry for KYC and signature activity.
func Compliance() *ComplianceMetrics {
	complianceMetricsOnce.Do(func() {
		complianceRegistry = &ComplianceMetrics{
			records: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "compliance",
				Name:      "kyc_records_total",
				Help:      "Count of KYC registry transitions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "compliance",
				Name:      "signature_checks_total",
				Help:      "Count of compliance signature verifications segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(complianceRegistry.records, complianceRegistry.signatures)
	})
	return complianceRegistry
}

// RecordKYC increments the registry transition counter.
func (m *ComplianceMetrics) RecordKYC(operation, outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(labelOr(operation, "unknown"), labelOr(outcome, "unknown")).Inc()
}

// RecordSignatureCheck increments the signature verification counter.
func (m *ComplianceMetrics) RecordSignatureCheck(outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(labelOr(outcome, "unknown")).Inc()
}

// FeeMetrics tracks estimator output and the derived congestion signal.
type FeeMetrics struct {
	estimates  *prometheus.HistogramVec
	congestion prometheus.Gauge
}

// Fees returns the metrics registry for the fee estimator.
func Fees() *FeeMetrics {
	feeMetricsOnce.Do(func() {
		feeRegistry = &FeeMetrics{
			estimates: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lucid",
				Subsystem: "fees",
				Name:      "estimate_sun",
				Help:      "Distribution of estimated total fees in sun segmented by category and priority.",
				Buckets:   prometheus.ExponentialBuckets(100_000, 2, 12),
			}, []string{"category", "priority"}),
			congestion: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lucid",
				Subsystem: "fees",
				Name:      "network_congestion",
				Help:      "Current congestion estimate derived from network conditions (0-1).",
			}),
		}
		prometheus.MustRegister(feeRegistry.estimates, feeRegistry.congestion)
	})
	return feeRegistry
}

// ObserveEstimate records one fee estimate.
func (m *FeeMetrics) ObserveEstimate(category, priority string, totalSun int64) {
	if m == nil {
		return
	}
	m.estimates.WithLabelValues(labelOr(category, "unknown"), labelOr(priority, "unknown")).Observe(float64(totalSun))
}

// SetCongestion publishes the latest congestion estimate.
func (m *FeeMetrics) SetCongestion(level float64) {
	if m == nil {
		return
	}
	if math.IsNaN(level) || level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	m.congestion.Set(level)
}

// WalletMetrics tracks adapter sessions and per-type execution outcomes.
type WalletMetrics struct {
	sessions    prometheus.Gauge
	executions  *prometheus.CounterVec
	rotationDue prometheus.Gauge
}

// Wallet returns the metrics registry for the wallet adapter.
func Wallet() *WalletMetrics {
	walletMetricsOnce.Do(func() {
		walletRegistry = &WalletMetrics{
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lucid",
				Subsystem: "wallet",
				Name:      "active_sessions",
				Help:      "Number of live wallet sessions.",
			}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "wallet",
				Name:      "executions_total",
				Help:      "Count of wallet transaction executions segmented by wallet type and outcome.",
			}, []string{"type", "outcome"}),
			rotationDue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lucid",
				Subsystem: "wallet",
				Name:      "rotation_due",
				Help:      "Number of wallets whose key rotation interval has elapsed.",
			}),
		}
		prometheus.MustRegister(walletRegistry.sessions, walletRegistry.executions, walletRegistry.rotationDue)
	})
	return walletRegistry
}

// SetSessions updates the live session gauge.
func (m *WalletMetrics) SetSessions(count int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(count))
}

// RecordExecution increments the execution counter for a wallet type.
func (m *WalletMetrics) RecordExecution(walletType string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.executions.WithLabelValues(labelOr(walletType, "unknown"), outcome).Inc()
}

// SetRotationDue updates the rotation-due gauge.
func (m *WalletMetrics) SetRotationDue(count int) {
	if m == nil {
		return
	}
	m.rotationDue.Set(float64(count))
}

type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// Gateway returns the lazily-initialised registry used to record HTTP
// gateway activity.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by endpoint and status code.",
			}, []string{"endpoint", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lucid",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lucid",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of gateway requests rejected by the per-client rate limiter.",
			}, []string{"endpoint"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a gateway request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *GatewayMetrics) Observe(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	endpoint = labelOr(endpoint, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(endpoint, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	m.latency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for an endpoint.
func (m *GatewayMetrics) RecordThrottle(endpoint string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(endpoint, "unknown")).Inc()
}

func labelRoute(route string) string {
	return labelOr(strings.ToLower(route), "unknown")
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
