package types

import (
	"fmt"
	"math/big"
	"strings"
)

// Route identifies a payout execution path.
type Route string

const (
	// RouteOpen transfers without identity gating.
	RouteOpen Route = "open"
	// RouteKYC requires a verified identity and a valid compliance signature.
	RouteKYC Route = "kyc"
)

// ParseRoute normalises and validates a route string.
func ParseRoute(raw string) (Route, error) {
	switch Route(strings.ToLower(strings.TrimSpace(raw))) {
	case RouteOpen:
		return RouteOpen, nil
	case RouteKYC:
		return RouteKYC, nil
	default:
		return "", fmt.Errorf("unknown route %q", raw)
	}
}

// Priority orders payouts within the batch scheduler and biases fee estimates.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists all tiers from most to least urgent, the order the batch
// loop drains them in.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// ParsePriority normalises and validates a priority string. Empty input
// defaults to normal.
func ParsePriority(raw string) (Priority, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return PriorityNormal, nil
	}
	switch Priority(trimmed) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(trimmed), nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// BatchMode selects between synchronous dispatch and queued batch windows.
type BatchMode string

const (
	BatchImmediate BatchMode = "immediate"
	BatchHourly    BatchMode = "hourly"
	BatchDaily     BatchMode = "daily"
	BatchWeekly    BatchMode = "weekly"
)

// ParseBatchMode normalises and validates a batch mode string. Empty input
// defaults to immediate.
func ParseBatchMode(raw string) (BatchMode, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return BatchImmediate, nil
	}
	switch BatchMode(trimmed) {
	case BatchImmediate, BatchHourly, BatchDaily, BatchWeekly:
		return BatchMode(trimmed), nil
	default:
		return "", fmt.Errorf("unknown batch mode %q", raw)
	}
}

// amountDecimals is the stable token's decimal precision.
const amountDecimals = 6

// ParseAmount converts a decimal token amount ("50", "12.5") into integer
// micro units. At most six fractional digits are accepted.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("amount must be positive")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > amountDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", raw, amountDecimals)
	}
	frac += strings.Repeat("0", amountDecimals-len(frac))
	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

// FormatAmount renders integer micro units as a decimal token amount.
func FormatAmount(value *big.Int) string {
	if value == nil {
		return "0"
	}
	abs := new(big.Int).Abs(value)
	str := abs.String()
	if len(str) <= amountDecimals {
		str = strings.Repeat("0", amountDecimals-len(str)+1) + str
	}
	whole := str[:len(str)-amountDecimals]
	frac := strings.TrimRight(str[len(str)-amountDecimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if value.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// Units converts a whole-token count into micro units.
func Units(tokens int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(amountDecimals), nil)
	return new(big.Int).Mul(big.NewInt(tokens), scale)
}
