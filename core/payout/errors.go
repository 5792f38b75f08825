package payout

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrNotFound is returned when no transaction exists for an id.
	ErrNotFound = errors.New("payout: transaction not found")
	// ErrNotCancellable is returned when a cancel targets a transaction that
	// already left the queue. Broadcast ledger transactions are immutable.
	ErrNotCancellable = errors.New("payout: transaction not cancellable")
	// ErrRouteUnavailable fails a dispatch fast while the route's circuit
	// breaker is open. Safe to retry after the recovery timeout.
	ErrRouteUnavailable = errors.New("payout: route unavailable")
	// ErrUnknownRoute is returned when no executor is registered for the
	// requested route.
	ErrUnknownRoute = errors.New("payout: unknown route")
)

// ValidationError rejects a malformed request before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payout: invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// LimitError rejects a request that would push a cumulative-amount window
// past its cap. The caller must resubmit later; nothing is retried
// automatically.
type LimitError struct {
	Window    string
	Cap       *big.Int
	Current   *big.Int
	Requested *big.Int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("payout: %s limit exceeded: %s + %s > %s", e.Window, e.Current, e.Requested, e.Cap)
}

// IsValidation reports whether err rejects the request as malformed.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsLimit reports whether err rejects the request on a cumulative limit.
func IsLimit(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
