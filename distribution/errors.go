package distribution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrReconciliation is returned when the difference between the requested
	// and distributed amounts is larger than any single distribution event.
	ErrReconciliation = errors.New("distribution does not reconcile")

	// ErrInvalidAmount is returned for a non-positive amount to distribute.
	ErrInvalidAmount = errors.New("amount to distribute must be positive")
)

// ReconciliationError reports the amounts that failed to reconcile.
type ReconciliationError struct {
	Requested   decimal.Decimal
	Distributed decimal.Decimal
	Delta       decimal.Decimal
	Largest     decimal.Decimal
	Reason      string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("requested %s, distributed %s (delta %s, largest payout %s): %s",
		e.Requested.StringFixed(2), e.Distributed.StringFixed(2), e.Delta.StringFixed(2), e.Largest.StringFixed(2), e.Reason)
}

func (e *ReconciliationError) Unwrap() error {
	return ErrReconciliation
}
