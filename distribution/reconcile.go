package distribution

import (
	"github.com/shopspring/decimal"
)

// reconcile makes the payouts add up to the requested amount exactly.
//
// delta = requested - sum(payouts) goes to the largest payout and to the
// first of its settlements larger than |delta|, whose claim is replayed.
// A delta larger than the largest payout is reported instead of being paid
// to someone.
func reconcile(p *Plan) error {
	distributed := p.Total()
	delta := p.Amount.Sub(distributed)
	p.Delta = delta
	if delta.IsZero() {
		return nil
	}

	fail := func(limit decimal.Decimal, reason string) error {
		return &ReconciliationError{
			Requested:   p.Amount,
			Distributed: distributed,
			Delta:       delta,
			Largest:     limit,
			Reason:      reason,
		}
	}
	if len(p.Payouts) == 0 {
		return fail(decimal.Zero, "no recipients")
	}

	largest := p.Payouts[0]
	for _, po := range p.Payouts[1:] {
		if po.Amount.GreaterThan(largest.Amount) {
			largest = po
		}
	}
	if delta.Abs().GreaterThan(largest.Amount) {
		return fail(largest.Amount, "difference exceeds the largest payout")
	}
	adjusted := largest.Amount.Add(delta).Round(2)
	if !adjusted.IsPositive() {
		return fail(largest.Amount, "largest payout cannot absorb the difference")
	}
	largest.Amount = adjusted

	for _, s := range largest.Settlements {
		if s.Amount.GreaterThan(delta.Abs()) {
			s.Amount = s.Amount.Add(delta)
			s.Claim.recompute()
			break
		}
	}
	return nil
}
