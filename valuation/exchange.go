/*
exchange.go - Exchange valuation

PURPOSE:
  A purchased resource is worth what its exchange cost, attributed to the
  receipt that brought it in (the trigger).

ALGORITHM:
  trigger fraction = 1 for one receipt, else trigger value / all receipt values
  payments to the trigger's supplier:
    exactly one   (rule value, else quantity) x fraction
    several       each payment's quantity share of all payments x fraction,
                  valued at its quantity when it moved a resource, else at
                  its rule value (else quantity)
  + every expense receipt's value x fraction
  + every work event (rule value, else quantity) x fraction

  Each trigger is valued once per traversal.
*/
package valuation

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/rea"
)

// ExchangeValue is the outcome of valuing an exchange for one receipt.
type ExchangeValue struct {
	Trigger rea.EventID     `json:"trigger"`
	Value   decimal.Decimal `json:"value"`
	Path    []Step          `json:"path"`
}

// RollUpExchange values the exchange that a receipt event belongs to.
func (r *Rollup) RollUpExchange(ctx context.Context, trigger rea.EventID, ve *equation.ValueEquation) (ExchangeValue, error) {
	t := r.newTraversal(ve)
	evt, err := r.Graph.Event(ctx, trigger)
	if err != nil {
		return ExchangeValue{Trigger: trigger}, err
	}
	v, err := t.exchangeValue(ctx, evt, 0)
	return ExchangeValue{Trigger: trigger, Value: v, Path: t.path}, err
}

func (t *traversal) exchangeValue(ctx context.Context, trigger rea.Event, depth int) (decimal.Decimal, error) {
	if trigger.Exchange == "" || t.triggers[trigger.ID] {
		return decimal.Zero, nil
	}
	t.triggers[trigger.ID] = true

	idx, err := t.visit(exchangeRef(trigger.Exchange), depth, "")
	if err != nil {
		return decimal.Zero, err
	}
	events, err := t.g.ExchangeEvents(ctx, trigger.Exchange)
	if err != nil {
		return decimal.Zero, err
	}
	parts := rea.SplitExchange(events)
	tf := rea.TriggerFraction(trigger, parts.Receipts)
	payments := rea.PaymentsTo(parts.Payments, trigger.From)

	values := decimal.Zero
	switch {
	case len(payments) == 1:
		p := payments[0]
		v, err := t.ve.ValueOr(ctx, t.g, p, p.Quantity)
		if err != nil {
			return decimal.Zero, err
		}
		values = values.Add(v.Mul(tf))
	case len(payments) > 1:
		total := rea.SumQuantity(payments)
		for _, p := range payments {
			if total.IsZero() {
				break
			}
			fraction := p.Quantity.Div(total)
			v := p.Quantity
			if p.Resource == "" {
				if v, err = t.ve.ValueOr(ctx, t.g, p, p.Quantity); err != nil {
					return decimal.Zero, err
				}
			}
			values = values.Add(v.Mul(fraction).Mul(tf))
		}
	}

	for _, ex := range parts.Expenses {
		values = values.Add(ex.Value.Mul(tf))
	}
	for _, w := range parts.Work {
		v, err := t.ve.ValueOr(ctx, t.g, w, w.Quantity)
		if err != nil {
			return decimal.Zero, err
		}
		values = values.Add(v.Mul(tf))
	}

	t.setValue(idx, values)
	return values, nil
}

// =============================================================================
// EXCHANGE SHARES
// =============================================================================

// exchangeShares attributes quantity units of a purchase to the payments,
// expenses and work of its exchange.
func (r *shareRun) exchangeShares(ctx context.Context, trigger rea.Event, quantity decimal.Decimal, depth int, visited *Visited) error {
	if trigger.Exchange == "" || visited.triggers[trigger.ID] {
		return nil
	}
	visited.triggers[trigger.ID] = true
	if _, err := r.visit(exchangeRef(trigger.Exchange), depth, ""); err != nil {
		return err
	}

	share := decimal.NewFromInt(1)
	if !trigger.Quantity.IsZero() {
		share = quantity.Div(trigger.Quantity)
	}
	events, err := r.g.ExchangeEvents(ctx, trigger.Exchange)
	if err != nil {
		return err
	}
	parts := rea.SplitExchange(events)
	tf := rea.TriggerFraction(trigger, parts.Receipts)
	payments := rea.PaymentsTo(parts.Payments, trigger.From)

	switch {
	case len(payments) == 1:
		p := payments[0]
		credited, err := r.cashContributionShares(ctx, p, share.Mul(tf))
		if err != nil {
			return err
		}
		if !credited {
			value, err := r.ve.ValueOr(ctx, r.g, p, paymentBase(p))
			if err != nil {
				return err
			}
			r.emit(p, value, value.Mul(share).Mul(tf))
		}
	case len(payments) > 1:
		total := rea.SumQuantity(payments)
		for _, p := range payments {
			if total.IsZero() {
				break
			}
			fraction := p.Quantity.Div(total)
			value, err := r.ve.ValueOr(ctx, r.g, p, paymentBase(p))
			if err != nil {
				return err
			}
			r.emit(p, value, value.Mul(share).Mul(fraction).Mul(tf))
		}
	}

	for _, ex := range parts.Expenses {
		for _, p := range rea.PaymentsTo(parts.Payments, ex.From) {
			value, err := r.ve.ValueOr(ctx, r.g, p, paymentBase(p))
			if err != nil {
				return err
			}
			r.emit(p, value, value.Mul(share).Mul(tf))
		}
	}
	for _, w := range parts.Work {
		if !w.IsContribution {
			continue
		}
		value, err := r.ve.ValueOr(ctx, r.g, w, paymentBase(w))
		if err != nil {
			return err
		}
		r.emit(w, value, value.Mul(share).Mul(tf))
	}
	return nil
}

// cashContributionShares credits the rule-valued cash contributions of the
// money resource a payment was drawn from. It reports whether any were.
func (r *shareRun) cashContributionShares(ctx context.Context, p rea.Event, multiplier decimal.Decimal) (bool, error) {
	if p.Resource == "" || p.Quantity.IsZero() {
		return false, nil
	}
	events, err := r.g.ResourceEvents(ctx, p.Resource)
	if err != nil {
		return false, err
	}
	credited := false
	for _, ct := range rea.CashContributionEvents(events) {
		value, ok, err := r.ve.ClaimValue(ctx, r.g, ct)
		if err != nil {
			return false, err
		}
		if !ok || value.IsZero() {
			continue
		}
		fraction := ct.Quantity.Div(p.Quantity)
		r.emit(ct, value, value.Mul(multiplier).Mul(fraction))
		credited = true
	}
	return credited, nil
}

// paymentBase is an event's recorded value, else its quantity.
func paymentBase(e rea.Event) decimal.Decimal {
	return rea.FirstNonZero(e.Value, e.Quantity)
}
