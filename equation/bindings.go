package equation

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/rea"
)

// BindEvent builds expression bindings for an event.
//
// valuePerUnit is the resource's cached value per unit when the event has a
// resource with one, else the performing agent's own rate for the resource
// type and kind, else the resource type's value per unit.
func BindEvent(ctx context.Context, g rea.FlowGraph, evt rea.Event) (Bindings, error) {
	b := Bindings{
		Quantity: evt.Quantity,
		Value:    evt.Value,
	}

	var rt rea.ResourceType
	if evt.ResourceType != "" {
		t, err := g.ResourceType(ctx, evt.ResourceType)
		if err != nil && !rea.IsNotFound(err) {
			return b, err
		}
		rt = t
	}
	b.PricePerUnit = rt.PricePerUnit

	if evt.Resource != "" {
		res, err := g.Resource(ctx, evt.Resource)
		if err != nil && !rea.IsNotFound(err) {
			return b, err
		}
		b.ValuePerUnitOfUse = res.ValuePerUnitOfUse
		if !res.ValuePerUnit.IsZero() {
			b.ValuePerUnit = res.ValuePerUnit
			return b, nil
		}
	}

	vpu, err := WorkRate(ctx, g, evt, rt)
	if err != nil {
		return b, err
	}
	b.ValuePerUnit = vpu
	return b, nil
}

// WorkRate is the agent's own rate for the event's resource type and kind,
// falling back to the resource type's value per unit.
func WorkRate(ctx context.Context, g rea.FlowGraph, evt rea.Event, rt rea.ResourceType) (decimal.Decimal, error) {
	if evt.From != "" && evt.ResourceType != "" {
		art, ok, err := g.AgentRate(ctx, evt.From, evt.ResourceType, evt.Kind)
		if err != nil {
			return decimal.Zero, err
		}
		if ok && !art.ValuePerUnit.IsZero() {
			return art.ValuePerUnit, nil
		}
	}
	return rt.ValuePerUnit, nil
}
