package rea_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/store/memory"
)

func TestEventKind_ParseRoundTrip(t *testing.T) {
	for _, k := range rea.AllKinds() {
		parsed, err := rea.ParseEventKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := rea.ParseEventKind("gift")
	assert.ErrorIs(t, err, rea.ErrInvalidInput)
}

func TestEventKind_JSON(t *testing.T) {
	data, err := json.Marshal(rea.Event{ID: "e1", Kind: rea.KindToBeChanged})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"to-be-changed"`)

	var e rea.Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, rea.KindToBeChanged, e.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"borrow"}`), &e))
}

func TestEventKind_ProcessInputs(t *testing.T) {
	events := []rea.Event{
		{ID: "w", Kind: rea.KindWork},
		{ID: "p", Kind: rea.KindProduce},
		{ID: "c", Kind: rea.KindConsume},
		{ID: "ci", Kind: rea.KindCite},
		{ID: "r", Kind: rea.KindReceive},
	}

	inputs := rea.ProcessInputs(events)

	ids := make([]rea.EventID, len(inputs))
	for i, e := range inputs {
		ids[i] = e.ID
	}
	assert.Equal(t, []rea.EventID{"w", "c", "ci"}, ids)
}

func TestDateRange_Contains(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.True(t, rea.DateRange{}.Contains(start))
	assert.True(t, rea.DateRange{Start: start, End: end}.Contains(start))
	assert.True(t, rea.DateRange{Start: start, End: end}.Contains(end))
	assert.False(t, rea.DateRange{Start: start}.Contains(start.Add(-time.Second)))
	assert.False(t, rea.DateRange{End: end}.Contains(end.Add(time.Second)))
}

func TestSplitExchange(t *testing.T) {
	events := []rea.Event{
		{ID: "goods", Kind: rea.KindReceive, Resource: "steel", Value: decimal.NewFromInt(30)},
		{ID: "more-goods", Kind: rea.KindReceive, Resource: "bolts", Value: decimal.NewFromInt(10)},
		{ID: "shipping", Kind: rea.KindReceive},
		{ID: "pay", Kind: rea.KindPayment, To: "acme"},
		{ID: "pay-carrier", Kind: rea.KindPayment, To: "carrier"},
		{ID: "haul", Kind: rea.KindWork},
	}

	parts := rea.SplitExchange(events)

	assert.Len(t, parts.Receipts, 2)
	assert.Len(t, parts.Expenses, 1)
	assert.Len(t, parts.Payments, 2)
	assert.Len(t, parts.Work, 1)
	assert.Len(t, rea.PaymentsTo(parts.Payments, "acme"), 1)

	// GIVEN two receipts worth 30 and 10, the first carries 3/4 of the exchange
	tf := rea.TriggerFraction(events[0], parts.Receipts)
	assert.True(t, tf.Equal(decimal.RequireFromString("0.75")), tf.String())
	assert.True(t, rea.TriggerFraction(events[0], parts.Receipts[:1]).Equal(decimal.NewFromInt(1)))
}

func TestCompatible(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	require.NoError(t, g.SaveAgent(ctx, rea.Agent{ID: "org", IsContext: true}))
	require.NoError(t, g.SaveAgent(ctx, rea.Agent{ID: "team", IsContext: true, Parent: "org"}))
	require.NoError(t, g.SaveAgent(ctx, rea.Agent{ID: "other", IsContext: true}))
	// a parent loop must not hang
	require.NoError(t, g.SaveAgent(ctx, rea.Agent{ID: "a", Parent: "b"}))
	require.NoError(t, g.SaveAgent(ctx, rea.Agent{ID: "b", Parent: "a"}))

	tests := []struct {
		agent, context rea.AgentID
		want           bool
	}{
		{"org", "org", true},
		{"team", "org", true},
		{"org", "team", false},
		{"other", "org", false},
		{"a", "org", false},
		{"ghost", "org", false},
	}
	for _, tt := range tests {
		got, err := rea.Compatible(ctx, g, tt.agent, tt.context)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s under %s", tt.agent, tt.context)
	}
}

func TestErrors_Unwrap(t *testing.T) {
	assert.True(t, rea.IsNotFound(rea.NotFound("agent", "x")))
	assert.ErrorIs(t, &rea.MissingAccountError{Agent: "a", Unit: "USD"}, rea.ErrMissingAccount)

	err := &rea.TraversalError{Reason: "max depth", Depth: 3, Nodes: 4, Path: []string{"resource:a", "process:p"}}
	assert.ErrorIs(t, err, rea.ErrTraversalLimit)
	assert.Contains(t, err.Error(), "resource:a > process:p")

	assert.True(t, rea.IsClientError(fmt.Errorf("load: %w", rea.NotFound("resource", "r1"))))
	assert.True(t, rea.IsClientError(fmt.Errorf("%w: quantity", rea.ErrInvalidInput)))
	assert.False(t, rea.IsClientError(err))
	assert.False(t, rea.IsClientError(&rea.MissingAccountError{Agent: "a", Unit: "USD"}))
}
