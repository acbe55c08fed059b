package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/store/memory"
)

func at(day int) time.Time {
	return time.Date(2026, time.April, day, 9, 0, 0, 0, time.UTC)
}

func claim(id string, evt rea.EventID) ledger.Claim {
	return ledger.Claim{
		ID: id, Rule: "work", RuleType: equation.Once, HasAgent: "alice",
		Value: decimal.NewFromInt(10), OriginalValue: decimal.NewFromInt(10), CreatingEvent: evt,
	}
}

func TestWithTx_RollsBackEveryWrite(t *testing.T) {
	// GIVEN a resource and an existing claim
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveResource(ctx, rea.Resource{ID: "treasury", Quantity: decimal.NewFromInt(100)}))
	require.NoError(t, store.SaveClaim(ctx, claim("c0", "e0")))
	boom := errors.New("boom")

	// WHEN a transaction writes everywhere and then fails
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.SetResourceQuantity(ctx, "treasury", decimal.Zero))
		require.NoError(t, tx.AppendEvent(ctx, rea.Event{ID: "d1", Kind: rea.KindDisbursement, Date: at(1)}))
		require.NoError(t, tx.SaveClaim(ctx, claim("c1", "e1")))
		require.NoError(t, tx.AppendClaimEvent(ctx, ledger.ClaimEvent{ID: "ce", Claim: "c0", Effect: ledger.EffectSettle}))

		// reads inside the transaction see its writes
		r, err := tx.Resource(ctx, "treasury")
		require.NoError(t, err)
		assert.True(t, r.Quantity.IsZero())
		return boom
	})

	// THEN the store is back to where it started
	require.ErrorIs(t, err, boom)
	r, err := store.Resource(ctx, "treasury")
	require.NoError(t, err)
	assert.True(t, r.Quantity.Equal(decimal.NewFromInt(100)))
	_, err = store.Event(ctx, "d1")
	assert.True(t, rea.IsNotFound(err))
	_, err = store.Claim(ctx, "c1")
	assert.True(t, rea.IsNotFound(err))
	events, err := store.ClaimEvents(ctx, "c0")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWithTx_Commits(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		return tx.CreateResource(ctx, rea.Resource{ID: "va", Owner: "alice", IsVirtualAccount: true})
	})

	require.NoError(t, err)
	owned, err := store.AgentResources(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestWithTx_CancelledContextRollsBack(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.SaveAgent(ctx, rea.Agent{ID: "org"}))
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	_, err = store.Agent(context.Background(), "org")
	assert.True(t, rea.IsNotFound(err))
}

func TestCreateAndAppend_RejectDuplicates(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.AppendEvent(ctx, rea.Event{ID: "e1"}))
	require.NoError(t, store.CreateResource(ctx, rea.Resource{ID: "r1"}))

	assert.Error(t, store.AppendEvent(ctx, rea.Event{ID: "e1"}))
	assert.Error(t, store.CreateResource(ctx, rea.Resource{ID: "r1"}))
	assert.NoError(t, store.SaveEvent(ctx, rea.Event{ID: "e1", Value: decimal.NewFromInt(3)}))
}

func TestEvents_OrderedByDateThenID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for _, e := range []rea.Event{
		{ID: "b", Date: at(2), ContextAgent: "org", Resource: "r"},
		{ID: "c", Date: at(1), ContextAgent: "org", Resource: "r"},
		{ID: "a", Date: at(2), ContextAgent: "org", Resource: "r"},
	} {
		require.NoError(t, store.SaveEvent(ctx, e))
	}

	events, err := store.ResourceEvents(ctx, "r")
	require.NoError(t, err)

	got := make([]rea.EventID, len(events))
	for i, e := range events {
		got[i] = e.ID
	}
	assert.Equal(t, []rea.EventID{"c", "a", "b"}, got)
}

func TestAppendClaimEvent_UnknownClaim(t *testing.T) {
	store := memory.New()

	err := store.AppendClaimEvent(context.Background(), ledger.ClaimEvent{ID: "ce", Claim: "ghost"})

	assert.True(t, rea.IsNotFound(err))
}

func TestValueEquations(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	rec := ledger.ValueEquationRecord{ID: "ve", Name: "Org", ContextAgent: "org", ConfigJSON: "{}"}
	require.NoError(t, store.SaveValueEquation(ctx, rec))
	require.NoError(t, store.SaveValueEquation(ctx, rec))

	got, err := store.ValueEquation(ctx, "ve")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, store.SaveDistribution(ctx, ledger.Distribution{ID: "d1", ValueEquation: "ve"}))
	assert.ErrorIs(t, store.DeleteValueEquation(ctx, "ve"), ledger.ErrEquationInUse)
	assert.Error(t, store.SaveDistribution(ctx, ledger.Distribution{ID: "d1", ValueEquation: "ve"}))

	require.NoError(t, store.SaveValueEquation(ctx, ledger.ValueEquationRecord{ID: "live", Live: true}))
	assert.ErrorIs(t, store.DeleteValueEquation(ctx, "live"), ledger.ErrEquationInUse)
	assert.True(t, rea.IsNotFound(store.DeleteValueEquation(ctx, "missing")))
}

func TestReset(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveAgent(ctx, rea.Agent{ID: "org"}))
	require.NoError(t, store.SaveClaim(ctx, claim("c1", "e1")))

	require.NoError(t, store.Reset(ctx))

	_, err := store.Agent(ctx, "org")
	assert.True(t, rea.IsNotFound(err))
	c, err := store.CreatedClaim(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, c)
}
