package distribution_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/distribution"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/store/memory"
	"github.com/warp/value-engine/valuation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(n int) time.Time {
	return time.Date(2026, time.February, n, 10, 0, 0, 0, time.UTC)
}

var runDate = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, members ...rea.AgentID) *memory.Memory {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveAgent(ctx, rea.Agent{ID: "org", IsContext: true}))
	for _, m := range members {
		require.NoError(t, store.SaveAgent(ctx, rea.Agent{ID: m, Parent: "org"}))
	}
	require.NoError(t, store.SaveResourceType(ctx, rea.ResourceType{ID: "hour", Unit: "hour", ValuePerUnit: d("5")}))
	require.NoError(t, store.SaveResourceType(ctx, rea.ResourceType{ID: "usd", Unit: "USD", IsCurrency: true}))
	require.NoError(t, store.SaveResource(ctx, rea.Resource{ID: "treasury", ResourceType: "usd", Quantity: d("1000"), Owner: "org"}))
	return store
}

func work(t *testing.T, store *memory.Memory, id rea.EventID, agent rea.AgentID, hours string, date time.Time) {
	t.Helper()
	require.NoError(t, store.SaveEvent(context.Background(), rea.Event{
		ID: id, Kind: rea.KindWork, Date: date, From: agent, To: "org", ContextAgent: "org",
		ResourceType: "hour", Quantity: d(hours), IsContribution: true, UnitOfValue: "USD",
	}))
}

// aliceStore holds Alice's 10h and 2h of work for the org.
func aliceStore(t *testing.T) *memory.Memory {
	store := seed(t, "alice")
	work(t, store, "e1", "alice", "10", day(5))
	work(t, store, "e4", "alice", "2", day(6))
	return store
}

func membersBucket(id string, seq int, pct string, ruleType equation.ClaimRuleType) *equation.Bucket {
	return &equation.Bucket{
		ID: id, Name: "Members", Sequence: seq, Percentage: d(pct), FilterMethod: equation.MethodDates,
		Rules: []*equation.BucketRule{{
			ID: id + "-work", Kind: rea.KindWork, ClaimRuleType: ruleType, Equation: "quantity * valuePerUnit",
		}},
	}
}

func fixedBucket(id string, seq int, pct string, agent rea.AgentID) *equation.Bucket {
	return &equation.Bucket{ID: id, Name: "Fixed", Sequence: seq, Percentage: d(pct), DistributionAgent: agent}
}

func compile(t *testing.T, behavior equation.PercentageBehavior, buckets ...*equation.Bucket) *equation.ValueEquation {
	t.Helper()
	ve := &equation.ValueEquation{ID: "ve", Name: "Test", ContextAgent: "org", PercentageBehavior: behavior, Buckets: buckets}
	require.NoError(t, ve.Compile())
	return ve
}

func newAllocator(store ledger.TxStore, ownerRole string) *distribution.Allocator {
	a := distribution.NewAllocator(store, valuation.DefaultLimits(), ownerRole, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n := 0
	a.NewID = func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
	a.Now = func() time.Time { return runDate }
	return a
}

func assertPayout(t *testing.T, plan *distribution.Plan, agent rea.AgentID, want string) {
	t.Helper()
	po := plan.Payout(agent)
	require.NotNil(t, po, "no payout for %s", agent)
	assert.Equal(t, want, po.Amount.StringFixed(2), "payout for %s", agent)
}

func virtualAccount(t *testing.T, store *memory.Memory, agent rea.AgentID) rea.Resource {
	t.Helper()
	owned, err := store.AgentResources(context.Background(), agent)
	require.NoError(t, err)
	for _, r := range owned {
		if r.IsVirtualAccount {
			return r
		}
	}
	t.Fatalf("no virtual account for %s", agent)
	return rea.Resource{}
}

// =============================================================================
// PLANNING
// =============================================================================

func TestRunValueEquation_FixedAndRuleBuckets(t *testing.T) {
	// GIVEN 30% to the org and 70% to members by work value
	store := aliceStore(t)
	ve := compile(t, equation.Straight,
		fixedBucket("org", 1, "30", "org"),
		membersBucket("members", 2, "70", equation.DebtLike))

	// WHEN previewing 1000
	plan, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d("1000"), nil)

	// THEN the org takes 300 and Alice's two claims share 700 as 50:10
	require.NoError(t, err)
	assertPayout(t, plan, "org", "300.00")
	assertPayout(t, plan, "alice", "700.00")
	assert.Equal(t, "1000.00", plan.Total().StringFixed(2))
	assert.True(t, plan.Delta.IsZero())

	members := plan.Buckets[1]
	require.Len(t, members.Settlements, 2)
	assert.Equal(t, "583.33", members.Settlements[0].Amount.StringFixed(2))
	assert.Equal(t, "116.67", members.Settlements[1].Amount.StringFixed(2))
	assert.Contains(t, members.Settlements[0].Explanation, "This contribution added 50.00 USD of value")

	// AND nothing was written
	claims, err := store.ClaimsByAgent(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestRunValueEquation_RoundingReconciled(t *testing.T) {
	// GIVEN three equal claims of 10
	store := seed(t, "a", "b", "c")
	work(t, store, "wa", "a", "2", day(1))
	work(t, store, "wb", "b", "2", day(2))
	work(t, store, "wc", "c", "2", day(3))
	ve := compile(t, equation.Straight, membersBucket("members", 1, "100", equation.DebtLike))

	// WHEN distributing 100
	plan, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d("100"), nil)

	// THEN the cent lost to rounding goes to the first largest payout
	require.NoError(t, err)
	assertPayout(t, plan, "a", "33.34")
	assertPayout(t, plan, "b", "33.33")
	assertPayout(t, plan, "c", "33.33")
	assert.Equal(t, "100.00", plan.Total().StringFixed(2))
	assert.Equal(t, "0.01", plan.Delta.StringFixed(2))

	// AND the adjusted settlement is reflected in its claim
	s := plan.Payout("a").Settlements[0]
	assert.Equal(t, "33.34", s.Amount.StringFixed(2))
	assert.True(t, s.After.IsZero())
}

func TestRunValueEquation_PercentageBehavior(t *testing.T) {
	t.Run("remaining caps the portion and passes the rest on", func(t *testing.T) {
		store := aliceStore(t)
		ve := compile(t, equation.Remaining,
			membersBucket("members", 1, "100", equation.DebtLike),
			fixedBucket("org", 2, "100", "org"))

		plan, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d("100"), nil)

		require.NoError(t, err)
		assertPayout(t, plan, "alice", "60.00")
		assertPayout(t, plan, "org", "40.00")
		assert.True(t, plan.Buckets[0].Portion.Equal(d("1")))
	})

	t.Run("straight scales claims up to the bucket", func(t *testing.T) {
		store := aliceStore(t)
		ve := compile(t, equation.Straight, membersBucket("members", 1, "100", equation.DebtLike))

		plan, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d("100"), nil)

		require.NoError(t, err)
		assertPayout(t, plan, "alice", "100.00")
		require.Len(t, plan.Buckets[0].Settlements, 2)
		assert.Equal(t, "83.33", plan.Buckets[0].Settlements[0].Amount.StringFixed(2))
		assert.Equal(t, "16.67", plan.Buckets[0].Settlements[1].Amount.StringFixed(2))
	})

	t.Run("remaining chains fixed buckets", func(t *testing.T) {
		store := aliceStore(t)
		require.NoError(t, store.SaveAgent(context.Background(), rea.Agent{ID: "bob", Parent: "org"}))
		ve := compile(t, equation.Remaining,
			fixedBucket("first", 1, "50", "org"),
			fixedBucket("second", 2, "50", "bob"),
			fixedBucket("rest", 3, "100", "alice"))

		plan, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d("100"), nil)

		require.NoError(t, err)
		assertPayout(t, plan, "org", "50.00")
		assertPayout(t, plan, "bob", "25.00")
		assertPayout(t, plan, "alice", "25.00")
	})
}

func TestRunValueEquation_CrossContextClaim(t *testing.T) {
	// GIVEN work recorded in a partner context outside the org
	store := seed(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAgent(ctx, rea.Agent{ID: "partner", IsContext: true}))
	require.NoError(t, store.SaveAgent(ctx, rea.Agent{ID: "pat", Parent: "partner"}))
	require.NoError(t, store.SaveEvent(ctx, rea.Event{
		ID: "pw", Kind: rea.KindWork, Date: day(2), From: "pat", To: "partner", ContextAgent: "partner",
		ResourceType: "hour", Quantity: d("4"), IsContribution: true,
	}))
	ve := compile(t, equation.Straight, membersBucket("members", 1, "100", equation.DebtLike))
	filters := equation.Filters{"members": {Method: equation.MethodDates, ContextAgent: "partner"}}

	// WHEN the org distributes over the partner's events
	plan, err := newAllocator(store, "member").RunValueEquation(ctx, ve, d("50"), filters)

	// THEN the partner context holds the claim against the org
	require.NoError(t, err)
	assertPayout(t, plan, "partner", "50.00")
	assert.Nil(t, plan.Payout("pat"))
	require.Len(t, plan.Claims(), 1)
	c := plan.Claims()[0].Claim
	assert.Equal(t, rea.AgentID("partner"), c.HasAgent)
	assert.Equal(t, rea.AgentID("org"), c.AgainstAgent)
	assert.True(t, c.OriginalValue.Equal(d("20")))
}

func TestRunValueEquation_Errors(t *testing.T) {
	tests := []struct {
		name    string
		buckets []*equation.Bucket
		amount  string
		filters equation.Filters
		wantErr error
	}{
		{
			name:    "zero amount",
			buckets: []*equation.Bucket{fixedBucket("org", 1, "100", "org")},
			amount:  "0",
			wantErr: distribution.ErrInvalidAmount,
		},
		{
			name:    "difference larger than any payout",
			buckets: []*equation.Bucket{fixedBucket("org", 1, "30", "org")},
			amount:  "100",
			wantErr: distribution.ErrReconciliation,
		},
		{
			name:    "no recipients",
			buckets: []*equation.Bucket{membersBucket("members", 1, "100", equation.DebtLike)},
			amount:  "100",
			filters: equation.Filters{"members": {Method: equation.MethodDates, StartDate: "2025-01-01", EndDate: "2025-01-02"}},
			wantErr: distribution.ErrReconciliation,
		},
		{
			name: "order bucket without orders",
			buckets: []*equation.Bucket{{ID: "orders", Percentage: d("100"), FilterMethod: equation.MethodOrder,
				Rules: []*equation.BucketRule{{ID: "w", Kind: rea.KindWork, ClaimRuleType: equation.Once, Equation: "quantity"}}}},
			amount:  "100",
			wantErr: equation.ErrInvalidFilter,
		},
		{
			name:    "filter method mismatch",
			buckets: []*equation.Bucket{membersBucket("members", 1, "100", equation.DebtLike)},
			amount:  "100",
			filters: equation.Filters{"members": {Method: equation.MethodProcess, ProcessIDs: []rea.ProcessID{"p1"}}},
			wantErr: equation.ErrInvalidFilter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := aliceStore(t)
			ve := compile(t, equation.Straight, tt.buckets...)

			_, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d(tt.amount), tt.filters)

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRunValueEquation_ReconciliationErrorDetails(t *testing.T) {
	store := aliceStore(t)
	ve := compile(t, equation.Straight, fixedBucket("org", 1, "30", "org"))

	_, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d("100"), nil)

	var re *distribution.ReconciliationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "70.00", re.Delta.StringFixed(2))
	assert.Equal(t, "30.00", re.Largest.StringFixed(2))
	assert.Equal(t, "difference exceeds the largest payout", re.Reason)
}

func TestRunValueEquation_LeftoverGoesToLargestPayout(t *testing.T) {
	// GIVEN a remaining pool where the members bucket is capped at its claims
	store := aliceStore(t)
	ve := compile(t, equation.Remaining,
		fixedBucket("org", 1, "50", "org"),
		membersBucket("members", 2, "100", equation.DebtLike))

	// WHEN distributing 200
	plan, err := newAllocator(store, "member").RunValueEquation(context.Background(), ve, d("200"), nil)

	// THEN the 40 left after Alice's 60 of claims goes to the largest payout
	require.NoError(t, err)
	assertPayout(t, plan, "org", "140.00")
	assertPayout(t, plan, "alice", "60.00")
	assert.Equal(t, "200.00", plan.Total().StringFixed(2))
	assert.Equal(t, "40.00", plan.Delta.StringFixed(2))

	// AND Alice's settlements are untouched
	require.Len(t, plan.Payout("alice").Settlements, 2)
	assert.Equal(t, "50.00", plan.Payout("alice").Settlements[0].Amount.StringFixed(2))
	assert.Equal(t, "10.00", plan.Payout("alice").Settlements[1].Amount.StringFixed(2))
}

// =============================================================================
// SAVING
// =============================================================================

func TestRunValueEquationAndSave(t *testing.T) {
	// GIVEN Alice's work and a 30/70 equation
	store := aliceStore(t)
	ctx := context.Background()
	ve := compile(t, equation.Straight,
		fixedBucket("org", 1, "30", "org"),
		membersBucket("members", 2, "70", equation.DebtLike))

	// WHEN saving a distribution of 1000 from the treasury
	dist, plan, err := newAllocator(store, "member").RunValueEquationAndSave(ctx, distribution.Request{
		Date: runDate, ValueEquation: ve, MoneyResource: "treasury", Amount: d("1000"),
	})

	// THEN the record, events, accounts and claims are all written
	require.NoError(t, err)
	assertPayout(t, plan, "alice", "700.00")

	saved, err := store.Distribution(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, "ve", saved.ValueEquation)
	assert.Len(t, saved.Events, 3)
	assert.NotEmpty(t, saved.EquationSnapshot)

	disbursement, err := store.Event(ctx, saved.DisbursementEvent)
	require.NoError(t, err)
	assert.Equal(t, rea.KindDisbursement, disbursement.Kind)
	assert.True(t, disbursement.Quantity.Equal(d("1000")))

	treasury, err := store.Resource(ctx, "treasury")
	require.NoError(t, err)
	assert.True(t, treasury.Quantity.IsZero())

	aliceAccount := virtualAccount(t, store, "alice")
	assert.Equal(t, "member", aliceAccount.Role)
	assert.Equal(t, "700.00", aliceAccount.Quantity.StringFixed(2))
	assert.Equal(t, "300.00", virtualAccount(t, store, "org").Quantity.StringFixed(2))

	l := ledger.NewLedger(store)
	claims, err := store.ClaimsByAgent(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, claims, 2)
	for _, c := range claims {
		assert.True(t, c.Value.IsZero(), "claim %s = %s", c.ID, c.Value)
		assert.Equal(t, rea.AgentID("org"), c.AgainstAgent)
		require.NoError(t, l.Verify(ctx, c.ID))
	}
	outstanding, err := l.Outstanding(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, outstanding.IsZero())
}

func TestRunValueEquationAndSave_ClaimsCarryAcrossRuns(t *testing.T) {
	store := aliceStore(t)
	ctx := context.Background()
	ve := compile(t, equation.Straight, membersBucket("members", 1, "100", equation.DebtLike))
	alloc := newAllocator(store, "member")

	// GIVEN a first run paying half of Alice's claims
	_, _, err := alloc.RunValueEquationAndSave(ctx, distribution.Request{
		Date: runDate, ValueEquation: ve, MoneyResource: "treasury", Amount: d("30"),
	})
	require.NoError(t, err)
	first, err := store.CreatedClaim(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "25.00", first.Value.StringFixed(2))

	// WHEN a second run overpays them
	_, plan, err := alloc.RunValueEquationAndSave(ctx, distribution.Request{
		Date: runDate.AddDate(0, 1, 0), ValueEquation: ve, MoneyResource: "treasury", Amount: d("100"),
	})
	require.NoError(t, err)

	// THEN the same claims are settled again and stop at zero
	assertPayout(t, plan, "alice", "100.00")
	for _, cs := range plan.Claims() {
		assert.False(t, cs.New)
	}
	second, err := store.CreatedClaim(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Value.IsZero())
	assert.True(t, second.OriginalValue.Equal(d("50")))

	events, err := store.ClaimEvents(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "83.33", events[2].Value.StringFixed(2))
	require.NoError(t, ledger.NewLedger(store).Verify(ctx, first.ID))

	account := virtualAccount(t, store, "alice")
	assert.Equal(t, "130.00", account.Quantity.StringFixed(2))
}

func TestRunValueEquationAndSave_ConcurrentRunsShareClaims(t *testing.T) {
	// GIVEN Alice's debt-like claims of 50 and 10
	store := aliceStore(t)
	ctx := context.Background()
	ve := compile(t, equation.Straight, membersBucket("members", 1, "100", equation.DebtLike))
	alloc := newAllocator(store, "member")

	// WHEN two runs of 40 are saved at the same time
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = alloc.RunValueEquationAndSave(ctx, distribution.Request{
				Date: runDate, ValueEquation: ve, MoneyResource: "treasury", Amount: d("40"),
			})
		}()
	}
	wg.Wait()

	// THEN both succeed and each claim was created once and settled twice
	for _, err := range errs {
		require.NoError(t, err)
	}
	l := ledger.NewLedger(store)
	for _, evt := range []rea.EventID{"e1", "e4"} {
		c, err := store.CreatedClaim(ctx, evt)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.True(t, c.Value.IsZero(), "claim for %s", evt)

		events, err := store.ClaimEvents(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, events, 3)
		for _, ce := range events {
			assert.False(t, ce.Value.IsNegative())
		}
		require.NoError(t, l.Verify(ctx, c.ID))
	}

	// AND the money moved exactly twice
	assert.Equal(t, "80.00", virtualAccount(t, store, "alice").Quantity.StringFixed(2))
	treasury, err := store.Resource(ctx, "treasury")
	require.NoError(t, err)
	assert.Equal(t, "920.00", treasury.Quantity.StringFixed(2))
}

func TestRunValueEquationAndSave_EquityLikeKeepsValue(t *testing.T) {
	store := aliceStore(t)
	ctx := context.Background()
	ve := compile(t, equation.Straight, membersBucket("members", 1, "100", equation.EquityLike))

	_, _, err := newAllocator(store, "member").RunValueEquationAndSave(ctx, distribution.Request{
		Date: runDate, ValueEquation: ve, MoneyResource: "treasury", Amount: d("120"),
	})

	require.NoError(t, err)
	c, err := store.CreatedClaim(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Value.Equal(d("50")))
	require.NoError(t, ledger.NewLedger(store).Verify(ctx, c.ID))
}

func TestRunValueEquationAndSave_MissingAccountRollsBack(t *testing.T) {
	// GIVEN no owner role, so recipients need an existing account
	store := aliceStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveResource(ctx, rea.Resource{
		ID: "org-account", ResourceType: "usd", Owner: "org", IsVirtualAccount: true,
	}))
	ve := compile(t, equation.Straight,
		fixedBucket("org", 1, "30", "org"),
		membersBucket("members", 2, "70", equation.DebtLike))

	// WHEN saving a distribution
	_, _, err := newAllocator(store, "").RunValueEquationAndSave(ctx, distribution.Request{
		Date: runDate, ValueEquation: ve, MoneyResource: "treasury", Amount: d("1000"),
	})

	// THEN the run fails on Alice's account
	require.ErrorIs(t, err, rea.ErrMissingAccount)
	var missing *rea.MissingAccountError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, rea.AgentID("alice"), missing.Agent)

	// AND nothing was written
	dists, err := store.DistributionsByEquation(ctx, "ve")
	require.NoError(t, err)
	assert.Empty(t, dists)
	claims, err := store.ClaimsByAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, claims)
	treasury, err := store.Resource(ctx, "treasury")
	require.NoError(t, err)
	assert.True(t, treasury.Quantity.Equal(d("1000")))
	account, err := store.Resource(ctx, "org-account")
	require.NoError(t, err)
	assert.True(t, account.Quantity.IsZero())
}

func TestRunValueEquationAndSave_UnknownIncomeEvent(t *testing.T) {
	store := aliceStore(t)
	ve := compile(t, equation.Straight, membersBucket("members", 1, "100", equation.DebtLike))

	_, _, err := newAllocator(store, "member").RunValueEquationAndSave(context.Background(), distribution.Request{
		Date: runDate, ValueEquation: ve, MoneyResource: "treasury", Amount: d("10"),
		IncomeEvents: []rea.EventID{"missing"},
	})

	assert.True(t, rea.IsNotFound(err))
}
