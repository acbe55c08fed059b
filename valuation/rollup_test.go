package valuation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/equation"
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
	return time.Date(2026, time.January, n, 9, 0, 0, 0, time.UTC)
}

type graph struct {
	t *testing.T
	*memory.Memory
}

func newGraph(t *testing.T) *graph {
	t.Helper()
	g := &graph{t: t, Memory: memory.New()}
	g.agent(rea.Agent{ID: "org", IsContext: true})
	g.agent(rea.Agent{ID: "alice", Parent: "org"})
	g.resourceType(rea.ResourceType{ID: "hour", Unit: "hour", ValuePerUnit: d("5")})
	g.resourceType(rea.ResourceType{ID: "part", Unit: "each"})
	return g
}

func (g *graph) agent(a rea.Agent) {
	require.NoError(g.t, g.SaveAgent(context.Background(), a))
}

func (g *graph) resourceType(rt rea.ResourceType) {
	require.NoError(g.t, g.SaveResourceType(context.Background(), rt))
}

func (g *graph) resource(id rea.ResourceID, rt rea.ResourceTypeID, qty string) {
	require.NoError(g.t, g.SaveResource(context.Background(), rea.Resource{ID: id, ResourceType: rt, Quantity: d(qty)}))
}

func (g *graph) process(id rea.ProcessID, pt rea.ProcessTypeID) {
	require.NoError(g.t, g.SaveProcess(context.Background(), rea.Process{ID: id, ProcessType: pt, ContextAgent: "org"}))
}

func (g *graph) event(e rea.Event) {
	if e.ContextAgent == "" {
		e.ContextAgent = "org"
	}
	require.NoError(g.t, g.SaveEvent(context.Background(), e))
}

func (g *graph) work(id rea.EventID, p rea.ProcessID, hours string, date time.Time) {
	g.event(rea.Event{ID: id, Kind: rea.KindWork, Date: date, From: "alice", To: "org",
		ResourceType: "hour", Process: p, Quantity: d(hours), IsContribution: true})
}

func (g *graph) produce(id rea.EventID, p rea.ProcessID, res rea.ResourceID, qty string, date time.Time) {
	g.event(rea.Event{ID: id, Kind: rea.KindProduce, Date: date, Resource: res, Process: p, Quantity: d(qty)})
}

func (g *graph) consume(id rea.EventID, p rea.ProcessID, res rea.ResourceID, qty string, date time.Time) {
	g.event(rea.Event{ID: id, Kind: rea.KindConsume, Date: date, Resource: res, Process: p, Quantity: d(qty)})
}

// aliceGraph: 10h in P1 make R1, R1 plus 2h in P2 make R2.
func aliceGraph(t *testing.T) *graph {
	g := newGraph(t)
	g.resource("r1", "part", "0")
	g.resource("r2", "part", "1")
	g.process("p1", "machining")
	g.process("p2", "assembly")
	g.work("e1", "p1", "10", day(5))
	g.produce("e2", "p1", "r1", "1", day(5))
	g.consume("e3", "p2", "r1", "1", day(6))
	g.work("e4", "p2", "2", day(6))
	g.produce("e5", "p2", "r2", "1", day(6))
	return g
}

func rollup(g *graph) *valuation.Rollup {
	return valuation.NewRollup(g, g, valuation.DefaultLimits())
}

func workEquation(t *testing.T, src string) *equation.ValueEquation {
	t.Helper()
	ve := &equation.ValueEquation{
		ID:           "ve",
		ContextAgent: "org",
		Buckets: []*equation.Bucket{{ID: "b", Percentage: d("100"), FilterMethod: equation.MethodDates,
			Rules: []*equation.BucketRule{{ID: "work", Kind: rea.KindWork, ClaimRuleType: equation.DebtLike, Equation: src}}}},
	}
	require.NoError(t, ve.Compile())
	return ve
}

// =============================================================================
// ROLLUP
// =============================================================================

func TestRollUpResource_SingleContribution(t *testing.T) {
	// GIVEN 4 units contributed with a value of 50
	g := newGraph(t)
	g.resource("seed", "part", "4")
	g.event(rea.Event{ID: "c1", Kind: rea.KindResourceContribution, Date: day(1), From: "alice",
		Resource: "seed", Quantity: d("4"), Value: d("50"), IsContribution: true})

	// WHEN rolling up
	res, err := rollup(g).RollUpResource(context.Background(), "seed", nil)

	// THEN the value per unit is V/Q and is cached on the resource
	require.NoError(t, err)
	assert.True(t, res.ValuePerUnit.Equal(d("12.5")), res.ValuePerUnit.String())
	cached, err := g.Resource(context.Background(), "seed")
	require.NoError(t, err)
	assert.True(t, cached.ValuePerUnit.Equal(d("12.5")))
}

func TestRollUpResource_WeightedAverage(t *testing.T) {
	// GIVEN 2 contributed units worth 10 each and 6 bought units worth 20 each
	g := newGraph(t)
	g.resource("mix", "part", "8")
	g.event(rea.Event{ID: "gift", Kind: rea.KindResourceContribution, Date: day(1), From: "alice",
		Resource: "mix", Quantity: d("2"), Value: d("20"), IsContribution: true})
	g.event(rea.Event{ID: "buy", Kind: rea.KindReceive, Date: day(2), From: "acme", To: "org",
		Resource: "mix", Quantity: d("6"), Value: d("120")})

	// WHEN rolling up
	res, err := rollup(g).RollUpResource(context.Background(), "mix", nil)

	// THEN samples are weighted by quantity: (2x10 + 6x20) / 8
	require.NoError(t, err)
	assert.True(t, res.ValuePerUnit.Equal(d("17.5")), res.ValuePerUnit.String())
}

func TestRollUpResource_TwoStepProduction(t *testing.T) {
	// GIVEN Alice's two-step production
	g := aliceGraph(t)
	ctx := context.Background()

	// WHEN rolling up R2
	res, err := rollup(g).RollUpResource(ctx, "r2", nil)
	require.NoError(t, err)

	// THEN R1 is 50, R2 is 60 and the inputs carry their values
	assert.True(t, res.ValuePerUnit.Equal(d("60")), res.ValuePerUnit.String())
	r1, err := g.Resource(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r1.ValuePerUnit.Equal(d("50")))
	for id, want := range map[rea.EventID]string{"e1": "50", "e3": "50", "e4": "10"} {
		e, err := g.Event(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.Value.Equal(d(want)), "%s = %s", id, e.Value)
	}

	// AND the path starts at R2 and walks down to R1
	require.NotEmpty(t, res.Path)
	assert.Equal(t, "resource:r2", res.Path[0].Ref.String())
	assert.True(t, res.Path[0].Value.Equal(d("60")))
	var sawR1 bool
	for _, s := range res.Path {
		if s.Ref.String() == "resource:r1" {
			sawR1 = true
			assert.Greater(t, s.Depth, 0)
		}
	}
	assert.True(t, sawR1)
}

func TestRollUpResource_Idempotent(t *testing.T) {
	g := aliceGraph(t)
	ctx := context.Background()

	first, err := rollup(g).RollUpResource(ctx, "r2", nil)
	require.NoError(t, err)
	second, err := rollup(g).RollUpResource(ctx, "r2", nil)
	require.NoError(t, err)

	assert.True(t, first.ValuePerUnit.Equal(second.ValuePerUnit))
	assert.Equal(t, len(first.Path), len(second.Path))
	e1, err := g.Event(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, e1.Value.Equal(d("50")))
}

func TestRollUpResource_WithValueEquation(t *testing.T) {
	// GIVEN a rule that values work at double its rate
	g := aliceGraph(t)
	ve := workEquation(t, "quantity * valuePerUnit * 2")

	// WHEN rolling up under the value equation
	res, err := rollup(g).RollUpResource(context.Background(), "r2", ve)

	// THEN the rule value replaces quantity x rate
	require.NoError(t, err)
	assert.True(t, res.ValuePerUnit.Equal(d("120")), res.ValuePerUnit.String())
}

func TestRollUpResource_AgentRate(t *testing.T) {
	g := aliceGraph(t)
	require.NoError(t, g.SaveAgentRate(context.Background(), rea.AgentResourceType{
		Agent: "alice", ResourceType: "hour", Kind: rea.KindWork, ValuePerUnit: d("7"),
	}))

	res, err := rollup(g).RollUpResource(context.Background(), "r2", nil)

	require.NoError(t, err)
	assert.True(t, res.ValuePerUnit.Equal(d("84")), res.ValuePerUnit.String())
}

func TestRollUpResource_PercentCitation(t *testing.T) {
	// GIVEN an app built with 10h at 20/h citing a library at 20%
	g := newGraph(t)
	ctx := context.Background()
	g.resourceType(rea.ResourceType{ID: "dev-hour", Unit: "hour", ValuePerUnit: d("20")})
	g.resourceType(rea.ResourceType{ID: "library", Unit: "each", UnitOfUse: "percent", UseIsPercent: true})
	g.resource("lib", "library", "1")
	g.resource("app", "part", "1")
	g.process("write-lib", "development")
	g.process("write-app", "development")
	g.event(rea.Event{ID: "lib-work", Kind: rea.KindWork, Date: day(2), From: "alice", ResourceType: "dev-hour",
		Process: "write-lib", Quantity: d("5"), IsContribution: true})
	g.produce("lib-out", "write-lib", "lib", "1", day(3))
	g.event(rea.Event{ID: "app-work", Kind: rea.KindWork, Date: day(9), From: "alice", ResourceType: "dev-hour",
		Process: "write-app", Quantity: d("10"), IsContribution: true})
	g.event(rea.Event{ID: "app-cite", Kind: rea.KindCite, Date: day(9), Resource: "lib", ResourceType: "library",
		Process: "write-app", Quantity: d("20")})
	g.produce("app-out", "write-app", "app", "1", day(10))

	// WHEN rolling up the app
	res, err := rollup(g).RollUpResource(ctx, "app", nil)

	// THEN the citation adds 20% of the other inputs: 1.20 x 200
	require.NoError(t, err)
	assert.True(t, res.ValuePerUnit.Equal(d("240")), res.ValuePerUnit.String())
	cite, err := g.Event(ctx, "app-cite")
	require.NoError(t, err)
	assert.True(t, cite.Value.Equal(d("40")), cite.Value.String())

	// AND the cited library was valued on the way
	lib, err := g.Resource(ctx, "lib")
	require.NoError(t, err)
	assert.True(t, lib.ValuePerUnit.Equal(d("100")))
}

func TestRollUpResource_UseEvent(t *testing.T) {
	// GIVEN a tool used for 3 hours at 4 per hour of use
	g := aliceGraph(t)
	ctx := context.Background()
	require.NoError(t, g.SaveResource(ctx, rea.Resource{ID: "lathe", ResourceType: "part", Quantity: d("1"),
		ValuePerUnitOfUse: d("4")}))
	g.event(rea.Event{ID: "e6", Kind: rea.KindUse, Date: day(6), Resource: "lathe", Process: "p2", Quantity: d("3")})

	// WHEN rolling up R2
	res, err := rollup(g).RollUpResource(ctx, "r2", nil)

	// THEN the use adds 12
	require.NoError(t, err)
	assert.True(t, res.ValuePerUnit.Equal(d("72")), res.ValuePerUnit.String())
}

func TestRollUpResource_WorkflowLoop(t *testing.T) {
	// GIVEN X feeds the process making Y, and Y feeds the process making X
	g := newGraph(t)
	g.resource("x", "part", "1")
	g.resource("y", "part", "1")
	g.process("pa", "edit")
	g.process("pb", "review")
	g.event(rea.Event{ID: "x-seed", Kind: rea.KindResourceContribution, Date: day(1), From: "alice",
		Resource: "x", Quantity: d("1"), Value: d("10"), IsContribution: true})
	g.consume("pa-in", "pa", "x", "1", day(2))
	g.work("pa-work", "pa", "1", day(2))
	g.produce("pa-out", "pa", "y", "1", day(2))
	g.consume("pb-in", "pb", "y", "1", day(3))
	g.produce("pb-out", "pb", "x", "1", day(3))

	// WHEN rolling up X
	res, err := rollup(g).RollUpResource(context.Background(), "x", nil)

	// THEN the loop is cut at X's own contribution and the walk ends
	require.NoError(t, err)
	assert.True(t, res.ValuePerUnit.Equal(d("12.5")), res.ValuePerUnit.String())
	y, err := g.Resource(context.Background(), "y")
	require.NoError(t, err)
	assert.True(t, y.ValuePerUnit.Equal(d("15")), y.ValuePerUnit.String())
}

func chainGraph(t *testing.T, links int) *graph {
	g := newGraph(t)
	g.resource("r0", "part", "1")
	g.event(rea.Event{ID: "seed", Kind: rea.KindResourceContribution, Date: day(1), From: "alice",
		Resource: "r0", Quantity: d("1"), Value: d("10"), IsContribution: true})
	for i := 1; i <= links; i++ {
		res := rea.ResourceID(fmt.Sprintf("r%d", i))
		p := rea.ProcessID(fmt.Sprintf("p%d", i))
		g.resource(res, "part", "1")
		g.process(p, "step")
		g.consume(rea.EventID(fmt.Sprintf("in%d", i)), p, rea.ResourceID(fmt.Sprintf("r%d", i-1)), "1", day(i+1))
		g.produce(rea.EventID(fmt.Sprintf("out%d", i)), p, res, "1", day(i+1))
	}
	return g
}

func TestRollUpResource_TraversalLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("within limits", func(t *testing.T) {
		g := chainGraph(t, 5)
		res, err := rollup(g).RollUpResource(ctx, "r5", nil)
		require.NoError(t, err)
		assert.True(t, res.ValuePerUnit.Equal(d("10")))
	})

	t.Run("max depth", func(t *testing.T) {
		g := chainGraph(t, 5)
		r := valuation.NewRollup(g, g, valuation.Limits{MaxDepth: 4, MaxNodes: 1000})

		_, err := r.RollUpResource(ctx, "r5", nil)

		require.ErrorIs(t, err, rea.ErrTraversalLimit)
		var te *rea.TraversalError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "max depth", te.Reason)
		require.NotEmpty(t, te.Path)
		assert.Equal(t, "resource:r5", te.Path[0])
	})

	t.Run("max nodes", func(t *testing.T) {
		g := chainGraph(t, 5)
		r := valuation.NewRollup(g, g, valuation.Limits{MaxDepth: 100, MaxNodes: 3})

		_, err := r.RollUpResource(ctx, "r5", nil)

		var te *rea.TraversalError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "max nodes", te.Reason)
		assert.Equal(t, 4, te.Nodes)
	})
}

func TestRollUpResource_NotFound(t *testing.T) {
	g := newGraph(t)

	_, err := rollup(g).RollUpResource(context.Background(), "nope", nil)

	assert.True(t, rea.IsNotFound(err))
}

func TestRollUpProcess(t *testing.T) {
	g := aliceGraph(t)

	pv, err := rollup(g).RollUpProcess(context.Background(), "p2", nil)

	require.NoError(t, err)
	assert.True(t, pv.ProducedQuantity.Equal(d("1")))
	assert.True(t, pv.ProductionValue.Equal(d("60")))
	assert.True(t, pv.ValuePerUnit.Equal(d("60")))
	assert.True(t, pv.InputValues["e3"].Equal(d("50")))
	assert.True(t, pv.InputValues["e4"].Equal(d("10")))
}

func TestRollUpExchange(t *testing.T) {
	// GIVEN 2kg of steel bought for 40 plus a shipping charge of 5
	g := newGraph(t)
	ctx := context.Background()
	g.agent(rea.Agent{ID: "acme"})
	g.resource("steel", "part", "2")
	require.NoError(t, g.SaveExchange(ctx, rea.Exchange{ID: "x1", ContextAgent: "org"}))
	g.event(rea.Event{ID: "steel-in", Kind: rea.KindReceive, Date: day(1), From: "acme", To: "org",
		Resource: "steel", Exchange: "x1", Quantity: d("2"), Value: d("40")})
	g.event(rea.Event{ID: "shipping", Kind: rea.KindReceive, Date: day(1), From: "carrier", To: "org",
		Exchange: "x1", Quantity: d("1"), Value: d("5")})
	g.event(rea.Event{ID: "paid", Kind: rea.KindPayment, Date: day(1), From: "org", To: "acme",
		Exchange: "x1", Quantity: d("40"), Value: d("40")})

	// WHEN valuing the exchange and the steel
	xv, err := rollup(g).RollUpExchange(ctx, "steel-in", nil)
	require.NoError(t, err)
	res, err := rollup(g).RollUpResource(ctx, "steel", nil)
	require.NoError(t, err)

	// THEN the payment and the expense both count
	assert.True(t, xv.Value.Equal(d("45")), xv.Value.String())
	assert.True(t, res.ValuePerUnit.Equal(d("22.5")), res.ValuePerUnit.String())
}
