/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built flow graphs that populate the store with realistic
	data for testing and demos. Each scenario creates agents, resources,
	processes, events and a value equation that demonstrate one feature.

AVAILABLE SCENARIOS:

	alice-org:          Two-step production, 30% fixed + 70% contributor split
	software-citation:  A library cited at 20% of the app that uses it
	order-fulfilment:   Order distribution over production, a purchase and
	                    delivery work

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Save the flow graph in one transaction
 3. Compile and save the value equation via the factory

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "alice-org"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - factory/equation.go: Value equation JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/factory"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "alice-org",
		Name:        "Alice and Org",
		Description: "Alice builds R1 then R2 for Org; income splits 30% to Org, 70% to contributors",
		Category:    "distribution",
	},
	{
		ID:          "software-citation",
		Name:        "Software Citation",
		Description: "An app cites a library at 20%; the shipment pays both authors",
		Category:    "valuation",
	},
	{
		ID:          "order-fulfilment",
		Name:        "Order Fulfilment",
		Description: "Widgets made from purchased steel; the order pays makers, the buyer and delivery",
		Category:    "distribution",
	},
}

// scenarioData is a complete flow graph plus the value equations over it.
type scenarioData struct {
	agents     []rea.Agent
	types      []rea.ResourceType
	resources  []rea.Resource
	processes  []rea.Process
	exchanges  []rea.Exchange
	events     []rea.Event
	rates      []rea.AgentResourceType
	orderItems []rea.OrderItem
	equations  []factory.EquationJSON
}

var scenarioLoaders = map[string]func() scenarioData{
	"alice-org":         aliceOrgScenario,
	"software-citation": softwareCitationScenario,
	"order-fulfilment":  orderFulfilmentScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	build, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.LoadScenarioData(r.Context(), req.ScenarioID, build()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioData resets the store and saves a scenario's flow graph and
// value equations.
func (h *Handler) LoadScenarioData(ctx context.Context, id string, d scenarioData) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.forgetEquations()
	h.currentScenario = ""

	err := h.Store.WithTx(ctx, func(tx ledger.Store) error {
		if err := saveGraph(ctx, tx, d); err != nil {
			return err
		}
		for _, ej := range d.equations {
			ve, err := h.Factory.FromJSON(ej)
			if err != nil {
				return err
			}
			rec, err := h.Factory.ToRecord(ve)
			if err != nil {
				return err
			}
			if err := tx.SaveValueEquation(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := h.LoadEquations(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.Logger.Info("scenario loaded", "scenario", id, "events", len(d.events))
	return nil
}

func saveGraph(ctx context.Context, l rea.Loader, d scenarioData) error {
	for _, a := range d.agents {
		if err := l.SaveAgent(ctx, a); err != nil {
			return err
		}
	}
	for _, rt := range d.types {
		if err := l.SaveResourceType(ctx, rt); err != nil {
			return err
		}
	}
	for _, res := range d.resources {
		if err := l.SaveResource(ctx, res); err != nil {
			return err
		}
	}
	for _, p := range d.processes {
		if err := l.SaveProcess(ctx, p); err != nil {
			return err
		}
	}
	for _, x := range d.exchanges {
		if err := l.SaveExchange(ctx, x); err != nil {
			return err
		}
	}
	for _, e := range d.events {
		if err := l.SaveEvent(ctx, e); err != nil {
			return err
		}
	}
	for _, r := range d.rates {
		if err := l.SaveAgentRate(ctx, r); err != nil {
			return err
		}
	}
	for _, oi := range d.orderItems {
		if err := l.SaveOrderItem(ctx, oi); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO BUILDERS
// =============================================================================

func day(d int) time.Time {
	return time.Date(2026, time.January, d, 9, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(i int) *int {
	return &i
}

func usdType() rea.ResourceType {
	return rea.ResourceType{ID: "usd", Name: "US Dollar", Unit: "USD", IsCurrency: true}
}

// aliceOrgScenario: Alice works 10h at 5/h in P1 to make R1, then 2h in P2
// consuming R1 to make R2, so R2 is worth 60. 1000 of income splits 300 to
// Org and 700 to Alice's two work contributions.
func aliceOrgScenario() scenarioData {
	return scenarioData{
		agents: []rea.Agent{
			{ID: "org", Name: "Org", IsContext: true},
			{ID: "alice", Name: "Alice", Parent: "org"},
		},
		types: []rea.ResourceType{
			{ID: "hour", Name: "Hour of work", Unit: "hour", ValuePerUnit: dec("5")},
			{ID: "part", Name: "Part", Unit: "each"},
			usdType(),
		},
		resources: []rea.Resource{
			{ID: "r1", ResourceType: "part", Quantity: dec("0")},
			{ID: "r2", ResourceType: "part", Quantity: dec("1")},
			{ID: "org-cash", ResourceType: "usd", Quantity: dec("1000"), Owner: "org"},
			{ID: "org-account", ResourceType: "usd", Quantity: dec("0"), Owner: "org", Role: "owner", IsVirtualAccount: true},
			{ID: "alice-account", ResourceType: "usd", Quantity: dec("0"), Owner: "alice", Role: "owner", IsVirtualAccount: true},
		},
		processes: []rea.Process{
			{ID: "p1", Name: "Make R1", ProcessType: "machining", ContextAgent: "org", Start: day(5)},
			{ID: "p2", Name: "Make R2", ProcessType: "assembly", ContextAgent: "org", Start: day(6)},
		},
		events: []rea.Event{
			{ID: "e1", Kind: rea.KindWork, Date: day(5), From: "alice", To: "org", ContextAgent: "org",
				ResourceType: "hour", Process: "p1", Quantity: dec("10"), Unit: "hour", IsContribution: true},
			{ID: "e2", Kind: rea.KindProduce, Date: day(5), ContextAgent: "org",
				Resource: "r1", ResourceType: "part", Process: "p1", Quantity: dec("1")},
			{ID: "e3", Kind: rea.KindConsume, Date: day(6), ContextAgent: "org",
				Resource: "r1", ResourceType: "part", Process: "p2", Quantity: dec("1")},
			{ID: "e4", Kind: rea.KindWork, Date: day(6), From: "alice", To: "org", ContextAgent: "org",
				ResourceType: "hour", Process: "p2", Quantity: dec("2"), Unit: "hour", IsContribution: true},
			{ID: "e5", Kind: rea.KindProduce, Date: day(6), ContextAgent: "org",
				Resource: "r2", ResourceType: "part", Process: "p2", Quantity: dec("1")},
			{ID: "income", Kind: rea.KindReceive, Date: day(20), From: "customer", To: "org", ContextAgent: "org",
				Resource: "org-cash", ResourceType: "usd", Quantity: dec("1000"), Value: dec("1000"),
				Unit: "USD", UnitOfValue: "USD"},
		},
		equations: []factory.EquationJSON{{
			ID:           "ve-org",
			Name:         "Org income",
			ContextAgent: "org",
			Live:         true,
			Buckets: []factory.BucketJSON{
				{ID: "b1", Name: "Org", Sequence: intPtr(1), Percentage: dec("30"), DistributionAgent: "org"},
				{ID: "b2", Name: "Contributors", Sequence: intPtr(2), Percentage: dec("70"), FilterMethod: "dates",
					Rules: []factory.RuleJSON{{ID: "work", EventType: "work", ClaimRuleType: "debt-like",
						Equation: "quantity * valuePerUnit"}}},
			},
		}},
	}
}

// softwareCitationScenario: Carol writes a library (5h at 20/h), Bob writes
// an app (10h at 20/h) citing it at 20%, so the app is worth 240.
func softwareCitationScenario() scenarioData {
	return scenarioData{
		agents: []rea.Agent{
			{ID: "coop", Name: "Software Coop", IsContext: true},
			{ID: "bob", Name: "Bob", Parent: "coop"},
			{ID: "carol", Name: "Carol", Parent: "coop"},
		},
		types: []rea.ResourceType{
			{ID: "dev-hour", Name: "Development hour", Unit: "hour", ValuePerUnit: dec("20")},
			{ID: "library", Name: "Library", Unit: "each", UnitOfUse: "percent", UseIsPercent: true},
			{ID: "app", Name: "Application", Unit: "each"},
			usdType(),
		},
		resources: []rea.Resource{
			{ID: "lib", ResourceType: "library", Quantity: dec("1")},
			{ID: "app-1", ResourceType: "app", Quantity: dec("1")},
			{ID: "coop-cash", ResourceType: "usd", Quantity: dec("0"), Owner: "coop"},
		},
		processes: []rea.Process{
			{ID: "write-lib", Name: "Write library", ProcessType: "development", ContextAgent: "coop", Start: day(2)},
			{ID: "write-app", Name: "Write app", ProcessType: "development", ContextAgent: "coop", Start: day(9)},
		},
		events: []rea.Event{
			{ID: "lib-work", Kind: rea.KindWork, Date: day(2), From: "carol", To: "coop", ContextAgent: "coop",
				ResourceType: "dev-hour", Process: "write-lib", Quantity: dec("5"), Unit: "hour", IsContribution: true},
			{ID: "lib-out", Kind: rea.KindProduce, Date: day(3), ContextAgent: "coop",
				Resource: "lib", ResourceType: "library", Process: "write-lib", Quantity: dec("1")},
			{ID: "app-work", Kind: rea.KindWork, Date: day(9), From: "bob", To: "coop", ContextAgent: "coop",
				ResourceType: "dev-hour", Process: "write-app", Quantity: dec("10"), Unit: "hour", IsContribution: true},
			{ID: "app-cite", Kind: rea.KindCite, Date: day(9), ContextAgent: "coop",
				Resource: "lib", ResourceType: "library", Process: "write-app", Quantity: dec("20"), Unit: "percent"},
			{ID: "app-out", Kind: rea.KindProduce, Date: day(10), ContextAgent: "coop",
				Resource: "app-1", ResourceType: "app", Process: "write-app", Quantity: dec("1")},
			{ID: "app-ship", Kind: rea.KindGive, Date: day(15), From: "coop", To: "client", ContextAgent: "coop",
				Resource: "app-1", ResourceType: "app", Quantity: dec("1")},
		},
		equations: []factory.EquationJSON{{
			ID:           "ve-coop",
			Name:         "App sales",
			ContextAgent: "coop",
			Live:         true,
			Buckets: []factory.BucketJSON{
				{ID: "authors", Name: "Authors", Percentage: dec("100"), FilterMethod: "shipment",
					Rules: []factory.RuleJSON{{ID: "dev", EventType: "work", ClaimRuleType: "equity-like",
						Equation: "quantity * valuePerUnit"}}},
			},
		}},
	}
}

// orderFulfilmentScenario: Dana makes two widgets from 2kg of steel she
// paid 40 for, and Erin delivers them. Widgets are worth 70 each.
func orderFulfilmentScenario() scenarioData {
	return scenarioData{
		agents: []rea.Agent{
			{ID: "shop", Name: "Widget Shop", IsContext: true},
			{ID: "dana", Name: "Dana", Parent: "shop"},
			{ID: "erin", Name: "Erin", Parent: "shop"},
			{ID: "acme", Name: "Acme Steel"},
			{ID: "buyer", Name: "Buyer"},
		},
		types: []rea.ResourceType{
			{ID: "hour", Name: "Hour of work", Unit: "hour", ValuePerUnit: dec("25")},
			{ID: "steel", Name: "Steel", Unit: "kg"},
			{ID: "widget", Name: "Widget", Unit: "each"},
			usdType(),
		},
		resources: []rea.Resource{
			{ID: "steel-1", ResourceType: "steel", Quantity: dec("0")},
			{ID: "widgets", ResourceType: "widget", Quantity: dec("2")},
			{ID: "shop-cash", ResourceType: "usd", Quantity: dec("300"), Owner: "shop"},
		},
		processes: []rea.Process{
			{ID: "fabricate", Name: "Fabricate widgets", ProcessType: "fabrication", ContextAgent: "shop",
				Order: "o-1", Start: day(12)},
		},
		exchanges: []rea.Exchange{
			{ID: "x-steel", Name: "Steel purchase", ContextAgent: "shop"},
			{ID: "x-sale", Name: "Widget sale", ContextAgent: "shop", Order: "o-1", IsIncoming: true},
		},
		events: []rea.Event{
			{ID: "steel-in", Kind: rea.KindReceive, Date: day(10), From: "acme", To: "shop", ContextAgent: "shop",
				Resource: "steel-1", ResourceType: "steel", Exchange: "x-steel", Quantity: dec("2"), Value: dec("40")},
			{ID: "steel-paid", Kind: rea.KindPayment, Date: day(10), From: "dana", To: "acme", ContextAgent: "shop",
				ResourceType: "usd", Exchange: "x-steel", Quantity: dec("40"), Value: dec("40"), UnitOfValue: "USD"},
			{ID: "steel-used", Kind: rea.KindConsume, Date: day(12), ContextAgent: "shop",
				Resource: "steel-1", ResourceType: "steel", Process: "fabricate", Quantity: dec("2")},
			{ID: "dana-work", Kind: rea.KindWork, Date: day(12), From: "dana", To: "shop", ContextAgent: "shop",
				ResourceType: "hour", Process: "fabricate", Quantity: dec("4"), Unit: "hour", IsContribution: true},
			{ID: "widgets-out", Kind: rea.KindProduce, Date: day(13), ContextAgent: "shop",
				Resource: "widgets", ResourceType: "widget", Process: "fabricate", Quantity: dec("2")},
			{ID: "delivery", Kind: rea.KindWork, Date: day(14), From: "erin", To: "shop", ContextAgent: "shop",
				ResourceType: "hour", Exchange: "x-sale", Quantity: dec("1"), Value: dec("25"), Unit: "hour",
				IsContribution: true},
			{ID: "sale-income", Kind: rea.KindReceive, Date: day(14), From: "buyer", To: "shop", ContextAgent: "shop",
				Resource: "shop-cash", ResourceType: "usd", Exchange: "x-sale", Quantity: dec("300"), Value: dec("300"),
				Unit: "USD", UnitOfValue: "USD"},
		},
		orderItems: []rea.OrderItem{
			{ID: "o-1-widgets", Order: "o-1", Resource: "widgets", Quantity: dec("2")},
		},
		equations: []factory.EquationJSON{{
			ID:           "ve-shop",
			Name:         "Order income",
			ContextAgent: "shop",
			Live:         true,
			Buckets: []factory.BucketJSON{
				{ID: "makers", Name: "Makers", Percentage: dec("100"), FilterMethod: "order",
					Rules: []factory.RuleJSON{
						{ID: "work", EventType: "work", ClaimRuleType: "debt-like", Equation: "quantity * valuePerUnit"},
						{ID: "paid", EventType: "payment", ClaimRuleType: "debt-like", Equation: "value"},
					}},
			},
		}},
	}
}
