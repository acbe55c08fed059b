/*
graph.go - Flow graph accessor interfaces and derived queries

PURPOSE:
  FlowGraph is the read side of the REA ledger as the engine sees it.
  FlowWriter is the narrow write-back surface: cached values, new events
  and new virtual accounts. Loader populates a graph (fixtures, scenarios).

ORDERING CONTRACT:
  Every list method returns events ordered by Date, then ID. Traversal order
  and therefore Share order depend on it.

DERIVED QUERIES:
  The helpers below classify a resource's or exchange's events the same way
  everywhere: contributions, purchases, producing processes, exchange parts.

SEE ALSO:
  - store/memory: in-memory implementation
  - store/sqlite: SQLite implementation
*/
package rea

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INTERFACES
// =============================================================================

// FlowGraph reads the REA ledger. Missing IDs return errors wrapping ErrNotFound.
type FlowGraph interface {
	Agent(ctx context.Context, id AgentID) (Agent, error)
	ResourceType(ctx context.Context, id ResourceTypeID) (ResourceType, error)
	Resource(ctx context.Context, id ResourceID) (Resource, error)
	Process(ctx context.Context, id ProcessID) (Process, error)
	Exchange(ctx context.Context, id ExchangeID) (Exchange, error)
	Event(ctx context.Context, id EventID) (Event, error)

	// ResourceEvents returns every event whose Resource is id.
	ResourceEvents(ctx context.Context, id ResourceID) ([]Event, error)
	ProcessEvents(ctx context.Context, id ProcessID) ([]Event, error)
	ExchangeEvents(ctx context.Context, id ExchangeID) ([]Event, error)
	ContextEvents(ctx context.Context, agent AgentID, dates DateRange) ([]Event, error)

	// AgentResources returns resources owned by agent.
	AgentResources(ctx context.Context, agent AgentID) ([]Resource, error)

	// AgentRate returns the agent's own rate for (resource type, kind).
	AgentRate(ctx context.Context, agent AgentID, rt ResourceTypeID, kind EventKind) (AgentResourceType, bool, error)

	OrderItems(ctx context.Context, order OrderID) ([]OrderItem, error)
	OrderExchanges(ctx context.Context, order OrderID) ([]Exchange, error)
}

// FlowWriter writes back cached values and distribution output.
type FlowWriter interface {
	SetResourceValuePerUnit(ctx context.Context, id ResourceID, vpu decimal.Decimal) error
	SetResourceQuantity(ctx context.Context, id ResourceID, qty decimal.Decimal) error
	SetEventValue(ctx context.Context, id EventID, value decimal.Decimal) error
	AppendEvent(ctx context.Context, evt Event) error
	CreateResource(ctx context.Context, res Resource) error
}

// Loader populates a flow graph.
type Loader interface {
	SaveAgent(ctx context.Context, a Agent) error
	SaveResourceType(ctx context.Context, rt ResourceType) error
	SaveResource(ctx context.Context, r Resource) error
	SaveProcess(ctx context.Context, p Process) error
	SaveExchange(ctx context.Context, x Exchange) error
	SaveEvent(ctx context.Context, e Event) error
	SaveAgentRate(ctx context.Context, r AgentResourceType) error
	SaveOrderItem(ctx context.Context, oi OrderItem) error
}

// =============================================================================
// RESOURCE QUERIES
// =============================================================================

// ContributionEvents keeps events flagged as contributions.
func ContributionEvents(events []Event) []Event {
	var out []Event
	for _, e := range events {
		if e.IsContribution {
			out = append(out, e)
		}
	}
	return out
}

// PurchaseEvents keeps non-contribution receipts, restricted to the
// resource's exchange stage when it has one.
func PurchaseEvents(res Resource, events []Event) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind != KindReceive || e.IsContribution {
			continue
		}
		if res.ExchangeStage != "" && e.ExchangeStage != res.ExchangeStage {
			continue
		}
		out = append(out, e)
	}
	return out
}

// CashContributionEvents keeps receipts of money contributed into a resource.
func CashContributionEvents(events []Event) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == KindReceive && e.IsContribution {
			out = append(out, e)
		}
	}
	return out
}

// ProducingProcesses returns the distinct processes with a production event
// for the resource, in event order. A non-empty stage keeps only processes
// of that process type.
func ProducingProcesses(ctx context.Context, g FlowGraph, events []Event, stage ProcessTypeID) ([]Process, error) {
	seen := make(map[ProcessID]bool)
	var out []Process
	for _, e := range events {
		if e.Kind != KindProduce || e.Process == "" || seen[e.Process] {
			continue
		}
		seen[e.Process] = true
		p, err := g.Process(ctx, e.Process)
		if err != nil {
			return nil, err
		}
		if stage != "" && p.ProcessType != stage {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ProcessInputs keeps work, use, consume, to-be-changed and cite events.
func ProcessInputs(events []Event) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind.IsProcessInput() {
			out = append(out, e)
		}
	}
	return out
}

// ProductionEvents keeps production events, optionally only for one resource.
func ProductionEvents(events []Event, res ResourceID) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind != KindProduce {
			continue
		}
		if res != "" && e.Resource != res {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SumQuantity adds up event quantities.
func SumQuantity(events []Event) decimal.Decimal {
	total := decimal.Zero
	for _, e := range events {
		total = total.Add(e.Quantity)
	}
	return total
}

// =============================================================================
// EXCHANGE QUERIES
// =============================================================================

// ExchangeParts splits an exchange's events by role.
type ExchangeParts struct {
	Receipts []Event // receive events with a resource
	Expenses []Event // receive events without a resource
	Payments []Event
	Work     []Event
}

func SplitExchange(events []Event) ExchangeParts {
	var parts ExchangeParts
	for _, e := range events {
		switch e.Kind {
		case KindReceive:
			if e.Resource != "" {
				parts.Receipts = append(parts.Receipts, e)
			} else {
				parts.Expenses = append(parts.Expenses, e)
			}
		case KindPayment:
			parts.Payments = append(parts.Payments, e)
		case KindWork:
			parts.Work = append(parts.Work, e)
		case KindUnknown, KindProduce, KindConsume, KindToBeChanged, KindUse, KindCite,
			KindResourceContribution, KindGive, KindDistribution, KindDisbursement:
		}
	}
	return parts
}

// PaymentsTo keeps payments received by agent.
func PaymentsTo(payments []Event, agent AgentID) []Event {
	var out []Event
	for _, p := range payments {
		if p.To == agent {
			out = append(out, p)
		}
	}
	return out
}

// TriggerFraction is the share of an exchange attributable to one receipt:
// 1 for a single receipt, else the receipt's value over all receipt values.
func TriggerFraction(trigger Event, receipts []Event) decimal.Decimal {
	if len(receipts) <= 1 {
		return decimal.NewFromInt(1)
	}
	total := decimal.Zero
	for _, r := range receipts {
		total = total.Add(r.Value)
	}
	if total.IsZero() {
		return decimal.NewFromInt(1)
	}
	return trigger.Value.Div(total)
}

// =============================================================================
// CONTEXT COMPATIBILITY
// =============================================================================

// Compatible reports whether agent is the value equation's context agent or
// sits beneath it in the parent chain.
func Compatible(ctx context.Context, g FlowGraph, agent, equationContext AgentID) (bool, error) {
	if agent == "" || equationContext == "" {
		return agent == equationContext, nil
	}
	seen := make(map[AgentID]bool)
	for id := agent; id != "" && !seen[id]; {
		if id == equationContext {
			return true, nil
		}
		seen[id] = true
		a, err := g.Agent(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		id = a.Parent
	}
	return false, nil
}
