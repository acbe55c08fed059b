/*
Package rea holds the Resource-Event-Agent flow graph that the value engine reads.

PURPOSE:
  The engine never edits the REA ledger. It reads agents, resources,
  processes, exchanges and economic events through the FlowGraph interface
  and writes back only cached values (resource value per unit, computed event
  values) and the events a distribution creates.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: an immutable economic event (work, consume, use, cite, produce,
    receive, payment, ...) with quantity and monetary value
  - Resource / ResourceType: things that flow, with cached per-unit values
  - Process: transforms inputs into outputs
  - Exchange: transfers between agents (purchases, sales, shipments)
  - Agent: a person or organisation; context agents scope value equations

DESIGN PRINCIPLES:
  1. Precision: every quantity and value is a decimal.Decimal
  2. Type Safety: distinct ID types for every entity
  3. Read-mostly: the engine treats entities as values, never as shared state

SEE ALSO:
  - kind.go: EventKind enum
  - graph.go: FlowGraph read/write interfaces and derived queries
  - errors.go: error kinds shared by the engine packages
*/
package rea

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgentID string
type ResourceID string
type ResourceTypeID string
type ProcessID string
type ProcessTypeID string
type ExchangeID string
type EventID string
type OrderID string

// =============================================================================
// ENTITIES
// =============================================================================

// Agent is a person or organisation. Parent links an agent to the context
// it belongs to, which decides value equation compatibility.
type Agent struct {
	ID        AgentID `json:"id"`
	Name      string  `json:"name"`
	IsContext bool    `json:"is_context"`
	Parent    AgentID `json:"parent,omitempty"`
}

// ResourceType describes a kind of resource and its default valuation.
type ResourceType struct {
	ID           ResourceTypeID  `json:"id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	UnitOfUse    string          `json:"unit_of_use,omitempty"`
	UseIsPercent bool            `json:"use_is_percent,omitempty"`
	ValuePerUnit decimal.Decimal `json:"value_per_unit"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	IsCurrency   bool            `json:"is_currency,omitempty"`
}

// Resource is an inventoried resource. ValuePerUnit is the cached result of
// the last rollup.
type Resource struct {
	ID                ResourceID      `json:"id"`
	ResourceType      ResourceTypeID  `json:"resource_type"`
	Quantity          decimal.Decimal `json:"quantity"`
	Stage             ProcessTypeID   `json:"stage,omitempty"`
	ExchangeStage     string          `json:"exchange_stage,omitempty"`
	ValuePerUnit      decimal.Decimal `json:"value_per_unit"`
	ValuePerUnitOfUse decimal.Decimal `json:"value_per_unit_of_use"`
	Owner             AgentID         `json:"owner,omitempty"`
	Role              string          `json:"role,omitempty"`
	IsVirtualAccount  bool            `json:"is_virtual_account,omitempty"`
}

type Process struct {
	ID           ProcessID     `json:"id"`
	Name         string        `json:"name"`
	ProcessType  ProcessTypeID `json:"process_type,omitempty"`
	ContextAgent AgentID       `json:"context_agent"`
	Order        OrderID       `json:"order,omitempty"`
	Start        time.Time     `json:"start"`
}

type Exchange struct {
	ID           ExchangeID `json:"id"`
	Name         string     `json:"name"`
	ContextAgent AgentID    `json:"context_agent"`
	Order        OrderID    `json:"order,omitempty"`
	IsIncoming   bool       `json:"is_incoming,omitempty"`
}

// Event is an immutable economic event.
//
// Stage is the process type of the commitment the event fulfilled; it sets
// the historical stage when a staged resource is traversed through it.
// A shipment (Give) with no resource names its producing process in Process.
type Event struct {
	ID             EventID         `json:"id"`
	Kind           EventKind       `json:"kind"`
	Date           time.Time       `json:"date"`
	From           AgentID         `json:"from,omitempty"`
	To             AgentID         `json:"to,omitempty"`
	ContextAgent   AgentID         `json:"context_agent,omitempty"`
	Resource       ResourceID      `json:"resource,omitempty"`
	ResourceType   ResourceTypeID  `json:"resource_type,omitempty"`
	Process        ProcessID       `json:"process,omitempty"`
	Exchange       ExchangeID      `json:"exchange,omitempty"`
	Distribution   string          `json:"distribution,omitempty"`
	Stage          ProcessTypeID   `json:"stage,omitempty"`
	ExchangeStage  string          `json:"exchange_stage,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Value          decimal.Decimal `json:"value"`
	Price          decimal.Decimal `json:"price"`
	Unit           string          `json:"unit,omitempty"`
	UnitOfValue    string          `json:"unit_of_value,omitempty"`
	IsContribution bool            `json:"is_contribution,omitempty"`
	Description    string          `json:"description,omitempty"`
}

// AgentResourceType is an agent's own rate for a kind of work.
type AgentResourceType struct {
	Agent        AgentID         `json:"agent"`
	ResourceType ResourceTypeID  `json:"resource_type"`
	Kind         EventKind       `json:"kind"`
	ValuePerUnit decimal.Decimal `json:"value_per_unit"`
}

// OrderItem is a line of a customer order. Resource is the resource that
// fulfilled it, when one was inventoried; otherwise Process produced it.
type OrderItem struct {
	ID       string          `json:"id"`
	Order    OrderID         `json:"order"`
	Resource ResourceID      `json:"resource,omitempty"`
	Process  ProcessID       `json:"process,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DateRange is an inclusive range; zero bounds are open.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// Round2 rounds to two decimal places, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FirstNonZero returns the first non-zero argument, or zero.
func FirstNonZero(values ...decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return decimal.Zero
}
