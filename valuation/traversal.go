/*
Package valuation rolls up resource values and attributes income shares.

PURPOSE:
  Two engines walk the flow graph backwards from a resource:

    Rollup:  what is one unit of this resource worth?
    Shares:  which events earned a slice of its value, and how much?

TRAVERSAL MODEL:
  Both engines use an explicit stack of frames instead of recursion. Each
  frame carries its own traversal context (node, depth, historical stage)
  as a value; shared ledger entities are never mutated to pass state.

  A traversal owns:
    - a visited set of processes (each process is walked once)
    - a visited set of exchange receipts
    - node and depth counters checked against Limits
    - the explanation Path, in visit order

  Exceeding a limit fails closed with *rea.TraversalError carrying the
  partial path, so corrupt or adversarial graphs cannot exhaust memory.

SEE ALSO:
  - rollup.go: Value Rollup Engine
  - exchange.go: exchange valuation and exchange shares
  - shares.go: Income Share Engine
*/
package valuation

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// LIMITS
// =============================================================================

// Limits bound a single traversal.
type Limits struct {
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
	MaxNodes int `json:"max_nodes" yaml:"max_nodes"`
}

func DefaultLimits() Limits {
	return Limits{MaxDepth: 256, MaxNodes: 100000}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxNodes <= 0 {
		l.MaxNodes = d.MaxNodes
	}
	return l
}

// =============================================================================
// PATH
// =============================================================================

type NodeKind string

const (
	NodeResource NodeKind = "resource"
	NodeProcess  NodeKind = "process"
	NodeExchange NodeKind = "exchange"
	NodeEvent    NodeKind = "event"
)

// Ref names a node of the flow graph.
type Ref struct {
	Kind NodeKind `json:"kind"`
	ID   string   `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

func resourceRef(id rea.ResourceID) Ref { return Ref{Kind: NodeResource, ID: string(id)} }
func processRef(id rea.ProcessID) Ref   { return Ref{Kind: NodeProcess, ID: string(id)} }
func exchangeRef(id rea.ExchangeID) Ref { return Ref{Kind: NodeExchange, ID: string(id)} }
func eventRef(id rea.EventID) Ref       { return Ref{Kind: NodeEvent, ID: string(id)} }

// Step is one entry of an explanation path. Value is the node's computed
// value: per unit for resources, total for events and processes.
type Step struct {
	Ref   Ref             `json:"ref"`
	Depth int             `json:"depth"`
	Kind  string          `json:"kind,omitempty"`
	Value decimal.Decimal `json:"value"`
}

// tracker counts nodes, records the path and enforces limits.
type tracker struct {
	limits Limits
	nodes  int
	path   []Step
}

func newTracker(limits Limits) *tracker {
	return &tracker{limits: limits.withDefaults()}
}

// visit records a node and returns its path index.
func (t *tracker) visit(ref Ref, depth int, kind string) (int, error) {
	t.nodes++
	t.path = append(t.path, Step{Ref: ref, Depth: depth, Kind: kind})
	if depth > t.limits.MaxDepth {
		return 0, t.fail("max depth", depth)
	}
	if t.nodes > t.limits.MaxNodes {
		return 0, t.fail("max nodes", depth)
	}
	return len(t.path) - 1, nil
}

func (t *tracker) setValue(idx int, v decimal.Decimal) {
	if idx >= 0 && idx < len(t.path) {
		t.path[idx].Value = v
	}
}

func (t *tracker) fail(reason string, depth int) error {
	refs := make([]string, len(t.path))
	for i, s := range t.path {
		refs[i] = s.Ref.String()
	}
	return &rea.TraversalError{Reason: reason, Depth: depth, Nodes: t.nodes, Path: refs}
}

// =============================================================================
// HELPERS
// =============================================================================

type sample struct {
	vpu decimal.Decimal
	qty decimal.Decimal
}

// weightedAverage returns the quantity-weighted mean of per-unit samples.
// A single sample is used directly.
func weightedAverage(samples []sample) decimal.Decimal {
	switch len(samples) {
	case 0:
		return decimal.Zero
	case 1:
		return samples[0].vpu
	}
	weighted, weights := decimal.Zero, decimal.Zero
	for _, s := range samples {
		weighted = weighted.Add(s.vpu.Mul(s.qty))
		weights = weights.Add(s.qty)
	}
	if weights.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(weights)
}

// perUnit divides value by qty, returning zero for a zero quantity.
func perUnit(value, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return value.Div(qty)
}
