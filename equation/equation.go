/*
equation.go - Value equations, buckets and bucket rules

PURPOSE:
  A value equation is a context agent's policy for sharing out income. It
  splits a money pool into ordered buckets; each bucket either pays a fixed
  agent or selects contributions and turns them into claims with its rules.

KEY CONCEPTS:
  ValueEquation:  ordered buckets + percentage behaviour (straight|remaining)
  Bucket:         percentage of the pool, selection method, rules
  BucketRule:     event kind + filter + claim rule type + claim expression
  FilterRule:     optional process-type / resource-type restriction

RULE SELECTION (best fit):
  An event's rule is chosen among the rules for its kind that have an
  expression and whose filter matches. One candidate wins outright; among
  several, process+resource filters beat process filters, which beat
  resource filters, which beat unfiltered rules. Ties go to bucket order.

SEE ALSO:
  - expr.go: expression compiler
  - filter.go: bucket filter payloads
  - distribution/bucket.go: runs a bucket
*/
package equation

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// ENUMS
// =============================================================================

// ClaimRuleType decides how a claim is settled.
type ClaimRuleType string

const (
	// DebtLike claims are paid down by each settlement and never go negative.
	DebtLike ClaimRuleType = "debt-like"
	// EquityLike claims keep their value across settlements.
	EquityLike ClaimRuleType = "equity-like"
	// Once claims are zeroed by their first settlement.
	Once ClaimRuleType = "once"
)

func (t ClaimRuleType) Valid() bool {
	switch t {
	case DebtLike, EquityLike, Once:
		return true
	}
	return false
}

// PercentageBehavior decides what each bucket's percentage applies to.
type PercentageBehavior string

const (
	// Straight applies every percentage to the original amount.
	Straight PercentageBehavior = "straight"
	// Remaining applies each percentage to what earlier buckets left.
	Remaining PercentageBehavior = "remaining"
)

func (b PercentageBehavior) Valid() bool {
	return b == Straight || b == Remaining
}

// FilterMethod decides how a bucket gathers candidate events.
type FilterMethod string

const (
	MethodDates    FilterMethod = "dates"
	MethodOrder    FilterMethod = "order"
	MethodShipment FilterMethod = "shipment"
	MethodProcess  FilterMethod = "process"
)

func (m FilterMethod) Valid() bool {
	switch m {
	case MethodDates, MethodOrder, MethodShipment, MethodProcess:
		return true
	}
	return false
}

// =============================================================================
// FILTER RULE
// =============================================================================

// FilterRule restricts a bucket rule to process types and resource types.
// Empty lists match everything.
type FilterRule struct {
	ProcessTypes  []rea.ProcessTypeID  `json:"process_types,omitempty"`
	ResourceTypes []rea.ResourceTypeID `json:"resource_types,omitempty"`
}

func (f FilterRule) IsEmpty() bool {
	return len(f.ProcessTypes) == 0 && len(f.ResourceTypes) == 0
}

// Matches checks the event against the filter. processType is the type of
// the event's process, if it has one.
func (f FilterRule) Matches(evt rea.Event, processType rea.ProcessTypeID) bool {
	if len(f.ProcessTypes) > 0 {
		if evt.Process == "" || !slices.Contains(f.ProcessTypes, processType) {
			return false
		}
	}
	if len(f.ResourceTypes) > 0 {
		if !slices.Contains(f.ResourceTypes, evt.ResourceType) {
			return false
		}
	}
	return true
}

// fit scores how specific the filter is.
func (f FilterRule) fit() float64 {
	switch {
	case len(f.ProcessTypes) > 0 && len(f.ResourceTypes) > 0:
		return 2
	case len(f.ProcessTypes) > 0:
		return 1.5
	case len(f.ResourceTypes) > 0:
		return 1
	}
	return 0
}

// =============================================================================
// BUCKET RULE
// =============================================================================

type BucketRule struct {
	ID            string        `json:"id"`
	Kind          rea.EventKind `json:"event_type"`
	Filter        FilterRule    `json:"filter_rule"`
	ClaimRuleType ClaimRuleType `json:"claim_rule_type"`
	Equation      string        `json:"claim_creation_equation"`

	expr *Expr
}

// Compile compiles and validates the rule's expression. A rule with no
// expression is valid but never selected.
func (r *BucketRule) Compile() error {
	if !r.Kind.Valid() {
		return &ConfigError{Where: "rule " + r.ID, Reason: "missing or unknown event kind"}
	}
	if !r.ClaimRuleType.Valid() {
		return &ConfigError{Where: "rule " + r.ID, Reason: fmt.Sprintf("unknown claim rule type %q", r.ClaimRuleType)}
	}
	if r.Equation == "" {
		r.expr = nil
		return nil
	}
	e, err := Compile(r.Equation)
	if err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Where = "rule " + r.ID
		}
		return err
	}
	r.expr = e
	return nil
}

// HasEquation reports whether the rule can compute claim values.
func (r *BucketRule) HasEquation() bool {
	return r.Equation != ""
}

// Matches reports whether an event is in this rule's scope.
func (r *BucketRule) Matches(evt rea.Event, processType rea.ProcessTypeID) bool {
	return evt.Kind == r.Kind && r.Filter.Matches(evt, processType)
}

// ComputeClaimValue evaluates the rule's expression.
func (r *BucketRule) ComputeClaimValue(b Bindings) (decimal.Decimal, error) {
	if r.expr == nil {
		if err := r.Compile(); err != nil {
			return decimal.Zero, err
		}
		if r.expr == nil {
			return decimal.Zero, &ConfigError{Where: "rule " + r.ID, Reason: "no claim creation equation"}
		}
	}
	v, err := r.expr.Eval(b)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return v, nil
}

// =============================================================================
// BUCKET
// =============================================================================

type Bucket struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Sequence          int             `json:"sequence"`
	Percentage        decimal.Decimal `json:"percentage"`
	FilterMethod      FilterMethod    `json:"filter_method,omitempty"`
	DistributionAgent rea.AgentID     `json:"distribution_agent,omitempty"`
	Rules             []*BucketRule   `json:"bucket_rules"`
}

// IsFixed reports whether the bucket pays one agent directly.
func (b *Bucket) IsFixed() bool {
	return b.DistributionAgent != ""
}

// =============================================================================
// VALUE EQUATION
// =============================================================================

type ValueEquation struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	ContextAgent       rea.AgentID        `json:"context_agent"`
	PercentageBehavior PercentageBehavior `json:"percentage_behavior"`
	Live               bool               `json:"live"`
	Buckets            []*Bucket          `json:"buckets"`
}

// Compile validates the equation and compiles every rule, ordering buckets
// by sequence. It must be called before the equation is used.
func (ve *ValueEquation) Compile() error {
	if ve.ContextAgent == "" {
		return &ConfigError{Where: "value equation " + ve.ID, Reason: "context agent is required"}
	}
	if ve.PercentageBehavior == "" {
		ve.PercentageBehavior = Straight
	}
	if !ve.PercentageBehavior.Valid() {
		return &ConfigError{Where: "value equation " + ve.ID,
			Reason: fmt.Sprintf("unknown percentage behavior %q", ve.PercentageBehavior)}
	}

	hundred := decimal.NewFromInt(100)
	for _, b := range ve.Buckets {
		where := "bucket " + b.ID
		if b.Percentage.IsNegative() || b.Percentage.GreaterThan(hundred) {
			return &ConfigError{Where: where, Reason: "percentage must be between 0 and 100"}
		}
		if !b.IsFixed() {
			if !b.FilterMethod.Valid() {
				return &ConfigError{Where: where, Reason: fmt.Sprintf("unknown filter method %q", b.FilterMethod)}
			}
			if len(b.Rules) == 0 {
				return &ConfigError{Where: where, Reason: "needs a distribution agent or at least one rule"}
			}
		}
		for _, r := range b.Rules {
			if err := r.Compile(); err != nil {
				return err
			}
		}
	}

	sort.SliceStable(ve.Buckets, func(i, j int) bool {
		return ve.Buckets[i].Sequence < ve.Buckets[j].Sequence
	})
	return nil
}

// Bucket finds a bucket by ID.
func (ve *ValueEquation) Bucket(id string) *Bucket {
	for _, b := range ve.Buckets {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// RuleFor picks the best-fit rule for an event, or nil. A nil equation has
// no rules.
func (ve *ValueEquation) RuleFor(evt rea.Event, processType rea.ProcessTypeID) *BucketRule {
	if ve == nil {
		return nil
	}
	var best *BucketRule
	bestFit := -1.0
	for _, b := range ve.Buckets {
		for _, r := range b.Rules {
			if !r.HasEquation() || !r.Matches(evt, processType) {
				continue
			}
			if fit := r.Filter.fit(); fit > bestFit {
				best, bestFit = r, fit
			}
		}
	}
	return best
}

// ClaimValue evaluates the best-fit rule for an event. ok is false when no
// rule applies, in which case callers fall back to the event's own value.
func (ve *ValueEquation) ClaimValue(ctx context.Context, g rea.FlowGraph, evt rea.Event) (value decimal.Decimal, ok bool, err error) {
	if ve == nil {
		return decimal.Zero, false, nil
	}
	processType, err := ProcessTypeOf(ctx, g, evt)
	if err != nil {
		return decimal.Zero, false, err
	}
	rule := ve.RuleFor(evt, processType)
	if rule == nil {
		return decimal.Zero, false, nil
	}
	b, err := BindEvent(ctx, g, evt)
	if err != nil {
		return decimal.Zero, false, err
	}
	v, err := rule.ComputeClaimValue(b)
	if err != nil {
		return decimal.Zero, false, err
	}
	return v, true, nil
}

// ValueOr returns the event's rule value, or fallback when no rule applies.
func (ve *ValueEquation) ValueOr(ctx context.Context, g rea.FlowGraph, evt rea.Event, fallback decimal.Decimal) (decimal.Decimal, error) {
	v, ok, err := ve.ClaimValue(ctx, g, evt)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return v, nil
	}
	return fallback, nil
}

// ProcessTypeOf returns the process type of the event's process, if any.
func ProcessTypeOf(ctx context.Context, g rea.FlowGraph, evt rea.Event) (rea.ProcessTypeID, error) {
	if evt.Process == "" {
		return "", nil
	}
	p, err := g.Process(ctx, evt.Process)
	if err != nil {
		if rea.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return p.ProcessType, nil
}
