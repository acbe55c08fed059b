/*
Package factory provides JSON to Go value equation conversion.

PURPOSE:
  Converts JSON value equation definitions into compiled
  equation.ValueEquation objects, and back. Value equations are authored as
  JSON (API, CLI, database rows) and every rule's claim creation equation is
  compiled on the way in, so an invalid rule never reaches a distribution.

JSON SCHEMA:
  {
    "id": "ve-org",
    "name": "Org income",
    "context_agent": "org",
    "percentage_behavior": "straight",
    "live": true,
    "buckets": [
      {"id": "b1", "name": "Org", "sequence": 1, "percentage": 30,
       "distribution_agent": "org"},
      {"id": "b2", "name": "Contributors", "sequence": 2, "percentage": 70,
       "filter_method": "dates",
       "bucket_rules": [
         {"id": "r1", "event_type": "work", "claim_rule_type": "debt-like",
          "claim_creation_equation": "quantity * valuePerUnit",
          "filter_rule": {"process_types": ["build"]}}
       ]}
    ]
  }

DEFAULTS:
  - percentage_behavior: straight
  - missing bucket and rule IDs: b<n> and <bucket>-r<n>
  - missing sequence: position in the list

USAGE:
  factory := NewEquationFactory()
  ve, err := factory.ParseValueEquation(jsonString)

SEE ALSO:
  - equation/equation.go: ValueEquation type definition
  - api/scenarios.go: preset equations for the demo ledgers
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// EquationJSON is the JSON representation of a value equation.
type EquationJSON struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	ContextAgent       string       `json:"context_agent"`
	PercentageBehavior string       `json:"percentage_behavior,omitempty"`
	Live               bool         `json:"live,omitempty"`
	Buckets            []BucketJSON `json:"buckets"`
}

// BucketJSON represents one bucket.
type BucketJSON struct {
	ID                string          `json:"id,omitempty"`
	Name              string          `json:"name"`
	Sequence          *int            `json:"sequence,omitempty"`
	Percentage        decimal.Decimal `json:"percentage"`
	FilterMethod      string          `json:"filter_method,omitempty"` // dates, order, shipment, process
	DistributionAgent string          `json:"distribution_agent,omitempty"`
	Rules             []RuleJSON      `json:"bucket_rules,omitempty"`
}

// RuleJSON represents one bucket rule.
type RuleJSON struct {
	ID            string               `json:"id,omitempty"`
	EventType     string               `json:"event_type"`
	ClaimRuleType string               `json:"claim_rule_type"` // debt-like, equity-like, once
	Equation      string               `json:"claim_creation_equation"`
	Filter        *equation.FilterRule `json:"filter_rule,omitempty"`
}

// =============================================================================
// EQUATION FACTORY
// =============================================================================

// EquationFactory converts JSON value equations to compiled Go structs.
type EquationFactory struct{}

// NewEquationFactory creates a new equation factory.
func NewEquationFactory() *EquationFactory {
	return &EquationFactory{}
}

// ParseValueEquation parses and compiles a JSON value equation.
func (f *EquationFactory) ParseValueEquation(jsonStr string) (*equation.ValueEquation, error) {
	var ej EquationJSON
	if err := json.Unmarshal([]byte(jsonStr), &ej); err != nil {
		return nil, fmt.Errorf("%w: failed to parse value equation JSON: %v", equation.ErrInvalidEquation, err)
	}
	return f.FromJSON(ej)
}

// FromJSON converts EquationJSON to a compiled equation.ValueEquation.
func (f *EquationFactory) FromJSON(ej EquationJSON) (*equation.ValueEquation, error) {
	ve := &equation.ValueEquation{
		ID:                 ej.ID,
		Name:               ej.Name,
		ContextAgent:       rea.AgentID(ej.ContextAgent),
		PercentageBehavior: parsePercentageBehavior(ej.PercentageBehavior),
		Live:               ej.Live,
	}

	for i, bj := range ej.Buckets {
		b := &equation.Bucket{
			ID:                bj.ID,
			Name:              bj.Name,
			Sequence:          i + 1,
			Percentage:        bj.Percentage,
			FilterMethod:      equation.FilterMethod(bj.FilterMethod),
			DistributionAgent: rea.AgentID(bj.DistributionAgent),
		}
		if b.ID == "" {
			b.ID = fmt.Sprintf("b%d", i+1)
		}
		if bj.Sequence != nil {
			b.Sequence = *bj.Sequence
		}

		for j, rj := range bj.Rules {
			rule, err := parseRule(rj, b.ID, j)
			if err != nil {
				return nil, err
			}
			b.Rules = append(b.Rules, rule)
		}
		ve.Buckets = append(ve.Buckets, b)
	}

	if err := ve.Compile(); err != nil {
		return nil, err
	}
	return ve, nil
}

// ToJSON converts a ValueEquation to EquationJSON.
func (f *EquationFactory) ToJSON(ve *equation.ValueEquation) EquationJSON {
	ej := EquationJSON{
		ID:                 ve.ID,
		Name:               ve.Name,
		ContextAgent:       string(ve.ContextAgent),
		PercentageBehavior: string(ve.PercentageBehavior),
		Live:               ve.Live,
	}
	for _, b := range ve.Buckets {
		seq := b.Sequence
		bj := BucketJSON{
			ID:                b.ID,
			Name:              b.Name,
			Sequence:          &seq,
			Percentage:        b.Percentage,
			FilterMethod:      string(b.FilterMethod),
			DistributionAgent: string(b.DistributionAgent),
		}
		for _, r := range b.Rules {
			rj := RuleJSON{
				ID:            r.ID,
				EventType:     r.Kind.String(),
				ClaimRuleType: string(r.ClaimRuleType),
				Equation:      r.Equation,
			}
			if !r.Filter.IsEmpty() {
				filter := r.Filter
				rj.Filter = &filter
			}
			bj.Rules = append(bj.Rules, rj)
		}
		ej.Buckets = append(ej.Buckets, bj)
	}
	return ej
}

// ToRecord renders a value equation as a storable record.
func (f *EquationFactory) ToRecord(ve *equation.ValueEquation) (ledger.ValueEquationRecord, error) {
	data, err := json.Marshal(f.ToJSON(ve))
	if err != nil {
		return ledger.ValueEquationRecord{}, fmt.Errorf("encode value equation %s: %w", ve.ID, err)
	}
	return ledger.ValueEquationRecord{
		ID:           ve.ID,
		Name:         ve.Name,
		ContextAgent: ve.ContextAgent,
		ConfigJSON:   string(data),
		Live:         ve.Live,
	}, nil
}

// FromRecord compiles a stored value equation.
func (f *EquationFactory) FromRecord(rec ledger.ValueEquationRecord) (*equation.ValueEquation, error) {
	ve, err := f.ParseValueEquation(rec.ConfigJSON)
	if err != nil {
		return nil, fmt.Errorf("value equation %s: %w", rec.ID, err)
	}
	ve.Live = rec.Live
	return ve, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// parsePercentageBehavior defaults to straight. Unknown values are left for
// Compile to reject.
func parsePercentageBehavior(s string) equation.PercentageBehavior {
	if s == "" {
		return equation.Straight
	}
	return equation.PercentageBehavior(s)
}

func parseRule(rj RuleJSON, bucketID string, index int) (*equation.BucketRule, error) {
	rule := &equation.BucketRule{
		ID:            rj.ID,
		ClaimRuleType: equation.ClaimRuleType(rj.ClaimRuleType),
		Equation:      rj.Equation,
	}
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("%s-r%d", bucketID, index+1)
	}
	kind, err := rea.ParseEventKind(rj.EventType)
	if err != nil {
		return nil, &equation.ConfigError{Where: "rule " + rule.ID, Reason: "unknown event type", Err: err}
	}
	rule.Kind = kind
	if rj.Filter != nil {
		rule.Filter = *rj.Filter
	}
	return rule, nil
}
