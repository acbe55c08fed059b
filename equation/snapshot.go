package equation

import (
	"encoding/json"
	"fmt"
)

type snapshotRule struct {
	EventType string     `json:"event_type"`
	Filter    FilterRule `json:"filter_rule"`
	RuleType  string     `json:"claim_rule_type"`
	Equation  string     `json:"claim creation equation"`
}

type snapshotBucket struct {
	Name       string                  `json:"name"`
	Sequence   int                     `json:"sequence"`
	Percentage string                  `json:"percentage"`
	Filter     any                     `json:"filter"`
	Rules      map[string]snapshotRule `json:"bucket_rules"`
}

// Snapshot renders the equation as run, together with each bucket's filter,
// for a distribution's audit record.
func (ve *ValueEquation) Snapshot(filters Filters) (string, error) {
	buckets := make(map[string]snapshotBucket, len(ve.Buckets))
	for _, b := range ve.Buckets {
		var filter any = map[string]any{}
		if f, ok := filters[b.ID]; ok {
			filter = f
		}
		rules := make(map[string]snapshotRule, len(b.Rules))
		for _, r := range b.Rules {
			rules[r.ID] = snapshotRule{
				EventType: r.Kind.String(),
				Filter:    r.Filter,
				RuleType:  string(r.ClaimRuleType),
				Equation:  r.Equation,
			}
		}
		buckets[b.ID] = snapshotBucket{
			Name:       b.Name,
			Sequence:   b.Sequence,
			Percentage: b.Percentage.String(),
			Filter:     filter,
			Rules:      rules,
		}
	}
	content := map[string]any{
		"id":                  ve.ID,
		"name":                ve.Name,
		"context_agent":       ve.ContextAgent,
		"percentage_behavior": ve.PercentageBehavior,
		"buckets":             buckets,
	}
	data, err := json.MarshalIndent(content, "", "    ")
	if err != nil {
		return "", fmt.Errorf("snapshot value equation %s: %w", ve.ID, err)
	}
	return string(data), nil
}
