/*
Package ledger records what the engine owns: claims, claim events,
distributions and stored value equations.

PURPOSE:
  A Claim is an agent's entitlement, raised against a context agent, for
  a contribution. Claim events are its append-only history: one "+" when the
  claim is created from the contributing event, one "-" per settlement by a
  distribution. The claim's running value is always explainable by replaying
  its events under its rule type.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: claim events are never updated or deleted
  2. Debt-like claim values never go negative
  3. Replay(claim events) == claim value
  4. A distribution and everything it touches is persisted atomically

SEE ALSO:
  - store.go: persistence interfaces
  - replay.go: settlement and reconciliation
  - distribution/: creates and settles claims
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// CLAIMS
// =============================================================================

// Effect is the direction of a claim event.
type Effect string

const (
	EffectCreate Effect = "+"
	EffectSettle Effect = "-"
)

type Claim struct {
	ID               string                 `json:"id"`
	Rule             string                 `json:"rule"`
	RuleType         equation.ClaimRuleType `json:"rule_type"`
	Date             time.Time              `json:"date"`
	HasAgent         rea.AgentID            `json:"has_agent"`
	AgainstAgent     rea.AgentID            `json:"against_agent"`
	ContextAgent     rea.AgentID            `json:"context_agent"`
	UnitOfValue      string                 `json:"unit_of_value,omitempty"`
	Value            decimal.Decimal        `json:"value"`
	OriginalValue    decimal.Decimal        `json:"original_value"`
	CreationEquation string                 `json:"creation_equation,omitempty"`
	CreatingEvent    rea.EventID            `json:"creating_event"`
}

type ClaimEvent struct {
	ID          string          `json:"id"`
	Claim       string          `json:"claim"`
	Event       rea.EventID     `json:"event"`
	Date        time.Time       `json:"date"`
	Value       decimal.Decimal `json:"value"`
	UnitOfValue string          `json:"unit_of_value,omitempty"`
	Effect      Effect          `json:"effect"`
}

// =============================================================================
// DISTRIBUTIONS
// =============================================================================

// Distribution is the audit record of one saved value equation run.
// EquationSnapshot and Filters are JSON captured at run time.
type Distribution struct {
	ID                string          `json:"id"`
	Date              time.Time       `json:"date"`
	ContextAgent      rea.AgentID     `json:"context_agent"`
	ValueEquation     string          `json:"value_equation"`
	EquationSnapshot  string          `json:"equation_snapshot"`
	Filters           string          `json:"filters"`
	MoneyResource     rea.ResourceID  `json:"money_resource"`
	Amount            decimal.Decimal `json:"amount"`
	DisbursementEvent rea.EventID     `json:"disbursement_event"`
	Events            []rea.EventID   `json:"events"`
	IncomeEvents      []rea.EventID   `json:"income_events,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// =============================================================================
// STORED VALUE EQUATIONS
// =============================================================================

// ValueEquationRecord is a value equation stored as its JSON config.
type ValueEquationRecord struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	ContextAgent rea.AgentID `json:"context_agent"`
	ConfigJSON   string      `json:"config"`
	Live         bool        `json:"live"`
	Version      int         `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
