/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Engine results
  (valuation.Result, distribution.Plan, ledger.Claim) already carry JSON
  tags and are returned as they are; the types here wrap them or describe
  request bodies.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Valuation:
    SharesDTO

  Value equations:
    EquationDTO, ValidateExpressionRequest, ValidateExpressionResponse,
    RuleMatchesDTO

  Distributions:
    DistributionRequest, DistributionResponse

  Claims:
    AgentClaimsDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request bodies carry validator tags and are checked in decodeRequest.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/equation.go: EquationJSON type
*/
package api

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/distribution"
	"github.com/warp/value-engine/factory"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/valuation"
)

// =============================================================================
// VALUATION
// =============================================================================

// SharesDTO lists the contributions behind a quantity of a resource.
type SharesDTO struct {
	Resource string            `json:"resource"`
	Quantity decimal.Decimal   `json:"quantity"`
	Total    decimal.Decimal   `json:"total"`
	Shares   []valuation.Share `json:"shares"`
}

// =============================================================================
// VALUE EQUATIONS
// =============================================================================

// EquationDTO represents a stored value equation in API responses.
type EquationDTO struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	ContextAgent string               `json:"context_agent"`
	Live         bool                 `json:"live"`
	Config       factory.EquationJSON `json:"config"`
	Version      int                  `json:"version"`
	CreatedAt    string               `json:"created_at,omitempty"`
	UpdatedAt    string               `json:"updated_at,omitempty"`
}

// ValidateExpressionRequest checks one claim creation equation.
type ValidateExpressionRequest struct {
	Expression string `json:"expression" validate:"required"`
}

// ValidateExpressionResponse reports whether an expression compiles.
// Sample is its value with every variable bound to 1.
type ValidateExpressionResponse struct {
	Valid     bool     `json:"valid"`
	Variables []string `json:"variables,omitempty"`
	Sample    string   `json:"sample,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RuleMatchesDTO lists the events a bucket rule would value.
type RuleMatchesDTO struct {
	Rule   string      `json:"rule"`
	Events []rea.Event `json:"events"`
}

// =============================================================================
// DISTRIBUTIONS
// =============================================================================

// DistributionRequest runs a value equation over an amount of money.
// Filters maps bucket ID to that bucket's filter payload.
type DistributionRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	MoneyResource string          `json:"money_resource"`
	Date          string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Filters       json.RawMessage `json:"filters,omitempty"`
	IncomeEvents  []string        `json:"income_events,omitempty" validate:"omitempty,dive,required"`
}

// DistributionResponse carries the computed plan and, once saved, the
// distribution record.
type DistributionResponse struct {
	Distribution *ledger.Distribution `json:"distribution,omitempty"`
	Plan         *distribution.Plan   `json:"plan"`
}

// =============================================================================
// CLAIMS
// =============================================================================

// AgentClaimsDTO lists an agent's claims and their outstanding total.
type AgentClaimsDTO struct {
	Agent       string          `json:"agent"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Claims      []ledger.Claim  `json:"claims"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
