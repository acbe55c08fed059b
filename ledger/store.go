/*
store.go - Persistence interfaces for the engine's ledger

KEY INTERFACES:
  ClaimStore:        claims and their append-only claim events
  DistributionStore: distribution audit records
  EquationStore:     value equation configs
  Store:             all of the above plus the flow graph it values
  TxStore:           Store with all-or-nothing transactions

APPEND-ONLY CONTRACT:
  Claim events have no update or delete. A claim's stored value is a cache
  of its replayed events and is rewritten together with each new event.

IMPLEMENTATIONS:
  - store/memory: in-memory, snapshot/rollback transactions
  - store/sqlite: SQLite
*/
package ledger

import (
	"context"

	"github.com/warp/value-engine/rea"
)

type ClaimStore interface {
	// CreatedClaim returns the claim created from a contributing event, or
	// nil when the event has not been claimed yet.
	CreatedClaim(ctx context.Context, evt rea.EventID) (*Claim, error)

	Claim(ctx context.Context, id string) (Claim, error)

	// SaveClaim inserts a claim or updates its value.
	SaveClaim(ctx context.Context, c Claim) error

	// AppendClaimEvent is the only write for claim events.
	AppendClaimEvent(ctx context.Context, ce ClaimEvent) error

	// ClaimEvents returns a claim's events in the order they were appended.
	ClaimEvents(ctx context.Context, claimID string) ([]ClaimEvent, error)

	// ClaimsByAgent returns claims held by an agent.
	ClaimsByAgent(ctx context.Context, agent rea.AgentID) ([]Claim, error)
}

type DistributionStore interface {
	SaveDistribution(ctx context.Context, d Distribution) error
	Distribution(ctx context.Context, id string) (Distribution, error)
	DistributionsByEquation(ctx context.Context, equationID string) ([]Distribution, error)
}

type EquationStore interface {
	// SaveValueEquation inserts or replaces a config, bumping its version.
	SaveValueEquation(ctx context.Context, rec ValueEquationRecord) error
	ValueEquation(ctx context.Context, id string) (ValueEquationRecord, error)
	ListValueEquations(ctx context.Context) ([]ValueEquationRecord, error)

	// DeleteValueEquation fails with ErrEquationInUse when the equation is
	// live or any distribution references it.
	DeleteValueEquation(ctx context.Context, id string) error
}

// Store is everything one distribution run reads and writes.
type Store interface {
	rea.FlowGraph
	rea.FlowWriter
	rea.Loader
	ClaimStore
	DistributionStore
	EquationStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
