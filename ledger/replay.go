package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/rea"
)

var (
	// ErrClaimOutOfBalance is returned when replaying a claim's events does
	// not reproduce its stored value.
	ErrClaimOutOfBalance = errors.New("claim out of balance")

	// ErrEquationInUse is returned when deleting a live or referenced
	// value equation.
	ErrEquationInUse = errors.New("value equation in use")
)

// OutOfBalanceError reports a claim whose history disagrees with its value.
type OutOfBalanceError struct {
	Claim    string
	Stored   decimal.Decimal
	Replayed decimal.Decimal
}

func (e *OutOfBalanceError) Error() string {
	return fmt.Sprintf("claim %s: stored value %s, replayed %s", e.Claim, e.Stored, e.Replayed)
}

func (e *OutOfBalanceError) Unwrap() error {
	return ErrClaimOutOfBalance
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Settle applies one settlement of amount to a claim's running value.
//
//	debt-like:   value - amount, never below zero
//	once:        zero
//	equity-like: unchanged
func Settle(ruleType equation.ClaimRuleType, value, amount decimal.Decimal) decimal.Decimal {
	switch ruleType {
	case equation.DebtLike:
		v := value.Sub(amount)
		if v.IsNegative() {
			return decimal.Zero
		}
		return v
	case equation.Once:
		return decimal.Zero
	case equation.EquityLike:
		return value
	}
	return value
}

// Replay recomputes a claim's running value from its events: "+" events set
// or add to the value, "-" events settle it under the rule type.
func Replay(ruleType equation.ClaimRuleType, events []ClaimEvent) decimal.Decimal {
	value := decimal.Zero
	for _, ce := range events {
		switch ce.Effect {
		case EffectCreate:
			value = value.Add(ce.Value)
		case EffectSettle:
			value = Settle(ruleType, value, ce.Value)
		}
	}
	return value
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the claim ledger on top of a ClaimStore.
type Ledger struct {
	Store ClaimStore
}

func NewLedger(store ClaimStore) *Ledger {
	return &Ledger{Store: store}
}

// Open persists a new claim with its "+" event.
func (l *Ledger) Open(ctx context.Context, c Claim, create ClaimEvent) error {
	create.Claim = c.ID
	create.Effect = EffectCreate
	if err := l.Store.SaveClaim(ctx, c); err != nil {
		return fmt.Errorf("save claim %s: %w", c.ID, err)
	}
	return l.Store.AppendClaimEvent(ctx, create)
}

// Record appends a settlement event and stores the claim's new value.
func (l *Ledger) Record(ctx context.Context, c Claim, settle ClaimEvent) error {
	settle.Claim = c.ID
	settle.Effect = EffectSettle
	if err := l.Store.AppendClaimEvent(ctx, settle); err != nil {
		return fmt.Errorf("append claim event for %s: %w", c.ID, err)
	}
	return l.Store.SaveClaim(ctx, c)
}

// Verify replays a claim's events and compares with its stored value.
func (l *Ledger) Verify(ctx context.Context, claimID string) error {
	c, err := l.Store.Claim(ctx, claimID)
	if err != nil {
		return err
	}
	events, err := l.Store.ClaimEvents(ctx, claimID)
	if err != nil {
		return err
	}
	if replayed := Replay(c.RuleType, events); !replayed.Equal(c.Value) {
		return &OutOfBalanceError{Claim: claimID, Stored: c.Value, Replayed: replayed}
	}
	return nil
}

// Outstanding sums the values of an agent's claims.
func (l *Ledger) Outstanding(ctx context.Context, agent rea.AgentID) (decimal.Decimal, error) {
	claims, err := l.Store.ClaimsByAgent(ctx, agent)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, c := range claims {
		total = total.Add(c.Value)
	}
	return total, nil
}
