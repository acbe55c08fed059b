package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// CLAIM STORE
// =============================================================================

const claimColumns = `id, rule_id, rule_type, date, has_agent, against_agent, context_agent,
	unit_of_value, value, original_value, creation_equation, creating_event`

func scanClaim(row interface{ Scan(...any) error }) (ledger.Claim, error) {
	var (
		c                           ledger.Claim
		ruleType, date, value, orig string
		against, agent, unit, eq    sql.NullString
	)
	err := row.Scan(&c.ID, &c.Rule, &ruleType, &date, &c.HasAgent, &against, &agent,
		&unit, &value, &orig, &eq, &c.CreatingEvent)
	if err != nil {
		return c, err
	}
	c.RuleType = equation.ClaimRuleType(ruleType)
	c.Date = parseTime(date)
	c.AgainstAgent = rea.AgentID(against.String)
	c.ContextAgent = rea.AgentID(agent.String)
	c.UnitOfValue = unit.String
	c.Value = parseDecimal(value)
	c.OriginalValue = parseDecimal(orig)
	c.CreationEquation = eq.String
	return c, nil
}

func (r repo) CreatedClaim(ctx context.Context, evt rea.EventID) (*ledger.Claim, error) {
	c, err := scanClaim(r.q.QueryRowContext(ctx,
		"SELECT "+claimColumns+" FROM claims WHERE creating_event = ?", evt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load claim: %w", err)
	}
	return &c, nil
}

func (r repo) Claim(ctx context.Context, id string) (ledger.Claim, error) {
	c, err := scanClaim(r.q.QueryRowContext(ctx,
		"SELECT "+claimColumns+" FROM claims WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, rea.NotFound("claim", id)
	}
	if err != nil {
		return c, fmt.Errorf("failed to load claim: %w", err)
	}
	return c, nil
}

// SaveClaim inserts a claim or updates its running value.
func (r repo) SaveClaim(ctx context.Context, c ledger.Claim) error {
	query := `
		INSERT INTO claims (` + claimColumns + `, created_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(created_seq), 0) + 1 FROM claims))
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			unit_of_value = excluded.unit_of_value
	`
	_, err := r.q.ExecContext(ctx, query,
		c.ID, c.Rule, string(c.RuleType), formatTime(c.Date), c.HasAgent,
		nullString(c.AgainstAgent), nullString(c.ContextAgent), nullString(c.UnitOfValue),
		c.Value.String(), c.OriginalValue.String(), nullString(c.CreationEquation), c.CreatingEvent,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("event %s already has a claim", c.CreatingEvent)
		}
		return fmt.Errorf("failed to save claim: %w", err)
	}
	return nil
}

// AppendClaimEvent adds a claim event. There is no update or delete.
func (r repo) AppendClaimEvent(ctx context.Context, ce ledger.ClaimEvent) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO claim_events (id, claim_id, event_id, date, value, unit_of_value, effect)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ce.ID, ce.Claim, nullString(ce.Event), formatTime(ce.Date), ce.Value.String(),
		nullString(ce.UnitOfValue), string(ce.Effect),
	)
	if err != nil {
		return fmt.Errorf("failed to append claim event: %w", err)
	}
	return nil
}

func (r repo) ClaimEvents(ctx context.Context, claimID string) ([]ledger.ClaimEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, claim_id, event_id, date, value, unit_of_value, effect
		FROM claim_events WHERE claim_id = ? ORDER BY seq ASC`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim events: %w", err)
	}
	defer rows.Close()

	var out []ledger.ClaimEvent
	for rows.Next() {
		var (
			ce                  ledger.ClaimEvent
			event, unit         sql.NullString
			date, value, effect string
		)
		if err := rows.Scan(&ce.ID, &ce.Claim, &event, &date, &value, &unit, &effect); err != nil {
			return nil, fmt.Errorf("failed to scan claim event: %w", err)
		}
		ce.Event = rea.EventID(event.String)
		ce.Date = parseTime(date)
		ce.Value = parseDecimal(value)
		ce.UnitOfValue = unit.String
		ce.Effect = ledger.Effect(effect)
		out = append(out, ce)
	}
	return out, rows.Err()
}

func (r repo) ClaimsByAgent(ctx context.Context, agent rea.AgentID) ([]ledger.Claim, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+claimColumns+" FROM claims WHERE has_agent = ? ORDER BY created_seq ASC", agent)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var out []ledger.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// DISTRIBUTION STORE
// =============================================================================

const distributionColumns = `id, date, context_agent, value_equation, equation_snapshot, filters_json,
	money_resource, amount, disbursement_event, events_json, income_events_json, created_at`

func (r repo) SaveDistribution(ctx context.Context, d ledger.Distribution) error {
	eventsJSON, err := json.Marshal(d.Events)
	if err != nil {
		return err
	}
	incomeJSON, err := json.Marshal(d.IncomeEvents)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO distributions (`+distributionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, formatTime(d.Date), d.ContextAgent, d.ValueEquation, d.EquationSnapshot, d.Filters,
		d.MoneyResource, d.Amount.String(), d.DisbursementEvent, string(eventsJSON),
		string(incomeJSON), formatTime(d.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("distribution %s already exists", d.ID)
		}
		return fmt.Errorf("failed to save distribution: %w", err)
	}
	return nil
}

func scanDistribution(row interface{ Scan(...any) error }) (ledger.Distribution, error) {
	var (
		d                            ledger.Distribution
		date, amount, events, create string
		income                       sql.NullString
	)
	err := row.Scan(&d.ID, &date, &d.ContextAgent, &d.ValueEquation, &d.EquationSnapshot, &d.Filters,
		&d.MoneyResource, &amount, &d.DisbursementEvent, &events, &income, &create)
	if err != nil {
		return d, err
	}
	d.Date = parseTime(date)
	d.Amount = parseDecimal(amount)
	d.CreatedAt = parseTime(create)
	if err := json.Unmarshal([]byte(events), &d.Events); err != nil {
		return d, fmt.Errorf("distribution %s events: %w", d.ID, err)
	}
	if income.Valid && income.String != "" {
		if err := json.Unmarshal([]byte(income.String), &d.IncomeEvents); err != nil {
			return d, fmt.Errorf("distribution %s income events: %w", d.ID, err)
		}
	}
	return d, nil
}

func (r repo) Distribution(ctx context.Context, id string) (ledger.Distribution, error) {
	d, err := scanDistribution(r.q.QueryRowContext(ctx,
		"SELECT "+distributionColumns+" FROM distributions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, rea.NotFound("distribution", id)
	}
	if err != nil {
		return d, fmt.Errorf("failed to load distribution: %w", err)
	}
	return d, nil
}

func (r repo) DistributionsByEquation(ctx context.Context, equationID string) ([]ledger.Distribution, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+distributionColumns+" FROM distributions WHERE value_equation = ? ORDER BY created_at ASC",
		equationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// VALUE EQUATION STORE
// =============================================================================

// SaveValueEquation saves a value equation record, bumping its version.
func (r repo) SaveValueEquation(ctx context.Context, rec ledger.ValueEquationRecord) error {
	query := `
		INSERT INTO value_equations (id, name, context_agent, config_json, live, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			context_agent = excluded.context_agent,
			config_json = excluded.config_json,
			live = excluded.live,
			version = value_equations.version + 1,
			updated_at = excluded.updated_at
	`

	now := formatTime(time.Now())
	_, err := r.q.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.ContextAgent, rec.ConfigJSON, rec.Live, now, now,
	)
	return err
}

const equationColumns = "id, name, context_agent, config_json, live, version, created_at, updated_at"

func scanEquation(row interface{ Scan(...any) error }) (ledger.ValueEquationRecord, error) {
	var (
		rec                  ledger.ValueEquationRecord
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.ContextAgent, &rec.ConfigJSON, &rec.Live, &rec.Version,
		&createdAt, &updatedAt)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func (r repo) ValueEquation(ctx context.Context, id string) (ledger.ValueEquationRecord, error) {
	rec, err := scanEquation(r.q.QueryRowContext(ctx,
		"SELECT "+equationColumns+" FROM value_equations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, rea.NotFound("value equation", id)
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load value equation: %w", err)
	}
	return rec, nil
}

func (r repo) ListValueEquations(ctx context.Context) ([]ledger.ValueEquationRecord, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT "+equationColumns+" FROM value_equations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.ValueEquationRecord
	for rows.Next() {
		rec, err := scanEquation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteValueEquation removes a value equation that is neither live nor
// referenced by a distribution.
func (r repo) DeleteValueEquation(ctx context.Context, id string) error {
	rec, err := r.ValueEquation(ctx, id)
	if err != nil {
		return err
	}
	if rec.Live {
		return ledger.ErrEquationInUse
	}
	var n int
	err = r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM distributions WHERE value_equation = ?", id).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return ledger.ErrEquationInUse
	}
	_, err = r.q.ExecContext(ctx, "DELETE FROM value_equations WHERE id = ?", id)
	return err
}
