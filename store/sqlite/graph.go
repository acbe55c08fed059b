package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// FLOW GRAPH (rea.FlowGraph interface)
// =============================================================================

func (r repo) Agent(ctx context.Context, id rea.AgentID) (rea.Agent, error) {
	var (
		a      rea.Agent
		parent sql.NullString
	)
	err := r.q.QueryRowContext(ctx,
		"SELECT id, name, is_context, parent_id FROM agents WHERE id = ?", id,
	).Scan(&a.ID, &a.Name, &a.IsContext, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return a, rea.NotFound("agent", id)
	}
	if err != nil {
		return a, fmt.Errorf("failed to load agent: %w", err)
	}
	a.Parent = rea.AgentID(parent.String)
	return a, nil
}

func (r repo) ResourceType(ctx context.Context, id rea.ResourceTypeID) (rea.ResourceType, error) {
	var (
		rt       rea.ResourceType
		vpu, ppu string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, unit, unit_of_use, use_is_percent, value_per_unit, price_per_unit, is_currency
		FROM resource_types WHERE id = ?`, id,
	).Scan(&rt.ID, &rt.Name, &rt.Unit, &rt.UnitOfUse, &rt.UseIsPercent, &vpu, &ppu, &rt.IsCurrency)
	if errors.Is(err, sql.ErrNoRows) {
		return rt, rea.NotFound("resource type", id)
	}
	if err != nil {
		return rt, fmt.Errorf("failed to load resource type: %w", err)
	}
	rt.ValuePerUnit = parseDecimal(vpu)
	rt.PricePerUnit = parseDecimal(ppu)
	return rt, nil
}

const resourceColumns = `id, resource_type, quantity, stage, exchange_stage, value_per_unit,
	value_per_unit_of_use, owner_id, role, is_virtual_account`

func scanResource(row interface{ Scan(...any) error }) (rea.Resource, error) {
	var (
		res                        rea.Resource
		qty, vpu, vpuu             string
		stage, xstage, owner, role sql.NullString
	)
	err := row.Scan(&res.ID, &res.ResourceType, &qty, &stage, &xstage, &vpu, &vpuu, &owner, &role, &res.IsVirtualAccount)
	if err != nil {
		return res, err
	}
	res.Quantity = parseDecimal(qty)
	res.ValuePerUnit = parseDecimal(vpu)
	res.ValuePerUnitOfUse = parseDecimal(vpuu)
	res.Stage = rea.ProcessTypeID(stage.String)
	res.ExchangeStage = xstage.String
	res.Owner = rea.AgentID(owner.String)
	res.Role = role.String
	return res, nil
}

func (r repo) Resource(ctx context.Context, id rea.ResourceID) (rea.Resource, error) {
	res, err := scanResource(r.q.QueryRowContext(ctx,
		"SELECT "+resourceColumns+" FROM resources WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return res, rea.NotFound("resource", id)
	}
	if err != nil {
		return res, fmt.Errorf("failed to load resource: %w", err)
	}
	return res, nil
}

func (r repo) Process(ctx context.Context, id rea.ProcessID) (rea.Process, error) {
	var (
		p                   rea.Process
		ptype, agent, order sql.NullString
		start               string
	)
	err := r.q.QueryRowContext(ctx,
		"SELECT id, name, process_type, context_agent, order_id, start FROM processes WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &ptype, &agent, &order, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return p, rea.NotFound("process", id)
	}
	if err != nil {
		return p, fmt.Errorf("failed to load process: %w", err)
	}
	p.ProcessType = rea.ProcessTypeID(ptype.String)
	p.ContextAgent = rea.AgentID(agent.String)
	p.Order = rea.OrderID(order.String)
	p.Start = parseTime(start)
	return p, nil
}

const exchangeColumns = "id, name, context_agent, order_id, is_incoming"

func scanExchange(row interface{ Scan(...any) error }) (rea.Exchange, error) {
	var (
		x            rea.Exchange
		agent, order sql.NullString
	)
	if err := row.Scan(&x.ID, &x.Name, &agent, &order, &x.IsIncoming); err != nil {
		return x, err
	}
	x.ContextAgent = rea.AgentID(agent.String)
	x.Order = rea.OrderID(order.String)
	return x, nil
}

func (r repo) Exchange(ctx context.Context, id rea.ExchangeID) (rea.Exchange, error) {
	x, err := scanExchange(r.q.QueryRowContext(ctx,
		"SELECT "+exchangeColumns+" FROM exchanges WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return x, rea.NotFound("exchange", id)
	}
	if err != nil {
		return x, fmt.Errorf("failed to load exchange: %w", err)
	}
	return x, nil
}

const eventColumns = `id, kind, date, from_agent, to_agent, context_agent, resource_id, resource_type,
	process_id, exchange_id, distribution_id, stage, exchange_stage, quantity, value, price,
	unit, unit_of_value, is_contribution, description`

func scanEvent(row interface{ Scan(...any) error }) (rea.Event, error) {
	var (
		e                               rea.Event
		kind, date, qty, value, price   string
		from, to, agent, resource, rtyp sql.NullString
		process, exchange, dist, stage  sql.NullString
		xstage, unit, unitOfValue, desc sql.NullString
	)
	err := row.Scan(&e.ID, &kind, &date, &from, &to, &agent, &resource, &rtyp,
		&process, &exchange, &dist, &stage, &xstage, &qty, &value, &price,
		&unit, &unitOfValue, &e.IsContribution, &desc)
	if err != nil {
		return e, err
	}
	if e.Kind, err = rea.ParseEventKind(kind); err != nil {
		return e, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Date = parseTime(date)
	e.From = rea.AgentID(from.String)
	e.To = rea.AgentID(to.String)
	e.ContextAgent = rea.AgentID(agent.String)
	e.Resource = rea.ResourceID(resource.String)
	e.ResourceType = rea.ResourceTypeID(rtyp.String)
	e.Process = rea.ProcessID(process.String)
	e.Exchange = rea.ExchangeID(exchange.String)
	e.Distribution = dist.String
	e.Stage = rea.ProcessTypeID(stage.String)
	e.ExchangeStage = xstage.String
	e.Quantity = parseDecimal(qty)
	e.Value = parseDecimal(value)
	e.Price = parseDecimal(price)
	e.Unit = unit.String
	e.UnitOfValue = unitOfValue.String
	e.Description = desc.String
	return e, nil
}

func (r repo) Event(ctx context.Context, id rea.EventID) (rea.Event, error) {
	e, err := scanEvent(r.q.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, rea.NotFound("event", id)
	}
	if err != nil {
		return e, fmt.Errorf("failed to load event: %w", err)
	}
	return e, nil
}

func (r repo) queryEvents(ctx context.Context, where string, args ...any) ([]rea.Event, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE "+where+" ORDER BY date ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []rea.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r repo) ResourceEvents(ctx context.Context, id rea.ResourceID) ([]rea.Event, error) {
	return r.queryEvents(ctx, "resource_id = ?", id)
}

func (r repo) ProcessEvents(ctx context.Context, id rea.ProcessID) ([]rea.Event, error) {
	return r.queryEvents(ctx, "process_id = ?", id)
}

func (r repo) ExchangeEvents(ctx context.Context, id rea.ExchangeID) ([]rea.Event, error) {
	return r.queryEvents(ctx, "exchange_id = ?", id)
}

func (r repo) ContextEvents(ctx context.Context, agent rea.AgentID, dates rea.DateRange) ([]rea.Event, error) {
	where := "context_agent = ?"
	args := []any{agent}
	if !dates.Start.IsZero() {
		where += " AND date >= ?"
		args = append(args, formatTime(dates.Start))
	}
	if !dates.End.IsZero() {
		where += " AND date <= ?"
		args = append(args, formatTime(dates.End))
	}
	return r.queryEvents(ctx, where, args...)
}

func (r repo) AgentResources(ctx context.Context, agent rea.AgentID) ([]rea.Resource, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+resourceColumns+" FROM resources WHERE owner_id = ? ORDER BY id", agent)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var out []rea.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r repo) AgentRate(ctx context.Context, agent rea.AgentID, rt rea.ResourceTypeID, kind rea.EventKind) (rea.AgentResourceType, bool, error) {
	var vpu string
	err := r.q.QueryRowContext(ctx,
		"SELECT value_per_unit FROM agent_rates WHERE agent_id = ? AND resource_type = ? AND kind = ?",
		agent, rt, kind.String(),
	).Scan(&vpu)
	if errors.Is(err, sql.ErrNoRows) {
		return rea.AgentResourceType{}, false, nil
	}
	if err != nil {
		return rea.AgentResourceType{}, false, fmt.Errorf("failed to load agent rate: %w", err)
	}
	return rea.AgentResourceType{Agent: agent, ResourceType: rt, Kind: kind, ValuePerUnit: parseDecimal(vpu)}, true, nil
}

func (r repo) OrderItems(ctx context.Context, order rea.OrderID) ([]rea.OrderItem, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT id, order_id, resource_id, process_id, quantity FROM order_items WHERE order_id = ? ORDER BY id", order)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var out []rea.OrderItem
	for rows.Next() {
		var (
			oi                rea.OrderItem
			resource, process sql.NullString
			qty               string
		)
		if err := rows.Scan(&oi.ID, &oi.Order, &resource, &process, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		oi.Resource = rea.ResourceID(resource.String)
		oi.Process = rea.ProcessID(process.String)
		oi.Quantity = parseDecimal(qty)
		out = append(out, oi)
	}
	return out, rows.Err()
}

func (r repo) OrderExchanges(ctx context.Context, order rea.OrderID) ([]rea.Exchange, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+exchangeColumns+" FROM exchanges WHERE order_id = ? ORDER BY id", order)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var out []rea.Exchange
	for rows.Next() {
		x, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// =============================================================================
// FLOW WRITER (rea.FlowWriter interface)
// =============================================================================

func (r repo) update(ctx context.Context, entity string, id any, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rea.NotFound(entity, id)
	}
	return nil
}

func (r repo) SetResourceValuePerUnit(ctx context.Context, id rea.ResourceID, vpu decimal.Decimal) error {
	return r.update(ctx, "resource", id,
		"UPDATE resources SET value_per_unit = ? WHERE id = ?", vpu.String(), id)
}

func (r repo) SetResourceQuantity(ctx context.Context, id rea.ResourceID, qty decimal.Decimal) error {
	return r.update(ctx, "resource", id,
		"UPDATE resources SET quantity = ? WHERE id = ?", qty.String(), id)
}

func (r repo) SetEventValue(ctx context.Context, id rea.EventID, value decimal.Decimal) error {
	return r.update(ctx, "event", id,
		"UPDATE events SET value = ? WHERE id = ?", value.String(), id)
}

func (r repo) AppendEvent(ctx context.Context, e rea.Event) error {
	err := r.insertEvent(ctx, "INSERT", e)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("event %s already exists", e.ID)
	}
	return err
}

func (r repo) CreateResource(ctx context.Context, res rea.Resource) error {
	err := r.insertResource(ctx, "INSERT", res)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("resource %s already exists", res.ID)
	}
	return err
}

func (r repo) insertEvent(ctx context.Context, verb string, e rea.Event) error {
	_, err := r.q.ExecContext(ctx, verb+` INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind.String(), formatTime(e.Date),
		nullString(e.From), nullString(e.To), nullString(e.ContextAgent),
		nullString(e.Resource), nullString(e.ResourceType), nullString(e.Process),
		nullString(e.Exchange), nullString(e.Distribution), nullString(e.Stage),
		nullString(e.ExchangeStage), e.Quantity.String(), e.Value.String(), e.Price.String(),
		nullString(e.Unit), nullString(e.UnitOfValue), e.IsContribution, nullString(e.Description),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (r repo) insertResource(ctx context.Context, verb string, res rea.Resource) error {
	_, err := r.q.ExecContext(ctx, verb+` INTO resources (`+resourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.ResourceType, res.Quantity.String(), nullString(res.Stage),
		nullString(res.ExchangeStage), res.ValuePerUnit.String(), res.ValuePerUnitOfUse.String(),
		nullString(res.Owner), nullString(res.Role), res.IsVirtualAccount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return nil
}

// =============================================================================
// LOADER (rea.Loader interface)
// =============================================================================

func (r repo) SaveAgent(ctx context.Context, a rea.Agent) error {
	_, err := r.q.ExecContext(ctx,
		"INSERT OR REPLACE INTO agents (id, name, is_context, parent_id) VALUES (?, ?, ?, ?)",
		a.ID, a.Name, a.IsContext, nullString(a.Parent))
	return err
}

func (r repo) SaveResourceType(ctx context.Context, rt rea.ResourceType) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO resource_types
		(id, name, unit, unit_of_use, use_is_percent, value_per_unit, price_per_unit, is_currency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.Name, rt.Unit, rt.UnitOfUse, rt.UseIsPercent,
		rt.ValuePerUnit.String(), rt.PricePerUnit.String(), rt.IsCurrency)
	return err
}

func (r repo) SaveResource(ctx context.Context, res rea.Resource) error {
	return r.insertResource(ctx, "INSERT OR REPLACE", res)
}

func (r repo) SaveProcess(ctx context.Context, p rea.Process) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO processes (id, name, process_type, context_agent, order_id, start)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullString(p.ProcessType), nullString(p.ContextAgent),
		nullString(p.Order), formatTime(p.Start))
	return err
}

func (r repo) SaveExchange(ctx context.Context, x rea.Exchange) error {
	_, err := r.q.ExecContext(ctx,
		"INSERT OR REPLACE INTO exchanges ("+exchangeColumns+") VALUES (?, ?, ?, ?, ?)",
		x.ID, x.Name, nullString(x.ContextAgent), nullString(x.Order), x.IsIncoming)
	return err
}

func (r repo) SaveEvent(ctx context.Context, e rea.Event) error {
	return r.insertEvent(ctx, "INSERT OR REPLACE", e)
}

func (r repo) SaveAgentRate(ctx context.Context, rate rea.AgentResourceType) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_rates (agent_id, resource_type, kind, value_per_unit)
		VALUES (?, ?, ?, ?)`,
		rate.Agent, rate.ResourceType, rate.Kind.String(), rate.ValuePerUnit.String())
	return err
}

func (r repo) SaveOrderItem(ctx context.Context, oi rea.OrderItem) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO order_items (id, order_id, resource_id, process_id, quantity)
		VALUES (?, ?, ?, ?, ?)`,
		oi.ID, oi.Order, nullString(oi.Resource), nullString(oi.Process), oi.Quantity.String())
	return err
}
