// Package memory provides an in-memory ledger.TxStore for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu *sync.RWMutex
	st *state
	// inTx is set on the view handed to WithTx callbacks; the lock is
	// already held.
	inTx bool
}

type rateKey struct {
	agent rea.AgentID
	rt    rea.ResourceTypeID
	kind  rea.EventKind
}

type state struct {
	agents        map[rea.AgentID]rea.Agent
	resourceTypes map[rea.ResourceTypeID]rea.ResourceType
	resources     map[rea.ResourceID]rea.Resource
	processes     map[rea.ProcessID]rea.Process
	exchanges     map[rea.ExchangeID]rea.Exchange
	events        map[rea.EventID]rea.Event
	rates         map[rateKey]rea.AgentResourceType
	orderItems    []rea.OrderItem

	claims        map[string]ledger.Claim
	claimOrder    []string
	claimEvents   map[string][]ledger.ClaimEvent
	distributions map[string]ledger.Distribution
	equations     map[string]ledger.ValueEquationRecord
}

func newState() *state {
	return &state{
		agents:        make(map[rea.AgentID]rea.Agent),
		resourceTypes: make(map[rea.ResourceTypeID]rea.ResourceType),
		resources:     make(map[rea.ResourceID]rea.Resource),
		processes:     make(map[rea.ProcessID]rea.Process),
		exchanges:     make(map[rea.ExchangeID]rea.Exchange),
		events:        make(map[rea.EventID]rea.Event),
		rates:         make(map[rateKey]rea.AgentResourceType),
		claims:        make(map[string]ledger.Claim),
		claimEvents:   make(map[string][]ledger.ClaimEvent),
		distributions: make(map[string]ledger.Distribution),
		equations:     make(map[string]ledger.ValueEquationRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.resourceTypes {
		c.resourceTypes[k] = v
	}
	for k, v := range s.resources {
		c.resources[k] = v
	}
	for k, v := range s.processes {
		c.processes[k] = v
	}
	for k, v := range s.exchanges {
		c.exchanges[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.rates {
		c.rates[k] = v
	}
	c.orderItems = append(c.orderItems, s.orderItems...)
	for k, v := range s.claims {
		c.claims[k] = v
	}
	c.claimOrder = append(c.claimOrder, s.claimOrder...)
	for k, v := range s.claimEvents {
		c.claimEvents[k] = append([]ledger.ClaimEvent(nil), v...)
	}
	for k, v := range s.distributions {
		v.Events = append([]rea.EventID(nil), v.Events...)
		c.distributions[k] = v
	}
	for k, v := range s.equations {
		c.equations[k] = v
	}
	return c
}

func New() *Memory {
	return &Memory{mu: &sync.RWMutex{}, st: newState()}
}

func (m *Memory) rlock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx executes fn within a transaction.
// For the memory store this is a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &Memory{mu: m.mu, st: m.st, inTx: true}
	if err := fn(view); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// FLOW GRAPH
// =============================================================================

func (m *Memory) Agent(_ context.Context, id rea.AgentID) (rea.Agent, error) {
	defer m.rlock()()
	a, ok := m.st.agents[id]
	if !ok {
		return a, rea.NotFound("agent", id)
	}
	return a, nil
}

func (m *Memory) ResourceType(_ context.Context, id rea.ResourceTypeID) (rea.ResourceType, error) {
	defer m.rlock()()
	rt, ok := m.st.resourceTypes[id]
	if !ok {
		return rt, rea.NotFound("resource type", id)
	}
	return rt, nil
}

func (m *Memory) Resource(_ context.Context, id rea.ResourceID) (rea.Resource, error) {
	defer m.rlock()()
	r, ok := m.st.resources[id]
	if !ok {
		return r, rea.NotFound("resource", id)
	}
	return r, nil
}

func (m *Memory) Process(_ context.Context, id rea.ProcessID) (rea.Process, error) {
	defer m.rlock()()
	p, ok := m.st.processes[id]
	if !ok {
		return p, rea.NotFound("process", id)
	}
	return p, nil
}

func (m *Memory) Exchange(_ context.Context, id rea.ExchangeID) (rea.Exchange, error) {
	defer m.rlock()()
	x, ok := m.st.exchanges[id]
	if !ok {
		return x, rea.NotFound("exchange", id)
	}
	return x, nil
}

func (m *Memory) Event(_ context.Context, id rea.EventID) (rea.Event, error) {
	defer m.rlock()()
	e, ok := m.st.events[id]
	if !ok {
		return e, rea.NotFound("event", id)
	}
	return e, nil
}

func (m *Memory) ResourceEvents(_ context.Context, id rea.ResourceID) ([]rea.Event, error) {
	defer m.rlock()()
	return m.st.filterEvents(func(e rea.Event) bool { return e.Resource == id }), nil
}

func (m *Memory) ProcessEvents(_ context.Context, id rea.ProcessID) ([]rea.Event, error) {
	defer m.rlock()()
	return m.st.filterEvents(func(e rea.Event) bool { return e.Process == id }), nil
}

func (m *Memory) ExchangeEvents(_ context.Context, id rea.ExchangeID) ([]rea.Event, error) {
	defer m.rlock()()
	return m.st.filterEvents(func(e rea.Event) bool { return e.Exchange == id }), nil
}

func (m *Memory) ContextEvents(_ context.Context, agent rea.AgentID, dates rea.DateRange) ([]rea.Event, error) {
	defer m.rlock()()
	return m.st.filterEvents(func(e rea.Event) bool {
		return e.ContextAgent == agent && dates.Contains(e.Date)
	}), nil
}

func (m *Memory) AgentResources(_ context.Context, agent rea.AgentID) ([]rea.Resource, error) {
	defer m.rlock()()
	var out []rea.Resource
	for _, r := range m.st.resources {
		if r.Owner == agent {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AgentRate(_ context.Context, agent rea.AgentID, rt rea.ResourceTypeID, kind rea.EventKind) (rea.AgentResourceType, bool, error) {
	defer m.rlock()()
	r, ok := m.st.rates[rateKey{agent: agent, rt: rt, kind: kind}]
	return r, ok, nil
}

func (m *Memory) OrderItems(_ context.Context, order rea.OrderID) ([]rea.OrderItem, error) {
	defer m.rlock()()
	var out []rea.OrderItem
	for _, oi := range m.st.orderItems {
		if oi.Order == order {
			out = append(out, oi)
		}
	}
	return out, nil
}

func (m *Memory) OrderExchanges(_ context.Context, order rea.OrderID) ([]rea.Exchange, error) {
	defer m.rlock()()
	var out []rea.Exchange
	for _, x := range m.st.exchanges {
		if x.Order == order {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// filterEvents returns matching events ordered by date, then ID.
func (s *state) filterEvents(keep func(rea.Event) bool) []rea.Event {
	var out []rea.Event
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// FLOW WRITER
// =============================================================================

func (m *Memory) SetResourceValuePerUnit(_ context.Context, id rea.ResourceID, vpu decimal.Decimal) error {
	defer m.lock()()
	r, ok := m.st.resources[id]
	if !ok {
		return rea.NotFound("resource", id)
	}
	r.ValuePerUnit = vpu
	m.st.resources[id] = r
	return nil
}

func (m *Memory) SetResourceQuantity(_ context.Context, id rea.ResourceID, qty decimal.Decimal) error {
	defer m.lock()()
	r, ok := m.st.resources[id]
	if !ok {
		return rea.NotFound("resource", id)
	}
	r.Quantity = qty
	m.st.resources[id] = r
	return nil
}

func (m *Memory) SetEventValue(_ context.Context, id rea.EventID, value decimal.Decimal) error {
	defer m.lock()()
	e, ok := m.st.events[id]
	if !ok {
		return rea.NotFound("event", id)
	}
	e.Value = value
	m.st.events[id] = e
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, e rea.Event) error {
	defer m.lock()()
	if _, exists := m.st.events[e.ID]; exists {
		return fmt.Errorf("event %s already exists", e.ID)
	}
	m.st.events[e.ID] = e
	return nil
}

func (m *Memory) CreateResource(_ context.Context, r rea.Resource) error {
	defer m.lock()()
	if _, exists := m.st.resources[r.ID]; exists {
		return fmt.Errorf("resource %s already exists", r.ID)
	}
	m.st.resources[r.ID] = r
	return nil
}

// =============================================================================
// LOADER
// =============================================================================

func (m *Memory) SaveAgent(_ context.Context, a rea.Agent) error {
	defer m.lock()()
	m.st.agents[a.ID] = a
	return nil
}

func (m *Memory) SaveResourceType(_ context.Context, rt rea.ResourceType) error {
	defer m.lock()()
	m.st.resourceTypes[rt.ID] = rt
	return nil
}

func (m *Memory) SaveResource(_ context.Context, r rea.Resource) error {
	defer m.lock()()
	m.st.resources[r.ID] = r
	return nil
}

func (m *Memory) SaveProcess(_ context.Context, p rea.Process) error {
	defer m.lock()()
	m.st.processes[p.ID] = p
	return nil
}

func (m *Memory) SaveExchange(_ context.Context, x rea.Exchange) error {
	defer m.lock()()
	m.st.exchanges[x.ID] = x
	return nil
}

func (m *Memory) SaveEvent(_ context.Context, e rea.Event) error {
	defer m.lock()()
	m.st.events[e.ID] = e
	return nil
}

func (m *Memory) SaveAgentRate(_ context.Context, r rea.AgentResourceType) error {
	defer m.lock()()
	m.st.rates[rateKey{agent: r.Agent, rt: r.ResourceType, kind: r.Kind}] = r
	return nil
}

func (m *Memory) SaveOrderItem(_ context.Context, oi rea.OrderItem) error {
	defer m.lock()()
	m.st.orderItems = append(m.st.orderItems, oi)
	return nil
}

// =============================================================================
// CLAIM STORE
// =============================================================================

func (m *Memory) CreatedClaim(_ context.Context, evt rea.EventID) (*ledger.Claim, error) {
	defer m.rlock()()
	for _, id := range m.st.claimOrder {
		if c := m.st.claims[id]; c.CreatingEvent == evt {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) Claim(_ context.Context, id string) (ledger.Claim, error) {
	defer m.rlock()()
	c, ok := m.st.claims[id]
	if !ok {
		return c, rea.NotFound("claim", id)
	}
	return c, nil
}

func (m *Memory) SaveClaim(_ context.Context, c ledger.Claim) error {
	defer m.lock()()
	if _, exists := m.st.claims[c.ID]; !exists {
		m.st.claimOrder = append(m.st.claimOrder, c.ID)
	}
	m.st.claims[c.ID] = c
	return nil
}

func (m *Memory) AppendClaimEvent(_ context.Context, ce ledger.ClaimEvent) error {
	defer m.lock()()
	if _, ok := m.st.claims[ce.Claim]; !ok {
		return rea.NotFound("claim", ce.Claim)
	}
	m.st.claimEvents[ce.Claim] = append(m.st.claimEvents[ce.Claim], ce)
	return nil
}

func (m *Memory) ClaimEvents(_ context.Context, claimID string) ([]ledger.ClaimEvent, error) {
	defer m.rlock()()
	return append([]ledger.ClaimEvent(nil), m.st.claimEvents[claimID]...), nil
}

func (m *Memory) ClaimsByAgent(_ context.Context, agent rea.AgentID) ([]ledger.Claim, error) {
	defer m.rlock()()
	var out []ledger.Claim
	for _, id := range m.st.claimOrder {
		if c := m.st.claims[id]; c.HasAgent == agent {
			out = append(out, c)
		}
	}
	return out, nil
}

// =============================================================================
// DISTRIBUTION + EQUATION STORE
// =============================================================================

func (m *Memory) SaveDistribution(_ context.Context, d ledger.Distribution) error {
	defer m.lock()()
	if _, exists := m.st.distributions[d.ID]; exists {
		return fmt.Errorf("distribution %s already exists", d.ID)
	}
	m.st.distributions[d.ID] = d
	return nil
}

func (m *Memory) Distribution(_ context.Context, id string) (ledger.Distribution, error) {
	defer m.rlock()()
	d, ok := m.st.distributions[id]
	if !ok {
		return d, rea.NotFound("distribution", id)
	}
	return d, nil
}

func (m *Memory) DistributionsByEquation(_ context.Context, equationID string) ([]ledger.Distribution, error) {
	defer m.rlock()()
	var out []ledger.Distribution
	for _, d := range m.st.distributions {
		if d.ValueEquation == equationID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveValueEquation(_ context.Context, rec ledger.ValueEquationRecord) error {
	defer m.lock()()
	now := time.Now().UTC()
	if prev, ok := m.st.equations[rec.ID]; ok {
		rec.Version = prev.Version + 1
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.Version = 1
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.st.equations[rec.ID] = rec
	return nil
}

func (m *Memory) ValueEquation(_ context.Context, id string) (ledger.ValueEquationRecord, error) {
	defer m.rlock()()
	rec, ok := m.st.equations[id]
	if !ok {
		return rec, rea.NotFound("value equation", id)
	}
	return rec, nil
}

func (m *Memory) ListValueEquations(_ context.Context) ([]ledger.ValueEquationRecord, error) {
	defer m.rlock()()
	out := make([]ledger.ValueEquationRecord, 0, len(m.st.equations))
	for _, rec := range m.st.equations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteValueEquation(_ context.Context, id string) error {
	defer m.lock()()
	rec, ok := m.st.equations[id]
	if !ok {
		return rea.NotFound("value equation", id)
	}
	if rec.Live {
		return ledger.ErrEquationInUse
	}
	for _, d := range m.st.distributions {
		if d.ValueEquation == id {
			return ledger.ErrEquationInUse
		}
	}
	delete(m.st.equations, id)
	return nil
}

// Reset clears all data.
func (m *Memory) Reset(ctx context.Context) error {
	defer m.lock()()
	m.st = newState()
	return ctx.Err()
}

var _ ledger.TxStore = (*Memory)(nil)
