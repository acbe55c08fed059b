/*
bucket.go - Running one bucket of a value equation

PURPOSE:
  A rule-based bucket turns its share of the pool into claim settlements.
  It gathers candidate contributions with its selection method, keeps the
  ones its rules match, finds or raises a claim for each contributing event
  and settles every claim in proportion to its share.

SELECTION METHODS:
  dates     context events in a date range, each worth its rule value
  order     income shares of each order item, plus payments and work
            recorded on the order's exchanges
  shipment  income shares of each shipped quantity
  process   income shares of each process's whole output, one visited set

SETTLEMENT:
  total   = sum of claim shares
  portion = amount / total (capped at 1 under "remaining")
  each claim is settled with round2(share x portion)

CLAIM STATE:
  Claims are shared by every bucket of one run: the runner keeps one
  ClaimState per contributing event, so a claim settled by two buckets sees
  both settlements in order.
*/
package distribution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/valuation"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// RESULTS
// =============================================================================

// ClaimState is a claim as a run sees it: its value before the run and the
// settlements applied to it so far.
type ClaimState struct {
	Claim ledger.Claim `json:"claim"`
	New   bool         `json:"new"`

	start       decimal.Decimal
	settlements []*Settlement
}

func (c *ClaimState) settle(s *Settlement) {
	s.Claim = c
	c.settlements = append(c.settlements, s)
	s.Before = c.Claim.Value
	c.Claim.Value = ledger.Settle(c.Claim.RuleType, c.Claim.Value, s.Amount)
	s.After = c.Claim.Value
}

// recompute replays this run's settlements from the value the claim had
// before the run.
func (c *ClaimState) recompute() {
	value := c.start
	for _, s := range c.settlements {
		s.Before = value
		value = ledger.Settle(c.Claim.RuleType, value, s.Amount)
		s.After = value
	}
	c.Claim.Value = value
}

// Settlements returns the claim's settlements in this run.
func (c *ClaimState) Settlements() []*Settlement {
	return c.settlements
}

// Settlement is one "-" against a claim.
type Settlement struct {
	Claim       *ClaimState     `json:"-"`
	ClaimID     string          `json:"claim"`
	Agent       rea.AgentID     `json:"agent"`
	Event       rea.EventID     `json:"event"`
	Bucket      string          `json:"bucket"`
	Share       decimal.Decimal `json:"share"`
	Amount      decimal.Decimal `json:"amount"`
	Before      decimal.Decimal `json:"before"`
	After       decimal.Decimal `json:"after"`
	Explanation string          `json:"explanation"`
}

// BucketResult is the outcome of running one bucket.
type BucketResult struct {
	Bucket        string            `json:"bucket"`
	Name          string            `json:"name"`
	Amount        decimal.Decimal   `json:"amount"`
	Fixed         rea.AgentID       `json:"fixed_agent,omitempty"`
	Filter        string            `json:"filter,omitempty"`
	Portion       decimal.Decimal   `json:"portion"`
	Distributed   decimal.Decimal   `json:"distributed"`
	Contributions []valuation.Share `json:"contributions,omitempty"`
	Settlements   []*Settlement     `json:"settlements,omitempty"`
}

// =============================================================================
// BUCKET RUNNER
// =============================================================================

// BucketRunner runs the rule-based buckets of one distribution run.
type BucketRunner struct {
	Graph  rea.FlowGraph
	Claims ledger.ClaimStore
	Shares *valuation.Shares
	Date   time.Time
	NewID  func() string

	states map[rea.EventID]*ClaimState
	order  []*ClaimState
	ptypes map[rea.ProcessID]rea.ProcessTypeID
}

func NewBucketRunner(g rea.FlowGraph, claims ledger.ClaimStore, shares *valuation.Shares,
	date time.Time, newID func() string) *BucketRunner {
	return &BucketRunner{
		Graph:  g,
		Claims: claims,
		Shares: shares,
		Date:   date,
		NewID:  newID,
		states: make(map[rea.EventID]*ClaimState),
		ptypes: make(map[rea.ProcessID]rea.ProcessTypeID),
	}
}

// ClaimStates returns every claim the runner touched, in first-use order.
func (r *BucketRunner) ClaimStates() []*ClaimState {
	return r.order
}

// bucketClaim is a claim's share within one bucket.
type bucketClaim struct {
	state *ClaimState
	event rea.Event
	share decimal.Decimal
}

// Run settles amount over the claims the bucket selects.
func (r *BucketRunner) Run(ctx context.Context, ve *equation.ValueEquation, b *equation.Bucket,
	amount decimal.Decimal, filter equation.Filter) (*BucketResult, error) {
	res := &BucketResult{
		Bucket:  b.ID,
		Name:    b.Name,
		Amount:  amount,
		Filter:  filter.Describe(),
		Portion: decimal.Zero,
	}

	shares, err := r.gather(ctx, ve, b, filter)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", b.ID, err)
	}

	var claims []*bucketClaim
	index := make(map[rea.EventID]*bucketClaim)
	for _, rule := range b.Rules {
		if !rule.HasEquation() {
			continue
		}
		for _, sh := range shares {
			pt, err := r.processType(ctx, sh.Event)
			if err != nil {
				return nil, err
			}
			if !rule.Matches(sh.Event, pt) {
				continue
			}
			res.Contributions = append(res.Contributions, sh)

			fraction := sh.Fraction()
			if bc, ok := index[sh.Event.ID]; ok {
				bc.share = bc.share.Add(bc.state.Claim.OriginalValue.Mul(fraction))
				continue
			}
			state, err := r.claimFor(ctx, ve, sh.Event, rule)
			if err != nil {
				return nil, fmt.Errorf("bucket %s: %w", b.ID, err)
			}
			if state == nil || state.Claim.Value.IsZero() {
				continue
			}
			bc := &bucketClaim{state: state, event: sh.Event, share: state.Claim.OriginalValue.Mul(fraction)}
			index[sh.Event.ID] = bc
			claims = append(claims, bc)
		}
	}
	bucketContributions.Observe(float64(len(res.Contributions)))
	if len(claims) == 0 {
		res.Distributed = decimal.Zero
		return res, nil
	}

	total := decimal.Zero
	for _, bc := range claims {
		total = total.Add(bc.share)
	}
	portion := decimal.Zero
	if total.IsPositive() {
		portion = amount.Div(total)
	}
	if ve.PercentageBehavior == equation.Remaining && portion.GreaterThan(decimal.NewFromInt(1)) {
		portion = decimal.NewFromInt(1)
	}
	res.Portion = portion

	distributed := decimal.Zero
	for _, bc := range claims {
		s := &Settlement{
			ClaimID: bc.state.Claim.ID,
			Agent:   bc.state.Claim.HasAgent,
			Event:   bc.event.ID,
			Bucket:  b.ID,
			Share:   bc.share,
			Amount:  rea.Round2(bc.share.Mul(portion)),
		}
		bc.state.settle(s)
		s.Explanation = explain(bc, b.FilterMethod, portion)
		res.Settlements = append(res.Settlements, s)
		distributed = distributed.Add(s.Amount)
	}
	res.Distributed = distributed
	return res, nil
}

// =============================================================================
// GATHERING
// =============================================================================

func (r *BucketRunner) gather(ctx context.Context, ve *equation.ValueEquation, b *equation.Bucket,
	filter equation.Filter) ([]valuation.Share, error) {
	switch b.FilterMethod {
	case equation.MethodDates:
		return r.gatherDates(ctx, ve, filter)
	case equation.MethodOrder:
		return r.gatherOrders(ctx, ve, filter.OrderIDs)
	case equation.MethodShipment:
		return r.gatherShipments(ctx, ve, filter.EventIDs)
	case equation.MethodProcess:
		return r.gatherProcesses(ctx, ve, filter.ProcessIDs)
	}
	return nil, fmt.Errorf("%w: unknown filter method %q", equation.ErrInvalidFilter, b.FilterMethod)
}

func (r *BucketRunner) gatherDates(ctx context.Context, ve *equation.ValueEquation, filter equation.Filter) ([]valuation.Share, error) {
	dates, err := filter.Dates()
	if err != nil {
		return nil, err
	}
	agent := ve.ContextAgent
	if filter.ContextAgent != "" {
		agent = filter.ContextAgent
	}
	events, err := r.Graph.ContextEvents(ctx, agent, dates)
	if err != nil {
		return nil, err
	}
	out := make([]valuation.Share, 0, len(events))
	for _, e := range events {
		v, err := ve.ValueOr(ctx, r.Graph, e, e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, valuation.Share{Event: e, Value: v, Share: v})
	}
	return out, nil
}

func (r *BucketRunner) gatherOrders(ctx context.Context, ve *equation.ValueEquation, orders []rea.OrderID) ([]valuation.Share, error) {
	var out []valuation.Share
	for _, order := range orders {
		items, err := r.Graph.OrderItems(ctx, order)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			var shares []valuation.Share
			switch {
			case item.Resource != "":
				shares, err = r.Shares.ResourceShares(ctx, item.Resource, item.Quantity, ve, nil)
			case item.Process != "":
				shares, err = r.Shares.ProcessShares(ctx, item.Process, item.Quantity, ve, nil)
			}
			if err != nil {
				return nil, fmt.Errorf("order item %s: %w", item.ID, err)
			}
			out = append(out, shares...)
		}

		exchanges, err := r.Graph.OrderExchanges(ctx, order)
		if err != nil {
			return nil, err
		}
		for _, x := range exchanges {
			events, err := r.Graph.ExchangeEvents(ctx, x.ID)
			if err != nil {
				return nil, err
			}
			parts := rea.SplitExchange(events)
			for _, e := range append(parts.Payments, parts.Work...) {
				out = append(out, valuation.Share{Event: e, Value: e.Value, Share: e.Value})
			}
		}
	}
	return out, nil
}

func (r *BucketRunner) gatherShipments(ctx context.Context, ve *equation.ValueEquation, ids []rea.EventID) ([]valuation.Share, error) {
	var out []valuation.Share
	for _, id := range ids {
		ship, err := r.Graph.Event(ctx, id)
		if err != nil {
			return nil, err
		}
		var shares []valuation.Share
		switch {
		case ship.Resource != "":
			shares, err = r.Shares.ResourceShares(ctx, ship.Resource, ship.Quantity, ve, nil)
		case ship.Process != "":
			shares, err = r.Shares.ProcessShares(ctx, ship.Process, ship.Quantity, ve, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("shipment %s: %w", id, err)
		}
		out = append(out, shares...)
	}
	return out, nil
}

func (r *BucketRunner) gatherProcesses(ctx context.Context, ve *equation.ValueEquation, ids []rea.ProcessID) ([]valuation.Share, error) {
	visited := valuation.NewVisited()
	var out []valuation.Share
	for _, id := range ids {
		events, err := r.Graph.ProcessEvents(ctx, id)
		if err != nil {
			return nil, err
		}
		qty := rea.SumQuantity(rea.ProductionEvents(events, ""))
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		shares, err := r.Shares.ProcessShares(ctx, id, qty, ve, visited)
		if err != nil {
			return nil, fmt.Errorf("process %s: %w", id, err)
		}
		out = append(out, shares...)
	}
	return out, nil
}

func (r *BucketRunner) processType(ctx context.Context, e rea.Event) (rea.ProcessTypeID, error) {
	if e.Process == "" {
		return "", nil
	}
	if pt, ok := r.ptypes[e.Process]; ok {
		return pt, nil
	}
	pt, err := equation.ProcessTypeOf(ctx, r.Graph, e)
	if err != nil {
		return "", err
	}
	r.ptypes[e.Process] = pt
	return pt, nil
}

// =============================================================================
// CLAIMS
// =============================================================================

// claimFor returns the claim created from an event, raising an unsaved one
// the first time the event is claimed. It returns nil when nobody can hold
// the claim.
func (r *BucketRunner) claimFor(ctx context.Context, ve *equation.ValueEquation, e rea.Event,
	rule *equation.BucketRule) (*ClaimState, error) {
	if state, ok := r.states[e.ID]; ok {
		return state, nil
	}

	existing, err := r.Claims.CreatedClaim(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		state := &ClaimState{Claim: *existing, start: existing.Value}
		r.track(e.ID, state)
		return state, nil
	}

	b, err := equation.BindEvent(ctx, r.Graph, e)
	if err != nil {
		return nil, err
	}
	value, err := rule.ComputeClaimValue(b)
	if err != nil {
		return nil, err
	}

	has, against := e.From, e.To
	if e.Kind == rea.KindPayment {
		against = e.ContextAgent
	}
	compatible, err := rea.Compatible(ctx, r.Graph, e.ContextAgent, ve.ContextAgent)
	if err != nil {
		return nil, err
	}
	if !compatible {
		has, against = e.ContextAgent, ve.ContextAgent
	}
	if has == "" {
		return nil, nil
	}

	state := &ClaimState{
		Claim: ledger.Claim{
			ID:               r.NewID(),
			Rule:             rule.ID,
			RuleType:         rule.ClaimRuleType,
			Date:             r.Date,
			HasAgent:         has,
			AgainstAgent:     against,
			ContextAgent:     e.ContextAgent,
			UnitOfValue:      e.UnitOfValue,
			Value:            value,
			OriginalValue:    value,
			CreationEquation: rule.Equation,
			CreatingEvent:    e.ID,
		},
		New:   true,
		start: value,
	}
	r.track(e.ID, state)
	return state, nil
}

func (r *BucketRunner) track(evt rea.EventID, state *ClaimState) {
	r.states[evt] = state
	r.order = append(r.order, state)
}

// explain renders why a claim received its settlement.
func explain(bc *bucketClaim, method equation.FilterMethod, portion decimal.Decimal) string {
	var sb strings.Builder
	share := rea.Round2(bc.share)
	sb.WriteString("This contribution added ")
	sb.WriteString(share.StringFixed(2))
	if bc.event.UnitOfValue != "" {
		sb.WriteString(" " + bc.event.UnitOfValue)
	}
	sb.WriteString(" of value")
	switch method {
	case equation.MethodOrder:
		sb.WriteString(" to the selected orders")
	case equation.MethodShipment:
		sb.WriteString(" to the selected shipments")
	case equation.MethodDates, equation.MethodProcess:
	}
	if portion.LessThan(decimal.NewFromInt(1)) {
		sb.WriteString(", but the distribution amount covered only ")
		sb.WriteString(rea.Round2(portion.Mul(hundred)).StringFixed(2))
		sb.WriteString("% of the claims for this bucket")
	}
	sb.WriteString(".")
	if share.LessThan(bc.state.start) {
		sb.WriteString(" The contribution's value was not all used for this deliverable.")
	}
	return sb.String()
}
