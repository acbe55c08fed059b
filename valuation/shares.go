/*
shares.go - Income Share Engine

PURPOSE:
  Given a quantity of a resource (or a process's output), find every event
  that contributed to it and how much of the value each one earned. The
  shares feed claim creation when income is distributed.

ALGORITHM (per resource, for a requested quantity):
  1. Contributions: share = quantity x contribution value per unit
  2. Purchases: shares of the exchange that bought the resource
  3. Each unvisited producing process, with the remaining quantity:
       produced > remaining:  fraction = remaining / produced, remaining = 0
       otherwise:             fraction = 1, remaining -= produced
     production events:  share = (rule value, else quantity) x fraction
     when the process context is compatible with the value equation:
       work contributions  share = input value x fraction
       consume             descend with quantity x fraction
       use, cite           for-use shares of the resource, worth
                           input value x fraction

FOR-USE SHARES:
  Using a tool does not consume it; its contributors earn a slice of the
  use value only. The tool's full-quantity shares are computed in a nested
  traversal and scaled so they add up to the use value, so each contributor
  is credited in proportion to its part of the tool's value.

ORDER:
  Shares are emitted in depth-first pre-order of the traversal.

SEE ALSO:
  - rollup.go: supplies each process's input values
  - distribution/bucket.go: turns shares into claims
*/
package valuation

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/rea"
)

// Share is one event's slice of income. Value is the event value the share
// was computed from, so Share / Value is the event's fraction.
type Share struct {
	Event rea.Event       `json:"event"`
	Value decimal.Decimal `json:"value"`
	Share decimal.Decimal `json:"share"`
}

// Fraction is Share / Value, or 1 when Value is zero.
func (s Share) Fraction() decimal.Decimal {
	if s.Value.IsZero() {
		return decimal.NewFromInt(1)
	}
	return s.Share.Div(s.Value)
}

// SumShares adds up share amounts.
func SumShares(shares []Share) decimal.Decimal {
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s.Share)
	}
	return total
}

// Visited is the set of processes and exchange receipts already walked.
// One Visited may be shared across several starting points.
type Visited struct {
	processes map[rea.ProcessID]bool
	triggers  map[rea.EventID]bool
}

func NewVisited() *Visited {
	return &Visited{
		processes: make(map[rea.ProcessID]bool),
		triggers:  make(map[rea.EventID]bool),
	}
}

// =============================================================================
// SHARE ENGINE
// =============================================================================

// Shares is the Income Share Engine.
type Shares struct {
	Graph  rea.FlowGraph
	Rollup *Rollup
	Limits Limits
}

func NewShares(g rea.FlowGraph, rollup *Rollup, limits Limits) *Shares {
	if rollup == nil {
		rollup = NewRollup(g, nil, limits)
	}
	return &Shares{Graph: g, Rollup: rollup, Limits: limits}
}

// ResourceShares attributes quantity units of a resource to events.
// visited may be nil.
func (s *Shares) ResourceShares(ctx context.Context, id rea.ResourceID, quantity decimal.Decimal,
	ve *equation.ValueEquation, visited *Visited) ([]Share, error) {
	run := s.newRun(ve)
	if visited == nil {
		visited = NewVisited()
	}
	root, err := run.resourceFrame(ctx, id, "", quantity, 0, visited)
	if err != nil {
		return run.out, err
	}
	err = run.run(ctx, root)
	return run.out, err
}

// ProcessShares attributes quantity units of a process's output to events.
func (s *Shares) ProcessShares(ctx context.Context, id rea.ProcessID, quantity decimal.Decimal,
	ve *equation.ValueEquation, visited *Visited) ([]Share, error) {
	run := s.newRun(ve)
	if visited == nil {
		visited = NewVisited()
	}
	p, err := s.Graph.Process(ctx, id)
	if err != nil {
		return nil, err
	}
	root := &shareFrame{procs: []rea.Process{p}, remaining: quantity, visited: visited}
	err = run.run(ctx, root)
	return run.out, err
}

// ResourceSharesForUse attributes a use of a resource worth useValue.
func (s *Shares) ResourceSharesForUse(ctx context.Context, id rea.ResourceID, useValue decimal.Decimal,
	ve *equation.ValueEquation) ([]Share, error) {
	run := s.newRun(ve)
	if err := run.forUse(ctx, id, useValue, 0); err != nil {
		return run.out, err
	}
	return run.out, nil
}

// ExchangeShares attributes quantity units of a purchase to the exchange's events.
func (s *Shares) ExchangeShares(ctx context.Context, trigger rea.EventID, quantity decimal.Decimal,
	ve *equation.ValueEquation, visited *Visited) ([]Share, error) {
	run := s.newRun(ve)
	if visited == nil {
		visited = NewVisited()
	}
	evt, err := s.Graph.Event(ctx, trigger)
	if err != nil {
		return nil, err
	}
	err = run.exchangeShares(ctx, evt, quantity, 0, visited)
	return run.out, err
}

// =============================================================================
// RUN STATE
// =============================================================================

type shareRun struct {
	*tracker
	s   *Shares
	g   rea.FlowGraph
	ve  *equation.ValueEquation
	out []Share

	// resources whose for-use shares are being computed
	using map[rea.ResourceID]bool
}

func (s *Shares) newRun(ve *equation.ValueEquation) *shareRun {
	return &shareRun{
		tracker: newTracker(s.Limits),
		s:       s,
		g:       s.Graph,
		ve:      ve,
		using:   make(map[rea.ResourceID]bool),
	}
}

type shareFrame struct {
	res       rea.ResourceID // empty for a process root
	depth     int
	remaining decimal.Decimal
	visited   *Visited

	procs []rea.Process
	pi    int
	proc  *shareProc
}

type shareProc struct {
	p          rea.Process
	inputs     []rea.Event
	ii         int
	fraction   decimal.Decimal
	values     map[rea.EventID]decimal.Decimal
	compatible bool
}

func (r *shareRun) emit(e rea.Event, value, share decimal.Decimal) {
	r.out = append(r.out, Share{Event: e, Value: value, Share: share})
}

func (r *shareRun) run(ctx context.Context, root *shareFrame) error {
	stack := []*shareFrame{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := stack[len(stack)-1]
		child, done, err := r.advance(ctx, f)
		if err != nil {
			return err
		}
		if child != nil {
			stack = append(stack, child)
			continue
		}
		if done {
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

func (r *shareRun) advance(ctx context.Context, f *shareFrame) (*shareFrame, bool, error) {
	if f.proc == nil {
		if f.pi >= len(f.procs) {
			return nil, true, nil
		}
		p := f.procs[f.pi]
		f.pi++
		if f.visited.processes[p.ID] {
			return nil, false, nil
		}
		f.visited.processes[p.ID] = true
		if f.remaining.IsZero() {
			return nil, false, nil
		}
		return nil, false, r.startProcess(ctx, f, p)
	}

	ps := f.proc
	if ps.ii >= len(ps.inputs) {
		f.proc = nil
		return nil, false, nil
	}
	e := ps.inputs[ps.ii]
	ps.ii++
	child, err := r.input(ctx, f, e)
	return child, false, err
}

func (r *shareRun) startProcess(ctx context.Context, f *shareFrame, p rea.Process) error {
	if _, err := r.visit(processRef(p.ID), f.depth+1, p.Name); err != nil {
		return err
	}
	events, err := r.g.ProcessEvents(ctx, p.ID)
	if err != nil {
		return err
	}

	productions := rea.ProductionEvents(events, f.res)
	produced := rea.SumQuantity(productions)
	fraction := decimal.NewFromInt(1)
	if produced.GreaterThan(f.remaining) {
		fraction = f.remaining.Div(produced)
		f.remaining = decimal.Zero
	} else {
		f.remaining = f.remaining.Sub(produced)
	}

	for _, pe := range productions {
		value, err := r.ve.ValueOr(ctx, r.g, pe, pe.Quantity)
		if err != nil {
			return err
		}
		r.emit(pe, value, value.Mul(fraction))
	}

	compatible := true
	if r.ve != nil {
		if compatible, err = rea.Compatible(ctx, r.g, p.ContextAgent, r.ve.ContextAgent); err != nil {
			return err
		}
	}
	ps := &shareProc{p: p, fraction: fraction, compatible: compatible}
	if compatible {
		pv, err := r.s.Rollup.RollUpProcess(ctx, p.ID, r.ve)
		if err != nil {
			return err
		}
		ps.values = pv.InputValues
		ps.inputs = rea.ProcessInputs(events)
	}
	f.proc = ps
	return nil
}

func (r *shareRun) input(ctx context.Context, f *shareFrame, e rea.Event) (*shareFrame, error) {
	ps := f.proc
	if _, err := r.visit(eventRef(e.ID), f.depth+2, e.Kind.String()); err != nil {
		return nil, err
	}
	value, ok := ps.values[e.ID]
	if !ok {
		value = e.Value
	}

	switch e.Kind {
	case rea.KindWork:
		if e.IsContribution {
			r.emit(e, value, value.Mul(ps.fraction))
		}
	case rea.KindConsume, rea.KindToBeChanged:
		if e.Resource != "" {
			return r.resourceFrame(ctx, e.Resource, e.Stage, e.Quantity.Mul(ps.fraction), f.depth+3, f.visited)
		}
	case rea.KindUse, rea.KindCite:
		if e.Resource != "" {
			return nil, r.forUse(ctx, e.Resource, value.Mul(ps.fraction), f.depth+3)
		}
	case rea.KindUnknown, rea.KindProduce, rea.KindResourceContribution, rea.KindReceive,
		rea.KindGive, rea.KindPayment, rea.KindDistribution, rea.KindDisbursement:
	}
	return nil, nil
}

// resourceFrame emits a resource's contribution and purchase shares and
// queues its producing processes.
func (r *shareRun) resourceFrame(ctx context.Context, id rea.ResourceID, stage rea.ProcessTypeID,
	quantity decimal.Decimal, depth int, visited *Visited) (*shareFrame, error) {
	res, err := r.g.Resource(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.visit(resourceRef(id), depth, string(res.ResourceType)); err != nil {
		return nil, err
	}
	events, err := r.g.ResourceEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, e := range rea.ContributionEvents(events) {
		value, err := r.ve.ValueOr(ctx, r.g, e, e.Value)
		if err != nil {
			return nil, err
		}
		if value.IsZero() || e.Quantity.IsZero() {
			continue
		}
		r.emit(e, value, quantity.Mul(value.Div(e.Quantity)))
	}
	for _, e := range rea.PurchaseEvents(res, events) {
		if e.Exchange == "" {
			continue
		}
		if err := r.exchangeShares(ctx, e, quantity, depth+1, visited); err != nil {
			return nil, err
		}
	}

	procStage := rea.ProcessTypeID("")
	if res.Stage != "" {
		procStage = stage
		if procStage == "" {
			procStage = res.Stage
		}
	}
	procs, err := rea.ProducingProcesses(ctx, r.g, events, procStage)
	if err != nil {
		return nil, err
	}
	return &shareFrame{res: id, depth: depth, remaining: quantity, visited: visited, procs: procs}, nil
}

// forUse credits the contributors of a used resource with useValue, scaled
// over their full-quantity shares.
func (r *shareRun) forUse(ctx context.Context, id rea.ResourceID, useValue decimal.Decimal, depth int) error {
	if useValue.IsZero() || r.using[id] {
		return nil
	}
	r.using[id] = true
	defer delete(r.using, id)

	res, err := r.g.Resource(ctx, id)
	if err != nil {
		return err
	}
	quantity := res.Quantity
	if quantity.IsZero() {
		quantity = decimal.NewFromInt(1)
	}

	outer := r.out
	r.out = nil
	root, err := r.resourceFrame(ctx, id, "", quantity, depth, NewVisited())
	if err == nil {
		err = r.run(ctx, root)
	}
	inner := r.out
	r.out = outer
	if err != nil {
		return err
	}

	// Production markers are not contributions to the use.
	contributions := inner[:0]
	for _, sh := range inner {
		if sh.Event.Kind != rea.KindProduce {
			contributions = append(contributions, sh)
		}
	}
	total := SumShares(contributions)
	if total.IsZero() {
		return nil
	}
	scale := useValue.Div(total)
	for _, sh := range contributions {
		r.emit(sh.Event, sh.Value, sh.Share.Mul(scale))
	}
	return nil
}
