/*
rollup.go - Value Rollup Engine

PURPOSE:
  Computes a resource's value per unit by walking the processes and
  exchanges that produced it.

ALGORITHM (per resource):
  1. Contributions: each contribution event gives a per-unit sample
     (rule value, else event value) / quantity. Zero samples are skipped.
  2. Purchases: each receipt gives a sample from its exchange's value.
  3. Production: each not-yet-visited producing process values its inputs
       work     quantity x work rate (or the bucket rule's value)
       use      price, else quantity x value per unit of use
       consume  quantity x rolled-up value of the consumed resource
       cite     quantity, or deferred when the unit of use is a percentage
     then values percentage citations against the sum of the others and
     yields one sample: production value / produced quantity.
  4. The quantity-weighted average of all samples, rounded to 2 places.
  5. Write-back of the resource's value per unit and each input's value.

CYCLES:
  A resource re-entered while it is still being valued (a workflow loop)
  contributes only its direct contributions and purchases, and is not
  written back. A resource finished earlier in the same traversal reuses
  its result.

EXAMPLE:
  Alice works 10h at 5/h in P1 producing R1 (qty 1):       R1 = 50.00
  P2 consumes R1, Alice works 2h at 5/h, produces R2 (qty 1): R2 = 60.00

SEE ALSO:
  - traversal.go: limits, path, helpers
  - exchange.go: purchase valuation
*/
package valuation

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/rea"
)

// =============================================================================
// RESULTS
// =============================================================================

// Result is the outcome of rolling up a resource.
type Result struct {
	Resource     rea.ResourceID  `json:"resource"`
	ValuePerUnit decimal.Decimal `json:"value_per_unit"`
	Path         []Step          `json:"path"`
}

// ProcessValue is the outcome of valuing one process.
type ProcessValue struct {
	Process          rea.ProcessID                 `json:"process"`
	ProducedQuantity decimal.Decimal               `json:"produced_quantity"`
	ProductionValue  decimal.Decimal               `json:"production_value"`
	ValuePerUnit     decimal.Decimal               `json:"value_per_unit"`
	InputValues      map[rea.EventID]decimal.Decimal `json:"input_values"`
	Path             []Step                        `json:"path"`
}

// =============================================================================
// ROLLUP ENGINE
// =============================================================================

// Rollup is the Value Rollup Engine. Writer may be nil for a read-only
// rollup that writes nothing back.
type Rollup struct {
	Graph  rea.FlowGraph
	Writer rea.FlowWriter
	Limits Limits
}

func NewRollup(g rea.FlowGraph, w rea.FlowWriter, limits Limits) *Rollup {
	return &Rollup{Graph: g, Writer: w, Limits: limits}
}

// RollUpResource computes the resource's value per unit under an optional
// value equation.
func (r *Rollup) RollUpResource(ctx context.Context, id rea.ResourceID, ve *equation.ValueEquation) (Result, error) {
	t := r.newTraversal(ve)
	root, err := t.resourceFrame(ctx, id, "", 0)
	if err != nil {
		return Result{Resource: id, Path: t.path}, err
	}
	vpu, err := t.run(ctx, root)
	return Result{Resource: id, ValuePerUnit: vpu, Path: t.path}, err
}

// RollUpProcess values a process: every input, citations included, plus
// production value per produced unit.
func (r *Rollup) RollUpProcess(ctx context.Context, id rea.ProcessID, ve *equation.ValueEquation) (ProcessValue, error) {
	t := r.newTraversal(ve)
	p, err := r.Graph.Process(ctx, id)
	if err != nil {
		return ProcessValue{Process: id}, err
	}
	root := &frame{processRoot: true, procs: []rea.Process{p}, pathIdx: -1}
	if _, err := t.run(ctx, root); err != nil {
		return ProcessValue{Process: id, Path: t.path}, err
	}

	pv := ProcessValue{Process: id, InputValues: map[rea.EventID]decimal.Decimal{}, Path: t.path}
	if ps := root.lastProc; ps != nil {
		pv.ProducedQuantity = ps.produced
		pv.ProductionValue = ps.productionValue
		pv.ValuePerUnit = rea.Round2(perUnit(ps.productionValue, ps.produced))
		pv.InputValues = ps.values
	}
	return pv, nil
}

// =============================================================================
// TRAVERSAL STATE
// =============================================================================

type memoKey struct {
	res   rea.ResourceID
	stage rea.ProcessTypeID
}

type traversal struct {
	*tracker
	g  rea.FlowGraph
	w  rea.FlowWriter
	ve *equation.ValueEquation

	visited  map[rea.ProcessID]bool
	triggers map[rea.EventID]bool
	memo     map[memoKey]decimal.Decimal
	active   map[memoKey]bool
}

func (r *Rollup) newTraversal(ve *equation.ValueEquation) *traversal {
	return &traversal{
		tracker:  newTracker(r.Limits),
		g:        r.Graph,
		w:        r.Writer,
		ve:       ve,
		visited:  make(map[rea.ProcessID]bool),
		triggers: make(map[rea.EventID]bool),
		memo:     make(map[memoKey]decimal.Decimal),
		active:   make(map[memoKey]bool),
	}
}

type childMode int

const (
	childDiscard childMode = iota // use, cite: value the resource, ignore result
	childConsume                  // consume: input value = qty x child vpu
)

// frame is one resource (or the root process) being valued.
type frame struct {
	res         rea.Resource
	key         memoKey
	depth       int
	pathIdx     int
	processRoot bool

	samples []sample
	procs   []rea.Process
	pi      int

	proc     *procState
	lastProc *procState
	pending  *pendingInput
	done     bool
}

type procState struct {
	p               rea.Process
	pathIdx         int
	inputs          []rea.Event
	ii              int
	produced        decimal.Decimal
	inputTotal      decimal.Decimal
	citations       []rea.Event
	values          map[rea.EventID]decimal.Decimal
	productionValue decimal.Decimal
}

type pendingInput struct {
	evt     rea.Event
	mode    childMode
	pathIdx int
}

// =============================================================================
// STACK MACHINE
// =============================================================================

func (t *traversal) run(ctx context.Context, root *frame) (decimal.Decimal, error) {
	stack := []*frame{root}
	for {
		if err := ctx.Err(); err != nil {
			return decimal.Zero, err
		}
		f := stack[len(stack)-1]
		if !f.done {
			child, err := t.advance(ctx, f)
			if err != nil {
				return decimal.Zero, err
			}
			if child != nil {
				stack = append(stack, child)
			}
			continue
		}

		vpu, err := t.finishFrame(ctx, f)
		if err != nil {
			return decimal.Zero, err
		}
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return vpu, nil
		}
		if err := t.resume(ctx, stack[len(stack)-1], vpu); err != nil {
			return decimal.Zero, err
		}
	}
}

// advance does one unit of work on a frame and may return a child frame.
func (t *traversal) advance(ctx context.Context, f *frame) (*frame, error) {
	if f.proc == nil {
		if f.pi >= len(f.procs) {
			f.done = true
			return nil, nil
		}
		p := f.procs[f.pi]
		f.pi++
		if t.visited[p.ID] {
			return nil, nil
		}
		t.visited[p.ID] = true
		return nil, t.startProcess(ctx, f, p)
	}

	ps := f.proc
	if ps.ii >= len(ps.inputs) {
		if err := t.finishProcess(ctx, f); err != nil {
			return nil, err
		}
		f.lastProc, f.proc = ps, nil
		return nil, nil
	}
	e := ps.inputs[ps.ii]
	ps.ii++
	return t.valueInput(ctx, f, e)
}

func (t *traversal) startProcess(ctx context.Context, f *frame, p rea.Process) error {
	idx, err := t.visit(processRef(p.ID), f.depth+1, p.Name)
	if err != nil {
		return err
	}
	events, err := t.g.ProcessEvents(ctx, p.ID)
	if err != nil {
		return err
	}
	ps := &procState{
		p:        p,
		pathIdx:  idx,
		produced: rea.SumQuantity(rea.ProductionEvents(events, "")),
		values:   make(map[rea.EventID]decimal.Decimal),
	}
	if !ps.produced.IsZero() {
		ps.inputs = rea.ProcessInputs(events)
	}
	f.proc = ps
	return nil
}

func (t *traversal) valueInput(ctx context.Context, f *frame, e rea.Event) (*frame, error) {
	ps := f.proc
	idx, err := t.visit(eventRef(e.ID), f.depth+2, e.Kind.String())
	if err != nil {
		return nil, err
	}

	switch e.Kind {
	case rea.KindWork:
		rt, err := t.resourceType(ctx, e.ResourceType)
		if err != nil {
			return nil, err
		}
		rate, err := equation.WorkRate(ctx, t.g, e, rt)
		if err != nil {
			return nil, err
		}
		value, err := t.ve.ValueOr(ctx, t.g, e, e.Quantity.Mul(rate))
		if err != nil {
			return nil, err
		}
		return nil, t.record(ctx, ps, e, value, idx)

	case rea.KindUse:
		if e.Resource == "" {
			return nil, t.record(ctx, ps, e, e.Price, idx)
		}
		res, err := t.g.Resource(ctx, e.Resource)
		if err != nil {
			return nil, err
		}
		value := e.Price
		if value.IsZero() {
			value = e.Quantity.Mul(res.ValuePerUnitOfUse)
		}
		if err := t.record(ctx, ps, e, value, idx); err != nil {
			return nil, err
		}
		return t.child(ctx, f, e, "", childDiscard, idx)

	case rea.KindConsume, rea.KindToBeChanged:
		if e.Resource == "" {
			return nil, t.record(ctx, ps, e, e.Value, idx)
		}
		return t.child(ctx, f, e, e.Stage, childConsume, idx)

	case rea.KindCite:
		rt, err := t.resourceType(ctx, e.ResourceType)
		if err != nil {
			return nil, err
		}
		if rt.UseIsPercent {
			ps.citations = append(ps.citations, e)
		} else if err := t.record(ctx, ps, e, e.Quantity, idx); err != nil {
			return nil, err
		}
		if e.Resource == "" {
			return nil, nil
		}
		return t.child(ctx, f, e, "", childDiscard, idx)

	case rea.KindUnknown, rea.KindProduce, rea.KindResourceContribution, rea.KindReceive,
		rea.KindGive, rea.KindPayment, rea.KindDistribution, rea.KindDisbursement:
	}
	return nil, nil
}

// child values an input's resource: from the memo, shallowly on a cycle,
// or by pushing a new frame.
func (t *traversal) child(ctx context.Context, f *frame, e rea.Event, stage rea.ProcessTypeID, mode childMode, idx int) (*frame, error) {
	key := memoKey{res: e.Resource, stage: stage}
	if vpu, ok := t.memo[key]; ok {
		return nil, t.apply(ctx, f.proc, e, mode, vpu, idx)
	}
	if t.active[key] {
		vpu, err := t.shallow(ctx, e.Resource, f.depth+3)
		if err != nil {
			return nil, err
		}
		return nil, t.apply(ctx, f.proc, e, mode, vpu, idx)
	}
	child, err := t.resourceFrame(ctx, e.Resource, stage, f.depth+3)
	if err != nil {
		return nil, err
	}
	f.pending = &pendingInput{evt: e, mode: mode, pathIdx: idx}
	return child, nil
}

func (t *traversal) resume(ctx context.Context, f *frame, vpu decimal.Decimal) error {
	pend := f.pending
	f.pending = nil
	if pend == nil || f.proc == nil {
		return nil
	}
	return t.apply(ctx, f.proc, pend.evt, pend.mode, vpu, pend.pathIdx)
}

func (t *traversal) apply(ctx context.Context, ps *procState, e rea.Event, mode childMode, vpu decimal.Decimal, idx int) error {
	if mode != childConsume {
		return nil
	}
	return t.record(ctx, ps, e, e.Quantity.Mul(vpu), idx)
}

// record stores an input value, adds it to the process total and writes it back.
func (t *traversal) record(ctx context.Context, ps *procState, e rea.Event, value decimal.Decimal, idx int) error {
	ps.values[e.ID] = value
	ps.inputTotal = ps.inputTotal.Add(value)
	t.setValue(idx, value)
	if t.w != nil {
		return t.w.SetEventValue(ctx, e.ID, value)
	}
	return nil
}

func (t *traversal) finishProcess(ctx context.Context, f *frame) error {
	ps := f.proc
	if ps.produced.IsZero() {
		return nil
	}
	base := ps.inputTotal
	cited := decimal.Zero
	if !base.IsZero() {
		for _, c := range ps.citations {
			v := base.Mul(c.Quantity).Div(decimal.NewFromInt(100))
			ps.values[c.ID] = v
			cited = cited.Add(v)
			if t.w != nil {
				if err := t.w.SetEventValue(ctx, c.ID, v); err != nil {
					return err
				}
			}
			for i := range t.path {
				if t.path[i].Ref == eventRef(c.ID) {
					t.path[i].Value = v
				}
			}
		}
	}
	ps.productionValue = base.Add(cited)
	t.setValue(ps.pathIdx, ps.productionValue)
	if !ps.productionValue.IsZero() {
		f.samples = append(f.samples, sample{vpu: ps.productionValue.Div(ps.produced), qty: ps.produced})
	}
	return nil
}

// =============================================================================
// RESOURCE FRAMES
// =============================================================================

// resourceFrame opens a resource: direct samples from contributions and
// purchases are taken now, producing processes are queued.
func (t *traversal) resourceFrame(ctx context.Context, id rea.ResourceID, stage rea.ProcessTypeID, depth int) (*frame, error) {
	res, err := t.g.Resource(ctx, id)
	if err != nil {
		return nil, err
	}
	idx, err := t.visit(resourceRef(id), depth, string(res.ResourceType))
	if err != nil {
		return nil, err
	}
	f := &frame{res: res, key: memoKey{res: id, stage: stage}, depth: depth, pathIdx: idx}
	t.active[f.key] = true

	events, err := t.g.ResourceEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.samples, err = t.directSamples(ctx, res, events, depth); err != nil {
		return nil, err
	}

	procStage := rea.ProcessTypeID("")
	if res.Stage != "" {
		procStage = stage
		if procStage == "" {
			procStage = res.Stage
		}
	}
	f.procs, err = rea.ProducingProcesses(ctx, t.g, events, procStage)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (t *traversal) directSamples(ctx context.Context, res rea.Resource, events []rea.Event, depth int) ([]sample, error) {
	var samples []sample
	for _, e := range rea.ContributionEvents(events) {
		value, err := t.ve.ValueOr(ctx, t.g, e, e.Value)
		if err != nil {
			return nil, err
		}
		idx, err := t.visit(eventRef(e.ID), depth+1, e.Kind.String())
		if err != nil {
			return nil, err
		}
		t.setValue(idx, value)
		if vpu := perUnit(value, e.Quantity); !vpu.IsZero() {
			samples = append(samples, sample{vpu: vpu, qty: e.Quantity})
		}
	}

	for _, e := range rea.PurchaseEvents(res, events) {
		idx, err := t.visit(eventRef(e.ID), depth+1, e.Kind.String())
		if err != nil {
			return nil, err
		}
		value := e.Value
		if e.Exchange != "" {
			if value, err = t.exchangeValue(ctx, e, depth+2); err != nil {
				return nil, err
			}
		}
		t.setValue(idx, value)
		if vpu := perUnit(value, e.Quantity); !vpu.IsZero() {
			samples = append(samples, sample{vpu: vpu, qty: e.Quantity})
		}
	}
	return samples, nil
}

// shallow values a resource that is already being valued further up the
// stack, from its contributions and purchases only.
func (t *traversal) shallow(ctx context.Context, id rea.ResourceID, depth int) (decimal.Decimal, error) {
	res, err := t.g.Resource(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := t.visit(resourceRef(id), depth, "cycle"); err != nil {
		return decimal.Zero, err
	}
	events, err := t.g.ResourceEvents(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	samples, err := t.directSamples(ctx, res, events, depth)
	if err != nil {
		return decimal.Zero, err
	}
	return rea.Round2(weightedAverage(samples)), nil
}

func (t *traversal) finishFrame(ctx context.Context, f *frame) (decimal.Decimal, error) {
	if f.processRoot {
		if ps := f.lastProc; ps != nil {
			return perUnit(ps.productionValue, ps.produced), nil
		}
		return decimal.Zero, nil
	}

	vpu := rea.Round2(weightedAverage(f.samples))
	delete(t.active, f.key)
	t.memo[f.key] = vpu
	t.setValue(f.pathIdx, vpu)
	if len(f.samples) > 0 && t.w != nil {
		if err := t.w.SetResourceValuePerUnit(ctx, f.res.ID, vpu); err != nil {
			return decimal.Zero, err
		}
	}
	return vpu, nil
}

func (t *traversal) resourceType(ctx context.Context, id rea.ResourceTypeID) (rea.ResourceType, error) {
	if id == "" {
		return rea.ResourceType{}, nil
	}
	rt, err := t.g.ResourceType(ctx, id)
	if err != nil && rea.IsNotFound(err) {
		return rea.ResourceType{}, nil
	}
	return rt, err
}
