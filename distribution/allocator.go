/*
allocator.go - Distribution Allocator

PURPOSE:
  Runs a value equation over an amount of money: splits the pool into
  buckets, settles claims, pays fixed agents, and (when saving) records the
  whole run as ledger events, claims and a distribution record.

FLOW (per run):
  1. bucket_amount = percentage x pool / 100, clipped to the pool
  2. fixed buckets pay their agent; rule buckets settle claims
  3. "remaining": pool -= distributed after each bucket
  4. one payout per recipient, rounded to cents
  5. rounding reconciliation (reconcile.go)
  6. save: disbursement from the money resource, one distribution event per
     recipient into their virtual account, claims and claim events, the
     distribution record, all in one store transaction

CONCURRENCY:
  Saved runs for the same context agent are serialized; they read and write
  the same money resource and claims.

SEE ALSO:
  - bucket.go: one bucket
  - ledger/: claims and stores
*/
package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/valuation"
)

// Request is one saved distribution run.
type Request struct {
	Date          time.Time
	ValueEquation *equation.ValueEquation
	MoneyResource rea.ResourceID
	Amount        decimal.Decimal
	Filters       equation.Filters
	// IncomeEvents are the receipts this distribution pays out, if known.
	IncomeEvents []rea.EventID
}

// Payout is everything one recipient receives in a run.
type Payout struct {
	Agent       rea.AgentID     `json:"agent"`
	Amount      decimal.Decimal `json:"amount"`
	Settlements []*Settlement   `json:"settlements,omitempty"`
}

// Plan is the computed outcome of a run, before anything is written.
type Plan struct {
	ValueEquation string          `json:"value_equation"`
	ContextAgent  rea.AgentID     `json:"context_agent"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Buckets       []*BucketResult `json:"buckets"`
	Payouts       []*Payout       `json:"payouts"`
	Delta         decimal.Decimal `json:"rounding_delta"`

	claims []*ClaimState
}

// Total is the sum of all payouts.
func (p *Plan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, po := range p.Payouts {
		total = total.Add(po.Amount)
	}
	return total
}

// Payout finds the payout for an agent.
func (p *Plan) Payout(agent rea.AgentID) *Payout {
	for _, po := range p.Payouts {
		if po.Agent == agent {
			return po
		}
	}
	return nil
}

// Claims returns the claims the run settled or raised.
func (p *Plan) Claims() []*ClaimState {
	return p.claims
}

// =============================================================================
// ALLOCATOR
// =============================================================================

type Allocator struct {
	Store  ledger.TxStore
	Limits valuation.Limits
	// AccountOwnerRole is given to virtual accounts created for recipients.
	// When empty, a recipient without an account fails the run.
	AccountOwnerRole string
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string

	mu    sync.Mutex
	locks map[rea.AgentID]*sync.Mutex
}

func NewAllocator(store ledger.TxStore, limits valuation.Limits, ownerRole string, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		Store:            store,
		Limits:           limits,
		AccountOwnerRole: ownerRole,
		Logger:           logger,
		Now:              time.Now,
		NewID:            uuid.NewString,
		locks:            make(map[rea.AgentID]*sync.Mutex),
	}
}

func (a *Allocator) contextLock(agent rea.AgentID) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locks == nil {
		a.locks = make(map[rea.AgentID]*sync.Mutex)
	}
	l, ok := a.locks[agent]
	if !ok {
		l = &sync.Mutex{}
		a.locks[agent] = l
	}
	return l
}

// RunValueEquation computes a distribution plan without writing anything.
func (a *Allocator) RunValueEquation(ctx context.Context, ve *equation.ValueEquation, amount decimal.Decimal,
	filters equation.Filters) (*Plan, error) {
	start := time.Now()
	plan, err := a.plan(ctx, a.Store, ve, amount, filters, a.Now().UTC())
	runDuration.WithLabelValues("preview").Observe(time.Since(start).Seconds())
	runsTotal.WithLabelValues("preview", outcome(err)).Inc()
	return plan, err
}

// RunValueEquationAndSave runs a value equation and persists the result.
// Nothing is written when any step fails.
func (a *Allocator) RunValueEquationAndSave(ctx context.Context, req Request) (ledger.Distribution, *Plan, error) {
	ve := req.ValueEquation
	if ve == nil {
		return ledger.Distribution{}, nil, fmt.Errorf("%w: value equation is required", equation.ErrInvalidEquation)
	}
	if req.Date.IsZero() {
		req.Date = a.Now().UTC()
	}

	lock := a.contextLock(ve.ContextAgent)
	lock.Lock()
	defer lock.Unlock()

	log := a.Logger.With("value_equation", ve.ID, "context_agent", ve.ContextAgent, "amount", req.Amount.String())
	log.Info("distribution started", "money_resource", req.MoneyResource)
	start := time.Now()

	var (
		dist ledger.Distribution
		plan *Plan
	)
	err := a.Store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		plan, err = a.plan(ctx, tx, ve, req.Amount, req.Filters, req.Date)
		if err != nil {
			return err
		}
		dist, err = a.save(ctx, tx, req, plan)
		return err
	})

	runDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
	runsTotal.WithLabelValues("save", outcome(err)).Inc()
	if err != nil {
		log.Error("distribution failed", "error", err)
		return ledger.Distribution{}, plan, err
	}

	amountDistributed.Add(req.Amount.InexactFloat64())
	for _, c := range plan.claims {
		for range c.settlements {
			claimsSettled.WithLabelValues(string(c.Claim.RuleType)).Inc()
		}
	}
	log.Info("distribution saved",
		"distribution", dist.ID,
		"recipients", len(plan.Payouts),
		"claims", len(plan.claims),
		"duration", time.Since(start))
	return dist, plan, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// =============================================================================
// PLANNING
// =============================================================================

func (a *Allocator) plan(ctx context.Context, store ledger.Store, ve *equation.ValueEquation,
	amount decimal.Decimal, filters equation.Filters, date time.Time) (*Plan, error) {
	if ve == nil {
		return nil, fmt.Errorf("%w: value equation is required", equation.ErrInvalidEquation)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := filters.CheckAgainst(ve); err != nil {
		return nil, err
	}

	rollup := valuation.NewRollup(store, nil, a.Limits)
	shares := valuation.NewShares(store, rollup, a.Limits)
	runner := NewBucketRunner(store, store, shares, date, a.newID)

	plan := &Plan{
		ValueEquation: ve.ID,
		ContextAgent:  ve.ContextAgent,
		Date:          date,
		Amount:        amount,
	}
	payouts := make(map[rea.AgentID]*Payout)
	payout := func(agent rea.AgentID) *Payout {
		po, ok := payouts[agent]
		if !ok {
			po = &Payout{Agent: agent, Amount: decimal.Zero}
			payouts[agent] = po
			plan.Payouts = append(plan.Payouts, po)
		}
		return po
	}

	pool := amount
	for _, b := range ve.Buckets {
		bucketAmount := b.Percentage.Mul(pool).Div(hundred)
		if bucketAmount.GreaterThan(pool) {
			bucketAmount = pool
		}
		distributed := decimal.Zero

		switch {
		case !bucketAmount.IsPositive():
			plan.Buckets = append(plan.Buckets, &BucketResult{Bucket: b.ID, Name: b.Name, Amount: decimal.Zero})
		case b.IsFixed():
			po := payout(b.DistributionAgent)
			po.Amount = po.Amount.Add(bucketAmount)
			distributed = bucketAmount
			plan.Buckets = append(plan.Buckets, &BucketResult{
				Bucket:      b.ID,
				Name:        b.Name,
				Amount:      bucketAmount,
				Fixed:       b.DistributionAgent,
				Portion:     decimal.NewFromInt(1),
				Distributed: bucketAmount,
			})
		default:
			filter, ok := filters[b.ID]
			if !ok {
				filter = equation.Filter{Method: b.FilterMethod}
			}
			res, err := runner.Run(ctx, ve, b, bucketAmount, filter)
			if err != nil {
				return plan, err
			}
			for _, s := range res.Settlements {
				po := payout(s.Agent)
				po.Amount = po.Amount.Add(s.Amount)
				po.Settlements = append(po.Settlements, s)
			}
			distributed = res.Distributed
			plan.Buckets = append(plan.Buckets, res)
		}

		if ve.PercentageBehavior == equation.Remaining {
			pool = pool.Sub(distributed)
		}
	}

	for _, po := range plan.Payouts {
		po.Amount = rea.Round2(po.Amount)
	}
	plan.claims = runner.ClaimStates()

	if err := reconcile(plan); err != nil {
		return plan, err
	}
	return plan, nil
}

func (a *Allocator) newID() string {
	if a.NewID != nil {
		return a.NewID()
	}
	return uuid.NewString()
}

// =============================================================================
// SAVING
// =============================================================================

func (a *Allocator) save(ctx context.Context, tx ledger.Store, req Request, plan *Plan) (ledger.Distribution, error) {
	ve := req.ValueEquation
	money, err := tx.Resource(ctx, req.MoneyResource)
	if err != nil {
		return ledger.Distribution{}, fmt.Errorf("money resource: %w", err)
	}
	moneyType, err := tx.ResourceType(ctx, money.ResourceType)
	if err != nil {
		return ledger.Distribution{}, fmt.Errorf("money resource type: %w", err)
	}

	// Accounts first: a missing account must fail before anything is written.
	accounts := make(map[rea.AgentID]rea.Resource, len(plan.Payouts))
	for _, po := range plan.Payouts {
		va, err := a.account(ctx, tx, po.Agent, moneyType)
		if err != nil {
			return ledger.Distribution{}, err
		}
		accounts[po.Agent] = va
	}

	for _, id := range req.IncomeEvents {
		if _, err := tx.Event(ctx, id); err != nil {
			return ledger.Distribution{}, fmt.Errorf("income event: %w", err)
		}
	}

	dist := ledger.Distribution{
		ID:            a.newID(),
		Date:          req.Date,
		ContextAgent:  ve.ContextAgent,
		ValueEquation: ve.ID,
		MoneyResource: money.ID,
		Amount:        req.Amount,
		IncomeEvents:  req.IncomeEvents,
		CreatedAt:     a.Now().UTC(),
	}
	if dist.EquationSnapshot, err = ve.Snapshot(req.Filters); err != nil {
		return dist, err
	}
	filters, err := json.Marshal(req.Filters)
	if err != nil {
		return dist, fmt.Errorf("encode filters: %w", err)
	}
	dist.Filters = string(filters)

	// Disbursement out of the money resource.
	from := money.Owner
	if from == "" {
		from = ve.ContextAgent
	}
	disbursement := rea.Event{
		ID:           rea.EventID(a.newID()),
		Kind:         rea.KindDisbursement,
		Date:         req.Date,
		From:         from,
		To:           ve.ContextAgent,
		ContextAgent: ve.ContextAgent,
		Resource:     money.ID,
		ResourceType: moneyType.ID,
		Distribution: dist.ID,
		Quantity:     req.Amount,
		Value:        req.Amount,
		Unit:         moneyType.Unit,
		UnitOfValue:  moneyType.Unit,
	}
	if err := tx.AppendEvent(ctx, disbursement); err != nil {
		return dist, err
	}
	if err := tx.SetResourceQuantity(ctx, money.ID, money.Quantity.Sub(req.Amount)); err != nil {
		return dist, err
	}
	dist.DisbursementEvent = disbursement.ID
	dist.Events = append(dist.Events, disbursement.ID)

	// One distribution event per recipient.
	distEvents := make(map[rea.AgentID]rea.EventID, len(plan.Payouts))
	for _, po := range plan.Payouts {
		va := accounts[po.Agent]
		evt := rea.Event{
			ID:           rea.EventID(a.newID()),
			Kind:         rea.KindDistribution,
			Date:         req.Date,
			From:         ve.ContextAgent,
			To:           po.Agent,
			ContextAgent: ve.ContextAgent,
			Resource:     va.ID,
			ResourceType: va.ResourceType,
			Distribution: dist.ID,
			Quantity:     po.Amount,
			Value:        po.Amount,
			Unit:         moneyType.Unit,
			UnitOfValue:  moneyType.Unit,
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return dist, err
		}
		if err := tx.SetResourceQuantity(ctx, va.ID, va.Quantity.Add(po.Amount)); err != nil {
			return dist, err
		}
		distEvents[po.Agent] = evt.ID
		dist.Events = append(dist.Events, evt.ID)
	}

	if err := a.saveClaims(ctx, tx, plan, distEvents, moneyType.Unit, req.Date); err != nil {
		return dist, err
	}

	if err := tx.SaveDistribution(ctx, dist); err != nil {
		return dist, fmt.Errorf("save distribution: %w", err)
	}
	return dist, nil
}

// saveClaims writes new claims with their "+" event, then one "-" event per
// settlement, and checks every touched claim still replays to its value.
func (a *Allocator) saveClaims(ctx context.Context, tx ledger.Store, plan *Plan,
	distEvents map[rea.AgentID]rea.EventID, unit string, date time.Time) error {
	l := ledger.NewLedger(tx)
	for _, state := range plan.claims {
		if len(state.settlements) == 0 {
			continue
		}
		c := state.Claim
		if state.New {
			c.UnitOfValue = unit
			c.Date = date
			c.Value = state.start
			err := l.Open(ctx, c, ledger.ClaimEvent{
				ID:          a.newID(),
				Event:       c.CreatingEvent,
				Date:        date,
				Value:       c.OriginalValue,
				UnitOfValue: unit,
			})
			if err != nil {
				return err
			}
		}
		for _, s := range state.settlements {
			c.Value = s.After
			err := l.Record(ctx, c, ledger.ClaimEvent{
				ID:          a.newID(),
				Event:       distEvents[s.Agent],
				Date:        date,
				Value:       s.Amount,
				UnitOfValue: unit,
			})
			if err != nil {
				return err
			}
		}
		if err := l.Verify(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// account finds the agent's virtual account in the money's unit, creating
// one when an owner role is configured.
func (a *Allocator) account(ctx context.Context, tx ledger.Store, agent rea.AgentID, money rea.ResourceType) (rea.Resource, error) {
	owned, err := tx.AgentResources(ctx, agent)
	if err != nil {
		return rea.Resource{}, err
	}
	for _, r := range owned {
		if !r.IsVirtualAccount {
			continue
		}
		if r.ResourceType == money.ID {
			return r, nil
		}
		rt, err := tx.ResourceType(ctx, r.ResourceType)
		if err != nil {
			return rea.Resource{}, err
		}
		if rt.Unit == money.Unit {
			return r, nil
		}
	}

	if a.AccountOwnerRole == "" {
		return rea.Resource{}, &rea.MissingAccountError{Agent: agent, Unit: money.Unit}
	}
	va := rea.Resource{
		ID:               rea.ResourceID(a.newID()),
		ResourceType:     money.ID,
		Quantity:         decimal.Zero,
		Owner:            agent,
		Role:             a.AccountOwnerRole,
		IsVirtualAccount: true,
	}
	if err := tx.CreateResource(ctx, va); err != nil {
		return rea.Resource{}, fmt.Errorf("create virtual account for %s: %w", agent, err)
	}
	a.Logger.Info("virtual account created", "agent", agent, "resource", va.ID, "unit", money.Unit)
	return va, nil
}
