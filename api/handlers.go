/*
handlers.go - HTTP API handlers for the value engine

PURPOSE:
  Exposes rollups, income shares, value equations and distributions via a
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the engine packages.

ENDPOINTS:
  Valuation:
    GET    /api/resources/{id}/value        Roll up a resource (?equation=)
    GET    /api/resources/{id}/shares       Income shares (?equation=&quantity=)
    GET    /api/processes/{id}/value        Value a process (?equation=)

  Value equations:
    GET    /api/equations                   List value equations
    POST   /api/equations                   Create from JSON
    GET    /api/equations/{id}              Get one
    DELETE /api/equations/{id}              Delete (409 when in use)
    POST   /api/equations/validate          Check one claim creation equation
    GET    /api/equations/{id}/rules/{rule}/matches  Events a rule would value

  Distributions:
    POST   /api/equations/{id}/preview        Dry run, nothing saved
    POST   /api/equations/{id}/distributions  Run and save
    GET    /api/equations/{id}/distributions  Saved runs of an equation
    GET    /api/distributions/{id}            One saved run

  Claims:
    GET    /api/agents/{id}/claims          Claims held by an agent

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: flow graph and ledger access
  - Factory: JSON to ValueEquation conversion
  - Allocator: distribution runs
  - Cached compiled value equations

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error kind:
  - 400: Invalid input, malformed filters, non-positive amounts
  - 404: Resource not found
  - 409: Conflict (value equation in use)
  - 422: Invalid value equation, missing account, traversal limit,
         distribution that does not reconcile
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/distribution"
	"github.com/warp/value-engine/equation"
	"github.com/warp/value-engine/factory"
	"github.com/warp/value-engine/ledger"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/valuation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs from a backing store.
type Store interface {
	ledger.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Factory   *factory.EquationFactory
	Allocator *distribution.Allocator
	Limits    valuation.Limits
	Logger    *slog.Logger

	validate *validator.Validate

	// Cached compiled value equations
	mu        sync.RWMutex
	equations map[string]*equation.ValueEquation

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler with the given store.
func NewHandler(store Store, limits valuation.Limits, accountOwnerRole string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:     store,
		Factory:   factory.NewEquationFactory(),
		Allocator: distribution.NewAllocator(store, limits, accountOwnerRole, logger),
		Limits:    limits,
		Logger:    logger,
		validate:  validator.New(),
		equations: make(map[string]*equation.ValueEquation),
	}
}

// LoadEquations compiles all stored value equations into the cache.
func (h *Handler) LoadEquations(ctx context.Context) error {
	records, err := h.Store.ListValueEquations(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range records {
		ve, err := h.Factory.FromRecord(rec)
		if err != nil {
			h.Logger.Warn("skipping invalid value equation", "value_equation", rec.ID, "error", err)
			continue
		}
		h.equations[ve.ID] = ve
	}
	return nil
}

// equationFor returns the compiled value equation, or nil for an empty ID.
func (h *Handler) equationFor(ctx context.Context, id string) (*equation.ValueEquation, error) {
	if id == "" {
		return nil, nil
	}
	h.mu.RLock()
	ve, ok := h.equations[id]
	h.mu.RUnlock()
	if ok {
		return ve, nil
	}

	rec, err := h.Store.ValueEquation(ctx, id)
	if err != nil {
		return nil, err
	}
	ve, err = h.Factory.FromRecord(rec)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.equations[id] = ve
	h.mu.Unlock()
	return ve, nil
}

func (h *Handler) forgetEquations() {
	h.mu.Lock()
	h.equations = make(map[string]*equation.ValueEquation)
	h.mu.Unlock()
}

// =============================================================================
// VALUATION HANDLERS
// =============================================================================

// GetResourceValue rolls up a resource and caches its value per unit.
// GET /api/resources/{id}/value?equation=
func (h *Handler) GetResourceValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := rea.ResourceID(chi.URLParam(r, "id"))

	ve, err := h.equationFor(ctx, r.URL.Query().Get("equation"))
	if err != nil {
		h.writeFailure(w, "Failed to load value equation", err)
		return
	}

	var result valuation.Result
	err = h.Store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		result, err = valuation.NewRollup(tx, tx, h.Limits).RollUpResource(ctx, id, ve)
		return err
	})
	if err != nil {
		h.writeFailure(w, "Failed to roll up resource", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetResourceShares lists the contributions behind a quantity of a resource.
// GET /api/resources/{id}/shares?equation=&quantity=
func (h *Handler) GetResourceShares(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := rea.ResourceID(chi.URLParam(r, "id"))

	ve, err := h.equationFor(ctx, r.URL.Query().Get("equation"))
	if err != nil {
		h.writeFailure(w, "Failed to load value equation", err)
		return
	}

	res, err := h.Store.Resource(ctx, id)
	if err != nil {
		h.writeFailure(w, "Failed to get resource", err)
		return
	}
	quantity := res.Quantity
	if q := r.URL.Query().Get("quantity"); q != "" {
		if quantity, err = decimal.NewFromString(q); err != nil || !quantity.IsPositive() {
			writeError(w, http.StatusBadRequest, "Invalid quantity (must be a positive number)", err)
			return
		}
	}

	engine := valuation.NewShares(h.Store, nil, h.Limits)
	shares, err := engine.ResourceShares(ctx, id, quantity, ve, nil)
	if err != nil {
		h.writeFailure(w, "Failed to compute shares", err)
		return
	}
	if shares == nil {
		shares = []valuation.Share{}
	}

	writeJSON(w, http.StatusOK, SharesDTO{
		Resource: string(id),
		Quantity: quantity,
		Total:    valuation.SumShares(shares),
		Shares:   shares,
	})
}

// GetProcessValue values a process and caches its input values.
// GET /api/processes/{id}/value?equation=
func (h *Handler) GetProcessValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := rea.ProcessID(chi.URLParam(r, "id"))

	ve, err := h.equationFor(ctx, r.URL.Query().Get("equation"))
	if err != nil {
		h.writeFailure(w, "Failed to load value equation", err)
		return
	}

	var pv valuation.ProcessValue
	err = h.Store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		pv, err = valuation.NewRollup(tx, tx, h.Limits).RollUpProcess(ctx, id, ve)
		return err
	})
	if err != nil {
		h.writeFailure(w, "Failed to value process", err)
		return
	}

	writeJSON(w, http.StatusOK, pv)
}

// =============================================================================
// VALUE EQUATION HANDLERS
// =============================================================================

// ListEquations returns all stored value equations.
// GET /api/equations
func (h *Handler) ListEquations(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListValueEquations(r.Context())
	if err != nil {
		h.writeFailure(w, "Failed to list value equations", err)
		return
	}

	dtos := make([]EquationDTO, 0, len(records))
	for _, rec := range records {
		dto, err := h.toEquationDTO(rec)
		if err != nil {
			h.Logger.Warn("skipping unreadable value equation", "value_equation", rec.ID, "error", err)
			continue
		}
		dtos = append(dtos, dto)
	}

	writeJSON(w, http.StatusOK, dtos)
}

// CreateEquation stores a value equation after compiling every rule.
// POST /api/equations
func (h *Handler) CreateEquation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body factory.EquationJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "Value equation id is required", nil)
		return
	}

	ve, err := h.Factory.FromJSON(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid value equation", err)
		return
	}
	if _, err := h.Store.Agent(ctx, ve.ContextAgent); err != nil {
		h.writeFailure(w, "Unknown context agent", err)
		return
	}

	rec, err := h.Factory.ToRecord(ve)
	if err != nil {
		h.writeFailure(w, "Failed to encode value equation", err)
		return
	}
	if err := h.Store.SaveValueEquation(ctx, rec); err != nil {
		h.writeFailure(w, "Failed to save value equation", err)
		return
	}
	saved, err := h.Store.ValueEquation(ctx, ve.ID)
	if err != nil {
		h.writeFailure(w, "Failed to reload value equation", err)
		return
	}

	h.mu.Lock()
	h.equations[ve.ID] = ve
	h.mu.Unlock()
	h.Logger.Info("value equation saved", "value_equation", ve.ID, "version", saved.Version)

	dto, err := h.toEquationDTO(saved)
	if err != nil {
		h.writeFailure(w, "Failed to render value equation", err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// GetEquation returns one value equation.
// GET /api/equations/{id}
func (h *Handler) GetEquation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.ValueEquation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, "Failed to get value equation", err)
		return
	}
	dto, err := h.toEquationDTO(rec)
	if err != nil {
		h.writeFailure(w, "Failed to render value equation", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// DeleteEquation removes a value equation that is neither live nor used by
// a saved distribution.
// DELETE /api/equations/{id}
func (h *Handler) DeleteEquation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteValueEquation(r.Context(), id); err != nil {
		h.writeFailure(w, "Failed to delete value equation", err)
		return
	}

	h.mu.Lock()
	delete(h.equations, id)
	h.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// ValidateExpression checks a claim creation equation while it is authored.
// POST /api/equations/validate
func (h *Handler) ValidateExpression(w http.ResponseWriter, r *http.Request) {
	var req ValidateExpressionRequest
	if err := h.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	expr, err := equation.Compile(req.Expression)
	if err != nil {
		writeJSON(w, http.StatusOK, ValidateExpressionResponse{Valid: false, Error: err.Error()})
		return
	}
	resp := ValidateExpressionResponse{Valid: true, Variables: expr.Variables()}
	if v, err := expr.Eval(equation.UnitBindings()); err == nil {
		resp.Sample = v.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRuleMatches lists the context events a bucket rule would value.
// GET /api/equations/{id}/rules/{rule}/matches
func (h *Handler) GetRuleMatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ve, err := h.equationFor(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, "Failed to load value equation", err)
		return
	}

	ruleID := chi.URLParam(r, "rule")
	var rule *equation.BucketRule
	for _, b := range ve.Buckets {
		for _, br := range b.Rules {
			if br.ID == ruleID {
				rule = br
			}
		}
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "Bucket rule not found", nil)
		return
	}

	events, err := ve.RuleMatches(ctx, h.Store, rule)
	if err != nil {
		h.writeFailure(w, "Failed to match rule", err)
		return
	}
	if events == nil {
		events = []rea.Event{}
	}
	writeJSON(w, http.StatusOK, RuleMatchesDTO{Rule: rule.ID, Events: events})
}

// =============================================================================
// DISTRIBUTION HANDLERS
// =============================================================================

// PreviewDistribution computes a distribution plan without saving it.
// POST /api/equations/{id}/preview
func (h *Handler) PreviewDistribution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ve, req, filters, ok := h.distributionInput(w, r)
	if !ok {
		return
	}

	plan, err := h.Allocator.RunValueEquation(ctx, ve, req.Amount, filters)
	if err != nil {
		h.writeFailure(w, "Failed to compute distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, DistributionResponse{Plan: plan})
}

// RunDistribution runs a value equation and saves the result.
// POST /api/equations/{id}/distributions
func (h *Handler) RunDistribution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ve, req, filters, ok := h.distributionInput(w, r)
	if !ok {
		return
	}
	if req.MoneyResource == "" {
		writeError(w, http.StatusBadRequest, "money_resource is required", nil)
		return
	}

	run := distribution.Request{
		ValueEquation: ve,
		MoneyResource: rea.ResourceID(req.MoneyResource),
		Amount:        req.Amount,
		Filters:       filters,
	}
	if req.Date != "" {
		// Format already checked by the validator
		run.Date, _ = time.Parse(equation.DateLayout, req.Date)
	}
	for _, id := range req.IncomeEvents {
		run.IncomeEvents = append(run.IncomeEvents, rea.EventID(id))
	}

	dist, plan, err := h.Allocator.RunValueEquationAndSave(ctx, run)
	if err != nil {
		h.writeFailure(w, "Failed to run distribution", err)
		return
	}
	writeJSON(w, http.StatusCreated, DistributionResponse{Distribution: &dist, Plan: plan})
}

// distributionInput decodes a distribution request. It writes the error
// response itself and reports ok=false when the request cannot run.
func (h *Handler) distributionInput(w http.ResponseWriter, r *http.Request) (*equation.ValueEquation,
	DistributionRequest, equation.Filters, bool) {
	var req DistributionRequest
	if err := h.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, req, nil, false
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be positive", distribution.ErrInvalidAmount)
		return nil, req, nil, false
	}

	ve, err := h.equationFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, "Failed to load value equation", err)
		return nil, req, nil, false
	}
	filters, err := equation.ParseFilters(req.Filters)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bucket filters", err)
		return nil, req, nil, false
	}
	return ve, req, filters, true
}

// ListDistributions returns the saved runs of a value equation.
// GET /api/equations/{id}/distributions
func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := h.Store.DistributionsByEquation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, "Failed to list distributions", err)
		return
	}
	if dists == nil {
		dists = []ledger.Distribution{}
	}
	writeJSON(w, http.StatusOK, dists)
}

// GetDistribution returns one saved run.
// GET /api/distributions/{id}
func (h *Handler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := h.Store.Distribution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, "Failed to get distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// GetAgentClaims returns the claims an agent holds.
// GET /api/agents/{id}/claims
func (h *Handler) GetAgentClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent := rea.AgentID(chi.URLParam(r, "id"))

	if _, err := h.Store.Agent(ctx, agent); err != nil {
		h.writeFailure(w, "Failed to get agent", err)
		return
	}
	claims, err := h.Store.ClaimsByAgent(ctx, agent)
	if err != nil {
		h.writeFailure(w, "Failed to list claims", err)
		return
	}
	outstanding, err := ledger.NewLedger(h.Store).Outstanding(ctx, agent)
	if err != nil {
		h.writeFailure(w, "Failed to total claims", err)
		return
	}
	if claims == nil {
		claims = []ledger.Claim{}
	}

	writeJSON(w, http.StatusOK, AgentClaimsDTO{
		Agent:       string(agent),
		Outstanding: outstanding,
		Claims:      claims,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeFailure(w, "Failed to reset database", err)
		return
	}
	h.forgetEquations()
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) toEquationDTO(rec ledger.ValueEquationRecord) (EquationDTO, error) {
	var config factory.EquationJSON
	if err := json.Unmarshal([]byte(rec.ConfigJSON), &config); err != nil {
		return EquationDTO{}, fmt.Errorf("decode value equation %s: %w", rec.ID, err)
	}
	dto := EquationDTO{
		ID:           rec.ID,
		Name:         rec.Name,
		ContextAgent: string(rec.ContextAgent),
		Live:         rec.Live,
		Config:       config,
		Version:      rec.Version,
	}
	if !rec.CreatedAt.IsZero() {
		dto.CreatedAt = rec.CreatedAt.Format(time.RFC3339)
	}
	if !rec.UpdatedAt.IsZero() {
		dto.UpdatedAt = rec.UpdatedAt.Format(time.RFC3339)
	}
	return dto, nil
}

// decodeRequest decodes a JSON body and runs its validator tags.
func (h *Handler) decodeRequest(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", rea.ErrInvalidInput, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", rea.ErrInvalidInput, err)
	}
	return nil
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case rea.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrEquationInUse):
		return http.StatusConflict
	case rea.IsClientError(err),
		errors.Is(err, equation.ErrInvalidFilter),
		errors.Is(err, distribution.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, equation.ErrInvalidEquation),
		errors.Is(err, equation.ErrDivisionByZero),
		errors.Is(err, rea.ErrMissingAccount),
		errors.Is(err, rea.ErrTraversalLimit),
		errors.Is(err, distribution.ErrReconciliation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeFailure writes err with the status its kind maps to.
func (h *Handler) writeFailure(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
