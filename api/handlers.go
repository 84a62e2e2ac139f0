/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes commit runs, previews, reference data and ledger reports over
  REST. Handles HTTP request/response and JSON, and delegates to the
  commission engine and repository.

ENDPOINTS:
  Runs (admin):
    POST   /api/runs/{cadence}            Commit run (weekly-advance, monthly-paythru, annual-renewal)
    GET    /api/runs                      Run audit records

  Agents:
    GET    /api/agents                    List agents (admin)
    POST   /api/agents                    Create or update agent (admin)
    GET    /api/agents/{id}               Agent details
    GET    /api/agents/{id}/preview       Dry-run payout for one agent
    GET    /api/agents/{id}/ledger        Ledger rows
    GET    /api/agents/{id}/batches       Payout batches
    GET    /api/agents/{id}/debt          Debt account
    POST   /api/agents/{id}/adjustments   Chargeback, lead charge or bonus (admin)

  Policies (admin):
    GET    /api/policies                  List policies
    POST   /api/policies                  Create or update policy (with terms)
    GET    /api/policies/{id}/ledger      Rows grouped by entry type
    POST   /api/policies/{id}/terms       Add a term premium override

  Schedules (admin):
    GET    /api/schedules                 List schedule versions
    POST   /api/schedules                 Add a schedule version

  Batches:
    GET    /api/batches/{id}              Batch with its settled rows

ACCESS:
  Agents may read their own data. Everything else needs an admin caller
  (see caller.go).

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 403: Caller not allowed
  - 404: Resource not found
  - 409: Run locked, duplicate accrual, schedule version exists
  - 500: Internal errors (logged, never echoed to the client)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   commission.Repository
	Engine  *commission.Engine
	Factory *factory.ScheduleFactory
	Logger  *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(store commission.Repository, engine *commission.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:   store,
		Engine:  engine,
		Factory: factory.NewScheduleFactory(),
		Logger:  logger,
	}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// TriggerRun executes a commit run for a cadence.
// POST /api/runs/{cadence}
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	family, err := commission.ParseCadence(chi.URLParam(r, "cadence"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown cadence", err)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var asOf time.Time
	if req.AsOfDate != "" {
		asOf, err = time.Parse(dateLayout, req.AsOfDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of_date format (use YYYY-MM-DD)", err)
			return
		}
	}

	result, err := h.Engine.Run(r.Context(), family, asOf)
	if err != nil {
		if errors.Is(err, commission.ErrRunLocked) {
			writeError(w, http.StatusConflict, "A run for this cadence is already in progress", nil)
			return
		}
		h.internalError(w, r, "Commission run failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toRunResultDTO(result))
}

// ListRuns returns recent run audit records.
// GET /api/runs?limit=50
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, "Failed to list runs", err)
		return
	}

	dtos := make([]RunRecordDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunRecordDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

// ListAgents returns all agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to list agents", err)
		return
	}

	dtos := make([]AgentDTO, len(agents))
	for i, a := range agents {
		dtos[i] = toAgentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAgent creates or updates an agent.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req factory.AgentJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	agent, err := h.Factory.AgentFromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid agent", err)
		return
	}
	agent.CreatedAt = time.Now().UTC()

	if err := h.Store.SaveAgent(r.Context(), agent); err != nil {
		h.internalError(w, r, "Failed to save agent", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAgentDTO(agent))
}

// GetAgent returns a single agent.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadVisibleAgent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(*agent))
}

// Preview simulates the next run of a cadence for one agent.
// GET /api/agents/{id}/preview?cadence=monthly-paythru&as_of=2025-10-05
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	agentID := commission.AgentID(chi.URLParam(r, "id"))
	if !CallerFrom(r.Context()).CanView(agentID) {
		writeError(w, http.StatusForbidden, "Not allowed to view this agent", nil)
		return
	}

	cadence := r.URL.Query().Get("cadence")
	if cadence == "" {
		cadence = commission.FamilyPaythru.Cadence()
	}
	family, err := commission.ParseCadence(cadence)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown cadence", err)
		return
	}

	var asOf time.Time
	if s := r.URL.Query().Get("as_of"); s != "" {
		asOf, err = time.Parse(dateLayout, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
	}

	preview, err := h.Engine.Preview(r.Context(), family, agentID, asOf)
	if err != nil {
		if errors.Is(err, commission.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "Agent not found", nil)
			return
		}
		h.internalError(w, r, "Preview failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toPreviewDTO(preview))
}

// GetAgentLedger returns an agent's ledger rows.
// GET /api/agents/{id}/ledger?run_family=paythru&limit=100
func (h *Handler) GetAgentLedger(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadVisibleAgent(w, r)
	if !ok {
		return
	}

	filter := commission.LedgerFilter{AgentID: agent.ID}
	if f := r.URL.Query().Get("run_family"); f != "" {
		family, err := commission.ParseCadence(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Unknown run family", err)
			return
		}
		filter.Family = family
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	entries, err := h.Store.ListEntries(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "Failed to list ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GetAgentBatches returns an agent's payout batches.
func (h *Handler) GetAgentBatches(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadVisibleAgent(w, r)
	if !ok {
		return
	}

	batches, err := h.Store.ListBatches(r.Context(), agent.ID)
	if err != nil {
		h.internalError(w, r, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAgentDebt returns the agent's debt account and current repay rate.
func (h *Handler) GetAgentDebt(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadVisibleAgent(w, r)
	if !ok {
		return
	}

	acct, err := h.Store.DebtAccount(r.Context(), agent.ID)
	if err != nil {
		h.internalError(w, r, "Failed to load debt account", err)
		return
	}

	writeJSON(w, http.StatusOK, DebtAccountDTO{
		AgentID:         string(agent.ID),
		ChargebackTotal: money(acct.ChargebackTotal),
		LeadDebtTotal:   money(acct.LeadDebtTotal),
		TotalDebt:       money(acct.TotalDebt()),
		RepayRate:       commission.RepayRate(acct.TotalDebt(), agent.IsActive).String(),
	})
}

// CreateAdjustment records a manual chargeback, lead charge or bonus.
// POST /api/agents/{id}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := commission.AgentID(chi.URLParam(r, "id"))

	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := buildAdjustment(agentID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid adjustment", err)
		return
	}

	agent, err := h.Store.GetAgent(ctx, agentID)
	if err != nil {
		h.internalError(w, r, "Failed to get agent", err)
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "Agent not found", nil)
		return
	}

	if err := h.Store.AppendAdjustment(ctx, entry); err != nil {
		if errors.Is(err, commission.ErrDuplicateAccrual) {
			writeError(w, http.StatusConflict, "An adjustment with this key already exists", err)
			return
		}
		h.internalError(w, r, "Failed to record adjustment", err)
		return
	}

	h.Logger.Info("Adjustment recorded",
		zap.String("agent_id", string(agentID)),
		zap.String("entry_type", string(entry.Type)),
		zap.String("amount", money(entry.Amount)),
		zap.String("caller", string(CallerFrom(ctx).ID)),
	)
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// buildAdjustment validates an adjustment request. Debt rows are positive
// when incurred and carry no run family. Bonus rows are payable in the
// named family's pay period containing the effective date.
func buildAdjustment(agentID commission.AgentID, req AdjustmentRequest) (commission.LedgerEntry, error) {
	entryType := commission.EntryType(req.Type)
	switch entryType {
	case commission.EntryChargeback, commission.EntryLeadCharge, commission.EntryBonus:
	default:
		return commission.LedgerEntry{}, fmt.Errorf("type must be chargeback, lead_charge or bonus")
	}
	if !req.Amount.IsPositive() {
		return commission.LedgerEntry{}, fmt.Errorf("amount must be positive")
	}

	effective := commission.DateOf(time.Now())
	if req.EffectiveDate != "" {
		d, err := time.Parse(dateLayout, req.EffectiveDate)
		if err != nil {
			return commission.LedgerEntry{}, fmt.Errorf("invalid effective_date: %w", err)
		}
		effective = d
	}

	now := time.Now().UTC()
	entry := commission.LedgerEntry{
		ID:          commission.EntryID(uuid.NewString()),
		AgentID:     agentID,
		PolicyID:    commission.PolicyID(req.PolicyID),
		Amount:      commission.Round2(req.Amount),
		Type:        entryType,
		EffectiveAt: effective,
		Meta:        commission.EntryMeta{Note: req.Note},
		CreatedAt:   now,
	}

	if entryType == commission.EntryBonus {
		family := commission.FamilyPaythru
		if req.Family != "" {
			f, err := commission.ParseCadence(req.Family)
			if err != nil {
				return commission.LedgerEntry{}, err
			}
			family = f
		}
		entry.RunFamily = family
		entry.PeriodKey = family.PeriodKey(effective)
		entry.Meta.RunFamily = family
	} else if req.Family != "" {
		return commission.LedgerEntry{}, fmt.Errorf("run_family applies to bonus rows only")
	}
	return entry, nil
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns all policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to list policies", err)
		return
	}

	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy creates or updates a policy and any terms it carries.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req factory.PolicyJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	policy, terms, err := h.Factory.PolicyFromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}

	if err := h.Store.SavePolicy(ctx, policy); err != nil {
		h.internalError(w, r, "Failed to save policy", err)
		return
	}
	for _, t := range terms {
		if err := h.Store.SavePolicyTerm(ctx, t); err != nil {
			h.internalError(w, r, "Failed to save policy term", err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, toPolicyDTO(policy))
}

// GetPolicyLedger returns a policy's rows grouped by entry type.
func (h *Handler) GetPolicyLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := commission.PolicyID(chi.URLParam(r, "id"))

	policy, err := h.Store.GetPolicy(ctx, policyID)
	if err != nil {
		h.internalError(w, r, "Failed to get policy", err)
		return
	}
	if policy == nil {
		writeError(w, http.StatusNotFound, "Policy not found", nil)
		return
	}

	entries, err := h.Store.ListEntries(ctx, commission.LedgerFilter{PolicyID: policyID})
	if err != nil {
		h.internalError(w, r, "Failed to list ledger", err)
		return
	}

	dto := PolicyLedgerDTO{
		PolicyID: string(policyID),
		Entries:  make(map[string][]LedgerEntryDTO),
		Totals:   make(map[string]string),
	}
	totals := make(map[string]decimal.Decimal)
	for _, e := range entries {
		t := string(e.Type)
		dto.Entries[t] = append(dto.Entries[t], toEntryDTO(e))
		totals[t] = totals[t].Add(e.Amount)
	}
	for t, sum := range totals {
		dto.Totals[t] = money(sum)
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreatePolicyTerm adds a term premium override.
func (h *Handler) CreatePolicyTerm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := commission.PolicyID(chi.URLParam(r, "id"))

	var req factory.TermJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	term, err := h.Factory.TermFromJSON(policyID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}

	policy, err := h.Store.GetPolicy(ctx, policyID)
	if err != nil {
		h.internalError(w, r, "Failed to get policy", err)
		return
	}
	if policy == nil {
		writeError(w, http.StatusNotFound, "Policy not found", nil)
		return
	}

	if err := h.Store.SavePolicyTerm(ctx, term); err != nil {
		h.internalError(w, r, "Failed to save policy term", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// ListSchedules returns every stored schedule version.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.Store.ListSchedules(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to list schedules", err)
		return
	}

	dtos := make([]factory.ScheduleJSON, len(schedules))
	for i, s := range schedules {
		dtos[i] = h.Factory.ToJSON(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSchedule adds a schedule version. Existing versions are never edited.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req factory.ScheduleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	schedule, err := h.Factory.FromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule", err)
		return
	}

	if err := h.Store.SaveSchedule(r.Context(), schedule); err != nil {
		switch {
		case errors.Is(err, commission.ErrScheduleExists):
			writeError(w, http.StatusConflict, "Schedule version already exists", err)
		case errors.Is(err, commission.ErrInvalidSchedule):
			writeError(w, http.StatusBadRequest, "Invalid schedule", err)
		default:
			h.internalError(w, r, "Failed to save schedule", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, h.Factory.ToJSON(schedule))
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// GetBatch returns a payout batch with the rows it settled.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := commission.BatchID(chi.URLParam(r, "id"))

	batch, err := h.Store.GetBatch(ctx, batchID)
	if err != nil {
		h.internalError(w, r, "Failed to get batch", err)
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, "Batch not found", nil)
		return
	}
	if !CallerFrom(ctx).CanView(batch.AgentID) {
		writeError(w, http.StatusForbidden, "Not allowed to view this batch", nil)
		return
	}

	entries, err := h.Store.ListEntries(ctx, commission.LedgerFilter{BatchID: batchID})
	if err != nil {
		h.internalError(w, r, "Failed to list batch rows", err)
		return
	}

	writeJSON(w, http.StatusOK, BatchDetailDTO{
		Batch:   toBatchDTO(*batch),
		Entries: toEntryDTOs(entries),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// loadVisibleAgent resolves {id}, enforcing caller access. It writes the
// error response and returns false when the request should stop.
func (h *Handler) loadVisibleAgent(w http.ResponseWriter, r *http.Request) (*commission.Agent, bool) {
	agentID := commission.AgentID(chi.URLParam(r, "id"))
	if !CallerFrom(r.Context()).CanView(agentID) {
		writeError(w, http.StatusForbidden, "Not allowed to view this agent", nil)
		return nil, false
	}

	agent, err := h.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		h.internalError(w, r, "Failed to get agent", err)
		return nil, false
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "Agent not found", nil)
		return nil, false
	}
	return agent, true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.Logger.Error(message,
		zap.Error(err),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
	)
	writeError(w, http.StatusInternalServerError, message, nil)
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

func queryInt(r *http.Request, key string, defaultValue int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
