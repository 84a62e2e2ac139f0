/*
scenarios.go - Demo books for testing and demonstrations

PURPOSE:

	Provides pre-built books that populate the store with a small sales
	hierarchy, schedules, policies and debt so each run family can be
	exercised end to end from the API.

AVAILABLE SCENARIOS:

	two-level-advance: agent under a manager, one whole-life policy
	paythru-proration: advanced first year paid out over the remaining months
	term-world:        six-month term product paid monthly every cycle
	debt-waterfall:    agent with chargeback and lead debt ahead of a payout

HOW SCENARIOS WORK:
 1. Parse the book JSON through the schedule factory (full validation)
 2. Refuse to load if any of its agents already exist
 3. Save agents, schedules, policies and terms
 4. Post any debt adjustments

Every scenario uses its own carrier and id prefix, so several can be
loaded into the same store side by side.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "debt-waterfall"}

SEE ALSO:
  - factory/schedule.go: Book JSON format
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "two-level-advance",
		Name:        "Two-Level Advance",
		Description: "Agent (0.80) under a manager (0.90), AP 1200, 75% advance",
		Category:    "advance",
	},
	{
		ID:          "paythru-proration",
		Name:        "Pay-Thru Proration",
		Description: "First-year commission advanced 9 months, remainder paid over 3",
		Category:    "paythru",
	},
	{
		ID:          "term-world",
		Name:        "Term World",
		Description: "Six-month term product paid monthly, renewal terms as renewal rows",
		Category:    "paythru",
	},
	{
		ID:          "debt-waterfall",
		Name:        "Debt Waterfall",
		Description: "Chargeback 120 and lead debt 900 repaid from the next payout",
		Category:    "debt",
	},
}

var errScenarioLoaded = errors.New("scenario already loaded")

type scenarioDebt struct {
	agentID     commission.AgentID
	entryType   commission.EntryType
	amount      string
	effectiveAt string
}

type scenarioBook struct {
	json  string
	debts []scenarioDebt
}

var scenarioBooks = map[string]scenarioBook{
	"two-level-advance": {json: `{
		"agents": [
			{"id": "tla-mgr", "name": "Morgan Reyes", "level": "manager"},
			{"id": "tla-agent", "name": "Avery Chen", "level": "agent", "recruiter_id": "tla-mgr"}
		],
		"schedules": [
			{"carrier": "demo-advance", "product_line": "life", "policy_type": "whole", "level": "agent",
			 "effective_from": "2024-01-01", "base_rate": "0.80", "advance_rate": "0.75",
			 "renewal_bands": [{"start_cycle": 2, "end_cycle": 10, "rate": "0.10"}]},
			{"carrier": "demo-advance", "product_line": "life", "policy_type": "whole", "level": "manager",
			 "effective_from": "2024-01-01", "base_rate": "0.90", "advance_rate": "0.75",
			 "renewal_bands": [{"start_cycle": 2, "end_cycle": 10, "rate": "0.12"}]}
		],
		"policies": [
			{"id": "tla-pol-1", "agent_id": "tla-agent", "carrier": "demo-advance", "product_line": "life",
			 "policy_type": "whole", "premium_annual": "1200", "issued_at": "2025-01-10", "status": "in_force"}
		]
	}`},
	"paythru-proration": {json: `{
		"agents": [
			{"id": "ptp-agent", "name": "Jordan Patel", "level": "agent"}
		],
		"schedules": [
			{"carrier": "demo-paythru", "product_line": "life", "policy_type": "whole", "level": "agent",
			 "effective_from": "2024-01-01", "base_rate": "0.90", "advance_rate": "0.75"}
		],
		"policies": [
			{"id": "ptp-pol-1", "agent_id": "ptp-agent", "carrier": "demo-paythru", "product_line": "life",
			 "policy_type": "whole", "premium_annual": "960", "issued_at": "2025-01-10", "status": "in_force"},
			{"id": "ptp-pol-2", "agent_id": "ptp-agent", "carrier": "demo-paythru", "product_line": "life",
			 "policy_type": "whole", "premium_annual": "960", "issued_at": "2025-01-10", "status": "in_force",
			 "as_earned": true}
		]
	}`},
	"term-world": {json: `{
		"agents": [
			{"id": "tw-agent", "name": "Riley Okafor", "level": "agent"}
		],
		"schedules": [
			{"carrier": "demo-term", "product_line": "health", "policy_type": "short-term", "level": "agent",
			 "effective_from": "2024-01-01", "base_rate": "0.10", "renewal_rate": "0.10",
			 "term_length_months": 6}
		],
		"policies": [
			{"id": "tw-pol-1", "agent_id": "tw-agent", "carrier": "demo-term", "product_line": "health",
			 "policy_type": "short-term", "premium_modal": "600", "issued_at": "2025-01-10", "status": "in_force"}
		]
	}`},
	"debt-waterfall": {
		json: `{
		"agents": [
			{"id": "dw-agent", "name": "Sam Novak", "level": "agent"}
		],
		"schedules": [
			{"carrier": "demo-debt", "product_line": "life", "policy_type": "whole", "level": "agent",
			 "effective_from": "2024-01-01", "base_rate": "0.80", "advance_rate": "0.75"}
		],
		"policies": [
			{"id": "dw-pol-1", "agent_id": "dw-agent", "carrier": "demo-debt", "product_line": "life",
			 "policy_type": "whole", "premium_annual": "1200", "issued_at": "2025-01-10", "status": "in_force"}
		]
	}`,
		debts: []scenarioDebt{
			{agentID: "dw-agent", entryType: commission.EntryChargeback, amount: "120", effectiveAt: "2025-01-02"},
			{agentID: "dw-agent", entryType: commission.EntryLeadCharge, amount: "900", effectiveAt: "2025-01-02"},
		},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a demo book into the store.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if _, ok := scenarioBooks[req.ScenarioID]; !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errScenarioLoaded) {
			writeError(w, http.StatusConflict, "Scenario already loaded", nil)
			return
		}
		h.internalError(w, r, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	sb := scenarioBooks[id]
	book, err := h.Factory.ParseBook([]byte(sb.json))
	if err != nil {
		return fmt.Errorf("parse scenario %s: %w", id, err)
	}

	for _, a := range book.Agents {
		existing, err := h.Store.GetAgent(ctx, a.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errScenarioLoaded
		}
	}

	now := time.Now().UTC()
	for i := range book.Agents {
		book.Agents[i].CreatedAt = now
	}
	if err := book.Load(ctx, h.Store); err != nil {
		return err
	}

	for _, d := range sb.debts {
		effective, err := time.Parse(dateLayout, d.effectiveAt)
		if err != nil {
			return err
		}
		entry := commission.LedgerEntry{
			ID:          commission.EntryID(uuid.NewString()),
			AgentID:     d.agentID,
			Amount:      decimal.RequireFromString(d.amount),
			Type:        d.entryType,
			EffectiveAt: effective,
			Meta:        commission.EntryMeta{Note: "scenario " + id},
			CreatedAt:   now,
		}
		if err := h.Store.AppendAdjustment(ctx, entry); err != nil {
			return fmt.Errorf("post scenario debt: %w", err)
		}
	}
	return nil
}
