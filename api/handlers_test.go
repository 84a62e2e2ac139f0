/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Admin gate and caller visibility
- Commit runs (success, lock contention, bad input)
- Preview, adjustments, schedules, health
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	store  *store.Memory
	router http.Handler
	h      *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	m := store.NewMemory()
	engine := commission.NewEngine(m, zap.NewNop(), commission.DefaultConfig()).
		WithClock(func() time.Time { return time.Date(2025, time.February, 7, 12, 0, 0, 0, time.UTC) })
	h := NewHandler(m, engine, zap.NewNop())
	return &testServer{store: m, router: NewRouter(h), h: h}
}

// caller is a request identity for do.
type caller struct {
	id    string
	admin bool
}

var admin = caller{id: "ops-1", admin: true}

func (ts *testServer) do(t *testing.T, c caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.id != "" {
		req.Header.Set(HeaderCallerID, c.id)
	}
	if c.admin {
		req.Header.Set(HeaderCallerAdmin, "true")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) loadScenario(t *testing.T, id string) {
	t.Helper()
	rec := ts.do(t, admin, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// RUNS
// =============================================================================

func TestTriggerRun_RequiresAdmin(t *testing.T) {
	// GIVEN: An agent caller without the admin flag
	ts := newTestServer(t)

	// WHEN: They try to trigger a run
	rec := ts.do(t, caller{id: "tla-agent"}, http.MethodPost, "/api/runs/weekly-advance", nil)

	// THEN: Forbidden
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTriggerRun_AdvancePaysAgent(t *testing.T) {
	// GIVEN: The two-level book
	ts := newTestServer(t)
	ts.loadScenario(t, "two-level-advance")

	// WHEN: The weekly advance runs on 2025-02-07
	rec := ts.do(t, admin, http.MethodPost, "/api/runs/weekly-advance", RunRequest{AsOfDate: "2025-02-07"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Writer advance 720 and manager override 90 are accrued
	res := decode[RunResultDTO](t, rec)
	assert.Equal(t, "weekly-advance", res.Cadence)
	assert.Equal(t, "advance", res.Family)
	assert.Equal(t, "2025-02-07", res.PeriodKey)
	assert.Equal(t, 2, res.RowsCreated)
	assert.Equal(t, "810.00", res.Totals.Accrued)
	assert.NotEmpty(t, res.RunID)

	// AND: The run is in the audit list
	rec = ts.do(t, admin, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[map[string][]RunRecordDTO](t, rec)["runs"]
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestTriggerRun_RerunIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "two-level-advance")

	first := ts.do(t, admin, http.MethodPost, "/api/runs/advance", RunRequest{AsOfDate: "2025-02-07"})
	require.Equal(t, http.StatusOK, first.Code)

	again := ts.do(t, admin, http.MethodPost, "/api/runs/advance", RunRequest{AsOfDate: "2025-02-07"})
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, 0, decode[RunResultDTO](t, again).RowsCreated)
}

func TestTriggerRun_LockHeldReturnsConflict(t *testing.T) {
	// GIVEN: Another invocation holds the advance lock
	ts := newTestServer(t)
	release, err := ts.store.AcquireRunLock(context.Background(), commission.FamilyAdvance)
	require.NoError(t, err)
	defer release()

	// WHEN: A run for a different Friday is triggered
	rec := ts.do(t, admin, http.MethodPost, "/api/runs/weekly-advance", RunRequest{AsOfDate: "2025-02-14"})

	// THEN: Conflict, nothing written
	assert.Equal(t, http.StatusConflict, rec.Code)
	runs, err := ts.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTriggerRun_BadInput(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"unknown cadence", "/api/runs/daily", nil},
		{"bad date", "/api/runs/monthly-paythru", RunRequest{AsOfDate: "05/10/2025"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, admin, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTriggerRun_EmptyBodyUsesDefaultDate(t *testing.T) {
	// GIVEN: The engine clock reads Friday 2025-02-07
	ts := newTestServer(t)

	// WHEN: The advance run is triggered without a body
	rec := ts.do(t, admin, http.MethodPost, "/api/runs/weekly-advance", nil)

	// THEN: It runs for that Friday
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-02-07", decode[RunResultDTO](t, rec).PeriodKey)
}

// =============================================================================
// PREVIEW AND VISIBILITY
// =============================================================================

func TestPreview_SelfAccessOnly(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "two-level-advance")
	path := "/api/agents/tla-agent/preview?cadence=weekly-advance&as_of=2025-02-07"

	t.Run("self", func(t *testing.T) {
		rec := ts.do(t, caller{id: "tla-agent"}, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		p := decode[PreviewDTO](t, rec)
		assert.Equal(t, "tla-agent", p.AgentID)
		require.Len(t, p.Rows, 1)
		assert.Equal(t, "720.00", p.Rows[0].Amount)
	})

	t.Run("other agent", func(t *testing.T) {
		rec := ts.do(t, caller{id: "tla-mgr"}, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin, unknown agent", func(t *testing.T) {
		rec := ts.do(t, admin, http.MethodGet, "/api/agents/nobody/preview", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPreview_WritesNothing(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "two-level-advance")

	rec := ts.do(t, admin, http.MethodGet, "/api/agents/tla-agent/preview?cadence=advance&as_of=2025-02-07", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rows, err := ts.store.ListEntries(context.Background(), commission.LedgerFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGetBatch_VisibleToOwner(t *testing.T) {
	// GIVEN: An advance run that paid the writing agent
	ts := newTestServer(t)
	ts.loadScenario(t, "two-level-advance")
	rec := ts.do(t, admin, http.MethodPost, "/api/runs/advance", RunRequest{AsOfDate: "2025-02-07"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, caller{id: "tla-agent"}, http.MethodGet, "/api/agents/tla-agent/batches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	batches := decode[[]BatchDTO](t, rec)
	require.Len(t, batches, 1)

	// WHEN/THEN: The owner sees the detail, another agent does not
	rec = ts.do(t, caller{id: "tla-agent"}, http.MethodGet, "/api/batches/"+batches[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[BatchDetailDTO](t, rec)
	assert.Len(t, detail.Entries, 1)

	rec = ts.do(t, caller{id: "tla-mgr"}, http.MethodGet, "/api/batches/"+batches[0].ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, admin, http.MethodGet, "/api/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestCreateAdjustment(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "two-level-advance")

	tests := []struct {
		name   string
		agent  string
		body   map[string]any
		status int
	}{
		{"chargeback", "tla-agent", map[string]any{"type": "chargeback", "amount": "120", "effective_date": "2025-03-01"}, http.StatusCreated},
		{"bonus", "tla-agent", map[string]any{"type": "bonus", "amount": "50", "effective_date": "2025-03-01"}, http.StatusCreated},
		{"unknown type", "tla-agent", map[string]any{"type": "refund", "amount": "10"}, http.StatusBadRequest},
		{"non-positive amount", "tla-agent", map[string]any{"type": "lead_charge", "amount": "0"}, http.StatusBadRequest},
		{"family on debt row", "tla-agent", map[string]any{"type": "chargeback", "amount": "5", "run_family": "paythru"}, http.StatusBadRequest},
		{"unknown agent", "nobody", map[string]any{"type": "chargeback", "amount": "5"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, admin, http.MethodPost, "/api/agents/"+tt.agent+"/adjustments", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	// THEN: The bonus landed in the March paythru period and the debt is visible
	rows, err := ts.store.ListEntries(context.Background(), commission.LedgerFilter{AgentID: "tla-agent"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, e := range rows {
		if e.Type == commission.EntryBonus {
			assert.Equal(t, commission.FamilyPaythru, e.RunFamily)
			assert.Equal(t, "2025-03", e.PeriodKey)
		}
	}

	rec := ts.do(t, caller{id: "tla-agent"}, http.MethodGet, "/api/agents/tla-agent/debt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	debt := decode[DebtAccountDTO](t, rec)
	assert.Equal(t, "120.00", debt.ChargebackTotal)
	assert.Equal(t, "120.00", debt.TotalDebt)
}

func TestCreateAdjustment_RequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "two-level-advance")

	rec := ts.do(t, caller{id: "tla-agent"}, http.MethodPost, "/api/agents/tla-agent/adjustments",
		map[string]any{"type": "bonus", "amount": "1000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// SCHEDULES
// =============================================================================

func TestCreateSchedule_DuplicateVersionConflicts(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{
		"carrier": "acme", "product_line": "life", "policy_type": "whole", "level": "agent",
		"effective_from": "2025-01-01", "base_rate": "0.80", "advance_rate": "0.75",
	}

	rec := ts.do(t, admin, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, admin, http.MethodPost, "/api/schedules", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	body["effective_from"] = "2026-01-01"
	body["level"] = "emperor"
	rec = ts.do(t, admin, http.MethodPost, "/api/schedules", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, admin, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, caller{}, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}
