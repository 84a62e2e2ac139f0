package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/commission-engine/commission"
)

func TestRecorder_CountsRunsAndRows(t *testing.T) {
	r := NewRecorder()
	family := commission.FamilyRenewal

	runsBefore := testutil.ToFloat64(runsTotal.WithLabelValues("renewal", "completed"))
	rowsBefore := testutil.ToFloat64(ledgerRowsTotal.WithLabelValues("renewal", "override"))

	r.RunFinished(family, commission.RunCompleted, 2*time.Second)
	r.RowsWritten(family, commission.EntryOverride, 3)

	assert.Equal(t, runsBefore+1, testutil.ToFloat64(runsTotal.WithLabelValues("renewal", "completed")))
	assert.Equal(t, rowsBefore+3, testutil.ToFloat64(ledgerRowsTotal.WithLabelValues("renewal", "override")))
}

func TestRecorder_NetOnlyForPayable(t *testing.T) {
	r := NewRecorder()
	family := commission.FamilyAdvance

	netBefore := testutil.ToFloat64(payoutNetCents.WithLabelValues("advance"))

	r.BatchGated(family, commission.OutcomeBelowThreshold, decimal.RequireFromString("90"))
	r.BatchGated(family, commission.OutcomePayable, decimal.RequireFromString("380.25"))

	assert.Equal(t, netBefore+38025, testutil.ToFloat64(payoutNetCents.WithLabelValues("advance")))
}

func TestHTTPMetrics_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMetrics)
	r.Get("/api/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/agents/{id}", "404"))

	req := httptest.NewRequest(http.MethodGet, "/api/agents/agent-42", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/agents/{id}", "404")))
}
