/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Money leaves the API
  as fixed two-decimal strings so clients never round through float64.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Runs:        RunRequest, RunResultDTO, RunRecordDTO, PayoutDTO, TotalsDTO
  Preview:     PreviewDTO, WaterfallDTO
  Agents:      AgentDTO, DebtAccountDTO, AdjustmentRequest
  Policies:    PolicyDTO, PolicyLedgerDTO
  Ledger:      LedgerEntryDTO, BatchDTO, BatchDetailDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

  Create requests for agents, policies, terms and schedules reuse the
  factory JSON types directly.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/schedule.go: JSON input types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

const dateLayout = "2006-01-02"

// =============================================================================
// RUNS
// =============================================================================

// RunRequest is the optional body of POST /api/runs/{cadence}.
type RunRequest struct {
	AsOfDate string `json:"as_of_date,omitempty"` // YYYY-MM-DD, defaults per cadence
}

// TotalsDTO summarizes money for a run or preview.
type TotalsDTO struct {
	Accrued          string `json:"accrued"`
	Gross            string `json:"gross"`
	ChargebackRepaid string `json:"chargeback_repaid"`
	LeadRepaid       string `json:"lead_repaid"`
	Net              string `json:"net"`
}

// PayoutDTO is one agent's gate decision in a run.
type PayoutDTO struct {
	AgentID string `json:"agent_id"`
	BatchID string `json:"batch_id,omitempty"`
	Rows    int    `json:"rows"`
	Outcome string `json:"outcome"`
	Gross   string `json:"gross"`
	ToRepay string `json:"to_repay"`
	Net     string `json:"net"`
}

// RunResultDTO is returned by a commit run.
type RunResultDTO struct {
	RunID             string         `json:"run_id"`
	Cadence           string         `json:"cadence"`
	Family            string         `json:"run_family"`
	PeriodKey         string         `json:"period_key"`
	AsOf              string         `json:"as_of"`
	PoliciesEvaluated int            `json:"policies_evaluated"`
	RowsCreated       int            `json:"rows_created"`
	AgentsPaid        int            `json:"agents_paid"`
	Skips             map[string]int `json:"skips"`
	Totals            TotalsDTO      `json:"totals"`
	Payouts           []PayoutDTO    `json:"payouts"`
}

// RunRecordDTO is a persisted run audit row.
type RunRecordDTO struct {
	ID          string `json:"id"`
	Family      string `json:"run_family"`
	PeriodKey   string `json:"period_key"`
	AsOf        string `json:"as_of"`
	Status      string `json:"status"`
	RowsCreated int    `json:"rows_created"`
	AgentsPaid  int    `json:"agents_paid"`
	NetTotal    string `json:"net_total"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// =============================================================================
// PREVIEW
// =============================================================================

// WaterfallDTO is the debt repayment breakdown.
type WaterfallDTO struct {
	Gross            string `json:"gross"`
	Threshold        string `json:"threshold"`
	TotalDebt        string `json:"total_debt"`
	RepayRate        string `json:"repay_rate"`
	ToRepay          string `json:"to_repay"`
	ChargebackRepaid string `json:"chargeback_repaid"`
	LeadRepaid       string `json:"lead_repaid"`
	Net              string `json:"net"`
	Outcome          string `json:"outcome"`
}

// PreviewDTO is the dry-run result for one agent.
type PreviewDTO struct {
	AgentID           string           `json:"agent_id"`
	Cadence           string           `json:"cadence"`
	Family            string           `json:"run_family"`
	PeriodKey         string           `json:"period_key"`
	AsOf              string           `json:"as_of"`
	Outcome           string           `json:"outcome"`
	Rows              []LedgerEntryDTO `json:"rows"`
	ExistingUnsettled string           `json:"existing_unsettled"`
	Totals            TotalsDTO        `json:"totals"`
	Waterfall         WaterfallDTO     `json:"waterfall"`
}

// =============================================================================
// AGENTS & POLICIES
// =============================================================================

// AgentDTO represents an agent in API responses.
type AgentDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Level       string `json:"level"`
	RecruiterID string `json:"recruiter_id,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// DebtAccountDTO is an agent's derived debt position.
type DebtAccountDTO struct {
	AgentID         string `json:"agent_id"`
	ChargebackTotal string `json:"chargeback_total"`
	LeadDebtTotal   string `json:"lead_debt_total"`
	TotalDebt       string `json:"total_debt"`
	RepayRate       string `json:"repay_rate"`
}

// AdjustmentRequest posts a manual chargeback, lead charge or bonus.
type AdjustmentRequest struct {
	Type          string          `json:"type"` // chargeback, lead_charge, bonus
	Amount        decimal.Decimal `json:"amount"`
	PolicyID      string          `json:"policy_id,omitempty"`
	Family        string          `json:"run_family,omitempty"` // bonus only, default paythru
	EffectiveDate string          `json:"effective_date,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// PolicyDTO represents a policy in API responses.
type PolicyDTO struct {
	ID            string `json:"id"`
	AgentID       string `json:"agent_id"`
	Carrier       string `json:"carrier"`
	ProductLine   string `json:"product_line"`
	PolicyType    string `json:"policy_type"`
	PremiumAnnual string `json:"premium_annual"`
	PremiumModal  string `json:"premium_modal"`
	IssuedAt      string `json:"issued_at,omitempty"`
	Status        string `json:"status"`
	AsEarned      bool   `json:"as_earned"`
}

// PolicyLedgerDTO groups a policy's rows by entry type.
type PolicyLedgerDTO struct {
	PolicyID string                      `json:"policy_id"`
	Entries  map[string][]LedgerEntryDTO `json:"entries_by_type"`
	Totals   map[string]string           `json:"totals_by_type"`
}

// =============================================================================
// LEDGER & BATCHES
// =============================================================================

// LedgerEntryDTO represents one ledger row.
type LedgerEntryDTO struct {
	ID            string               `json:"id"`
	AgentID       string               `json:"agent_id"`
	PolicyID      string               `json:"policy_id,omitempty"`
	Amount        string               `json:"amount"`
	EntryType     string               `json:"entry_type"`
	RunFamily     string               `json:"run_family,omitempty"`
	PeriodKey     string               `json:"period_key,omitempty"`
	CycleIndex    int                  `json:"cycle_index"`
	IsSettled     bool                 `json:"is_settled"`
	PayoutBatchID string               `json:"payout_batch_id,omitempty"`
	EffectiveAt   string               `json:"effective_at"`
	Metadata      commission.EntryMeta `json:"metadata"`
}

// BatchDTO represents a payout batch.
type BatchDTO struct {
	ID               string `json:"id"`
	AgentID          string `json:"agent_id"`
	RunFamily        string `json:"run_family"`
	PeriodKey        string `json:"period_key"`
	Gross            string `json:"gross"`
	ChargebackRepaid string `json:"chargeback_repaid"`
	LeadRepaid       string `json:"lead_repaid"`
	TotalNet         string `json:"total_net"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
}

// BatchDetailDTO is a batch with the rows it settled.
type BatchDetailDTO struct {
	Batch   BatchDTO         `json:"batch"`
	Entries []LedgerEntryDTO `json:"entries"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo book.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request body for loading a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func toTotalsDTO(t commission.Totals) TotalsDTO {
	return TotalsDTO{
		Accrued:          money(t.Accrued),
		Gross:            money(t.Gross),
		ChargebackRepaid: money(t.ChargebackRepaid),
		LeadRepaid:       money(t.LeadRepaid),
		Net:              money(t.Net),
	}
}

func toWaterfallDTO(w commission.Waterfall) WaterfallDTO {
	return WaterfallDTO{
		Gross:            money(w.Gross),
		Threshold:        money(w.Threshold),
		TotalDebt:        money(w.TotalDebt),
		RepayRate:        w.RepayRate.String(),
		ToRepay:          money(w.ToRepay),
		ChargebackRepaid: money(w.ChargebackRepaid),
		LeadRepaid:       money(w.LeadRepaid),
		Net:              money(w.Net),
		Outcome:          string(w.Outcome),
	}
}

func toRunResultDTO(r *commission.RunResult) RunResultDTO {
	dto := RunResultDTO{
		RunID:             r.RunID,
		Cadence:           r.Family.Cadence(),
		Family:            string(r.Family),
		PeriodKey:         r.PeriodKey,
		AsOf:              r.AsOf.Format(dateLayout),
		PoliciesEvaluated: r.PoliciesEvaluated,
		RowsCreated:       r.RowsCreated,
		AgentsPaid:        r.AgentsPaid,
		Skips:             make(map[string]int, len(r.Skips)),
		Totals:            toTotalsDTO(r.Totals),
		Payouts:           make([]PayoutDTO, 0, len(r.Payouts)),
	}
	for reason, n := range r.Skips {
		dto.Skips[string(reason)] = n
	}
	for _, p := range r.Payouts {
		dto.Payouts = append(dto.Payouts, PayoutDTO{
			AgentID: string(p.AgentID),
			BatchID: string(p.BatchID),
			Rows:    p.Rows,
			Outcome: string(p.Waterfall.Outcome),
			Gross:   money(p.Waterfall.Gross),
			ToRepay: money(p.Waterfall.ToRepay),
			Net:     money(p.Waterfall.Net),
		})
	}
	return dto
}

func toRunRecordDTO(r commission.RunRecord) RunRecordDTO {
	dto := RunRecordDTO{
		ID:          r.ID,
		Family:      string(r.Family),
		PeriodKey:   r.PeriodKey,
		AsOf:        r.AsOf.Format(dateLayout),
		Status:      string(r.Status),
		RowsCreated: r.RowsCreated,
		AgentsPaid:  r.AgentsPaid,
		NetTotal:    money(r.NetTotal),
		Error:       r.Error,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toPreviewDTO(p *commission.PreviewResult) PreviewDTO {
	return PreviewDTO{
		AgentID:           string(p.AgentID),
		Cadence:           p.Family.Cadence(),
		Family:            string(p.Family),
		PeriodKey:         p.PeriodKey,
		AsOf:              p.AsOf.Format(dateLayout),
		Outcome:           string(p.Outcome),
		Rows:              toEntryDTOs(p.Rows),
		ExistingUnsettled: money(p.ExistingUnsettled),
		Totals:            toTotalsDTO(p.Totals),
		Waterfall:         toWaterfallDTO(p.Waterfall),
	}
}

func toAgentDTO(a commission.Agent) AgentDTO {
	dto := AgentDTO{
		ID:          string(a.ID),
		Name:        a.Name,
		Level:       string(a.Level),
		RecruiterID: string(a.RecruiterID),
		IsActive:    a.IsActive,
	}
	if !a.CreatedAt.IsZero() {
		dto.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toPolicyDTO(p commission.Policy) PolicyDTO {
	dto := PolicyDTO{
		ID:            string(p.ID),
		AgentID:       string(p.AgentID),
		Carrier:       p.Carrier,
		ProductLine:   p.ProductLine,
		PolicyType:    p.PolicyType,
		PremiumAnnual: money(p.PremiumAnnual),
		PremiumModal:  money(p.PremiumModal),
		Status:        string(p.Status),
		AsEarned:      p.AsEarned,
	}
	if !p.IssuedAt.IsZero() {
		dto.IssuedAt = p.IssuedAt.Format(dateLayout)
	}
	return dto
}

func toEntryDTO(e commission.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:            string(e.ID),
		AgentID:       string(e.AgentID),
		PolicyID:      string(e.PolicyID),
		Amount:        money(e.Amount),
		EntryType:     string(e.Type),
		RunFamily:     string(e.RunFamily),
		PeriodKey:     e.PeriodKey,
		CycleIndex:    e.CycleIndex,
		IsSettled:     e.IsSettled,
		PayoutBatchID: string(e.PayoutBatchID),
		EffectiveAt:   e.EffectiveAt.Format(dateLayout),
		Metadata:      e.Meta,
	}
}

func toEntryDTOs(entries []commission.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	return dtos
}

func toBatchDTO(b commission.PayoutBatch) BatchDTO {
	return BatchDTO{
		ID:               string(b.ID),
		AgentID:          string(b.AgentID),
		RunFamily:        string(b.RunFamily),
		PeriodKey:        b.PeriodKey,
		Gross:            money(b.Gross),
		ChargebackRepaid: money(b.ChargebackRepaid),
		LeadRepaid:       money(b.LeadRepaid),
		TotalNet:         money(b.TotalNet),
		Status:           string(b.Status),
		CreatedAt:        b.CreatedAt.Format(time.RFC3339),
	}
}
