/*
Package factory provides JSON to Go conversion for commission reference data.

PURPOSE:
  Converts JSON schedule definitions into validated commission.Schedule
  values, and JSON seed books (agents, policies, terms, schedules) into the
  records a Repository stores. Carriers send rate tables as documents, so
  schedules can be loaded without code changes.

JSON SCHEMA:
  {
    "id": "acme-life-whole-agent-2025",
    "carrier": "acme",
    "product_line": "life",
    "policy_type": "whole",
    "level": "agent",
    "effective_from": "2025-01-01",
    "base_rate": "0.80",
    "advance_rate": "0.75",
    "renewal_bands": [
      {"start_cycle": 2, "end_cycle": 5, "rate": "0.10"},
      {"start_cycle": 6, "rate": "0.03"}
    ],
    "term_length_months": 0
  }

  Rates accept JSON strings or numbers. Strings are preferred because they
  keep the exact decimal.

KEY FEATURES:
  - Validates every schedule at load time (bands, rates, level)
  - Defaults effective_from to 1970-01-01 when omitted
  - Generates an id when none is given

USAGE:
  f := factory.NewScheduleFactory()
  schedule, err := f.ParseSchedule(jsonString)
  book, err := f.ParseBook(seedFile)
  err = book.Load(ctx, repo)

SEE ALSO:
  - commission/schedule.go: Schedule type and validation rules
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

const dateLayout = "2006-01-02"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ScheduleJSON is the JSON representation of a schedule version.
type ScheduleJSON struct {
	ID                string          `json:"id,omitempty"`
	Carrier           string          `json:"carrier"`
	ProductLine       string          `json:"product_line"`
	PolicyType        string          `json:"policy_type"`
	Level             string          `json:"level"`
	EffectiveFrom     string          `json:"effective_from,omitempty"`
	BaseRate          decimal.Decimal `json:"base_rate"`
	AdvanceRate       decimal.Decimal `json:"advance_rate"`
	RenewalRate       decimal.Decimal `json:"renewal_rate"`
	RenewalStartCycle int             `json:"renewal_start_cycle,omitempty"`
	RenewalEndYear    *int            `json:"renewal_end_year,omitempty"`
	RenewalBands      []BandJSON      `json:"renewal_bands,omitempty"`
	TermLengthMonths  int             `json:"term_length_months,omitempty"`
}

// BandJSON is one renewal band. A missing end_cycle is open-ended.
type BandJSON struct {
	StartCycle int             `json:"start_cycle"`
	EndCycle   *int            `json:"end_cycle,omitempty"`
	Rate       decimal.Decimal `json:"rate"`
}

// AgentJSON is an agent in a seed book.
type AgentJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Level       string `json:"level"`
	RecruiterID string `json:"recruiter_id,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"` // default true
}

// PolicyJSON is a written policy in a seed book.
type PolicyJSON struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	Carrier       string          `json:"carrier"`
	ProductLine   string          `json:"product_line"`
	PolicyType    string          `json:"policy_type"`
	PremiumAnnual decimal.Decimal `json:"premium_annual"`
	PremiumModal  decimal.Decimal `json:"premium_modal"`
	IssuedAt      string          `json:"issued_at,omitempty"`
	Status        string          `json:"status"`
	AsEarned      bool            `json:"as_earned,omitempty"`
	Terms         []TermJSON      `json:"terms,omitempty"`
}

// TermJSON is a policy term premium override.
type TermJSON struct {
	TermStart         string          `json:"term_start"`
	TermEnd           string          `json:"term_end"`
	TermPremium       decimal.Decimal `json:"term_premium"`
	AnnualizedPremium decimal.Decimal `json:"annualized_premium"`
}

// BookJSON is a complete seed document.
type BookJSON struct {
	Agents    []AgentJSON    `json:"agents"`
	Schedules []ScheduleJSON `json:"schedules"`
	Policies  []PolicyJSON   `json:"policies"`
}

// =============================================================================
// SCHEDULE FACTORY
// =============================================================================

// ScheduleFactory converts JSON reference data to commission types.
type ScheduleFactory struct{}

// NewScheduleFactory creates a new schedule factory.
func NewScheduleFactory() *ScheduleFactory {
	return &ScheduleFactory{}
}

// ParseSchedule parses and validates one JSON schedule.
func (f *ScheduleFactory) ParseSchedule(jsonStr string) (commission.Schedule, error) {
	var sj ScheduleJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return commission.Schedule{}, fmt.Errorf("failed to parse schedule JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// ParseSchedules parses a JSON array of schedules. The first invalid entry
// fails the whole document.
func (f *ScheduleFactory) ParseSchedules(data []byte) ([]commission.Schedule, error) {
	var list []ScheduleJSON
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse schedules JSON: %w", err)
	}
	schedules := make([]commission.Schedule, 0, len(list))
	for i, sj := range list {
		s, err := f.FromJSON(sj)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}

// FromJSON converts a ScheduleJSON to a validated commission.Schedule.
func (f *ScheduleFactory) FromJSON(sj ScheduleJSON) (commission.Schedule, error) {
	effective := time.Unix(0, 0).UTC()
	if sj.EffectiveFrom != "" {
		var err error
		effective, err = parseDate(sj.EffectiveFrom)
		if err != nil {
			return commission.Schedule{}, fmt.Errorf("invalid effective_from: %w", err)
		}
	}

	id := sj.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := commission.Schedule{
		ID: id,
		Key: commission.ScheduleKey{
			Carrier:     sj.Carrier,
			ProductLine: sj.ProductLine,
			PolicyType:  sj.PolicyType,
			Level:       commission.AgentLevel(sj.Level),
		},
		EffectiveFrom:     effective,
		BaseRate:          sj.BaseRate,
		AdvanceRate:       sj.AdvanceRate,
		RenewalRate:       sj.RenewalRate,
		RenewalStartCycle: sj.RenewalStartCycle,
		RenewalEndYear:    sj.RenewalEndYear,
		TermLengthMonths:  sj.TermLengthMonths,
	}
	for _, b := range sj.RenewalBands {
		s.RenewalBands = append(s.RenewalBands, commission.RenewalBand{
			StartCycle: b.StartCycle,
			EndCycle:   b.EndCycle,
			Rate:       b.Rate,
		})
	}

	if err := s.Validate(); err != nil {
		return commission.Schedule{}, err
	}
	return s, nil
}

// ToJSON converts a Schedule back to its JSON form.
func (f *ScheduleFactory) ToJSON(s commission.Schedule) ScheduleJSON {
	sj := ScheduleJSON{
		ID:                s.ID,
		Carrier:           s.Key.Carrier,
		ProductLine:       s.Key.ProductLine,
		PolicyType:        s.Key.PolicyType,
		Level:             string(s.Key.Level),
		EffectiveFrom:     s.EffectiveFrom.Format(dateLayout),
		BaseRate:          s.BaseRate,
		AdvanceRate:       s.AdvanceRate,
		RenewalRate:       s.RenewalRate,
		RenewalStartCycle: s.RenewalStartCycle,
		RenewalEndYear:    s.RenewalEndYear,
		TermLengthMonths:  s.TermLengthMonths,
	}
	for _, b := range s.RenewalBands {
		sj.RenewalBands = append(sj.RenewalBands, BandJSON{StartCycle: b.StartCycle, EndCycle: b.EndCycle, Rate: b.Rate})
	}
	return sj
}

// =============================================================================
// AGENTS & POLICIES
// =============================================================================

// AgentFromJSON converts an AgentJSON, rejecting unknown levels.
func (f *ScheduleFactory) AgentFromJSON(aj AgentJSON) (commission.Agent, error) {
	if aj.ID == "" {
		return commission.Agent{}, fmt.Errorf("agent id is required")
	}
	level := commission.AgentLevel(aj.Level)
	if !level.Valid() {
		return commission.Agent{}, fmt.Errorf("agent %s: unknown level %q", aj.ID, aj.Level)
	}
	if aj.RecruiterID == aj.ID {
		return commission.Agent{}, fmt.Errorf("agent %s: cannot recruit itself", aj.ID)
	}
	active := true
	if aj.IsActive != nil {
		active = *aj.IsActive
	}
	return commission.Agent{
		ID:          commission.AgentID(aj.ID),
		Name:        aj.Name,
		Level:       level,
		RecruiterID: commission.AgentID(aj.RecruiterID),
		IsActive:    active,
	}, nil
}

// PolicyFromJSON converts a PolicyJSON and its terms.
func (f *ScheduleFactory) PolicyFromJSON(pj PolicyJSON) (commission.Policy, []commission.PolicyTerm, error) {
	if pj.ID == "" || pj.AgentID == "" {
		return commission.Policy{}, nil, fmt.Errorf("policy id and agent_id are required")
	}
	if pj.Carrier == "" || pj.ProductLine == "" || pj.PolicyType == "" {
		return commission.Policy{}, nil, fmt.Errorf("policy %s: carrier, product_line and policy_type are required", pj.ID)
	}
	if pj.PremiumAnnual.IsNegative() || pj.PremiumModal.IsNegative() {
		return commission.Policy{}, nil, fmt.Errorf("policy %s: premiums must not be negative", pj.ID)
	}

	status := commission.PolicyStatus(pj.Status)
	switch status {
	case "":
		status = commission.StatusPending
	case commission.StatusPending, commission.StatusIssued, commission.StatusInForce,
		commission.StatusLapsed, commission.StatusCanceled:
	default:
		return commission.Policy{}, nil, fmt.Errorf("policy %s: unknown status %q", pj.ID, pj.Status)
	}

	p := commission.Policy{
		ID:            commission.PolicyID(pj.ID),
		AgentID:       commission.AgentID(pj.AgentID),
		Carrier:       pj.Carrier,
		ProductLine:   pj.ProductLine,
		PolicyType:    pj.PolicyType,
		PremiumAnnual: pj.PremiumAnnual,
		PremiumModal:  pj.PremiumModal,
		Status:        status,
		AsEarned:      pj.AsEarned,
	}
	if pj.IssuedAt != "" {
		issued, err := parseDate(pj.IssuedAt)
		if err != nil {
			return commission.Policy{}, nil, fmt.Errorf("policy %s: invalid issued_at: %w", pj.ID, err)
		}
		p.IssuedAt = issued
	}

	var terms []commission.PolicyTerm
	for _, tj := range pj.Terms {
		t, err := f.TermFromJSON(p.ID, tj)
		if err != nil {
			return commission.Policy{}, nil, err
		}
		terms = append(terms, t)
	}
	return p, terms, nil
}

// TermFromJSON converts a TermJSON for a policy.
func (f *ScheduleFactory) TermFromJSON(policyID commission.PolicyID, tj TermJSON) (commission.PolicyTerm, error) {
	start, err := parseDate(tj.TermStart)
	if err != nil {
		return commission.PolicyTerm{}, fmt.Errorf("policy %s: invalid term_start: %w", policyID, err)
	}
	end, err := parseDate(tj.TermEnd)
	if err != nil {
		return commission.PolicyTerm{}, fmt.Errorf("policy %s: invalid term_end: %w", policyID, err)
	}
	if end.Before(start) {
		return commission.PolicyTerm{}, fmt.Errorf("policy %s: term_end before term_start", policyID)
	}
	return commission.PolicyTerm{
		PolicyID:          policyID,
		TermStart:         start,
		TermEnd:           end,
		TermPremium:       tj.TermPremium,
		AnnualizedPremium: tj.AnnualizedPremium,
	}, nil
}

// =============================================================================
// SEED BOOKS
// =============================================================================

// Book is a converted seed document ready to load.
type Book struct {
	Agents    []commission.Agent
	Schedules []commission.Schedule
	Policies  []commission.Policy
	Terms     []commission.PolicyTerm
}

// ParseBook parses and validates a seed document.
func (f *ScheduleFactory) ParseBook(data []byte) (*Book, error) {
	var bj BookJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return nil, fmt.Errorf("failed to parse book JSON: %w", err)
	}

	book := &Book{}
	for _, aj := range bj.Agents {
		a, err := f.AgentFromJSON(aj)
		if err != nil {
			return nil, err
		}
		book.Agents = append(book.Agents, a)
	}
	for i, sj := range bj.Schedules {
		s, err := f.FromJSON(sj)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		book.Schedules = append(book.Schedules, s)
	}
	for _, pj := range bj.Policies {
		p, terms, err := f.PolicyFromJSON(pj)
		if err != nil {
			return nil, err
		}
		book.Policies = append(book.Policies, p)
		book.Terms = append(book.Terms, terms...)
	}
	return book, nil
}

// Load writes the book into a repository. Policies go before their terms.
func (b *Book) Load(ctx context.Context, repo commission.Repository) error {
	for _, a := range b.Agents {
		if err := repo.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("load agent %s: %w", a.ID, err)
		}
	}
	for _, s := range b.Schedules {
		if err := repo.SaveSchedule(ctx, s); err != nil {
			return fmt.Errorf("load schedule %s: %w", s.ID, err)
		}
	}
	for _, p := range b.Policies {
		if err := repo.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("load policy %s: %w", p.ID, err)
		}
	}
	for _, t := range b.Terms {
		if err := repo.SavePolicyTerm(ctx, t); err != nil {
			return fmt.Errorf("load term for policy %s: %w", t.PolicyID, err)
		}
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
