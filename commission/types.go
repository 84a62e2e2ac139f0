/*
Package commission provides the commission accrual and payout engine.

PURPOSE:
  Turns written insurance policies into dated, agent-attributed ledger
  entries (advances, pay-thru installments, renewals, upline overrides),
  deduplicates them against prior runs, and gates payouts through a
  debt-repayment waterfall and a minimum-payout threshold.

KEY CONCEPTS IN THIS FILE (types.go):
  - Policy, PolicyTerm: what was written and what premium applies
  - Agent: a node in the recruiter forest
  - Schedule, RenewalBand: the rate table for one agent level
  - LedgerEntry, EntryMeta: append-only accrual records
  - DebtAccount, PayoutBatch: what is owed back and what gets paid

DESIGN PRINCIPLES:
  1. Immutability: ledger rows are never edited, corrections are new rows
  2. Precision: all money and rates are decimal.Decimal
  3. Idempotency: (policy, agent, cycle) is the accrual key per run family
  4. Parity: preview and commit share every formula

SEE ALSO:
  - chain.go: upline walk and rate stacking
  - accrual.go: dedup and row construction
  - waterfall.go: debt repayment and batch gate
  - runner.go: commit runs and preview
*/
package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgentID string
type PolicyID string
type EntryID string
type BatchID string

// =============================================================================
// MONEY
// =============================================================================

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
)

// Round2 rounds a monetary amount to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Cents converts an amount to integer cents (used for metrics).
func Cents(d decimal.Decimal) float64 {
	f, _ := d.Mul(hundred).Round(0).Float64()
	return f
}

// =============================================================================
// AGENTS
// =============================================================================

// AgentLevel is an ordered rank in the sales hierarchy.
type AgentLevel string

const (
	LevelAgent       AgentLevel = "agent"
	LevelMIT         AgentLevel = "mit"
	LevelManager     AgentLevel = "manager"
	LevelMGA         AgentLevel = "mga"
	LevelAreaManager AgentLevel = "area_manager"
)

var levelRank = map[AgentLevel]int{
	LevelAgent:       1,
	LevelMIT:         2,
	LevelManager:     3,
	LevelMGA:         4,
	LevelAreaManager: 5,
}

// Rank returns the position of the level in the hierarchy, 0 if unknown.
func (l AgentLevel) Rank() int { return levelRank[l] }

// Valid reports whether l is one of the known levels.
func (l AgentLevel) Valid() bool { return l.Rank() > 0 }

type Agent struct {
	ID          AgentID
	Name        string
	Level       AgentLevel
	RecruiterID AgentID // empty at the root of the forest
	IsActive    bool
	CreatedAt   time.Time
}

// =============================================================================
// POLICIES
// =============================================================================

type PolicyStatus string

const (
	StatusPending  PolicyStatus = "pending"
	StatusIssued   PolicyStatus = "issued"
	StatusInForce  PolicyStatus = "in_force"
	StatusLapsed   PolicyStatus = "lapsed"
	StatusCanceled PolicyStatus = "canceled"
)

// Commissionable reports whether policies in this status accrue commission.
func (s PolicyStatus) Commissionable() bool {
	return s == StatusIssued || s == StatusInForce
}

type Policy struct {
	ID            PolicyID
	AgentID       AgentID // writing agent
	Carrier       string
	ProductLine   string
	PolicyType    string
	PremiumAnnual decimal.Decimal
	PremiumModal  decimal.Decimal
	IssuedAt      time.Time
	Status        PolicyStatus

	// AsEarned policies get no advance; everything flows as pay-thru.
	AsEarned bool
}

// PolicyTerm overrides the policy-level premium for the months it covers.
// A zero TermPremium or AnnualizedPremium means "not provided".
type PolicyTerm struct {
	PolicyID          PolicyID
	TermStart         time.Time
	TermEnd           time.Time
	TermPremium       decimal.Decimal
	AnnualizedPremium decimal.Decimal
}

// Covers reports whether at falls inside [TermStart, TermEnd].
func (t PolicyTerm) Covers(at time.Time) bool {
	d := DateOf(at)
	return !d.Before(DateOf(t.TermStart)) && !d.After(DateOf(t.TermEnd))
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryType string

const (
	EntryAdvance    EntryType = "advance"
	EntryPaythru    EntryType = "paythru"
	EntryRenewal    EntryType = "renewal"
	EntryOverride   EntryType = "override"
	EntryChargeback EntryType = "chargeback"
	EntryLeadCharge EntryType = "lead_charge"
	EntryBonus      EntryType = "bonus"
)

// Payable reports whether rows of this type count toward a payout's gross.
func (t EntryType) Payable() bool {
	switch t {
	case EntryAdvance, EntryPaythru, EntryRenewal, EntryOverride, EntryBonus:
		return true
	}
	return false
}

// Debt reports whether rows of this type feed the agent's debt account.
func (t EntryType) Debt() bool {
	return t == EntryChargeback || t == EntryLeadCharge
}

func (t EntryType) Valid() bool { return t.Payable() || t.Debt() }

// Phase tags how a row relates to the policy's commission life.
type Phase string

const (
	PhaseTrail    Phase = "trail"
	PhaseRenewal  Phase = "renewal"
	PhaseOverride Phase = "override"
)

// LedgerEntry is one append-only accrual record.
type LedgerEntry struct {
	ID            EntryID
	AgentID       AgentID
	PolicyID      PolicyID // empty for manual adjustments not tied to a policy
	Amount        decimal.Decimal
	Type          EntryType
	RunFamily     RunFamily // empty for debt rows
	PeriodKey     string
	CycleIndex    int
	IsSettled     bool
	PayoutBatchID BatchID
	EffectiveAt   time.Time
	Meta          EntryMeta
	CreatedAt     time.Time
}

// Key returns the idempotency key of the row.
func (e LedgerEntry) Key() AccrualKey {
	return AccrualKey{PolicyID: e.PolicyID, AgentID: e.AgentID, CycleIndex: e.CycleIndex}
}

// EntryMeta is persisted with every accrual row. It is enough to rebuild
// the amount without re-running the engine.
type EntryMeta struct {
	RunFamily        RunFamily       `json:"run_family,omitempty"`
	CycleIndex       int             `json:"cycle_index"`
	Phase            Phase           `json:"phase,omitempty"`
	PayDate          string          `json:"pay_date,omitempty"`
	PayMonth         string          `json:"pay_month,omitempty"`
	RenewalYear      int             `json:"renewal_year,omitempty"`
	Carrier          string          `json:"carrier,omitempty"`
	ProductLine      string          `json:"product_line,omitempty"`
	PolicyType       string          `json:"policy_type,omitempty"`
	TermLengthMonths int             `json:"term_length_months,omitempty"`
	PremiumUsed      decimal.Decimal `json:"premium_used"`
	RatePortion      decimal.Decimal `json:"rate_portion"`
	LevelRate        decimal.Decimal `json:"level_rate"`
	ChainPosition    int             `json:"chain_position"`

	// Pay-thru rows only.
	AsEarned           *bool            `json:"as_earned,omitempty"`
	AdvanceRateApplied *decimal.Decimal `json:"advance_rate_applied,omitempty"`
	MonthsAdvanced     *int             `json:"months_advanced,omitempty"`
	DivisorMonths      *int             `json:"divisor_months,omitempty"`

	// Adjustments and repayments.
	Note string `json:"note,omitempty"`
}

// AccrualKey is the idempotency boundary for accrual within a run family.
type AccrualKey struct {
	PolicyID   PolicyID
	AgentID    AgentID
	CycleIndex int
}

func (k AccrualKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.PolicyID, k.AgentID, k.CycleIndex)
}

// AccrualRecord is one existing accrual row as seen by the dedup snapshot.
type AccrualRecord struct {
	Key       AccrualKey
	PeriodKey string
	Type      EntryType
}

// =============================================================================
// DEBT & PAYOUTS
// =============================================================================

// DebtAccount is derived from an agent's chargeback and lead_charge rows.
type DebtAccount struct {
	AgentID         AgentID
	LeadDebtTotal   decimal.Decimal
	ChargebackTotal decimal.Decimal
}

func (d DebtAccount) TotalDebt() decimal.Decimal {
	return d.LeadDebtTotal.Add(d.ChargebackTotal)
}

// SameBalance compares the two totals by value.
func (d DebtAccount) SameBalance(o DebtAccount) bool {
	return d.LeadDebtTotal.Equal(o.LeadDebtTotal) && d.ChargebackTotal.Equal(o.ChargebackTotal)
}

type BatchStatus string

const (
	BatchPendingDisbursement BatchStatus = "pending_disbursement"
	BatchDisbursed           BatchStatus = "disbursed"
)

// PayoutBatch aggregates settled rows for one agent for one pay event.
type PayoutBatch struct {
	ID               BatchID
	AgentID          AgentID
	RunFamily        RunFamily
	PeriodKey        string
	Gross            decimal.Decimal
	ChargebackRepaid decimal.Decimal
	LeadRepaid       decimal.Decimal
	TotalNet         decimal.Decimal
	Status           BatchStatus
	CreatedAt        time.Time
}
