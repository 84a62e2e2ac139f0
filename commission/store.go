/*
store.go - Persistence interface the engine runs against

PURPOSE:
  The engine is written against this interface only. Any storage engine
  that answers these queries can back it.

APPEND-ONLY CONTRACT:
  AppendEntries is the only way accrual rows are created. Rows are never
  updated except for settlement (IsSettled + PayoutBatchID), which
  SettleBatch performs atomically together with the batch and its debt
  repayment rows.

IDEMPOTENCY:
  Stores MUST enforce a unique key on
  (run_family, period_key, policy_id, agent_id, cycle_index, entry_type)
  for accrual rows and silently drop conflicting inserts. AppendEntries
  returns only the rows it actually inserted.

MUTUAL EXCLUSION:
  AcquireRunLock makes the engine's read-snapshot-then-write sequence
  atomic per run family. The occurrence caps count rows of every period
  of a family, so two periods of one family never run at once. A second
  caller gets ErrRunLocked.

  Families run concurrently but share an agent's debt account. SettleBatch
  re-reads the debt inside its write and refuses with ErrDebtChanged when
  it differs from the account the waterfall was computed from.

IMPLEMENTATIONS:
  - commission/store: in-memory, for tests
  - store/sqlite: default backend
  - store/postgres: pgx backend with advisory locks
*/
package commission

import (
	"context"
	"time"
)

type Store interface {
	// EligiblePolicies returns commissionable policies issued on or before the date.
	EligiblePolicies(ctx context.Context, issuedOnOrBefore time.Time) ([]Policy, error)

	// GetAgent returns nil, nil when the agent does not exist.
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)

	// FindSchedule returns the schedule with the latest EffectiveFrom <= at,
	// or nil, nil when none exists.
	FindSchedule(ctx context.Context, key ScheduleKey, at time.Time) (*Schedule, error)

	// FindPolicyTerm returns the term row covering at, or nil, nil.
	FindPolicyTerm(ctx context.Context, policyID PolicyID, at time.Time) (*PolicyTerm, error)

	// AccrualHistory returns every accrual row ever written in a run family.
	AccrualHistory(ctx context.Context, family RunFamily) ([]AccrualRecord, error)

	// AppendEntries inserts rows atomically, dropping unique-key conflicts.
	AppendEntries(ctx context.Context, entries []LedgerEntry) ([]LedgerEntry, error)

	// UnsettledEntries returns payable, unsettled rows of a family for one
	// agent with period_key <= throughPeriod.
	UnsettledEntries(ctx context.Context, agentID AgentID, family RunFamily, throughPeriod string) ([]LedgerEntry, error)

	// AgentsWithUnsettled lists agents that have rows UnsettledEntries would return.
	AgentsWithUnsettled(ctx context.Context, family RunFamily, throughPeriod string) ([]AgentID, error)

	DebtAccount(ctx context.Context, agentID AgentID) (DebtAccount, error)

	// SettleBatch persists the batch, marks the rows settled and appends the
	// repayment rows, all or nothing. gatedOn is the debt account the
	// repayments were computed from; if the agent's current account differs
	// nothing is written and ErrDebtChanged is returned.
	SettleBatch(ctx context.Context, batch PayoutBatch, settled []EntryID, repayments []LedgerEntry, gatedOn DebtAccount) error

	AcquireRunLock(ctx context.Context, family RunFamily) (release func() error, err error)

	SaveRun(ctx context.Context, run RunRecord) error
}

// LedgerFilter narrows ListEntries. Zero fields match everything.
type LedgerFilter struct {
	AgentID  AgentID
	PolicyID PolicyID
	Family   RunFamily
	BatchID  BatchID
	Limit    int
}

// Repository is the full persistence surface: the engine's Store plus the
// reference-data writes and reporting reads the API needs.
type Repository interface {
	Store

	SaveAgent(ctx context.Context, agent Agent) error
	ListAgents(ctx context.Context) ([]Agent, error)

	SavePolicy(ctx context.Context, policy Policy) error
	GetPolicy(ctx context.Context, id PolicyID) (*Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	SavePolicyTerm(ctx context.Context, term PolicyTerm) error

	// SaveSchedule inserts a schedule version. Existing versions are never edited.
	SaveSchedule(ctx context.Context, schedule Schedule) error
	ListSchedules(ctx context.Context) ([]Schedule, error)

	// AppendAdjustment records a manual debt or bonus row.
	AppendAdjustment(ctx context.Context, entry LedgerEntry) error
	ListEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)

	ListBatches(ctx context.Context, agentID AgentID) ([]PayoutBatch, error)
	GetBatch(ctx context.Context, id BatchID) (*PayoutBatch, error)

	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}
