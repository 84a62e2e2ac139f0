/*
Package sqlite provides a SQLite-backed implementation of commission.Repository.

PURPOSE:
  Default backend for the commission engine. Stores reference data (agents,
  policies, terms, schedules), the append-only commission ledger, payout
  batches, run records and run locks in one database file.

APPEND-ONLY ENFORCEMENT:
  - Ledger rows are never deleted
  - The only UPDATE on ledger_entries is settlement (is_settled,
    payout_batch_id), done inside SettleBatch's transaction
  - Debt repayment is a new negative row, never an edit of the debt row

KEY TABLES:
  agents, policies, policy_terms: reference data
  schedules:       versioned by effective_from, never edited
  ledger_entries:  accrual, adjustment and repayment rows
  payout_batches:  one per agent per payable pay event
  family_locks:    per run_family mutual exclusion
  commission_runs: audit record per commit run

INDEXES:
  - idx_unique_accrual: the accrual idempotency key
    (run_family, period_key, policy_id, agent_id, cycle_index, entry_type).
    Inserts that hit it are dropped with ON CONFLICT DO NOTHING.
  - idx_ledger_unsettled: batch gate hot path

MONEY:
  Amounts and rates are stored as decimal TEXT and summed in Go, never in
  SQL, so no float ever touches a balance.

CONCURRENCY:
  A single connection plus sync.RWMutex. Run locks are rows, so two
  processes sharing a file also exclude each other.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := commission.NewEngine(store, logger, commission.DefaultConfig())

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

const (
	dateLayout = "2006-01-02"

	// timestampLayout is fixed width so run times sort lexically.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

	// staleLockAge releases locks left behind by a crashed process.
	staleLockAge = 6 * time.Hour
)

// Store implements commission.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ commission.Repository = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		recruiter_id TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_recruiter ON agents(recruiter_id);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		carrier TEXT NOT NULL,
		product_line TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		premium_annual TEXT NOT NULL DEFAULT '0',
		premium_modal TEXT NOT NULL DEFAULT '0',
		issued_at TEXT,
		status TEXT NOT NULL,
		as_earned INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_policies_status_issued ON policies(status, issued_at);

	CREATE TABLE IF NOT EXISTS policy_terms (
		policy_id TEXT NOT NULL REFERENCES policies(id),
		term_start TEXT NOT NULL,
		term_end TEXT NOT NULL,
		term_premium TEXT NOT NULL DEFAULT '0',
		annualized_premium TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (policy_id, term_start)
	);

	-- Schedules are versioned; a new effective_from supersedes, never edits
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		carrier TEXT NOT NULL,
		product_line TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		level TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		base_rate TEXT NOT NULL,
		advance_rate TEXT NOT NULL DEFAULT '0',
		renewal_rate TEXT NOT NULL DEFAULT '0',
		renewal_start_cycle INTEGER NOT NULL DEFAULT 0,
		renewal_end_year INTEGER,
		renewal_bands_json TEXT,
		term_length_months INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (carrier, product_line, policy_type, level, effective_from)
	);

	-- Commission ledger (append-only except settlement)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		policy_id TEXT,
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		run_family TEXT,
		period_key TEXT NOT NULL DEFAULT '',
		cycle_index INTEGER NOT NULL DEFAULT 0,
		is_settled INTEGER NOT NULL DEFAULT 0,
		payout_batch_id TEXT,
		effective_at TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one accrual row per key per pay period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_accrual
		ON ledger_entries(run_family, period_key, policy_id, agent_id, cycle_index, entry_type)
		WHERE run_family IS NOT NULL AND policy_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_ledger_unsettled
		ON ledger_entries(run_family, is_settled, agent_id, period_key);
	CREATE INDEX IF NOT EXISTS idx_ledger_agent ON ledger_entries(agent_id, entry_type);
	CREATE INDEX IF NOT EXISTS idx_ledger_policy ON ledger_entries(policy_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_batch ON ledger_entries(payout_batch_id);

	CREATE TABLE IF NOT EXISTS payout_batches (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		run_family TEXT NOT NULL,
		period_key TEXT NOT NULL,
		gross TEXT NOT NULL,
		chargeback_repaid TEXT NOT NULL,
		lead_repaid TEXT NOT NULL,
		total_net TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_agent ON payout_batches(agent_id, period_key);

	DROP TABLE IF EXISTS run_locks;

	CREATE TABLE IF NOT EXISTS family_locks (
		run_family TEXT PRIMARY KEY,
		acquired_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commission_runs (
		id TEXT PRIMARY KEY,
		run_family TEXT NOT NULL,
		period_key TEXT NOT NULL,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL,
		rows_created INTEGER NOT NULL DEFAULT 0,
		agents_paid INTEGER NOT NULL DEFAULT 0,
		net_total TEXT NOT NULL DEFAULT '0',
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON commission_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// AGENTS
// =============================================================================

const agentColumns = `id, name, level, recruiter_id, is_active, created_at`

func (s *Store) SaveAgent(ctx context.Context, a commission.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			level = excluded.level,
			recruiter_id = excluded.recruiter_id,
			is_active = excluded.is_active
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Level, nullString(string(a.RecruiterID)), a.IsActive,
		a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id commission.AgentID) (*commission.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]commission.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []commission.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row rowScanner) (commission.Agent, error) {
	var (
		a         commission.Agent
		recruiter sql.NullString
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Level, &recruiter, &a.IsActive, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.RecruiterID = commission.AgentID(recruiter.String)
	var cols columnParser
	a.CreatedAt = cols.time("created_at", time.RFC3339, createdAt)
	if cols.err != nil {
		return a, fmt.Errorf("agent %s: %w", a.ID, cols.err)
	}
	return a, nil
}

// =============================================================================
// POLICIES & TERMS
// =============================================================================

const policyColumns = `id, agent_id, carrier, product_line, policy_type, premium_annual,
	premium_modal, issued_at, status, as_earned`

func (s *Store) SavePolicy(ctx context.Context, p commission.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var issued sql.NullString
	if !p.IssuedAt.IsZero() {
		issued = sql.NullString{String: p.IssuedAt.Format(dateLayout), Valid: true}
	}
	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			carrier = excluded.carrier,
			product_line = excluded.product_line,
			policy_type = excluded.policy_type,
			premium_annual = excluded.premium_annual,
			premium_modal = excluded.premium_modal,
			issued_at = excluded.issued_at,
			status = excluded.status,
			as_earned = excluded.as_earned
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.AgentID, p.Carrier, p.ProductLine, p.PolicyType,
		p.PremiumAnnual.String(), p.PremiumModal.String(),
		issued, p.Status, p.AsEarned,
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id commission.PolicyID) (*commission.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]commission.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPolicies(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY id`)
}

// EligiblePolicies returns commissionable policies issued on or before the date.
func (s *Store) EligiblePolicies(ctx context.Context, issuedOnOrBefore time.Time) ([]commission.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + policyColumns + `
		FROM policies
		WHERE status IN (?, ?) AND issued_at IS NOT NULL AND issued_at <= ?
		ORDER BY id
	`
	return s.queryPolicies(ctx, query,
		commission.StatusIssued, commission.StatusInForce,
		issuedOnOrBefore.Format(dateLayout),
	)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]commission.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []commission.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanPolicy(row rowScanner) (commission.Policy, error) {
	var (
		p             commission.Policy
		annual, modal string
		issued        sql.NullString
	)
	err := row.Scan(&p.ID, &p.AgentID, &p.Carrier, &p.ProductLine, &p.PolicyType,
		&annual, &modal, &issued, &p.Status, &p.AsEarned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan policy: %w", err)
	}
	var cols columnParser
	p.PremiumAnnual = cols.decimal("premium_annual", annual)
	p.PremiumModal = cols.decimal("premium_modal", modal)
	if issued.Valid {
		p.IssuedAt = cols.time("issued_at", dateLayout, issued.String)
	}
	if cols.err != nil {
		return p, fmt.Errorf("policy %s: %w", p.ID, cols.err)
	}
	return p, nil
}

func (s *Store) SavePolicyTerm(ctx context.Context, t commission.PolicyTerm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO policy_terms (policy_id, term_start, term_end, term_premium, annualized_premium)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(policy_id, term_start) DO UPDATE SET
			term_end = excluded.term_end,
			term_premium = excluded.term_premium,
			annualized_premium = excluded.annualized_premium
	`
	_, err := s.db.ExecContext(ctx, query,
		t.PolicyID, t.TermStart.Format(dateLayout), t.TermEnd.Format(dateLayout),
		t.TermPremium.String(), t.AnnualizedPremium.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy term: %w", err)
	}
	return nil
}

// FindPolicyTerm returns the term covering at; the latest start wins on overlap.
func (s *Store) FindPolicyTerm(ctx context.Context, id commission.PolicyID, at time.Time) (*commission.PolicyTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := at.Format(dateLayout)
	query := `
		SELECT term_start, term_end, term_premium, annualized_premium
		FROM policy_terms
		WHERE policy_id = ? AND term_start <= ? AND term_end >= ?
		ORDER BY term_start DESC
		LIMIT 1
	`
	var start, end, premium, annualized string
	err := s.db.QueryRowContext(ctx, query, id, day, day).Scan(&start, &end, &premium, &annualized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query policy term: %w", err)
	}

	var cols columnParser
	t := commission.PolicyTerm{
		PolicyID:          id,
		TermStart:         cols.time("term_start", dateLayout, start),
		TermEnd:           cols.time("term_end", dateLayout, end),
		TermPremium:       cols.decimal("term_premium", premium),
		AnnualizedPremium: cols.decimal("annualized_premium", annualized),
	}
	if cols.err != nil {
		return nil, fmt.Errorf("policy term %s %s: %w", id, start, cols.err)
	}
	return &t, nil
}

// =============================================================================
// SCHEDULES
// =============================================================================

const scheduleColumns = `id, carrier, product_line, policy_type, level, effective_from,
	base_rate, advance_rate, renewal_rate, renewal_start_cycle, renewal_end_year,
	renewal_bands_json, term_length_months`

type bandJSON struct {
	StartCycle int             `json:"start_cycle"`
	EndCycle   *int            `json:"end_cycle,omitempty"`
	Rate       decimal.Decimal `json:"rate"`
}

// SaveSchedule inserts a schedule version after validating it.
func (s *Store) SaveSchedule(ctx context.Context, sc commission.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	bands := make([]bandJSON, len(sc.RenewalBands))
	for i, b := range sc.RenewalBands {
		bands[i] = bandJSON{StartCycle: b.StartCycle, EndCycle: b.EndCycle, Rate: b.Rate}
	}
	bandsJSON, err := json.Marshal(bands)
	if err != nil {
		return fmt.Errorf("failed to encode renewal bands: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO schedules (` + scheduleColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		sc.ID, sc.Key.Carrier, sc.Key.ProductLine, sc.Key.PolicyType, sc.Key.Level,
		sc.EffectiveFrom.Format(dateLayout),
		sc.BaseRate.String(), sc.AdvanceRate.String(), sc.RenewalRate.String(),
		sc.RenewalStartCycle, sc.RenewalEndYear, string(bandsJSON), sc.TermLengthMonths,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s effective %s", commission.ErrScheduleExists, sc.Key, sc.EffectiveFrom.Format(dateLayout))
		}
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// FindSchedule returns the version with the latest effective_from <= at.
func (s *Store) FindSchedule(ctx context.Context, key commission.ScheduleKey, at time.Time) (*commission.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE carrier = ? AND product_line = ? AND policy_type = ? AND level = ?
		  AND effective_from <= ?
		ORDER BY effective_from DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query,
		key.Carrier, key.ProductLine, key.PolicyType, key.Level, at.Format(dateLayout))
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]commission.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		ORDER BY carrier, product_line, policy_type, level, effective_from
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []commission.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func scanSchedule(row rowScanner) (commission.Schedule, error) {
	var (
		sc                         commission.Schedule
		effective                  string
		base, advance, renewalRate string
		endYear                    sql.NullInt64
		bandsJSON                  sql.NullString
	)
	err := row.Scan(&sc.ID, &sc.Key.Carrier, &sc.Key.ProductLine, &sc.Key.PolicyType, &sc.Key.Level,
		&effective, &base, &advance, &renewalRate, &sc.RenewalStartCycle, &endYear,
		&bandsJSON, &sc.TermLengthMonths)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sc, err
		}
		return sc, fmt.Errorf("failed to scan schedule: %w", err)
	}

	var cols columnParser
	sc.EffectiveFrom = cols.time("effective_from", dateLayout, effective)
	sc.BaseRate = cols.decimal("base_rate", base)
	sc.AdvanceRate = cols.decimal("advance_rate", advance)
	sc.RenewalRate = cols.decimal("renewal_rate", renewalRate)
	if cols.err != nil {
		return sc, fmt.Errorf("schedule %s: %w", sc.ID, cols.err)
	}
	if endYear.Valid {
		n := int(endYear.Int64)
		sc.RenewalEndYear = &n
	}
	if bandsJSON.Valid && bandsJSON.String != "" {
		var bands []bandJSON
		if err := json.Unmarshal([]byte(bandsJSON.String), &bands); err != nil {
			return sc, fmt.Errorf("failed to decode renewal bands for schedule %s: %w", sc.ID, err)
		}
		for _, b := range bands {
			sc.RenewalBands = append(sc.RenewalBands, commission.RenewalBand{
				StartCycle: b.StartCycle, EndCycle: b.EndCycle, Rate: b.Rate,
			})
		}
	}
	return sc, nil
}

// =============================================================================
// LEDGER
// =============================================================================

const entryColumns = `id, agent_id, policy_id, amount, entry_type, run_family, period_key,
	cycle_index, is_settled, payout_batch_id, effective_at, metadata_json, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// insertEntry writes one row. With ignoreConflict an accrual key collision
// reports inserted=false instead of an error.
func insertEntry(ctx context.Context, db execer, e commission.LedgerEntry, ignoreConflict bool) (bool, error) {
	metadataJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return false, fmt.Errorf("failed to encode entry metadata: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		query += ` ON CONFLICT DO NOTHING`
	}

	res, err := db.ExecContext(ctx, query,
		e.ID, e.AgentID, nullString(string(e.PolicyID)), e.Amount.String(), e.Type,
		nullString(string(e.RunFamily)), e.PeriodKey, e.CycleIndex, e.IsSettled,
		nullString(string(e.PayoutBatchID)), e.EffectiveAt.Format(dateLayout),
		string(metadataJSON), e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, commission.ErrDuplicateAccrual
		}
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendEntries inserts accrual rows in one transaction, dropping conflicts.
func (s *Store) AppendEntries(ctx context.Context, entries []commission.LedgerEntry) ([]commission.LedgerEntry, error) {
	var inserted []commission.LedgerEntry
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			ok, err := insertEntry(ctx, tx, e, true)
			if err != nil {
				return err
			}
			if ok {
				inserted = append(inserted, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// AppendAdjustment records a manual row. Accrual-key collisions are errors here.
func (s *Store) AppendAdjustment(ctx context.Context, e commission.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := insertEntry(ctx, s.db, e, false)
	return err
}

func (s *Store) AccrualHistory(ctx context.Context, family commission.RunFamily) ([]commission.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, agent_id, cycle_index, period_key, entry_type
		FROM ledger_entries
		WHERE run_family = ? AND policy_id IS NOT NULL
	`, family)
	if err != nil {
		return nil, fmt.Errorf("failed to query accrual history: %w", err)
	}
	defer rows.Close()

	var history []commission.AccrualRecord
	for rows.Next() {
		var r commission.AccrualRecord
		if err := rows.Scan(&r.Key.PolicyID, &r.Key.AgentID, &r.Key.CycleIndex, &r.PeriodKey, &r.Type); err != nil {
			return nil, fmt.Errorf("failed to scan accrual record: %w", err)
		}
		history = append(history, r)
	}
	return history, rows.Err()
}

func (s *Store) UnsettledEntries(ctx context.Context, agentID commission.AgentID, family commission.RunFamily, through string) ([]commission.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE run_family = ? AND is_settled = 0 AND agent_id = ? AND period_key <= ?
		  AND entry_type IN (` + placeholders(len(payableTypes)) + `)
		ORDER BY period_key, created_at, id
	`
	args := append([]any{family, agentID, through}, payableArgs()...)
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) AgentsWithUnsettled(ctx context.Context, family commission.RunFamily, through string) ([]commission.AgentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT DISTINCT agent_id
		FROM ledger_entries
		WHERE run_family = ? AND is_settled = 0 AND period_key <= ?
		  AND entry_type IN (` + placeholders(len(payableTypes)) + `)
		ORDER BY agent_id
	`
	args := append([]any{family, through}, payableArgs()...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents with unsettled rows: %w", err)
	}
	defer rows.Close()

	var agents []commission.AgentID
	for rows.Next() {
		var id commission.AgentID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// DebtAccount sums chargeback and lead_charge rows, repayments included.
func (s *Store) DebtAccount(ctx context.Context, agentID commission.AgentID) (commission.DebtAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return debtAccount(ctx, s.db, agentID)
}

func debtAccount(ctx context.Context, db querier, agentID commission.AgentID) (commission.DebtAccount, error) {
	acct := commission.DebtAccount{
		AgentID:         agentID,
		LeadDebtTotal:   decimal.Zero,
		ChargebackTotal: decimal.Zero,
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, entry_type, amount FROM ledger_entries
		WHERE agent_id = ? AND entry_type IN (?, ?)
	`, agentID, commission.EntryChargeback, commission.EntryLeadCharge)
	if err != nil {
		return acct, fmt.Errorf("failed to query debt rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     commission.EntryID
			t      commission.EntryType
			amount string
		)
		if err := rows.Scan(&id, &t, &amount); err != nil {
			return acct, fmt.Errorf("failed to scan debt row: %w", err)
		}
		d, err := parseDecimal(amount)
		if err != nil {
			return acct, fmt.Errorf("debt row %s: amount: %w", id, err)
		}
		if t == commission.EntryChargeback {
			acct.ChargebackTotal = acct.ChargebackTotal.Add(d)
		} else {
			acct.LeadDebtTotal = acct.LeadDebtTotal.Add(d)
		}
	}
	return acct, rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, f commission.LedgerFilter) ([]commission.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, f.PolicyID)
	}
	if f.Family != "" {
		where = append(where, "run_family = ?")
		args = append(args, f.Family)
	}
	if f.BatchID != "" {
		where = append(where, "payout_batch_id = ?")
		args = append(args, f.BatchID)
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]commission.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []commission.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (commission.LedgerEntry, error) {
	var (
		e                          commission.LedgerEntry
		policyID, family, batchID  sql.NullString
		metadataJSON               sql.NullString
		amount, effective, created string
	)
	err := row.Scan(&e.ID, &e.AgentID, &policyID, &amount, &e.Type, &family, &e.PeriodKey,
		&e.CycleIndex, &e.IsSettled, &batchID, &effective, &metadataJSON, &created)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.PolicyID = commission.PolicyID(policyID.String)
	e.RunFamily = commission.RunFamily(family.String)
	e.PayoutBatchID = commission.BatchID(batchID.String)
	var cols columnParser
	e.Amount = cols.decimal("amount", amount)
	e.EffectiveAt = cols.time("effective_at", dateLayout, effective)
	e.CreatedAt = cols.time("created_at", time.RFC3339, created)
	if cols.err != nil {
		return e, fmt.Errorf("ledger entry %s: %w", e.ID, cols.err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Meta); err != nil {
			return e, fmt.Errorf("failed to decode metadata for entry %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// =============================================================================
// PAYOUT BATCHES
// =============================================================================

const batchColumns = `id, agent_id, run_family, period_key, gross, chargeback_repaid,
	lead_repaid, total_net, status, created_at`

// SettleBatch persists the batch, settles its rows and appends repayments in
// one transaction. A row that is already settled aborts the whole batch, as
// does a debt account that moved away from gatedOn.
func (s *Store) SettleBatch(ctx context.Context, b commission.PayoutBatch, settled []commission.EntryID, repayments []commission.LedgerEntry, gatedOn commission.DebtAccount) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := debtAccount(ctx, tx, b.AgentID)
		if err != nil {
			return err
		}
		if !current.SameBalance(gatedOn) {
			return commission.ErrDebtChanged
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO payout_batches (`+batchColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			b.ID, b.AgentID, b.RunFamily, b.PeriodKey,
			b.Gross.String(), b.ChargebackRepaid.String(), b.LeadRepaid.String(), b.TotalNet.String(),
			b.Status, b.CreatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert payout batch: %w", err)
		}

		for _, id := range settled {
			res, err := tx.ExecContext(ctx, `
				UPDATE ledger_entries SET is_settled = 1, payout_batch_id = ?
				WHERE id = ? AND is_settled = 0
			`, b.ID, id)
			if err != nil {
				return fmt.Errorf("failed to settle entry %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("settle entry %s: not found or already settled", id)
			}
		}

		for _, r := range repayments {
			if _, err := insertEntry(ctx, tx, r, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetBatch(ctx context.Context, id commission.BatchID) (*commission.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, agentID commission.AgentID) ([]commission.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + batchColumns + ` FROM payout_batches`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY period_key, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout batches: %w", err)
	}
	defer rows.Close()

	var batches []commission.PayoutBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row rowScanner) (commission.PayoutBatch, error) {
	var (
		b                                     commission.PayoutBatch
		gross, chargeback, lead, net, created string
	)
	err := row.Scan(&b.ID, &b.AgentID, &b.RunFamily, &b.PeriodKey,
		&gross, &chargeback, &lead, &net, &b.Status, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan payout batch: %w", err)
	}
	var cols columnParser
	b.Gross = cols.decimal("gross", gross)
	b.ChargebackRepaid = cols.decimal("chargeback_repaid", chargeback)
	b.LeadRepaid = cols.decimal("lead_repaid", lead)
	b.TotalNet = cols.decimal("total_net", net)
	b.CreatedAt = cols.time("created_at", time.RFC3339, created)
	if cols.err != nil {
		return b, fmt.Errorf("payout batch %s: %w", b.ID, cols.err)
	}
	return b, nil
}

// =============================================================================
// RUN LOCKS & RECORDS
// =============================================================================

// AcquireRunLock inserts the family's lock row. An existing row younger
// than staleLockAge means another run of the family is in progress.
func (s *Store) AcquireRunLock(ctx context.Context, family commission.RunFamily) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM family_locks WHERE run_family = ? AND acquired_at < ?
	`, family, now.Add(-staleLockAge).Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("failed to clear stale run lock: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO family_locks (run_family, acquired_at) VALUES (?, ?)
	`, family, now.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, commission.ErrRunLocked
		}
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`DELETE FROM family_locks WHERE run_family = ?`, family)
		return err
	}, nil
}

func (s *Store) SaveRun(ctx context.Context, r commission.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO commission_runs (id, run_family, period_key, as_of, status, rows_created,
			agents_paid, net_total, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			rows_created = excluded.rows_created,
			agents_paid = excluded.agents_paid,
			net_total = excluded.net_total,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC().Format(timestampLayout)
		completedAt = &c
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Family, r.PeriodKey, r.AsOf.Format(dateLayout), r.Status,
		r.RowsCreated, r.AgentsPaid, r.NetTotal.String(), nullString(r.Error),
		r.StartedAt.UTC().Format(timestampLayout), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]commission.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, run_family, period_key, as_of, status, rows_created, agents_paid,
			net_total, error, started_at, completed_at
		FROM commission_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []commission.RunRecord
	for rows.Next() {
		var (
			r                   commission.RunRecord
			asOf, net, started  string
			runErr, completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Family, &r.PeriodKey, &asOf, &r.Status, &r.RowsCreated,
			&r.AgentsPaid, &net, &runErr, &started, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var cols columnParser
		r.AsOf = cols.time("as_of", dateLayout, asOf)
		r.NetTotal = cols.decimal("net_total", net)
		r.Error = runErr.String
		r.StartedAt = cols.time("started_at", timestampLayout, started)
		if completedAt.Valid {
			t := cols.time("completed_at", timestampLayout, completedAt.String)
			r.CompletedAt = &t
		}
		if cols.err != nil {
			return nil, fmt.Errorf("run %s: %w", r.ID, cols.err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Helper functions

type rowScanner interface {
	Scan(dest ...any) error
}

var payableTypes = []commission.EntryType{
	commission.EntryAdvance,
	commission.EntryPaythru,
	commission.EntryRenewal,
	commission.EntryOverride,
	commission.EntryBonus,
}

func payableArgs() []any {
	args := make([]any, len(payableTypes))
	for i, t := range payableTypes {
		args[i] = t
	}
	return args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// columnParser converts TEXT columns and keeps the first failure.
type columnParser struct {
	err error
}

func (p *columnParser) decimal(column, s string) decimal.Decimal {
	d, err := parseDecimal(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", column, err)
	}
	return d
}

func (p *columnParser) time(column, layout, s string) time.Time {
	t, err := time.Parse(layout, s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: invalid time %q: %w", column, s, err)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
