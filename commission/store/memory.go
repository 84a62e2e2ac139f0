// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	agents    map[commission.AgentID]commission.Agent
	policies  map[commission.PolicyID]commission.Policy
	terms     map[commission.PolicyID][]commission.PolicyTerm
	schedules map[commission.ScheduleKey][]commission.Schedule
	entries   []commission.LedgerEntry
	index     map[commission.EntryID]int
	unique    map[uniqueKey]bool
	batches   map[commission.BatchID]commission.PayoutBatch
	runs      map[string]commission.RunRecord
	locks     map[commission.RunFamily]bool
}

// uniqueKey mirrors the storage-level unique index on accrual rows.
type uniqueKey struct {
	family    commission.RunFamily
	period    string
	policy    commission.PolicyID
	agent     commission.AgentID
	cycle     int
	entryType commission.EntryType
}

var _ commission.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		agents:    make(map[commission.AgentID]commission.Agent),
		policies:  make(map[commission.PolicyID]commission.Policy),
		terms:     make(map[commission.PolicyID][]commission.PolicyTerm),
		schedules: make(map[commission.ScheduleKey][]commission.Schedule),
		index:     make(map[commission.EntryID]int),
		unique:    make(map[uniqueKey]bool),
		batches:   make(map[commission.BatchID]commission.PayoutBatch),
		runs:      make(map[string]commission.RunRecord),
		locks:     make(map[commission.RunFamily]bool),
	}
}

func accrualUnique(e commission.LedgerEntry) (uniqueKey, bool) {
	if e.RunFamily == "" || e.PolicyID == "" {
		return uniqueKey{}, false
	}
	return uniqueKey{
		family:    e.RunFamily,
		period:    e.PeriodKey,
		policy:    e.PolicyID,
		agent:     e.AgentID,
		cycle:     e.CycleIndex,
		entryType: e.Type,
	}, true
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (m *Memory) SaveAgent(_ context.Context, a commission.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id commission.AgentID) (*commission.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) ListAgents(_ context.Context) ([]commission.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]commission.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SavePolicy(_ context.Context, p commission.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, id commission.PolicyID) (*commission.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) ListPolicies(_ context.Context) ([]commission.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]commission.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) EligiblePolicies(_ context.Context, issuedOnOrBefore time.Time) ([]commission.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := commission.DateOf(issuedOnOrBefore)
	var out []commission.Policy
	for _, p := range m.policies {
		if !p.Status.Commissionable() || p.IssuedAt.IsZero() {
			continue
		}
		if commission.DateOf(p.IssuedAt).After(cutoff) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SavePolicyTerm(_ context.Context, t commission.PolicyTerm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	terms := append(m.terms[t.PolicyID], t)
	sort.Slice(terms, func(i, j int) bool { return terms[i].TermStart.Before(terms[j].TermStart) })
	m.terms[t.PolicyID] = terms
	return nil
}

func (m *Memory) FindPolicyTerm(_ context.Context, id commission.PolicyID, at time.Time) (*commission.PolicyTerm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := m.terms[id]
	// Latest start wins when terms overlap.
	for i := len(terms) - 1; i >= 0; i-- {
		if terms[i].Covers(at) {
			t := terms[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveSchedule(_ context.Context, s commission.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.schedules[s.Key]
	for _, v := range versions {
		if v.EffectiveFrom.Equal(s.EffectiveFrom) {
			return fmt.Errorf("%w: %s effective %s", commission.ErrScheduleExists, s.Key, s.EffectiveFrom.Format("2006-01-02"))
		}
	}
	versions = append(versions, s)
	sort.Slice(versions, func(i, j int) bool { return versions[i].EffectiveFrom.Before(versions[j].EffectiveFrom) })
	m.schedules[s.Key] = versions
	return nil
}

func (m *Memory) FindSchedule(_ context.Context, key commission.ScheduleKey, at time.Time) (*commission.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.schedules[key]
	day := commission.DateOf(at)
	for i := len(versions) - 1; i >= 0; i-- {
		if !commission.DateOf(versions[i].EffectiveFrom).After(day) {
			s := versions[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]commission.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []commission.Schedule
	for _, versions := range m.schedules {
		out = append(out, versions...)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].Key.String(), out[j].Key.String()
		if ki != kj {
			return ki < kj
		}
		return out[i].EffectiveFrom.Before(out[j].EffectiveFrom)
	})
	return out, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) AccrualHistory(_ context.Context, family commission.RunFamily) ([]commission.AccrualRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []commission.AccrualRecord
	for _, e := range m.entries {
		if e.RunFamily != family || e.PolicyID == "" {
			continue
		}
		out = append(out, commission.AccrualRecord{Key: e.Key(), PeriodKey: e.PeriodKey, Type: e.Type})
	}
	return out, nil
}

// AppendEntries adds accrual rows atomically, dropping unique-key conflicts.
func (m *Memory) AppendEntries(_ context.Context, entries []commission.LedgerEntry) ([]commission.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if _, dup := m.index[e.ID]; dup {
			return nil, fmt.Errorf("ledger entry %s already exists", e.ID)
		}
	}

	var inserted []commission.LedgerEntry
	for _, e := range entries {
		if k, ok := accrualUnique(e); ok {
			if m.unique[k] {
				continue
			}
			m.unique[k] = true
		}
		m.appendLocked(e)
		inserted = append(inserted, e)
	}
	return inserted, nil
}

func (m *Memory) AppendAdjustment(_ context.Context, e commission.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.index[e.ID]; dup {
		return fmt.Errorf("ledger entry %s already exists", e.ID)
	}
	if k, ok := accrualUnique(e); ok {
		if m.unique[k] {
			return commission.ErrDuplicateAccrual
		}
		m.unique[k] = true
	}
	m.appendLocked(e)
	return nil
}

func (m *Memory) appendLocked(e commission.LedgerEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.index[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
}

func (m *Memory) ListEntries(_ context.Context, f commission.LedgerFilter) ([]commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []commission.LedgerEntry
	for _, e := range m.entries {
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.PolicyID != "" && e.PolicyID != f.PolicyID {
			continue
		}
		if f.Family != "" && e.RunFamily != f.Family {
			continue
		}
		if f.BatchID != "" && e.PayoutBatchID != f.BatchID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) unsettledLocked(agentID commission.AgentID, family commission.RunFamily, through string) []commission.LedgerEntry {
	var out []commission.LedgerEntry
	for _, e := range m.entries {
		if e.IsSettled || e.RunFamily != family || !e.Type.Payable() {
			continue
		}
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		if e.PeriodKey > through {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (m *Memory) UnsettledEntries(_ context.Context, agentID commission.AgentID, family commission.RunFamily, through string) ([]commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unsettledLocked(agentID, family, through), nil
}

func (m *Memory) AgentsWithUnsettled(_ context.Context, family commission.RunFamily, through string) ([]commission.AgentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[commission.AgentID]bool)
	var out []commission.AgentID
	for _, e := range m.unsettledLocked("", family, through) {
		if !seen[e.AgentID] {
			seen[e.AgentID] = true
			out = append(out, e.AgentID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) DebtAccount(_ context.Context, agentID commission.AgentID) (commission.DebtAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.debtLocked(agentID), nil
}

func (m *Memory) debtLocked(agentID commission.AgentID) commission.DebtAccount {
	acct := commission.DebtAccount{
		AgentID:         agentID,
		LeadDebtTotal:   decimal.Zero,
		ChargebackTotal: decimal.Zero,
	}
	for _, e := range m.entries {
		if e.AgentID != agentID {
			continue
		}
		switch e.Type {
		case commission.EntryChargeback:
			acct.ChargebackTotal = acct.ChargebackTotal.Add(e.Amount)
		case commission.EntryLeadCharge:
			acct.LeadDebtTotal = acct.LeadDebtTotal.Add(e.Amount)
		}
	}
	return acct
}

// =============================================================================
// PAYOUTS & RUNS
// =============================================================================

// SettleBatch stores the batch, settles rows and appends repayments atomically.
func (m *Memory) SettleBatch(_ context.Context, batch commission.PayoutBatch, settled []commission.EntryID, repayments []commission.LedgerEntry, gatedOn commission.DebtAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.debtLocked(batch.AgentID).SameBalance(gatedOn) {
		return commission.ErrDebtChanged
	}

	if _, exists := m.batches[batch.ID]; exists {
		return fmt.Errorf("payout batch %s already exists", batch.ID)
	}
	for _, id := range settled {
		i, ok := m.index[id]
		if !ok {
			return fmt.Errorf("settle entry %s: not found", id)
		}
		if m.entries[i].IsSettled {
			return fmt.Errorf("settle entry %s: already settled", id)
		}
	}
	for _, r := range repayments {
		if _, dup := m.index[r.ID]; dup {
			return fmt.Errorf("ledger entry %s already exists", r.ID)
		}
	}

	for _, id := range settled {
		i := m.index[id]
		m.entries[i].IsSettled = true
		m.entries[i].PayoutBatchID = batch.ID
	}
	for _, r := range repayments {
		m.appendLocked(r)
	}
	m.batches[batch.ID] = batch
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id commission.BatchID) (*commission.PayoutBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBatches(_ context.Context, agentID commission.AgentID) ([]commission.PayoutBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []commission.PayoutBatch
	for _, b := range m.batches {
		if agentID == "" || b.AgentID == agentID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodKey != out[j].PeriodKey {
			return out[i].PeriodKey < out[j].PeriodKey
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) AcquireRunLock(_ context.Context, family commission.RunFamily) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[family] {
		return nil, commission.ErrRunLocked
	}
	m.locks[family] = true
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, family)
		return nil
	}, nil
}

func (m *Memory) SaveRun(_ context.Context, run commission.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]commission.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]commission.RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
