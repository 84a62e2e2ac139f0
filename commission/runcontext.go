package commission

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// RUN CONTEXT - per-invocation caches and dedup snapshot
// =============================================================================

// RunContext holds everything one run memoizes: agents, schedules, and the
// dedup snapshot taken at the start of the run. It is built per invocation
// and never shared, so runs are re-entrant.
type RunContext struct {
	Family    RunFamily
	AsOf      time.Time
	PeriodKey string

	store       Store
	agents      map[AgentID]*Agent
	schedules   map[scheduleLookup]*Schedule
	recorded    map[AccrualKey]bool // rows already in this pay period
	occurrences map[AccrualKey]int  // rows across every period of the family
}

type scheduleLookup struct {
	key ScheduleKey
	at  time.Time
}

// NewRunContext loads the dedup snapshot for a family at asOf.
func NewRunContext(ctx context.Context, store Store, family RunFamily, asOf time.Time) (*RunContext, error) {
	asOf = DateOf(asOf)
	rc := &RunContext{
		Family:      family,
		AsOf:        asOf,
		PeriodKey:   family.PeriodKey(asOf),
		store:       store,
		agents:      make(map[AgentID]*Agent),
		schedules:   make(map[scheduleLookup]*Schedule),
		recorded:    make(map[AccrualKey]bool),
		occurrences: make(map[AccrualKey]int),
	}

	history, err := store.AccrualHistory(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("load accrual history: %w", err)
	}
	for _, r := range history {
		rc.occurrences[r.Key]++
		if r.PeriodKey == rc.PeriodKey {
			rc.recorded[r.Key] = true
		}
	}
	return rc, nil
}

// Agent returns the cached agent, nil if it does not exist.
func (rc *RunContext) Agent(ctx context.Context, id AgentID) (*Agent, error) {
	if a, ok := rc.agents[id]; ok {
		return a, nil
	}
	a, err := rc.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	rc.agents[id] = a
	return a, nil
}

// Schedule returns the cached schedule for key in force at the date, nil if none.
func (rc *RunContext) Schedule(ctx context.Context, key ScheduleKey, at time.Time) (*Schedule, error) {
	lk := scheduleLookup{key: key, at: DateOf(at)}
	if s, ok := rc.schedules[lk]; ok {
		return s, nil
	}
	s, err := rc.store.FindSchedule(ctx, key, lk.at)
	if err != nil {
		return nil, fmt.Errorf("load schedule %s: %w", key, err)
	}
	rc.schedules[lk] = s
	return s, nil
}

// Admit checks an accrual key against the snapshot. It returns "" when a
// row may be written, otherwise the reason it may not.
func (rc *RunContext) Admit(key AccrualKey, limit int) SkipReason {
	if rc.recorded[key] {
		return SkipAlreadyRecorded
	}
	if rc.occurrences[key] >= limit {
		return SkipCycleCapReached
	}
	return ""
}

// Remember folds rows written (or simulated) during this run into the snapshot.
func (rc *RunContext) Remember(entries []LedgerEntry) {
	for _, e := range entries {
		k := e.Key()
		rc.recorded[k] = true
		rc.occurrences[k]++
	}
}

// Occurrences reports how many rows the family holds for a key, this run included.
func (rc *RunContext) Occurrences(key AccrualKey) int {
	return rc.occurrences[key]
}
