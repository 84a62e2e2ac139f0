package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func key(level commission.AgentLevel) commission.ScheduleKey {
	return commission.ScheduleKey{Carrier: "acme", ProductLine: "life", PolicyType: "whole", Level: level}
}

func accrual(id string, period string) commission.LedgerEntry {
	return commission.LedgerEntry{
		ID:          commission.EntryID(id),
		AgentID:     "agent-1",
		PolicyID:    "pol-1",
		Amount:      dec("80"),
		Type:        commission.EntryPaythru,
		RunFamily:   commission.FamilyPaythru,
		PeriodKey:   period,
		CycleIndex:  1,
		EffectiveAt: day(2025, time.October, 5),
		Meta:        commission.EntryMeta{RunFamily: commission.FamilyPaythru, CycleIndex: 1, PayMonth: period},
	}
}

func TestAppendEntries_DropsAccrualKeyConflicts(t *testing.T) {
	// GIVEN: A paythru row for 2025-10
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.AppendEntries(ctx, []commission.LedgerEntry{accrual("e-1", "2025-10")})
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	// WHEN: The same key is written again for 2025-10 plus a new month
	inserted, err = store.AppendEntries(ctx, []commission.LedgerEntry{
		accrual("e-2", "2025-10"),
		accrual("e-3", "2025-11"),
	})
	require.NoError(t, err)

	// THEN: Only the new month lands
	require.Len(t, inserted, 1)
	assert.Equal(t, commission.EntryID("e-3"), inserted[0].ID)

	history, err := store.AccrualHistory(ctx, commission.FamilyPaythru)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAppendAdjustment_AccrualConflictIsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAdjustment(ctx, accrual("e-1", "2025-10")))
	err := store.AppendAdjustment(ctx, accrual("e-2", "2025-10"))

	assert.ErrorIs(t, err, commission.ErrDuplicateAccrual)
}

func TestEntries_RoundTripMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	divisor := 3
	e := accrual("e-1", "2025-10")
	e.Meta.DivisorMonths = &divisor
	e.Meta.PremiumUsed = dec("960")

	_, err := store.AppendEntries(ctx, []commission.LedgerEntry{e})
	require.NoError(t, err)

	rows, err := store.ListEntries(ctx, commission.LedgerFilter{PolicyID: "pol-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(dec("80")))
	require.NotNil(t, rows[0].Meta.DivisorMonths)
	assert.Equal(t, 3, *rows[0].Meta.DivisorMonths)
	assert.True(t, rows[0].Meta.PremiumUsed.Equal(dec("960")))
	assert.Equal(t, "2025-10", rows[0].Meta.PayMonth)
}

func TestUnsettledAndSettleBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendEntries(ctx, []commission.LedgerEntry{
		accrual("e-1", "2025-10"),
		accrual("e-2", "2025-11"),
		accrual("e-3", "2025-12"),
	})
	require.NoError(t, err)

	// Rows after the current period are not part of the pay event.
	rows, err := store.UnsettledEntries(ctx, "agent-1", commission.FamilyPaythru, "2025-11")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	agents, err := store.AgentsWithUnsettled(ctx, commission.FamilyPaythru, "2025-11")
	require.NoError(t, err)
	assert.Equal(t, []commission.AgentID{"agent-1"}, agents)

	batch := commission.PayoutBatch{
		ID: "b-1", AgentID: "agent-1", RunFamily: commission.FamilyPaythru, PeriodKey: "2025-11",
		Gross: dec("160"), ChargebackRepaid: dec("0"), LeadRepaid: dec("48"), TotalNet: dec("112"),
		Status: commission.BatchPendingDisbursement, CreatedAt: time.Now().UTC(),
	}
	repay := commission.LedgerEntry{
		ID: "r-1", AgentID: "agent-1", Amount: dec("-48"), Type: commission.EntryLeadCharge,
		PeriodKey: "2025-11", IsSettled: true, PayoutBatchID: "b-1", EffectiveAt: day(2025, time.November, 5),
	}
	require.NoError(t, store.SettleBatch(ctx, batch, []commission.EntryID{"e-1", "e-2"}, []commission.LedgerEntry{repay}, commission.DebtAccount{}))

	rows, err = store.UnsettledEntries(ctx, "agent-1", commission.FamilyPaythru, "2025-12")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, commission.EntryID("e-3"), rows[0].ID)

	got, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TotalNet.Equal(dec("112")))

	inBatch, err := store.ListEntries(ctx, commission.LedgerFilter{BatchID: "b-1"})
	require.NoError(t, err)
	assert.Len(t, inBatch, 3)

	acct, err := store.DebtAccount(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, acct.LeadDebtTotal.Equal(dec("-48")))

	// Settling an already settled row rolls the whole batch back.
	again := batch
	again.ID = "b-2"
	err = store.SettleBatch(ctx, again, []commission.EntryID{"e-1"}, nil, acct)
	require.Error(t, err)
	missing, err := store.GetBatch(ctx, "b-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindSchedule_EffectiveDating(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	end := 3

	require.NoError(t, store.SaveSchedule(ctx, commission.Schedule{
		ID: "s-1", Key: key(commission.LevelAgent), EffectiveFrom: day(2024, time.January, 1),
		BaseRate: dec("0.80"), AdvanceRate: dec("0.75"),
		RenewalBands: []commission.RenewalBand{{StartCycle: 2, EndCycle: &end, Rate: dec("0.10")}},
	}))
	require.NoError(t, store.SaveSchedule(ctx, commission.Schedule{
		ID: "s-2", Key: key(commission.LevelAgent), EffectiveFrom: day(2025, time.July, 1),
		BaseRate: dec("0.85"),
	}))

	before, err := store.FindSchedule(ctx, key(commission.LevelAgent), day(2025, time.January, 10))
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, "s-1", before.ID)
	require.Len(t, before.RenewalBands, 1)
	assert.Equal(t, 3, *before.RenewalBands[0].EndCycle)
	assert.True(t, before.RateFor(4).IsZero())

	after, err := store.FindSchedule(ctx, key(commission.LevelAgent), day(2025, time.July, 1))
	require.NoError(t, err)
	assert.Equal(t, "s-2", after.ID)

	none, err := store.FindSchedule(ctx, key(commission.LevelMGA), day(2025, time.July, 1))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSaveSchedule_RejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveSchedule(context.Background(), commission.Schedule{
		ID: "s-bad", Key: key(commission.LevelAgent), BaseRate: dec("0.8"),
		RenewalBands: []commission.RenewalBand{{StartCycle: 1, Rate: dec("0.1")}},
	})

	assert.ErrorIs(t, err, commission.ErrInvalidSchedule)
}

func TestAcquireRunLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	release, err := store.AcquireRunLock(ctx, commission.FamilyAdvance)
	require.NoError(t, err)

	_, err = store.AcquireRunLock(ctx, commission.FamilyAdvance)
	assert.ErrorIs(t, err, commission.ErrRunLocked)

	// Other families are independent.
	other, err := store.AcquireRunLock(ctx, commission.FamilyPaythru)
	require.NoError(t, err)
	require.NoError(t, other())

	require.NoError(t, release())
	release, err = store.AcquireRunLock(ctx, commission.FamilyAdvance)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestSettleBatch_RefusesMovedDebt(t *testing.T) {
	// GIVEN: A batch gated against 100 of chargeback debt
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.AppendEntries(ctx, []commission.LedgerEntry{accrual("e-1", "2025-10")})
	require.NoError(t, err)
	require.NoError(t, store.AppendAdjustment(ctx, commission.LedgerEntry{
		ID: "cb-1", AgentID: "agent-1", Amount: dec("100"), Type: commission.EntryChargeback,
		EffectiveAt: day(2025, time.September, 1),
	}))
	gated, err := store.DebtAccount(ctx, "agent-1")
	require.NoError(t, err)

	// AND: Another settlement repays it before this one writes
	require.NoError(t, store.AppendAdjustment(ctx, commission.LedgerEntry{
		ID: "cb-repaid", AgentID: "agent-1", Amount: dec("-100"), Type: commission.EntryChargeback,
		IsSettled: true, EffectiveAt: day(2025, time.October, 5),
	}))

	// WHEN: The stale batch is settled
	batch := commission.PayoutBatch{
		ID: "b-1", AgentID: "agent-1", RunFamily: commission.FamilyPaythru, PeriodKey: "2025-10",
		Gross: dec("80"), ChargebackRepaid: dec("24"), LeadRepaid: dec("0"), TotalNet: dec("56"),
		Status: commission.BatchPendingDisbursement, CreatedAt: time.Now().UTC(),
	}
	repay := commission.LedgerEntry{
		ID: "r-1", AgentID: "agent-1", Amount: dec("-24"), Type: commission.EntryChargeback,
		PeriodKey: "2025-10", IsSettled: true, PayoutBatchID: "b-1", EffectiveAt: day(2025, time.October, 5),
	}
	err = store.SettleBatch(ctx, batch, []commission.EntryID{"e-1"}, []commission.LedgerEntry{repay}, gated)

	// THEN: Nothing is written and the chargeback stays at zero
	assert.ErrorIs(t, err, commission.ErrDebtChanged)
	missing, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Nil(t, missing)
	acct, err := store.DebtAccount(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, acct.ChargebackTotal.IsZero())
	rows, err := store.UnsettledEntries(ctx, "agent-1", commission.FamilyPaythru, "2025-10")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMalformedColumnsAreErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN: A chargeback whose amount has a letter O in it
	_, err := store.db.Exec(`
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ('cb-bad', 'agent-1', NULL, '12O.00', ?, NULL, '', 0, 0, NULL, '2025-03-01', NULL, ?)
	`, commission.EntryChargeback, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	// THEN: Reading it fails instead of counting as zero debt
	_, err = store.DebtAccount(ctx, "agent-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cb-bad")

	_, err = store.ListEntries(ctx, commission.LedgerFilter{AgentID: "agent-1"})
	assert.Error(t, err)
}

func TestMalformedIssueDateFailsEligibility(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN: A policy whose issued_at sorts as a date but does not parse
	_, err := store.db.Exec(`
		INSERT INTO policies (`+policyColumns+`)
		VALUES ('pol-bad', 'agent-1', 'acme', 'life', 'whole', '1200', '0', '2025-01-1x', ?, 0)
	`, commission.StatusInForce)
	require.NoError(t, err)

	_, err = store.EligiblePolicies(ctx, day(2025, time.February, 7))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "issued_at")
}

func TestEngine_RunAgainstSQLite(t *testing.T) {
	// GIVEN: agent (0.80) under manager (0.90), AP 1200, advance 0.75
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, commission.Agent{ID: "agent-1", Level: commission.LevelAgent, RecruiterID: "mgr-1", IsActive: true}))
	require.NoError(t, store.SaveAgent(ctx, commission.Agent{ID: "mgr-1", Level: commission.LevelManager, IsActive: true}))
	require.NoError(t, store.SaveSchedule(ctx, commission.Schedule{ID: "s-a", Key: key(commission.LevelAgent),
		EffectiveFrom: day(2024, time.January, 1), BaseRate: dec("0.80"), AdvanceRate: dec("0.75")}))
	require.NoError(t, store.SaveSchedule(ctx, commission.Schedule{ID: "s-m", Key: key(commission.LevelManager),
		EffectiveFrom: day(2024, time.January, 1), BaseRate: dec("0.90"), AdvanceRate: dec("0.75")}))
	require.NoError(t, store.SavePolicy(ctx, commission.Policy{
		ID: "pol-1", AgentID: "agent-1", Carrier: "acme", ProductLine: "life", PolicyType: "whole",
		PremiumAnnual: dec("1200"), IssuedAt: day(2025, time.January, 10), Status: commission.StatusInForce,
	}))

	engine := commission.NewEngine(store, zap.NewNop(), commission.DefaultConfig())

	// WHEN: Run twice for the same Friday
	first, err := engine.Run(ctx, commission.FamilyAdvance, day(2025, time.February, 7))
	require.NoError(t, err)
	second, err := engine.Run(ctx, commission.FamilyAdvance, day(2025, time.February, 7))
	require.NoError(t, err)

	// THEN: Rows are written once and the agent is paid once
	assert.Equal(t, 2, first.RowsCreated)
	assert.Equal(t, 1, first.AgentsPaid)
	assert.True(t, first.Totals.Net.Equal(dec("720")))
	assert.Equal(t, 0, second.RowsCreated)
	assert.Equal(t, 0, second.AgentsPaid)

	batches, err := store.ListBatches(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, batches, 1)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].ID)
	assert.Equal(t, commission.RunCompleted, runs[0].Status)
}
