package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
)

// These tests need a live database: TEST_DATABASE_URL=postgres://... go test ./store/postgres/
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := New(context.Background(), DefaultConfig(url), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// suffix keeps rows from different test runs apart in a shared database.
func suffix() string { return uuid.NewString()[:8] }

func TestAppendEntries_DropsConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pol := commission.PolicyID("pol-" + suffix())

	row := func(id, period string) commission.LedgerEntry {
		return commission.LedgerEntry{
			ID: commission.EntryID(id + "-" + suffix()), AgentID: "agent-1", PolicyID: pol,
			Amount: dec("80.25"), Type: commission.EntryPaythru, RunFamily: commission.FamilyPaythru,
			PeriodKey: period, CycleIndex: 1, EffectiveAt: day(2025, time.October, 5),
		}
	}

	inserted, err := store.AppendEntries(ctx, []commission.LedgerEntry{row("e1", "2025-10")})
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	inserted, err = store.AppendEntries(ctx, []commission.LedgerEntry{row("e2", "2025-10"), row("e3", "2025-11")})
	require.NoError(t, err)
	assert.Len(t, inserted, 1)

	err = store.AppendAdjustment(ctx, row("e4", "2025-11"))
	assert.ErrorIs(t, err, commission.ErrDuplicateAccrual)

	rows, err := store.ListEntries(ctx, commission.LedgerFilter{PolicyID: pol})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Amount.Equal(dec("80.25")))
}

func TestFindSchedule_LatestEffective(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := commission.ScheduleKey{Carrier: "carrier-" + suffix(), ProductLine: "life", PolicyType: "term", Level: commission.LevelAgent}
	end := 5

	require.NoError(t, store.SaveSchedule(ctx, commission.Schedule{
		ID: uuid.NewString(), Key: key, EffectiveFrom: day(2024, time.January, 1), BaseRate: dec("0.8"),
		RenewalBands: []commission.RenewalBand{{StartCycle: 2, EndCycle: &end, Rate: dec("0.05")}},
	}))
	require.NoError(t, store.SaveSchedule(ctx, commission.Schedule{
		ID: uuid.NewString(), Key: key, EffectiveFrom: day(2025, time.June, 1), BaseRate: dec("0.9"),
	}))

	sc, err := store.FindSchedule(ctx, key, day(2025, time.January, 1))
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.True(t, sc.BaseRate.Equal(dec("0.8")))
	require.Len(t, sc.RenewalBands, 1)
	assert.True(t, sc.RateFor(3).Equal(dec("0.05")))

	sc, err = store.FindSchedule(ctx, key, day(2025, time.June, 2))
	require.NoError(t, err)
	assert.True(t, sc.BaseRate.Equal(dec("0.9")))
}

func TestAcquireRunLock_Exclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	release, err := store.AcquireRunLock(ctx, commission.FamilyPaythru)
	require.NoError(t, err)

	// Any period of the same family is refused.
	_, err = store.AcquireRunLock(ctx, commission.FamilyPaythru)
	assert.ErrorIs(t, err, commission.ErrRunLocked)

	other, err := store.AcquireRunLock(ctx, commission.FamilyRenewal)
	require.NoError(t, err)
	require.NoError(t, other())

	require.NoError(t, release())

	release, err = store.AcquireRunLock(ctx, commission.FamilyPaythru)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestDebtAccount_SumsDebtRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	agent := commission.AgentID("agent-" + suffix())

	for _, e := range []commission.LedgerEntry{
		{ID: commission.EntryID(uuid.NewString()), AgentID: agent, Amount: dec("120"), Type: commission.EntryChargeback, EffectiveAt: day(2025, time.March, 1)},
		{ID: commission.EntryID(uuid.NewString()), AgentID: agent, Amount: dec("900"), Type: commission.EntryLeadCharge, EffectiveAt: day(2025, time.March, 1)},
		{ID: commission.EntryID(uuid.NewString()), AgentID: agent, Amount: dec("-80"), Type: commission.EntryLeadCharge, IsSettled: true, EffectiveAt: day(2025, time.March, 7)},
	} {
		require.NoError(t, store.AppendAdjustment(ctx, e))
	}

	acct, err := store.DebtAccount(ctx, agent)
	require.NoError(t, err)
	assert.True(t, acct.ChargebackTotal.Equal(dec("120")))
	assert.True(t, acct.LeadDebtTotal.Equal(dec("820")))
}

func TestSettleBatch_RefusesMovedDebt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	agent := commission.AgentID("agent-" + suffix())

	// GIVEN: A batch gated against 100 of chargeback that another family
	// repays before this one writes
	require.NoError(t, store.AppendAdjustment(ctx, commission.LedgerEntry{
		ID: commission.EntryID(uuid.NewString()), AgentID: agent, Amount: dec("100"),
		Type: commission.EntryChargeback, EffectiveAt: day(2025, time.March, 1),
	}))
	gated, err := store.DebtAccount(ctx, agent)
	require.NoError(t, err)
	require.NoError(t, store.AppendAdjustment(ctx, commission.LedgerEntry{
		ID: commission.EntryID(uuid.NewString()), AgentID: agent, Amount: dec("-100"),
		Type: commission.EntryChargeback, IsSettled: true, EffectiveAt: day(2025, time.March, 5),
	}))

	batch := commission.PayoutBatch{
		ID: commission.BatchID(uuid.NewString()), AgentID: agent, RunFamily: commission.FamilyAdvance,
		PeriodKey: "2025-03-07", Gross: dec("500"), ChargebackRepaid: dec("100"), LeadRepaid: dec("0"),
		TotalNet: dec("400"), Status: commission.BatchPendingDisbursement, CreatedAt: time.Now().UTC(),
	}
	repay := commission.LedgerEntry{
		ID: commission.EntryID(uuid.NewString()), AgentID: agent, Amount: dec("-100"),
		Type: commission.EntryChargeback, IsSettled: true, PayoutBatchID: batch.ID, EffectiveAt: day(2025, time.March, 7),
	}

	// WHEN: The stale batch is settled
	err = store.SettleBatch(ctx, batch, nil, []commission.LedgerEntry{repay}, gated)

	// THEN: It is refused and the chargeback does not go negative
	assert.ErrorIs(t, err, commission.ErrDebtChanged)
	acct, err := store.DebtAccount(ctx, agent)
	require.NoError(t, err)
	assert.True(t, acct.ChargebackTotal.IsZero())
}
