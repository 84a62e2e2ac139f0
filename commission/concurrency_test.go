/*
concurrency_test.go - Overlapping runs against one book

Tests for:
- Two periods of one family never accrue from the same snapshot
- A settlement whose debt moved underneath it is re-gated
- Two families settling one agent withhold shared debt once
*/
package commission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

// pausingHistory parks the next AccrualHistory call until resumed.
type pausingHistory struct {
	*store.Memory

	mu      sync.Mutex
	paused  chan struct{}
	resume  chan struct{}
	armNext bool
}

func (p *pausingHistory) arm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = make(chan struct{})
	p.resume = make(chan struct{})
	p.armNext = true
}

func (p *pausingHistory) AccrualHistory(ctx context.Context, family commission.RunFamily) ([]commission.AccrualRecord, error) {
	p.mu.Lock()
	hold := p.armNext
	p.armNext = false
	paused, resume := p.paused, p.resume
	p.mu.Unlock()

	if hold {
		close(paused)
		<-resume
	}
	return p.Memory.AccrualHistory(ctx, family)
}

func TestRun_PeriodsOfOneFamilyDoNotOverlap(t *testing.T) {
	// GIVEN: Two of the agent's three paythru installments are recorded
	m, _ := newBook(t)
	book := &pausingHistory{Memory: m}
	engine := commission.NewEngine(book, zap.NewNop(), commission.DefaultConfig())
	ctx := context.Background()
	for _, payDate := range []time.Time{date(2025, time.October, 5), date(2025, time.November, 5)} {
		_, err := engine.Run(ctx, commission.FamilyPaythru, payDate)
		require.NoError(t, err)
	}

	// WHEN: December is mid-snapshot while January is triggered
	book.arm()
	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(ctx, commission.FamilyPaythru, date(2025, time.December, 5))
		done <- err
	}()
	<-book.paused

	_, janErr := engine.Run(ctx, commission.FamilyPaythru, date(2026, time.January, 5))
	close(book.resume)
	require.NoError(t, <-done)

	// THEN: January is refused rather than reading the same occurrence counts
	assert.ErrorIs(t, janErr, commission.ErrRunLocked)

	// AND: Once December is done, January hits the cap
	jan, err := engine.Run(ctx, commission.FamilyPaythru, date(2026, time.January, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, jan.RowsCreated)
	assert.Len(t, entriesOf(t, m, commission.LedgerFilter{AgentID: "agent-1", Family: commission.FamilyPaythru}), 3)
}

// repayingDebt settles the agent's chargeback right after the first debt
// read, as a run of another family would.
type repayingDebt struct {
	*store.Memory
	agent commission.AgentID
	once  sync.Once
}

func (r *repayingDebt) DebtAccount(ctx context.Context, agentID commission.AgentID) (commission.DebtAccount, error) {
	acct, err := r.Memory.DebtAccount(ctx, agentID)
	if err != nil || agentID != r.agent {
		return acct, err
	}
	r.once.Do(func() {
		err = r.Memory.AppendAdjustment(ctx, commission.LedgerEntry{
			ID: "cb-repaid-elsewhere", AgentID: agentID, Amount: acct.ChargebackTotal.Neg(),
			Type: commission.EntryChargeback, IsSettled: true, PeriodKey: "2025-02",
			EffectiveAt: date(2025, time.February, 5),
		})
	})
	return acct, err
}

func TestRun_SettlementRegatesWhenDebtMoves(t *testing.T) {
	// GIVEN: 100 of chargeback that another family repays mid-settlement
	m, _ := newBook(t)
	ctx := context.Background()
	require.NoError(t, m.AppendAdjustment(ctx, commission.LedgerEntry{ID: "cb-1", AgentID: "agent-1", Amount: dec("100"), Type: commission.EntryChargeback}))
	engine := commission.NewEngine(&repayingDebt{Memory: m, agent: "agent-1"}, zap.NewNop(), commission.DefaultConfig())

	// WHEN: The advance is settled
	res, err := engine.Run(ctx, commission.FamilyAdvance, date(2025, time.February, 7))
	require.NoError(t, err)

	// THEN: The batch reflects the debt as it is now, not as first read
	w := payoutFor(t, res, "agent-1").Waterfall
	assert.Equal(t, commission.OutcomePayable, w.Outcome)
	assertDecimal(t, "0", w.ChargebackRepaid)
	assertDecimal(t, "720", w.Net)

	acct, err := m.DebtAccount(ctx, "agent-1")
	require.NoError(t, err)
	assertDecimal(t, "0", acct.ChargebackTotal)
}

// debtBarrier holds the first two debt reads for one agent until both have
// been made, so two settlements gate against the same balance.
type debtBarrier struct {
	*store.Memory
	agent commission.AgentID

	mu      sync.Mutex
	arrived int
	both    chan struct{}
}

func (b *debtBarrier) DebtAccount(ctx context.Context, agentID commission.AgentID) (commission.DebtAccount, error) {
	acct, err := b.Memory.DebtAccount(ctx, agentID)
	if err != nil || agentID != b.agent {
		return acct, err
	}
	b.mu.Lock()
	b.arrived++
	n := b.arrived
	if n == 2 {
		close(b.both)
	}
	b.mu.Unlock()

	if n <= 2 {
		select {
		case <-b.both:
		case <-time.After(5 * time.Second):
		}
	}
	return acct, nil
}

func TestRun_ConcurrentFamiliesRepayDebtOnce(t *testing.T) {
	// GIVEN: Chargeback 100, a 720 advance due and a 500 paythru bonus
	m, _ := newBook(t)
	ctx := context.Background()
	require.NoError(t, m.AppendAdjustment(ctx, commission.LedgerEntry{ID: "cb-1", AgentID: "agent-1", Amount: dec("100"), Type: commission.EntryChargeback}))
	require.NoError(t, m.AppendAdjustment(ctx, commission.LedgerEntry{
		ID: "bonus-1", AgentID: "agent-1", Amount: dec("500"), Type: commission.EntryBonus,
		RunFamily: commission.FamilyPaythru, PeriodKey: "2025-02", EffectiveAt: date(2025, time.February, 5),
	}))
	book := &debtBarrier{Memory: m, agent: "agent-1", both: make(chan struct{})}
	engine := commission.NewEngine(book, zap.NewNop(), commission.DefaultConfig())

	// WHEN: Both families settle the agent at the same time
	var (
		wg      sync.WaitGroup
		results [2]*commission.RunResult
		errs    [2]error
	)
	for i, run := range []struct {
		family commission.RunFamily
		asOf   time.Time
	}{
		{commission.FamilyAdvance, date(2025, time.February, 7)},
		{commission.FamilyPaythru, date(2025, time.February, 5)},
	} {
		wg.Add(1)
		go func(i int, family commission.RunFamily, asOf time.Time) {
			defer wg.Done()
			results[i], errs[i] = engine.Run(ctx, family, asOf)
		}(i, run.family, run.asOf)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// THEN: Both are paid but the chargeback is withheld once
	repaid := dec("0")
	for _, res := range results {
		p := payoutFor(t, res, "agent-1")
		assert.NotEmpty(t, p.BatchID)
		repaid = repaid.Add(p.Waterfall.ChargebackRepaid)
	}
	assertDecimal(t, "100", repaid)

	acct, err := m.DebtAccount(ctx, "agent-1")
	require.NoError(t, err)
	assertDecimal(t, "0", acct.ChargebackTotal)
}
