/*
runner.go - Commit runs and the preview harness

PURPOSE:
  Orchestrates one cadence over every eligible policy:
    1. lock the run family (every period shares the occurrence caps)
    2. snapshot existing accruals into a RunContext
    3. accrue each policy (accrual.go) and append its rows
    4. gate every agent with unsettled rows through the waterfall
    5. settle payable agents into PayoutBatches; a batch whose debt moved
       underneath it (another family settled the same agent) is re-gated

  Preview runs steps 2-4 for one agent and writes nothing. Both paths call
  the same functions in the same order, so the amounts match exactly.

FAILURE MODEL:
  Configuration gaps are soft skips. A storage error aborts the run. Rows
  appended for earlier policies stay, and re-running is safe because the
  dedup snapshot and the unique key skip them.

SEE ALSO:
  - accrual.go: per-policy row construction
  - waterfall.go: gate and debt order
  - store.go: locking and unique key contract
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// Threshold is the minimum gross for a payout batch.
	Threshold decimal.Decimal

	// WaitDays is how long after issue a policy becomes eligible.
	WaitDays int

	MaxChainDepth int
}

func DefaultConfig() Config {
	return Config{
		Threshold:     DefaultPayoutThreshold,
		WaitDays:      14,
		MaxChainDepth: DefaultMaxChainDepth,
	}
}

// maxSettleAttempts bounds re-gating when another family keeps moving an
// agent's debt between the gate and the write.
const maxSettleAttempts = 3

// Recorder receives run metrics. The zero Engine uses a no-op recorder.
type Recorder interface {
	RunFinished(family RunFamily, status RunStatus, elapsed time.Duration)
	RowsWritten(family RunFamily, entryType EntryType, n int)
	PolicySkipped(family RunFamily, reason SkipReason, n int)
	BatchGated(family RunFamily, outcome Outcome, net decimal.Decimal)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(RunFamily, RunStatus, time.Duration) {}
func (nopRecorder) RowsWritten(RunFamily, EntryType, int) {}
func (nopRecorder) PolicySkipped(RunFamily, SkipReason, int) {}
func (nopRecorder) BatchGated(RunFamily, Outcome, decimal.Decimal) {}

// =============================================================================
// RESULTS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the persisted audit row for one commit run.
type RunRecord struct {
	ID          string
	Family      RunFamily
	PeriodKey   string
	AsOf        time.Time
	Status      RunStatus
	RowsCreated int
	AgentsPaid  int
	NetTotal    decimal.Decimal
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Totals is the money summary shared by run and preview results.
type Totals struct {
	Accrued          decimal.Decimal `json:"accrued"`
	Gross            decimal.Decimal `json:"gross"`
	ChargebackRepaid decimal.Decimal `json:"chargeback_repaid"`
	LeadRepaid       decimal.Decimal `json:"lead_repaid"`
	Net              decimal.Decimal `json:"net"`
}

func zeroTotals() Totals {
	return Totals{
		Accrued:          decimal.Zero,
		Gross:            decimal.Zero,
		ChargebackRepaid: decimal.Zero,
		LeadRepaid:       decimal.Zero,
		Net:              decimal.Zero,
	}
}

func (t *Totals) addGate(w Waterfall) {
	if w.Outcome != OutcomePayable {
		return
	}
	t.Gross = t.Gross.Add(w.Gross)
	t.ChargebackRepaid = t.ChargebackRepaid.Add(w.ChargebackRepaid)
	t.LeadRepaid = t.LeadRepaid.Add(w.LeadRepaid)
	t.Net = t.Net.Add(w.Net)
}

// AgentPayout is the gate result for one agent.
type AgentPayout struct {
	AgentID   AgentID
	BatchID   BatchID // empty unless payable
	Rows      int
	Waterfall Waterfall
}

type RunResult struct {
	RunID             string
	Family            RunFamily
	PeriodKey         string
	AsOf              time.Time
	PoliciesEvaluated int
	RowsCreated       int
	AgentsPaid        int
	Skips             map[SkipReason]int
	Totals            Totals
	Payouts           []AgentPayout
}

type PreviewResult struct {
	AgentID           AgentID
	Family            RunFamily
	PeriodKey         string
	AsOf              time.Time
	Rows              []LedgerEntry // simulated, never written
	ExistingUnsettled decimal.Decimal
	Totals            Totals
	Waterfall         Waterfall
	Outcome           Outcome
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	logger   *zap.Logger
	config   Config
	recorder Recorder
	now      func() time.Time
}

func NewEngine(store Store, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold.IsZero() {
		cfg.Threshold = DefaultPayoutThreshold
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = DefaultMaxChainDepth
	}
	return &Engine{
		store:    store,
		logger:   logger,
		config:   cfg,
		recorder: nopRecorder{},
		now:      time.Now,
	}
}

// WithRecorder sets the metrics sink.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	if r != nil {
		e.recorder = r
	}
	return e
}

// WithClock overrides the clock used for default as-of dates.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Config() Config { return e.config }

// ResolveAsOf applies the family's default pay date when asOf is zero.
func (e *Engine) ResolveAsOf(family RunFamily, asOf time.Time) time.Time {
	if asOf.IsZero() {
		return family.DefaultAsOf(e.now())
	}
	return DateOf(asOf)
}

// Run executes one commit run for a family. It returns ErrRunLocked if
// another invocation of the same family is in progress, whatever its period.
func (e *Engine) Run(ctx context.Context, family RunFamily, asOf time.Time) (*RunResult, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCadence, family)
	}
	asOf = e.ResolveAsOf(family, asOf)
	period := family.PeriodKey(asOf)
	log := e.logger.With(zap.String("family", string(family)), zap.String("period", period))

	release, err := e.store.AcquireRunLock(ctx, family)
	if err != nil {
		if errors.Is(err, ErrRunLocked) {
			log.Info("Run skipped, lock held by another invocation")
		}
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			log.Error("Failed to release run lock", zap.Error(err))
		}
	}()

	started := time.Now()
	run := RunRecord{
		ID:        uuid.NewString(),
		Family:    family,
		PeriodKey: period,
		AsOf:      asOf,
		Status:    RunRunning,
		NetTotal:  decimal.Zero,
		StartedAt: started.UTC(),
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run record: %w", err)
	}
	log.Info("Commission run started", zap.String("run_id", run.ID), zap.Time("as_of", asOf))

	result, runErr := e.commit(ctx, family, asOf)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if runErr != nil {
		run.Status = RunFailed
		run.Error = runErr.Error()
		log.Error("Commission run failed", zap.String("run_id", run.ID), zap.Error(runErr))
	} else {
		run.Status = RunCompleted
		run.RowsCreated = result.RowsCreated
		run.AgentsPaid = result.AgentsPaid
		run.NetTotal = result.Totals.Net
		result.RunID = run.ID
		log.Info("Commission run completed",
			zap.String("run_id", run.ID),
			zap.Int("policies", result.PoliciesEvaluated),
			zap.Int("rows_created", result.RowsCreated),
			zap.Int("agents_paid", result.AgentsPaid),
			zap.String("net_total", result.Totals.Net.StringFixed(2)),
		)
	}
	e.recorder.RunFinished(family, run.Status, time.Since(started))

	if err := e.store.SaveRun(ctx, run); err != nil {
		log.Error("Failed to update run record", zap.String("run_id", run.ID), zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("update run record: %w", err)
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (e *Engine) commit(ctx context.Context, family RunFamily, asOf time.Time) (*RunResult, error) {
	rc, err := NewRunContext(ctx, e.store, family, asOf)
	if err != nil {
		return nil, err
	}
	policies, err := e.eligiblePolicies(ctx, rc.AsOf)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		Family:            family,
		PeriodKey:         rc.PeriodKey,
		AsOf:              rc.AsOf,
		PoliciesEvaluated: len(policies),
		Skips:             make(map[SkipReason]int),
		Totals:            zeroTotals(),
	}

	for _, p := range policies {
		acc, err := AccruePolicy(ctx, rc, p, e.config.MaxChainDepth)
		if err != nil {
			return nil, fmt.Errorf("accrue policy %s: %w", p.ID, err)
		}
		e.tallySkips(family, p, acc.Skips, result.Skips)
		if len(acc.Entries) == 0 {
			continue
		}

		inserted, err := e.store.AppendEntries(ctx, acc.Entries)
		if err != nil {
			return nil, fmt.Errorf("append rows for policy %s: %w", p.ID, err)
		}
		rc.Remember(acc.Entries)

		byType := make(map[EntryType]int)
		for _, entry := range inserted {
			result.Totals.Accrued = result.Totals.Accrued.Add(entry.Amount)
			byType[entry.Type]++
		}
		for t, n := range byType {
			e.recorder.RowsWritten(family, t, n)
		}
		result.RowsCreated += len(inserted)
	}

	agents, err := e.store.AgentsWithUnsettled(ctx, family, rc.PeriodKey)
	if err != nil {
		return nil, fmt.Errorf("list agents with unsettled rows: %w", err)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })

	for _, agentID := range agents {
		payout, err := e.settleAgent(ctx, rc, agentID)
		if err != nil {
			return nil, fmt.Errorf("settle agent %s: %w", agentID, err)
		}
		result.Payouts = append(result.Payouts, payout)
		result.Totals.addGate(payout.Waterfall)
		if payout.BatchID != "" {
			result.AgentsPaid++
		}
	}
	return result, nil
}

// Preview simulates a run for one agent without writing anything.
func (e *Engine) Preview(ctx context.Context, family RunFamily, agentID AgentID, asOf time.Time) (*PreviewResult, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCadence, family)
	}
	asOf = e.ResolveAsOf(family, asOf)

	rc, err := NewRunContext(ctx, e.store, family, asOf)
	if err != nil {
		return nil, err
	}
	agent, err := rc.Agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	policies, err := e.eligiblePolicies(ctx, rc.AsOf)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{
		AgentID:   agentID,
		Family:    family,
		PeriodKey: rc.PeriodKey,
		AsOf:      rc.AsOf,
		Totals:    zeroTotals(),
	}
	for _, p := range policies {
		acc, err := AccruePolicy(ctx, rc, p, e.config.MaxChainDepth)
		if err != nil {
			return nil, fmt.Errorf("simulate policy %s: %w", p.ID, err)
		}
		rc.Remember(acc.Entries)
		for _, entry := range acc.Entries {
			if entry.AgentID != agentID {
				continue
			}
			result.Rows = append(result.Rows, entry)
			result.Totals.Accrued = result.Totals.Accrued.Add(entry.Amount)
		}
	}

	existing, _, w, err := e.gate(ctx, rc, agentID, result.Rows)
	if err != nil {
		return nil, err
	}
	result.ExistingUnsettled = sumAmounts(existing)
	result.Waterfall = w
	result.Outcome = w.Outcome
	result.Totals.addGate(w)
	return result, nil
}

// gate loads the agent's unsettled rows, adds any simulated rows, and runs
// the waterfall. It returns the stored rows and the debt account the
// verdict was computed from.
func (e *Engine) gate(ctx context.Context, rc *RunContext, agentID AgentID, simulated []LedgerEntry) ([]LedgerEntry, DebtAccount, Waterfall, error) {
	stored, err := e.store.UnsettledEntries(ctx, agentID, rc.Family, rc.PeriodKey)
	if err != nil {
		return nil, DebtAccount{}, Waterfall{}, fmt.Errorf("load unsettled rows: %w", err)
	}
	debt, err := e.store.DebtAccount(ctx, agentID)
	if err != nil {
		return nil, DebtAccount{}, Waterfall{}, fmt.Errorf("load debt account: %w", err)
	}
	agent, err := rc.Agent(ctx, agentID)
	if err != nil {
		return nil, DebtAccount{}, Waterfall{}, err
	}
	active := agent != nil && agent.IsActive

	gross := sumAmounts(stored).Add(sumAmounts(simulated))
	return stored, debt, ApplyWaterfall(gross, debt, active, e.config.Threshold), nil
}

// settleAgent gates and settles one agent. Debt accounts are shared by all
// families, so a settlement from another family landing between the gate
// and the write makes SettleBatch refuse with ErrDebtChanged; the agent is
// then gated again against the new balance.
func (e *Engine) settleAgent(ctx context.Context, rc *RunContext, agentID AgentID) (AgentPayout, error) {
	for attempt := 1; ; attempt++ {
		payout, err := e.trySettle(ctx, rc, agentID)
		if errors.Is(err, ErrDebtChanged) && attempt < maxSettleAttempts {
			e.logger.Info("Debt changed during settlement, re-gating",
				zap.String("agent_id", string(agentID)),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return payout, err
	}
}

func (e *Engine) trySettle(ctx context.Context, rc *RunContext, agentID AgentID) (AgentPayout, error) {
	rows, debt, w, err := e.gate(ctx, rc, agentID, nil)
	if err != nil {
		return AgentPayout{}, err
	}
	payout := AgentPayout{AgentID: agentID, Rows: len(rows), Waterfall: w}
	if w.Outcome != OutcomePayable {
		e.recorder.BatchGated(rc.Family, w.Outcome, w.Net)
		e.logger.Debug("Payout gated",
			zap.String("agent_id", string(agentID)),
			zap.String("outcome", string(w.Outcome)),
			zap.String("gross", w.Gross.StringFixed(2)),
		)
		return payout, nil
	}

	now := time.Now().UTC()
	batch := PayoutBatch{
		ID:               BatchID(uuid.NewString()),
		AgentID:          agentID,
		RunFamily:        rc.Family,
		PeriodKey:        rc.PeriodKey,
		Gross:            w.Gross,
		ChargebackRepaid: w.ChargebackRepaid,
		LeadRepaid:       w.LeadRepaid,
		TotalNet:         w.Net,
		Status:           BatchPendingDisbursement,
		CreatedAt:        now,
	}

	ids := make([]EntryID, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	var repayments []LedgerEntry
	for _, rp := range []struct {
		t      EntryType
		amount decimal.Decimal
	}{
		{EntryChargeback, w.ChargebackRepaid},
		{EntryLeadCharge, w.LeadRepaid},
	} {
		if !rp.amount.IsPositive() {
			continue
		}
		repayments = append(repayments, LedgerEntry{
			ID:            EntryID(uuid.NewString()),
			AgentID:       agentID,
			Amount:        rp.amount.Neg(),
			Type:          rp.t,
			PeriodKey:     rc.PeriodKey,
			IsSettled:     true,
			PayoutBatchID: batch.ID,
			EffectiveAt:   rc.AsOf,
			Meta:          EntryMeta{Note: fmt.Sprintf("repaid from %s payout %s", rc.Family, rc.PeriodKey)},
			CreatedAt:     now,
		})
	}

	if err := e.store.SettleBatch(ctx, batch, ids, repayments, debt); err != nil {
		if errors.Is(err, ErrDebtChanged) {
			return AgentPayout{}, err
		}
		return AgentPayout{}, fmt.Errorf("settle batch: %w", err)
	}
	e.recorder.BatchGated(rc.Family, w.Outcome, w.Net)
	payout.BatchID = batch.ID
	return payout, nil
}

func (e *Engine) eligiblePolicies(ctx context.Context, asOf time.Time) ([]Policy, error) {
	cutoff := asOf.AddDate(0, 0, -e.config.WaitDays)
	policies, err := e.store.EligiblePolicies(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load eligible policies: %w", err)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

func (e *Engine) tallySkips(family RunFamily, p Policy, skips, into map[SkipReason]int) {
	for reason, n := range skips {
		into[reason] += n
		e.recorder.PolicySkipped(family, reason, n)
		e.logger.Debug("Policy skipped",
			zap.String("policy_id", string(p.ID)),
			zap.String("reason", string(reason)),
			zap.Int("count", n),
		)
	}
}

func sumAmounts(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
