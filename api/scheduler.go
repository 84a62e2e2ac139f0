/*
scheduler.go - Automated cadence scheduler

PURPOSE:
  Periodically checks whether each run family has a pay date due and
  triggers the commit run for it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - The due pay date of a family is its most recent pay date on or before
    today: last Friday (advance), the 5th of this or last month (paythru),
    the configured renewal date this or last year (renewal)
  - Remembers the last period it completed per family so hourly ticks do
    not create a run record each time; after a restart the latest period
    runs once more, which the ledger's idempotency makes harmless
  - ErrRunLocked means another instance is running it: logged and skipped

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - RenewalMonth / RenewalDay: annual renewal pay date (default: Jan 15)

USAGE:
  scheduler := NewCadenceScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRun endpoint (manual runs)
  - commission/runner.go: Engine.Run
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
)

// runner is the part of the engine the scheduler drives.
type runner interface {
	Run(ctx context.Context, family commission.RunFamily, asOf time.Time) (*commission.RunResult, error)
}

// CadenceScheduler triggers commit runs when their pay dates come due.
type CadenceScheduler struct {
	Engine        runner
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool
	RenewalMonth  time.Month
	RenewalDay    int

	now      func() time.Time
	ticker   *time.Ticker
	stop     chan bool
	wg       sync.WaitGroup
	mu       sync.Mutex
	runMu    sync.Mutex
	lastDone map[commission.RunFamily]string
}

// NewCadenceScheduler creates a new scheduler.
func NewCadenceScheduler(engine runner, logger *zap.Logger) *CadenceScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CadenceScheduler{
		Engine:        engine,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		RenewalMonth:  time.January,
		RenewalDay:    15,
		now:           time.Now,
		stop:          make(chan bool),
		lastDone:      make(map[commission.RunFamily]string),
	}
}

// Start begins the scheduler.
func (cs *CadenceScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info("Scheduler disabled, not starting")
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run()

	cs.Logger.Info("Scheduler started", zap.Duration("check_interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (cs *CadenceScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Logger.Info("Scheduler stopped")
	}
}

func (cs *CadenceScheduler) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.checkAndRun()

	for {
		select {
		case <-cs.ticker.C:
			cs.checkAndRun()
		case <-cs.stop:
			return
		}
	}
}

func (cs *CadenceScheduler) checkAndRun() {
	cs.runMu.Lock()
	defer cs.runMu.Unlock()

	ctx := context.Background()
	today := commission.DateOf(cs.now())

	for _, family := range []commission.RunFamily{
		commission.FamilyAdvance,
		commission.FamilyPaythru,
		commission.FamilyRenewal,
	} {
		payDate := cs.DuePayDate(family, today)
		period := family.PeriodKey(payDate)
		if cs.lastDone[family] == period {
			continue
		}

		log := cs.Logger.With(zap.String("family", string(family)), zap.String("period", period))
		result, err := cs.Engine.Run(ctx, family, payDate)
		if err != nil {
			if errors.Is(err, commission.ErrRunLocked) {
				log.Info("Scheduled run skipped, another invocation holds the lock")
				continue
			}
			log.Error("Scheduled run failed", zap.Error(err))
			continue
		}

		cs.lastDone[family] = period
		log.Info("Scheduled run completed",
			zap.String("run_id", result.RunID),
			zap.Int("rows_created", result.RowsCreated),
			zap.Int("agents_paid", result.AgentsPaid),
		)
	}
}

// DuePayDate returns the most recent pay date of a family on or before today.
func (cs *CadenceScheduler) DuePayDate(family commission.RunFamily, today time.Time) time.Time {
	today = commission.DateOf(today)
	switch family {
	case commission.FamilyAdvance:
		back := (int(today.Weekday()) - int(time.Friday) + 7) % 7
		return today.AddDate(0, 0, -back)
	case commission.FamilyPaythru:
		fifth := time.Date(today.Year(), today.Month(), 5, 0, 0, 0, 0, time.UTC)
		if today.Before(fifth) {
			return fifth.AddDate(0, -1, 0)
		}
		return fifth
	default:
		renewal := time.Date(today.Year(), cs.RenewalMonth, cs.RenewalDay, 0, 0, 0, 0, time.UTC)
		if today.Before(renewal) {
			return renewal.AddDate(-1, 0, 0)
		}
		return renewal
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (cs *CadenceScheduler) RunNow() {
	cs.checkAndRun()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (cs *CadenceScheduler) GetNextRunTime() time.Time {
	return cs.now().Add(cs.CheckInterval)
}

// WithClock overrides the scheduler's clock.
func (cs *CadenceScheduler) WithClock(now func() time.Time) *CadenceScheduler {
	cs.now = now
	return cs
}
