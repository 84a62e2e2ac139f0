/*
errors.go - Error types for the commission engine

ERROR CATEGORIES:
  1. Configuration gaps - NOT errors. Missing schedules, no positive premium,
     recruiter cycles and depth limits are soft skips counted per SkipReason.
  2. Data-access failures - fatal for the run, wrapped with context.
  3. Duplicate accrual - ErrDuplicateAccrual from the storage layer, skipped.
  4. Concurrency - ErrRunLocked when another invocation owns the run family,
     ErrDebtChanged when a settlement raced another family for the same debt.
*/
package commission

import (
	"errors"
	"fmt"
)

var (
	// ErrRunLocked is returned when another invocation holds the lock for the
	// same run family, whatever pay period it is running.
	ErrRunLocked = errors.New("run already in progress for this family")

	// ErrDebtChanged is returned by SettleBatch when the agent's debt account
	// no longer matches the one the waterfall was computed from.
	ErrDebtChanged = errors.New("debt account changed since the payout was gated")

	// ErrDuplicateAccrual is returned by stores when a row violates the
	// accrual unique key.
	ErrDuplicateAccrual = errors.New("duplicate accrual")

	ErrAgentNotFound  = errors.New("agent not found")
	ErrPolicyNotFound = errors.New("policy not found")
	ErrBatchNotFound  = errors.New("payout batch not found")

	// ErrInvalidSchedule is returned when a schedule fails load-time validation.
	ErrInvalidSchedule = errors.New("invalid commission schedule")

	// ErrScheduleExists is returned when a version with the same key and
	// effective date is already stored.
	ErrScheduleExists = errors.New("schedule version already exists")

	// ErrInvalidCadence is returned for an unknown run family or cadence name.
	ErrInvalidCadence = errors.New("invalid cadence")
)

// ScheduleValidationError describes why a schedule was rejected.
type ScheduleValidationError struct {
	Key    ScheduleKey
	Field  string
	Reason string
}

func (e *ScheduleValidationError) Error() string {
	return fmt.Sprintf("schedule %s: %s %s", e.Key, e.Field, e.Reason)
}

func (e *ScheduleValidationError) Unwrap() error {
	return ErrInvalidSchedule
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrBatchNotFound)
}

// =============================================================================
// SOFT SKIPS
// =============================================================================

// SkipReason names a configuration gap that excluded a policy from a run.
type SkipReason string

const (
	SkipNoWritingAgent  SkipReason = "no_writing_agent"
	SkipNoSchedule      SkipReason = "no_schedule"
	SkipNoPremium       SkipReason = "no_positive_premium"
	SkipOutOfScope      SkipReason = "out_of_family_scope"
	SkipAwaitingAdvance SkipReason = "awaiting_advance_months"
	SkipNothingToPay    SkipReason = "nothing_to_pay"
	SkipAlreadyRecorded SkipReason = "already_recorded"
	SkipCycleCapReached SkipReason = "cycle_cap_reached"
	SkipChainTruncated  SkipReason = "chain_truncated"
)
