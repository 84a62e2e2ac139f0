package commission

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// RUN FAMILIES - one per cadence
// =============================================================================

// RunFamily groups the runs that share an idempotency scope.
type RunFamily string

const (
	FamilyAdvance RunFamily = "advance" // weekly, pays on Fridays
	FamilyPaythru RunFamily = "paythru" // monthly, pays on the 5th
	FamilyRenewal RunFamily = "renewal" // annual, any date
)

var cadenceNames = map[string]RunFamily{
	"weekly-advance":  FamilyAdvance,
	"monthly-paythru": FamilyPaythru,
	"annual-renewal":  FamilyRenewal,
	"advance":         FamilyAdvance,
	"paythru":         FamilyPaythru,
	"renewal":         FamilyRenewal,
}

// ParseCadence maps a cadence name ("monthly-paythru") or family name
// ("paythru") to its RunFamily.
func ParseCadence(name string) (RunFamily, error) {
	f, ok := cadenceNames[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCadence, name)
	}
	return f, nil
}

func (f RunFamily) Valid() bool {
	return f == FamilyAdvance || f == FamilyPaythru || f == FamilyRenewal
}

// Cadence returns the external name of the family's run.
func (f RunFamily) Cadence() string {
	switch f {
	case FamilyAdvance:
		return "weekly-advance"
	case FamilyPaythru:
		return "monthly-paythru"
	case FamilyRenewal:
		return "annual-renewal"
	}
	return string(f)
}

// PeriodKey returns the pay period an as-of date belongs to. Keys sort
// lexically in time order within a family.
func (f RunFamily) PeriodKey(asOf time.Time) string {
	switch f {
	case FamilyAdvance:
		return asOf.Format("2006-01-02")
	case FamilyPaythru:
		return asOf.Format("2006-01")
	default:
		return strconv.Itoa(asOf.Year())
	}
}

// DefaultAsOf returns the pay date a run uses when the caller gives none:
// the next Friday (today if it is Friday), the 5th of the current month,
// or today.
func (f RunFamily) DefaultAsOf(now time.Time) time.Time {
	today := DateOf(now)
	switch f {
	case FamilyAdvance:
		offset := (int(time.Friday) - int(today.Weekday()) + 7) % 7
		return today.AddDate(0, 0, offset)
	case FamilyPaythru:
		return time.Date(today.Year(), today.Month(), 5, 0, 0, 0, 0, time.UTC)
	default:
		return today
	}
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// DateOf truncates t to midnight UTC on its calendar day.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthIndex counts calendar months since year zero.
func MonthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// MonthsElapsed is the calendar-month distance from issued to asOf.
// Day of month is ignored. Negative distances clamp to zero.
func MonthsElapsed(issued, asOf time.Time) int {
	n := MonthIndex(asOf) - MonthIndex(issued)
	if n < 0 {
		return 0
	}
	return n
}
