package commission_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPolicyYear_AnniversaryBoundary(t *testing.T) {
	issued := date(2024, time.March, 15)

	assert.Equal(t, 1, commission.PolicyYear(issued, issued))
	assert.Equal(t, 1, commission.PolicyYear(issued, date(2025, time.March, 14)))
	assert.Equal(t, 2, commission.PolicyYear(issued, date(2025, time.March, 15)))
	assert.Equal(t, 3, commission.PolicyYear(issued, date(2026, time.December, 31)))
}

func TestPolicyYear_BeforeIssueIsYearOne(t *testing.T) {
	assert.Equal(t, 1, commission.PolicyYear(date(2025, time.June, 1), date(2025, time.January, 1)))
}

func TestPolicyYear_LeapDayIssue(t *testing.T) {
	// GIVEN: Issued on Feb 29
	issued := date(2024, time.February, 29)

	// THEN: The anniversary in a non-leap year falls on Mar 1
	assert.Equal(t, 1, commission.PolicyYear(issued, date(2025, time.February, 28)))
	assert.Equal(t, 2, commission.PolicyYear(issued, date(2025, time.March, 1)))
}

func TestTermNumber_IgnoresDayOfMonth(t *testing.T) {
	issued := date(2024, time.January, 31)

	assert.Equal(t, 1, commission.TermNumber(issued, date(2024, time.June, 30), 6))
	assert.Equal(t, 2, commission.TermNumber(issued, date(2024, time.July, 1), 6))
	assert.Equal(t, 3, commission.TermNumber(issued, date(2025, time.January, 1), 6))
}

func TestCycleIndex_DispatchesOnTermLength(t *testing.T) {
	issued := date(2024, time.January, 31)
	asOf := date(2024, time.July, 1)

	assert.Equal(t, 1, commission.CycleIndex(issued, asOf, 0), "0 is the annual world")
	assert.Equal(t, 1, commission.CycleIndex(issued, asOf, 12), "12 is the annual world")
	assert.Equal(t, 2, commission.CycleIndex(issued, asOf, 6))

	assert.False(t, commission.IsTermWorld(0))
	assert.False(t, commission.IsTermWorld(12))
	assert.True(t, commission.IsTermWorld(6))
	assert.Equal(t, 12, commission.CycleMonths(0))
	assert.Equal(t, 6, commission.CycleMonths(6))
}

func TestMonthsElapsed_ClampsNegative(t *testing.T) {
	assert.Equal(t, 9, commission.MonthsElapsed(date(2025, time.January, 10), date(2025, time.October, 5)))
	assert.Equal(t, 0, commission.MonthsElapsed(date(2025, time.May, 1), date(2025, time.January, 1)))
}

// =============================================================================
// CADENCE
// =============================================================================

func TestParseCadence(t *testing.T) {
	f, err := commission.ParseCadence("monthly-paythru")
	require.NoError(t, err)
	assert.Equal(t, commission.FamilyPaythru, f)

	f, err = commission.ParseCadence("advance")
	require.NoError(t, err)
	assert.Equal(t, commission.FamilyAdvance, f)

	_, err = commission.ParseCadence("quarterly")
	assert.ErrorIs(t, err, commission.ErrInvalidCadence)
}

func TestPeriodKey_PerFamily(t *testing.T) {
	asOf := date(2025, time.February, 7)

	assert.Equal(t, "2025-02-07", commission.FamilyAdvance.PeriodKey(asOf))
	assert.Equal(t, "2025-02", commission.FamilyPaythru.PeriodKey(asOf))
	assert.Equal(t, "2025", commission.FamilyRenewal.PeriodKey(asOf))
}

func TestDefaultAsOf(t *testing.T) {
	saturday := time.Date(2026, time.October, 17, 15, 30, 0, 0, time.UTC)
	friday := date(2026, time.October, 16)

	assert.Equal(t, date(2026, time.October, 23), commission.FamilyAdvance.DefaultAsOf(saturday))
	assert.Equal(t, friday, commission.FamilyAdvance.DefaultAsOf(friday), "today when it is Friday")
	assert.Equal(t, date(2026, time.October, 5), commission.FamilyPaythru.DefaultAsOf(saturday))
	assert.Equal(t, date(2026, time.October, 17), commission.FamilyRenewal.DefaultAsOf(saturday))
}
