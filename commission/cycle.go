/*
cycle.go - Cycle classifier

PURPOSE:
  Decides whether a policy lives in the "12-month world" (annual cycles
  anchored on the issue anniversary) or the "term world" (fixed-length
  terms counted in calendar months), and computes the current cycle index.

ANNUAL WORLD:
  Year n starts on issued_at + (n-1) years. If as_of precedes this
  calendar year's anniversary, the naive year difference is reduced by one.

    issued 2024-03-15, as_of 2025-03-14  ->  year 1
    issued 2024-03-15, as_of 2025-03-15  ->  year 2

TERM WORLD:
  term = floor(months_elapsed / term_length) + 1, where months_elapsed is
  a calendar-month difference (day of month ignored).

    term_length 6, issued 2024-01-31, as_of 2024-07-01  ->  term 2
*/
package commission

import "time"

const annualMonths = 12

// NormalizeTermLength maps the "null or 12" annual convention to 12.
func NormalizeTermLength(months int) int {
	if months <= 0 {
		return annualMonths
	}
	return months
}

// IsTermWorld reports whether a schedule term length selects fixed-term cycles.
func IsTermWorld(termLengthMonths int) bool {
	return NormalizeTermLength(termLengthMonths) != annualMonths
}

// PolicyYear returns the 1-based anniversary year containing asOf.
func PolicyYear(issuedAt, asOf time.Time) int {
	issued, at := DateOf(issuedAt), DateOf(asOf)
	years := at.Year() - issued.Year()
	anniversary := issued.AddDate(years, 0, 0)
	if at.Before(anniversary) {
		years--
	}
	if years < 0 {
		return 1
	}
	return years + 1
}

// TermNumber returns the 1-based fixed-length term containing asOf.
func TermNumber(issuedAt, asOf time.Time, termLengthMonths int) int {
	return MonthsElapsed(issuedAt, asOf)/NormalizeTermLength(termLengthMonths) + 1
}

// CycleIndex dispatches to PolicyYear or TermNumber.
func CycleIndex(issuedAt, asOf time.Time, termLengthMonths int) int {
	if IsTermWorld(termLengthMonths) {
		return TermNumber(issuedAt, asOf, termLengthMonths)
	}
	return PolicyYear(issuedAt, asOf)
}

// CycleMonths is the number of monthly installments one cycle is owed.
func CycleMonths(termLengthMonths int) int {
	return NormalizeTermLength(termLengthMonths)
}
