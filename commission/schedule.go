/*
schedule.go - Schedule and premium resolution

PURPOSE:
  A Schedule is the rate table for one (carrier, product line, policy
  type, agent level). Lookup is exact-match only: a level with no schedule
  ends the upline walk there (see chain.go), it is never substituted.

RATE SELECTION:
  cycle 1   -> BaseRate
  cycle >=2 -> first RenewalBand (in stored order) containing the cycle,
               or the flat RenewalRate gated by RenewalStartCycle and
               RenewalEndYear when no bands are defined.
  A cycle that no band covers pays 0. Gaps are NOT filled from the
  previous band.

PREMIUM BASIS (first positive wins):
  a. term.TermPremium
  b. term.AnnualizedPremium x term_length/12
  c. policy.PremiumAnnual  x term_length/12
  d. policy.PremiumModal   x term_length
*/
package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleKey is the exact-match lookup key for a schedule.
type ScheduleKey struct {
	Carrier     string
	ProductLine string
	PolicyType  string
	Level       AgentLevel
}

func (k ScheduleKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Carrier, k.ProductLine, k.PolicyType, k.Level)
}

// KeyFor builds the schedule key for a policy at an agent level.
func KeyFor(p Policy, level AgentLevel) ScheduleKey {
	return ScheduleKey{
		Carrier:     p.Carrier,
		ProductLine: p.ProductLine,
		PolicyType:  p.PolicyType,
		Level:       level,
	}
}

// RenewalBand pays Rate for cycles in [StartCycle, EndCycle]. A nil
// EndCycle is open-ended.
type RenewalBand struct {
	StartCycle int
	EndCycle   *int
	Rate       decimal.Decimal
}

func (b RenewalBand) Contains(cycle int) bool {
	if cycle < b.StartCycle {
		return false
	}
	return b.EndCycle == nil || cycle <= *b.EndCycle
}

// Schedule is immutable once referenced by paid rows. A newer
// EffectiveFrom supersedes it instead of editing it.
type Schedule struct {
	ID            string
	Key           ScheduleKey
	EffectiveFrom time.Time

	BaseRate    decimal.Decimal
	AdvanceRate decimal.Decimal

	// Flat renewal rate, used only when RenewalBands is empty.
	RenewalRate       decimal.Decimal
	RenewalStartCycle int  // defaults to 2
	RenewalEndYear    *int // nil means no end

	RenewalBands []RenewalBand

	// 0 or 12 selects the annual world.
	TermLengthMonths int
}

// RateFor returns the level rate this schedule pays at a cycle.
func (s Schedule) RateFor(cycle int) decimal.Decimal {
	if cycle <= 1 {
		return s.BaseRate
	}
	if len(s.RenewalBands) > 0 {
		for _, b := range s.RenewalBands {
			if b.Contains(cycle) {
				return b.Rate
			}
		}
		return decimal.Zero
	}
	start := s.RenewalStartCycle
	if start < 2 {
		start = 2
	}
	if cycle < start {
		return decimal.Zero
	}
	if s.RenewalEndYear != nil && cycle > *s.RenewalEndYear {
		return decimal.Zero
	}
	return s.RenewalRate
}

// Validate checks a schedule at load time so evaluation never sees a
// malformed band table.
func (s Schedule) Validate() error {
	fail := func(field, reason string) error {
		return &ScheduleValidationError{Key: s.Key, Field: field, Reason: reason}
	}
	if s.Key.Carrier == "" || s.Key.ProductLine == "" || s.Key.PolicyType == "" {
		return fail("key", "carrier, product_line and policy_type are required")
	}
	if !s.Key.Level.Valid() {
		return fail("level", fmt.Sprintf("unknown level %q", s.Key.Level))
	}
	rates := []struct {
		field string
		rate  decimal.Decimal
	}{
		{"base_rate", s.BaseRate},
		{"advance_rate", s.AdvanceRate},
		{"renewal_rate", s.RenewalRate},
	}
	for _, r := range rates {
		if r.rate.IsNegative() {
			return fail(r.field, "must not be negative")
		}
	}
	if s.AdvanceRate.GreaterThan(decimal.NewFromInt(1)) {
		return fail("advance_rate", "must not exceed 1")
	}
	if s.TermLengthMonths < 0 {
		return fail("term_length_months", "must not be negative")
	}
	if s.RenewalEndYear != nil && *s.RenewalEndYear < 2 {
		return fail("renewal_end_year", "must be at least 2")
	}
	for i, b := range s.RenewalBands {
		field := fmt.Sprintf("renewal_bands[%d]", i)
		if b.StartCycle < 2 {
			return fail(field, "start_cycle must be at least 2")
		}
		if b.EndCycle != nil && *b.EndCycle < b.StartCycle {
			return fail(field, "end_cycle before start_cycle")
		}
		if b.Rate.IsNegative() {
			return fail(field, "rate must not be negative")
		}
	}
	return nil
}

// =============================================================================
// PREMIUM BASIS
// =============================================================================

// ResolveCyclePremium returns the premium one cycle's commission is based
// on. ok is false when no source yields a positive amount; the policy is
// then skipped for this cycle.
func ResolveCyclePremium(p Policy, term *PolicyTerm, termLengthMonths int) (premium decimal.Decimal, ok bool) {
	months := decimal.NewFromInt(int64(NormalizeTermLength(termLengthMonths)))
	share := func(annual decimal.Decimal) decimal.Decimal {
		return annual.Mul(months).Div(twelve)
	}

	var candidates []decimal.Decimal
	if term != nil {
		candidates = append(candidates,
			term.TermPremium,
			share(term.AnnualizedPremium),
		)
	}
	candidates = append(candidates,
		share(p.PremiumAnnual),
		p.PremiumModal.Mul(months),
	)

	for _, c := range candidates {
		if c.IsPositive() {
			return c, true
		}
	}
	return decimal.Zero, false
}
