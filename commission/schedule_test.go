package commission_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(n int) *int { return &n }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func testKey(level commission.AgentLevel) commission.ScheduleKey {
	return commission.ScheduleKey{Carrier: "acme", ProductLine: "life", PolicyType: "whole", Level: level}
}

func TestRateFor_BandsLeaveGapsUnpaid(t *testing.T) {
	// GIVEN: Bands for cycles 2-3 and 5+, nothing for cycle 4
	s := commission.Schedule{
		Key:      testKey(commission.LevelAgent),
		BaseRate: dec("0.80"),
		RenewalBands: []commission.RenewalBand{
			{StartCycle: 2, EndCycle: intPtr(3), Rate: dec("0.10")},
			{StartCycle: 5, Rate: dec("0.05")},
		},
	}

	// THEN: Cycle 4 pays 0, not the previous band's rate
	assertDecimal(t, "0.80", s.RateFor(1))
	assertDecimal(t, "0.10", s.RateFor(2))
	assertDecimal(t, "0.10", s.RateFor(3))
	assertDecimal(t, "0", s.RateFor(4))
	assertDecimal(t, "0.05", s.RateFor(9))
}

func TestRateFor_FirstMatchingBandWins(t *testing.T) {
	s := commission.Schedule{
		RenewalBands: []commission.RenewalBand{
			{StartCycle: 2, EndCycle: intPtr(5), Rate: dec("0.10")},
			{StartCycle: 3, Rate: dec("0.20")},
		},
	}
	assertDecimal(t, "0.10", s.RateFor(4))
	assertDecimal(t, "0.20", s.RateFor(6))
}

func TestRateFor_FlatRenewalWindow(t *testing.T) {
	s := commission.Schedule{
		BaseRate:          dec("0.80"),
		RenewalRate:       dec("0.04"),
		RenewalStartCycle: 3,
		RenewalEndYear:    intPtr(5),
	}
	assertDecimal(t, "0", s.RateFor(2))
	assertDecimal(t, "0.04", s.RateFor(3))
	assertDecimal(t, "0.04", s.RateFor(5))
	assertDecimal(t, "0", s.RateFor(6))
}

func TestRateFor_FlatRenewalDefaultsToCycleTwo(t *testing.T) {
	s := commission.Schedule{RenewalRate: dec("0.04")}
	assertDecimal(t, "0.04", s.RateFor(2))
}

func TestValidate(t *testing.T) {
	valid := commission.Schedule{
		Key:         testKey(commission.LevelManager),
		BaseRate:    dec("0.90"),
		AdvanceRate: dec("0.75"),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		edit  func(s *commission.Schedule)
		field string
	}{
		{"unknown level", func(s *commission.Schedule) { s.Key.Level = "director" }, "level"},
		{"negative base", func(s *commission.Schedule) { s.BaseRate = dec("-0.1") }, "base_rate"},
		{"advance over one", func(s *commission.Schedule) { s.AdvanceRate = dec("1.5") }, "advance_rate"},
		{"band starts at one", func(s *commission.Schedule) {
			s.RenewalBands = []commission.RenewalBand{{StartCycle: 1, Rate: dec("0.1")}}
		}, "renewal_bands[0]"},
		{"band ends before start", func(s *commission.Schedule) {
			s.RenewalBands = []commission.RenewalBand{{StartCycle: 4, EndCycle: intPtr(3), Rate: dec("0.1")}}
		}, "renewal_bands[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.edit(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, commission.ErrInvalidSchedule)

			var verr *commission.ScheduleValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestResolveCyclePremium_Priority(t *testing.T) {
	p := commission.Policy{PremiumAnnual: dec("1200"), PremiumModal: dec("150")}

	// Term premium wins outright
	premium, ok := commission.ResolveCyclePremium(p, &commission.PolicyTerm{TermPremium: dec("640")}, 6)
	require.True(t, ok)
	assertDecimal(t, "640", premium)

	// Annualized term premium is scaled to the term
	premium, ok = commission.ResolveCyclePremium(p, &commission.PolicyTerm{AnnualizedPremium: dec("1000")}, 6)
	require.True(t, ok)
	assertDecimal(t, "500", premium)

	// Policy annual premium, annual world
	premium, ok = commission.ResolveCyclePremium(p, nil, 0)
	require.True(t, ok)
	assertDecimal(t, "1200", premium)

	// Modal premium times term length
	premium, ok = commission.ResolveCyclePremium(commission.Policy{PremiumModal: dec("100")}, nil, 6)
	require.True(t, ok)
	assertDecimal(t, "600", premium)

	_, ok = commission.ResolveCyclePremium(commission.Policy{}, nil, 12)
	assert.False(t, ok)
}
