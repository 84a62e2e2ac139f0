/*
proration.go - Spreading a cycle's commission over monthly installments

PURPOSE:
  Pay-thru rows pay a cycle's commission in equal monthly installments.
  For an annual-world first year that was partly advanced, only the
  remainder is spread, and only over the months the advance did not cover.

ADVANCED FIRST YEAR (annual world, cycle 1, not as-earned):
  months_advanced = floor(advance_rate x 12)
  not eligible until months_elapsed(issued, pay_month) >= months_advanced
  divisor         = max(1, 12 - months_advanced)
  installment     = round2((commission - round2(commission x advance_rate)) / divisor)

EVERYTHING ELSE:
  divisor     = cycleMonths
  installment = round2(commission / divisor)

EXAMPLE:
  AP 960, base 0.90, advance 0.75:
    commission  = 864.00
    advance     = 648.00
    divisor     = 12 - floor(9.00) = 3
    installment = 216.00 / 3 = 72.00
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// Installment is one computed pay-thru payment and the inputs behind it.
type Installment struct {
	Amount         decimal.Decimal
	DivisorMonths  int
	MonthsAdvanced int
	Prorated       bool

	// AdvanceRate is the rate the installment was reduced by, zero unless
	// Prorated.
	AdvanceRate decimal.Decimal

	// Cap is the most installments the cycle may ever pay.
	Cap int
}

// CycleCommission is the full commission one share earns for a cycle.
func CycleCommission(premium, effectiveRate decimal.Decimal) decimal.Decimal {
	return premium.Mul(effectiveRate)
}

// AdvanceAmount is the portion of a first-cycle commission paid up front.
func AdvanceAmount(commission, advanceRate decimal.Decimal) decimal.Decimal {
	return Round2(commission.Mul(advanceRate))
}

// MonthsAdvanced is the number of months an advance rate pays ahead.
func MonthsAdvanced(advanceRate decimal.Decimal) int {
	return int(advanceRate.Mul(twelve).Floor().IntPart())
}

// PaythruInstallment computes the installment a share is owed in the pay
// month containing payDate. A non-empty SkipReason means no row is due.
func PaythruInstallment(p Policy, chain Chain, cycle int, commission decimal.Decimal, payDate time.Time) (Installment, SkipReason) {
	cycleMonths := CycleMonths(chain.TermLengthMonths)

	var inst Installment
	if !IsTermWorld(chain.TermLengthMonths) && cycle == 1 && !p.AsEarned {
		advanced := MonthsAdvanced(chain.AdvanceRate)
		if MonthsElapsed(p.IssuedAt, payDate) < advanced {
			return Installment{}, SkipAwaitingAdvance
		}
		divisor := annualMonths - advanced
		if divisor < 1 {
			divisor = 1
		}
		remainder := commission.Sub(AdvanceAmount(commission, chain.AdvanceRate))
		inst = Installment{
			Amount:         Round2(remainder.Div(decimal.NewFromInt(int64(divisor)))),
			DivisorMonths:  divisor,
			MonthsAdvanced: advanced,
			Prorated:       true,
			AdvanceRate:    chain.AdvanceRate,
			Cap:            divisor,
		}
	} else {
		inst = Installment{
			Amount:        Round2(commission.Div(decimal.NewFromInt(int64(cycleMonths)))),
			DivisorMonths: cycleMonths,
			AdvanceRate:   decimal.Zero,
			Cap:           cycleMonths,
		}
	}

	if !inst.Amount.IsPositive() {
		return Installment{}, SkipNothingToPay
	}
	return inst, ""
}
