/*
waterfall.go - Debt repayment and the payout batch gate

PURPOSE:
  Decides whether an agent's unsettled rows become a payout batch and how
  much of that batch goes back to debt first.

GATE:
  gross <  threshold  -> no batch, rows roll forward (below_threshold)
  gross == 0          -> nothing_accrued

REPAY RATE:
  inactive agent       -> 1.00
  total_debt <= 0      -> 0
  total_debt <  1000   -> 0.30
  total_debt <  2000   -> 0.40
  otherwise            -> 0.50

ORDER:
  to_repay = min(round2(gross x repay_rate), total_debt)
  chargebacks are repaid before lead debt
  net = gross - chargeback_repaid - lead_repaid

EXAMPLE:
  gross 500, active, chargeback 120, lead 900 (total 1020):
    repay_rate 0.40 -> to_repay 200 -> chargeback 120, lead 80 -> net 380
*/
package commission

import "github.com/shopspring/decimal"

// DefaultPayoutThreshold is the minimum gross that creates a batch.
var DefaultPayoutThreshold = decimal.NewFromInt(100)

var (
	tierOneCeiling = decimal.NewFromInt(1000)
	tierTwoCeiling = decimal.NewFromInt(2000)
	rateInactive   = decimal.NewFromInt(1)
	rateTierOne    = decimal.RequireFromString("0.30")
	rateTierTwo    = decimal.RequireFromString("0.40")
	rateTierThree  = decimal.RequireFromString("0.50")
)

// Outcome is the result of the batch gate for one agent.
type Outcome string

const (
	OutcomePayable        Outcome = "payable"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeNothingAccrued Outcome = "nothing_accrued"
)

// Waterfall is the full breakdown of one agent's pay event.
type Waterfall struct {
	Gross            decimal.Decimal `json:"gross"`
	Threshold        decimal.Decimal `json:"threshold"`
	TotalDebt        decimal.Decimal `json:"total_debt"`
	RepayRate        decimal.Decimal `json:"repay_rate"`
	ToRepay          decimal.Decimal `json:"to_repay"`
	ChargebackRepaid decimal.Decimal `json:"chargeback_repaid"`
	LeadRepaid       decimal.Decimal `json:"lead_repaid"`
	Net              decimal.Decimal `json:"net"`
	Outcome          Outcome         `json:"outcome"`
}

// RepayRate returns the share of gross withheld toward debt.
func RepayRate(totalDebt decimal.Decimal, active bool) decimal.Decimal {
	switch {
	case !active:
		return rateInactive
	case !totalDebt.IsPositive():
		return decimal.Zero
	case totalDebt.LessThan(tierOneCeiling):
		return rateTierOne
	case totalDebt.LessThan(tierTwoCeiling):
		return rateTierTwo
	default:
		return rateTierThree
	}
}

// ApplyWaterfall gates gross against the threshold and, if it clears,
// repays chargebacks then lead debt.
func ApplyWaterfall(gross decimal.Decimal, debt DebtAccount, active bool, threshold decimal.Decimal) Waterfall {
	w := Waterfall{
		Gross:            gross,
		Threshold:        threshold,
		TotalDebt:        debt.TotalDebt(),
		RepayRate:        decimal.Zero,
		ToRepay:          decimal.Zero,
		ChargebackRepaid: decimal.Zero,
		LeadRepaid:       decimal.Zero,
		Net:              decimal.Zero,
	}
	if !gross.IsPositive() {
		w.Outcome = OutcomeNothingAccrued
		return w
	}
	if gross.LessThan(threshold) {
		w.Outcome = OutcomeBelowThreshold
		return w
	}

	w.Outcome = OutcomePayable
	w.RepayRate = RepayRate(w.TotalDebt, active)

	toRepay := Round2(gross.Mul(w.RepayRate))
	debtOwed := decimal.Max(w.TotalDebt, decimal.Zero)
	w.ToRepay = decimal.Min(toRepay, debtOwed)

	chargeback := decimal.Max(debt.ChargebackTotal, decimal.Zero)
	lead := decimal.Max(debt.LeadDebtTotal, decimal.Zero)
	w.ChargebackRepaid = decimal.Min(w.ToRepay, chargeback)
	w.LeadRepaid = decimal.Min(w.ToRepay.Sub(w.ChargebackRepaid), lead)

	w.Net = gross.Sub(w.ChargebackRepaid.Add(w.LeadRepaid))
	return w
}
