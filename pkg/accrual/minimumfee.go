package accrual

import (
	"time"

	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/models"
	"github.com/shopspring/decimal"
)

// Proration is the minimum-fee position for one period.
type Proration struct {
	MinimumAmount decimal.Decimal
	AmountAccrued decimal.Decimal
	AmountShort   decimal.Decimal
	PeriodStart   time.Time
	PeriodEnd     time.Time
}

// Prorate computes the minimum-fee position for the period containing day.
// The contractual minimum is prorated by (days the contract is active in the
// period) / (days in the period); only a partial first or last period shrinks
// the minimum. AmountShort is never negative.
func Prorate(fee *models.MinimumFee, contractStart, contractEnd, day time.Time, accrued decimal.Decimal) Proration {
	start := dates.PeriodStart(day, fee.Duration)
	end := dates.PeriodEnd(day, fee.Duration)

	activeFrom := dates.MaxDay(start, dates.Day(contractStart))
	activeTo := end
	if !contractEnd.IsZero() {
		activeTo = dates.MinDay(end, dates.Day(contractEnd))
	}

	minimum := fee.Amount
	if activeFrom.After(start) || activeTo.Before(end) {
		activeDays := dates.DaysBetween(activeFrom, activeTo) + 1
		if activeDays < 0 {
			activeDays = 0
		}
		periodDays := dates.DaysInPeriod(day, fee.Duration)
		minimum = fee.Amount.
			Mul(decimal.NewFromInt(int64(activeDays))).
			Div(decimal.NewFromInt(int64(periodDays))).
			Round(2)
	}

	short := minimum.Sub(accrued)
	if short.IsNegative() {
		short = decimal.Zero
	}
	return Proration{
		MinimumAmount: minimum,
		AmountAccrued: accrued,
		AmountShort:   short,
		PeriodStart:   start,
		PeriodEnd:     end,
	}
}

// MinimumInfo converts a proration into the summary payload.
func (p Proration) MinimumInfo() *models.MinimumInterestInfo {
	return &models.MinimumInterestInfo{
		MinimumAmount: p.MinimumAmount,
		AmountAccrued: p.AmountAccrued,
		AmountShort:   p.AmountShort,
		PeriodStart:   p.PeriodStart,
		PeriodEnd:     p.PeriodEnd,
	}
}
