// Package accrual advances a single loan's balances by one day. The
// calculator is pure: it takes the prior day's closing state plus today's
// facts and returns a delta, leaving persistence to the caller.
package accrual

import (
	"time"

	"github.com/crestfin/lending/pkg/contract"
	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/models"
	"github.com/shopspring/decimal"
)

// LoanState is an immutable snapshot of a loan's balances at the close of a day.
type LoanState struct {
	OutstandingPrincipal decimal.Decimal
	OutstandingInterest  decimal.Decimal
	OutstandingFees      decimal.Decimal
	// ForInterestPrincipal is the base interest accrues on. Settlements reduce
	// OutstandingPrincipal on their effective day but this only catches up the
	// following day.
	ForInterestPrincipal decimal.Decimal
}

// StateOf snapshots a loan's persisted balances.
func StateOf(l *models.Loan) LoanState {
	return LoanState{
		OutstandingPrincipal: l.OutstandingPrincipal,
		OutstandingInterest:  l.OutstandingInterest,
		OutstandingFees:      l.OutstandingFees,
		ForInterestPrincipal: l.ForInterestPrincipal,
	}
}

// Day carries everything the calculator may consult for one loan-day.
type Day struct {
	Date         time.Time
	Schedule     *contract.Schedule
	ThresholdMet bool // Volume threshold crossed before this day
	// Transactions holds every settled repayment transaction touching this
	// loan whose deposit or settlement activity can land on Date.
	Transactions      []*models.Transaction
	PendingSettlement bool
	// PeriodDuration is the accounting period used for cross-period repayment
	// adjustments. Defaults to monthly.
	PeriodDuration models.MinimumFeeDuration
}

// Delta is one day's movement for one loan.
type Delta struct {
	Date             time.Time
	InterestAccrued  decimal.Decimal
	FeesAccrued      decimal.Decimal
	PrincipalApplied decimal.Decimal
	InterestApplied  decimal.Decimal
	FeesApplied      decimal.Decimal
	// InterestAdjustment and FeesAdjustment carry cross-period repayment
	// bookings: negative on the deposit day, positive on the reversal day.
	InterestAdjustment decimal.Decimal
	FeesAdjustment     decimal.Decimal
	State              LoanState
	ShouldCloseLoan    bool
}

// AdvanceDay computes one day's delta for one loan from the prior day's
// closing state. Interest accrues on the principal carried over from the
// prior settled day; today's settlements only feed interest starting tomorrow.
func AdvanceDay(prior LoanState, loan *models.Loan, day Day) (Delta, error) {
	if prior.OutstandingPrincipal.IsNegative() {
		return Delta{}, faults.Newf(faults.FatalComputation,
			"loan %s carried negative principal %s into %s",
			loan.ID, prior.OutstandingPrincipal, day.Date.Format(dates.Layout))
	}
	if day.Schedule == nil {
		return Delta{}, faults.Newf(faults.FatalComputation, "loan %s has no schedule for %s",
			loan.ID, day.Date.Format(dates.Layout))
	}

	date := dates.Day(day.Date)
	period := day.PeriodDuration
	if period == "" {
		period = models.MinimumFeeMonthly
	}

	d := Delta{Date: date, State: prior}

	// Daily interest on the carried-over base, rounded to the cent so every
	// booked amount is a real cash amount.
	rate := day.Schedule.AdjustedDailyRate(date, day.ThresholdMet)
	if !date.Before(dates.Day(loan.OriginationDate)) && prior.ForInterestPrincipal.IsPositive() {
		d.InterestAccrued = rate.Mul(prior.ForInterestPrincipal).Round(2)
	}

	// Late fees once past the adjusted maturity date, keyed by days overdue.
	if overdue := dates.DaysBetween(loan.AdjustedMaturityDate, date); overdue > 0 && prior.ForInterestPrincipal.IsPositive() {
		mult := day.Schedule.LateFeeMultiplier(overdue)
		if mult.IsPositive() {
			d.FeesAccrued = rate.Mul(mult).Mul(prior.ForInterestPrincipal).Round(2)
		}
	}

	// Repayment application and cross-period adjustments.
	for _, tx := range day.Transactions {
		if tx.LoanID == nil || *tx.LoanID != loan.ID {
			continue
		}
		deposit := dates.Day(tx.DepositDate)
		effective := dates.Day(tx.EffectiveDate)
		crossesPeriod := effective.After(deposit) && !dates.SamePeriod(deposit, effective, period)

		if effective.Equal(date) {
			d.PrincipalApplied = d.PrincipalApplied.Add(tx.ToPrincipal)
			d.InterestApplied = d.InterestApplied.Add(tx.ToInterest)
			d.FeesApplied = d.FeesApplied.Add(tx.ToFees)
		}
		if crossesPeriod {
			// Book what was paid toward interest/fees in the deposit period,
			// then reverse it when the next period opens so the settlement-day
			// application does not double count.
			if deposit.Equal(date) {
				d.InterestAdjustment = d.InterestAdjustment.Sub(tx.ToInterest)
				d.FeesAdjustment = d.FeesAdjustment.Sub(tx.ToFees)
			}
			if dates.NextPeriodStart(deposit, period).Equal(date) {
				d.InterestAdjustment = d.InterestAdjustment.Add(tx.ToInterest)
				d.FeesAdjustment = d.FeesAdjustment.Add(tx.ToFees)
			}
		}
	}

	next := LoanState{
		OutstandingPrincipal: prior.OutstandingPrincipal.Sub(d.PrincipalApplied),
		OutstandingInterest: prior.OutstandingInterest.
			Add(d.InterestAccrued).Sub(d.InterestApplied).Add(d.InterestAdjustment),
		OutstandingFees: prior.OutstandingFees.
			Add(d.FeesAccrued).Sub(d.FeesApplied).Add(d.FeesAdjustment),
	}
	if next.OutstandingPrincipal.IsNegative() {
		return Delta{}, faults.Newf(faults.InvariantViolation,
			"loan %s principal would go negative on %s", loan.ID, date.Format(dates.Layout))
	}
	// Settlements take effect for interest purposes starting the next day.
	next.ForInterestPrincipal = next.OutstandingPrincipal

	d.State = next
	d.ShouldCloseLoan = !next.OutstandingPrincipal.IsPositive() &&
		!next.ForInterestPrincipal.IsPositive() &&
		!day.PendingSettlement
	return d, nil
}

// Project rolls a loan's state forward through toDate without persisting,
// using the same day-by-day fold the orchestrator runs. Used to quote payoff
// amounts as of a future settlement date.
func Project(state LoanState, loan *models.Loan, sched *contract.Schedule, thresholdMet bool, fromDate, toDate time.Time) (LoanState, error) {
	from := dates.Day(fromDate)
	to := dates.Day(toDate)
	for date := from; !date.After(to); date = dates.AddDays(date, 1) {
		d, err := AdvanceDay(state, loan, Day{
			Date:         date,
			Schedule:     sched,
			ThresholdMet: thresholdMet,
		})
		if err != nil {
			return state, err
		}
		state = d.State
	}
	return state, nil
}
