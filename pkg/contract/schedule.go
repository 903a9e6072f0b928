// Package contract resolves pricing terms from a contract's immutable rate
// tables. Everything here is a pure function of (date, table); no ambient
// state is consulted.
package contract

import (
	"sort"
	"time"

	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/models"
	"github.com/shopspring/decimal"
)

// Schedule is a read-only view over one contract's rate and late fee tables.
type Schedule struct {
	contract *models.Contract
}

// NewSchedule wraps a contract for rate resolution.
func NewSchedule(c *models.Contract) *Schedule {
	return &Schedule{contract: c}
}

// Contract exposes the underlying contract terms.
func (s *Schedule) Contract() *models.Contract {
	return s.contract
}

// DailyRate resolves the base daily interest rate applicable on the given
// date. Dynamic date-ranged segments win over the fixed rate when present;
// a date outside every segment falls back to the fixed rate.
func (s *Schedule) DailyRate(date time.Time) decimal.Decimal {
	day := dates.Day(date)
	for _, seg := range s.contract.DynamicRates {
		if day.Before(dates.Day(seg.StartDate)) {
			continue
		}
		if seg.EndDate.IsZero() || !day.After(dates.Day(seg.EndDate)) {
			return seg.Rate
		}
	}
	return s.contract.InterestRate
}

// AdjustedDailyRate resolves the daily rate taking the factoring fee threshold
// into account: once the cumulative volume threshold has been met, the
// contract's adjusted percentage applies instead of the base rate.
func (s *Schedule) AdjustedDailyRate(date time.Time, thresholdMet bool) decimal.Decimal {
	if thresholdMet && s.contract.FactoringFeeThreshold != nil {
		return s.contract.FactoringFeeThreshold.AdjustedPercentage
	}
	return s.DailyRate(date)
}

// LateFeeMultiplier resolves the late fee multiplier for the given number of
// days overdue by walking the ordered day-bucket tiers. Zero days overdue (or
// a contract with no tiers) yields a zero multiplier.
func (s *Schedule) LateFeeMultiplier(daysOverdue int) decimal.Decimal {
	if daysOverdue <= 0 {
		return decimal.Zero
	}
	for _, tier := range s.contract.LateFeeTiers {
		if daysOverdue >= tier.FromDay && (tier.ToDay == 0 || daysOverdue <= tier.ToDay) {
			return tier.Multiplier
		}
	}
	return decimal.Zero
}

// Validate checks the structural soundness of the contract's tables: dynamic
// segments must carry a start date, late fee tiers must be ordered and
// non-overlapping.
func (s *Schedule) Validate() error {
	for _, seg := range s.contract.DynamicRates {
		if seg.StartDate.IsZero() {
			return faults.New(faults.Validation, "dynamic rate segment missing start date")
		}
		if !seg.EndDate.IsZero() && seg.EndDate.Before(seg.StartDate) {
			return faults.New(faults.Validation, "dynamic rate segment ends before it starts")
		}
	}
	tiers := s.contract.LateFeeTiers
	if !sort.SliceIsSorted(tiers, func(i, j int) bool { return tiers[i].FromDay < tiers[j].FromDay }) {
		return faults.New(faults.Validation, "late fee tiers must be ordered by from_day")
	}
	for i := 1; i < len(tiers); i++ {
		prev := tiers[i-1]
		if prev.ToDay == 0 || tiers[i].FromDay <= prev.ToDay {
			return faults.New(faults.Validation, "late fee tiers overlap")
		}
	}
	return nil
}

// ResolveAsOf picks the contract governing a company on the given date: the
// most recently created non-deleted contract whose start date is on or before
// the date. Returns nil when no contract applies.
func ResolveAsOf(contracts []*models.Contract, date time.Time) *models.Contract {
	day := dates.Day(date)
	var winner *models.Contract
	for _, c := range contracts {
		if c.Deleted || dates.Day(c.StartDate).After(day) {
			continue
		}
		if winner == nil || c.CreatedAt.After(winner.CreatedAt) {
			winner = c
		}
	}
	return winner
}
