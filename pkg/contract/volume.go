package contract

import (
	"time"

	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/models"
	"github.com/shopspring/decimal"
)

// FundedVolume is the cumulative funded principal under a contract as of a
// date, seeded with the factoring fee threshold's starting value when present.
func FundedVolume(con *models.Contract, loans []*models.Loan, asOf time.Time) decimal.Decimal {
	vol := decimal.Zero
	if con.FactoringFeeThreshold != nil {
		vol = con.FactoringFeeThreshold.StartingValue
	}
	day := dates.Day(asOf)
	for _, l := range loans {
		if !dates.Day(l.OriginationDate).After(day) {
			vol = vol.Add(l.Principal)
		}
	}
	return vol
}

// VolumeThresholdMetBefore reports whether the contract's volume threshold was
// crossed strictly before the given day. The reduced rate applies from the day
// after the crossing, so rate resolution keys off this.
func VolumeThresholdMetBefore(con *models.Contract, loans []*models.Loan, day time.Time) bool {
	if con.FactoringFeeThreshold == nil {
		return false
	}
	prior := dates.AddDays(day, -1)
	return FundedVolume(con, loans, prior).GreaterThanOrEqual(con.FactoringFeeThreshold.Threshold)
}
