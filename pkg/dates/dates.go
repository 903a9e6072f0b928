// Package dates provides date-only utility functions. All balance computation
// works on UTC-midnight days; wall-clock time never enters the books.
package dates

import (
	"time"

	"github.com/crestfin/lending/pkg/models"
)

// Layout is the format expected in requests and is also the output date format.
const Layout = "2006-01-02"

// Day truncates a time to its UTC-midnight day.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MustParseDay parses a date string in Layout and panics on error. Intended
// for tests where the date string is known to be valid.
func MustParseDay(s string) time.Time {
	t, err := time.ParseInLocation(Layout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

// AddDays returns the day offset by n days.
func AddDays(day time.Time, n int) time.Time {
	return Day(day.AddDate(0, 0, n))
}

// DaysBetween returns the number of whole days from a to b. Negative when b
// precedes a.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// SameDay reports whether two times fall on the same UTC day.
func SameDay(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}

// MinDay returns the earlier of two days.
func MinDay(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// MaxDay returns the later of two days.
func MaxDay(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// PeriodStart returns the first day of the minimum-fee period containing day.
// Quarters are calendar quarters; years are calendar years.
func PeriodStart(day time.Time, duration models.MinimumFeeDuration) time.Time {
	d := Day(day)
	switch duration {
	case models.MinimumFeeQuarterly:
		qm := time.Month((int(d.Month())-1)/3*3 + 1)
		return time.Date(d.Year(), qm, 1, 0, 0, 0, 0, time.UTC)
	case models.MinimumFeeAnnually:
		return time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// PeriodEnd returns the last day of the minimum-fee period containing day.
func PeriodEnd(day time.Time, duration models.MinimumFeeDuration) time.Time {
	return AddDays(NextPeriodStart(day, duration), -1)
}

// NextPeriodStart returns the first day of the period after the one
// containing day.
func NextPeriodStart(day time.Time, duration models.MinimumFeeDuration) time.Time {
	start := PeriodStart(day, duration)
	switch duration {
	case models.MinimumFeeQuarterly:
		return Day(start.AddDate(0, 3, 0))
	case models.MinimumFeeAnnually:
		return Day(start.AddDate(1, 0, 0))
	default:
		return Day(start.AddDate(0, 1, 0))
	}
}

// DaysInPeriod returns the calendar length in days of the period containing day.
func DaysInPeriod(day time.Time, duration models.MinimumFeeDuration) int {
	return DaysBetween(PeriodStart(day, duration), NextPeriodStart(day, duration))
}

// SamePeriod reports whether two days fall in the same minimum-fee period.
func SamePeriod(a, b time.Time, duration models.MinimumFeeDuration) bool {
	return PeriodStart(a, duration).Equal(PeriodStart(b, duration))
}
