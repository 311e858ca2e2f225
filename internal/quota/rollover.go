// Package quota implements the ledger governing the metered API budget.
package quota

import "time"

// DaysInMonth returns the number of calendar days in the given month.
func DaysInMonth(month time.Month, year int) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DaysRemaining returns the number of days left in now's month, counting
// today.
func DaysRemaining(now time.Time) int {
	return DaysInMonth(now.Month(), now.Year()) - now.Day() + 1
}

// DailyLimit computes the safe per-day call budget. It is a pure function of
// its arguments: no calendar-specific branches.
//
// The safety factor reserves headroom against the theoretical maximum and the
// floor keeps the service minimally active near exhaustion.
func DailyLimit(remaining, daysRemaining int, safetyFactor float64, minFloor int) int {
	if remaining < 0 {
		remaining = 0
	}
	if daysRemaining < 1 {
		daysRemaining = 1
	}
	limit := int(float64(remaining) / float64(daysRemaining) * safetyFactor)
	if limit < minFloor {
		limit = minFloor
	}
	return limit
}

// HourlyLimit derives the per-hour budget from the daily one.
func HourlyLimit(dailyLimit, effectiveHours, minFloor int) int {
	if effectiveHours < 1 {
		effectiveHours = 24
	}
	limit := dailyLimit / effectiveHours
	if limit < minFloor {
		limit = minFloor
	}
	return limit
}
