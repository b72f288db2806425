package billing

import "time"

// NextPeriod returns the billing period that starts at start and spans one cycle.
func NextPeriod(start time.Time, cycle BillingCycle) Period {
	s := start.UTC()
	months := 1
	if cycle == CycleYearly {
		months = 12
	}
	return Period{Start: s, End: addMonthsSafe(s, months)}
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Jan 31 + 1 month is the last day of February rather than early March.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	targetDate := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := day
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// periodFromUnix converts processor epoch seconds into a Period. Zero values
// fall back to a period computed from now.
func periodFromUnix(start, end int64, cycle BillingCycle, now time.Time) Period {
	if start == 0 || end == 0 {
		return NextPeriod(now, cycle)
	}
	return Period{Start: time.Unix(start, 0).UTC(), End: time.Unix(end, 0).UTC()}
}
