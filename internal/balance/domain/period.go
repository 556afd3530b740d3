package domain

import "time"

// AddMonths moves t forward by n calendar months landing on anchorDay,
// clamped to the last day of the target month. Jan 31 + 1 month is Feb 28
// (or 29), and with the anchor kept the following step returns to Mar 31.
func AddMonths(t time.Time, n int, anchorDay int) time.Time {
	if anchorDay < 1 {
		anchorDay = t.Day()
	}
	year, month, _ := t.Date()
	// Normalise through the first of the month so AddDate cannot overflow.
	first := time.Date(year, month, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()).AddDate(0, n, 0)
	day := anchorDay
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
