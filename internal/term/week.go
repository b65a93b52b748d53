// Package term computes teaching-week numbers from a configured term
// start date. The week is a pure function of (term start, instant); it is
// stamped onto sessions at creation and shown in exports instead of being
// re-derived per query.
package term

import "time"

// Week returns the 1-based teaching week that now falls in for a term
// starting at termStart. Weeks run Monday through Sunday: both instants
// normalize to the Monday of their calendar week, so a term that starts
// mid-week counts its opening days as week 1. Instants before the term's
// first Monday, or an unset term start, return 0.
func Week(termStart, now time.Time) int {
	if termStart.IsZero() {
		return 0
	}
	start := mondayOf(termStart)
	cur := mondayOf(now)
	if cur.Before(start) {
		return 0
	}
	return int(cur.Sub(start)/(7*24*time.Hour)) + 1
}

// mondayOf maps an instant to the UTC midnight of its week's Monday,
// using the wall-clock date in the instant's own location. Doing the
// arithmetic on UTC midnights keeps week boundaries immune to DST.
func mondayOf(t time.Time) time.Time {
	year, month, day := t.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	back := (int(midnight.Weekday()) + 6) % 7
	return midnight.AddDate(0, 0, -back)
}
