package platform

import (
	"fmt"
	"time"
)

// ErrNoReleaseRule is returned for platforms without a timed release window.
var ErrNoReleaseRule = fmt.Errorf("platform has no timed release rule")

// releaseRule describes how far ahead of arrival a platform opens bookings
// and at what fixed UTC clock time.
type releaseRule struct {
	offsetMonths int
	openHourUTC  int
}

// Release rules per platform:
//   - Ontario Parks: 5 months before arrival at 7:00 AM EST (12:00 UTC).
//     Exception: arrivals Jul 29-31 all open on Mar 1 at 7:00 AM EST,
//     because the park's release calendar does not scale linearly at the
//     end of July.
//   - Recreation.gov: 6 months before arrival at midnight EST (05:00 UTC).
//   - Parks Canada: 5 months before arrival at 8:00 AM EST (13:00 UTC).
var releaseRules = map[Platform]releaseRule{
	OntarioParks:  {offsetMonths: 5, openHourUTC: 12},
	RecreationGov: {offsetMonths: 6, openHourUTC: 5},
	ParksCanada:   {offsetMonths: 5, openHourUTC: 13},
}

// SupportsSnipe reports whether the platform has a timed release window
// that snipes can target.
func SupportsSnipe(p Platform) bool {
	_, ok := releaseRules[p]
	return ok
}

// WindowOpensAt computes the exact UTC instant the booking window opens for
// an arrival date on the given platform. The arrival is treated as a pure
// calendar date; its clock time and location are ignored. The function is
// pure and deterministic.
func WindowOpensAt(p Platform, arrival time.Time) (time.Time, error) {
	rule, ok := releaseRules[p]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNoReleaseRule, p)
	}

	if p == OntarioParks && arrival.Month() == time.July && arrival.Day() >= 29 {
		return time.Date(arrival.Year(), time.March, 1, rule.openHourUTC, 0, 0, 0, time.UTC), nil
	}

	y, m, d := subtractMonths(arrival.Year(), arrival.Month(), arrival.Day(), rule.offsetMonths)
	return time.Date(y, m, d, rule.openHourUTC, 0, 0, 0, time.UTC), nil
}

// subtractMonths walks the calendar back by whole months, clamping the day
// to the last valid day of the target month (Oct 31 minus 5 months is May
// 31, but Jul 31 minus 4 months is Mar 31 and minus 5 months is Feb 28/29).
// Relying on time.AddDate here would overflow into the following month.
func subtractMonths(year int, month time.Month, day, months int) (int, time.Month, int) {
	total := year*12 + int(month) - 1 - months
	y := total / 12
	m := time.Month(total%12 + 1)
	if last := daysIn(y, m); day > last {
		day = last
	}
	return y, m, day
}

func daysIn(year int, month time.Month) int {
	// day 0 of the next month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
