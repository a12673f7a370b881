package ingest

import (
	"strings"
	"time"
)

var layouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"1/2/06 15:04",
	"1/2/06",
	"01/02 15:04",
	"01/02",
	"Jan 2, 2006",
	"Jan 2 2006",
	"Jan 2",
}

// ParseTime reads an event timestamp in any of the accepted layouts. Values
// without a zone are UTC.
func ParseTime(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range layouts {
		if t, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			return FixPlaceholderYear(t, now), true
		}
	}
	return time.Time{}, false
}

// FixPlaceholderYear moves timestamps that landed in year 2000 (a two-digit
// "00" year) or year 0 (no year at all) into the current year. Feb 29 becomes
// Feb 28 when the current year is not a leap year.
func FixPlaceholderYear(t, now time.Time) time.Time {
	if t.Year() != 2000 && t.Year() != 0 {
		return t
	}
	day := min(t.Day(), daysIn(t.Month(), now.Year()))
	return time.Date(now.Year(), t.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
