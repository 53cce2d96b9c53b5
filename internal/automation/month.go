package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// runHourUTC is the fixed time-of-day at which a day-of-month rollover
// becomes due.
const runHourUTC = 12

// addOneCalendarMonth moves t one calendar month forward keeping its
// day-of-month, clamped to the last valid day of the target month
// (Jan 31 -> Feb 28/29, Dec 31 -> Jan 31 next year).
func addOneCalendarMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// monthKey renders the year-month watermark, e.g. "2026-02".
func monthKey(t time.Time) string { return t.Format("2006-01") }

// dayOfMonthRunAt computes the nominal run instant for day-of-month mode in
// the current month. The day is clamped to 1..28 so every month has it.
func dayOfMonthRunAt(now time.Time, day int) time.Time {
	if day < 1 {
		day = 1
	}
	if day > 28 {
		day = 28
	}
	return time.Date(now.Year(), now.Month(), day, runHourUTC, 0, 0, 0, time.UTC)
}

// renderTitle substitutes {month}, {month_name} and {year} derived from the
// run instant. A blank result falls back to a year-month title.
func renderTitle(tpl string, at time.Time) string {
	r := strings.NewReplacer(
		"{month}", fmt.Sprintf("%02d", int(at.Month())),
		"{month_name}", at.Month().String(),
		"{year}", strconv.Itoa(at.Year()),
	)
	title := strings.TrimSpace(r.Replace(tpl))
	if title == "" {
		title = "Monthly giveaway " + at.Format("2006-01")
	}
	return title
}
