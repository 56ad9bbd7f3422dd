package reset

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Calendar decides whether a local date is a trading day. The zero value
// treats every day as a trading day.
type Calendar struct {
	weekdays map[time.Weekday]bool
	holidays map[string]bool
}

// NewCalendar builds a calendar from trading weekdays and holiday dates
// (YYYY-MM-DD). Empty weekdays means Monday through Friday.
func NewCalendar(weekdays []time.Weekday, holidays []string) (Calendar, error) {
	c := Calendar{weekdays: make(map[time.Weekday]bool), holidays: make(map[string]bool)}
	if len(weekdays) == 0 {
		weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	for _, d := range weekdays {
		c.weekdays[d] = true
	}
	for _, h := range holidays {
		t, err := time.Parse(dateLayout, strings.TrimSpace(h))
		if err != nil {
			return Calendar{}, fmt.Errorf("holiday %q: %w", h, err)
		}
		c.holidays[t.Format(dateLayout)] = true
	}
	return c, nil
}

// IsTradingDay reports whether the calendar date of t, in t's location, is
// a trading day.
func (c Calendar) IsTradingDay(t time.Time) bool {
	if c.holidays[t.Format(dateLayout)] {
		return false
	}
	if len(c.weekdays) == 0 {
		return true
	}
	return c.weekdays[t.Weekday()]
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// ParseTimeOfDay parses "HH:MM" on a 24 hour clock.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// DailyKey is the period key of the daily reset scheduled at t.
func DailyKey(t time.Time) string { return t.Format(dateLayout) }

// WeeklyKey is the ISO week period key of t, e.g. 2026-W42.
func WeeklyKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}
