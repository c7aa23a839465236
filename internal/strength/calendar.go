package strength

import (
	"fmt"
	"time"
)

// Market close in exchange local time. Data for a trading day is expected
// after this point.
const (
	closeHour   = 15
	closeMinute = 0
)

// Calendar answers trading day questions in the exchange time zone:
// weekdays that are not listed holidays.
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{}
}

// NewCalendar returns a Calendar for loc with the given holidays.
func NewCalendar(loc *time.Location, holidays ...time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{loc: loc, holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.In(loc).Format(time.DateOnly)] = struct{}{}
	}
	return c
}

// ParseHolidays parses YYYY-MM-DD dates in loc.
func ParseHolidays(dates []string, loc *time.Location) ([]time.Time, error) {
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		t, err := time.ParseInLocation(time.DateOnly, d, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", d, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Location returns the exchange time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Date truncates t to midnight of its calendar day in the exchange zone.
func (c *Calendar) Date(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// IsTradingDay reports whether t's exchange date is a trading day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[t.Format(time.DateOnly)]
	return !holiday
}

// PreviousTradingDay returns the last trading day strictly before d.
func (c *Calendar) PreviousTradingDay(d time.Time) time.Time {
	day := c.Date(d)
	for {
		day = day.AddDate(0, 0, -1)
		if c.IsTradingDay(day) {
			return day
		}
	}
}

// LatestTradingDay returns the most recent trading day whose session has
// closed at now.
func (c *Calendar) LatestTradingDay(now time.Time) time.Time {
	now = now.In(c.loc)
	today := c.Date(now)
	closeAt := today.Add(closeHour*time.Hour + closeMinute*time.Minute)
	if c.IsTradingDay(today) && !now.Before(closeAt) {
		return today
	}
	return c.PreviousTradingDay(today)
}
