// Package market provides the trading-session clock: whether the
// exchange is open, which extended session applies, and when the next
// open and close occur. All computation happens in the configured
// exchange timezone; callers pass and receive absolute times.
package market

import (
	"fmt"
	"sync"
	"time"
)

// Status classifies the current point in the trading day.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusPreMarket  Status = "pre_market"
	StatusAfterHours Status = "after_hours"
)

// US equity session boundaries, minutes from midnight exchange time.
const (
	preMarketOpenMinute   = 4 * 60    // 04:00
	regularOpenMinute     = 9*60 + 30 // 09:30
	regularCloseMinute    = 16 * 60   // 16:00
	earlyCloseMinute      = 13 * 60   // 13:00 on shortened days
	afterHoursCloseMinute = 20 * 60   // 20:00
)

// Snapshot is a point-in-time view of the session clock for health
// reporting and market-status events.
type Snapshot struct {
	Status    Status    `json:"status"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
	Timezone  string    `json:"timezone"`
}

// Clock answers session questions for one exchange calendar (US equities).
// Holiday sets are computed per year and cached.
type Clock struct {
	mu       sync.Mutex
	loc      *time.Location
	holidays map[int]map[string]bool // year -> "2006-01-02" -> closed
}

// NewClock creates a session clock for the given IANA timezone.
func NewClock(timezone string) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load market timezone %q: %w", timezone, err)
	}
	return &Clock{
		loc:      loc,
		holidays: make(map[int]map[string]bool),
	}, nil
}

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// StatusAt classifies t within the trading day.
func (c *Clock) StatusAt(t time.Time) Status {
	local := t.In(c.loc)
	if !c.isTradingDay(local) {
		return StatusClosed
	}

	minute := local.Hour()*60 + local.Minute()
	closeMinute := c.closeMinuteFor(local)

	switch {
	case minute >= preMarketOpenMinute && minute < regularOpenMinute:
		return StatusPreMarket
	case minute >= regularOpenMinute && minute < closeMinute:
		return StatusOpen
	case minute >= closeMinute && minute < afterHoursCloseMinute:
		return StatusAfterHours
	default:
		return StatusClosed
	}
}

// IsOpen reports whether the regular session is in progress at t.
// Extended sessions do not count as open.
func (c *Clock) IsOpen(t time.Time) bool {
	return c.StatusAt(t) == StatusOpen
}

// IsTradingDay reports whether t falls on a day with a regular session.
func (c *Clock) IsTradingDay(t time.Time) bool {
	return c.isTradingDay(t.In(c.loc))
}

// NextClose returns the first regular-session close at or after t.
func (c *Clock) NextClose(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i < 30; i++ {
		day := local.AddDate(0, 0, i)
		if !c.isTradingDay(day) {
			continue
		}
		closeAt := c.minuteOfDay(day, c.closeMinuteFor(day))
		if !closeAt.Before(local) {
			return closeAt
		}
	}
	return time.Time{}
}

// NextOpen returns the first regular-session open after t.
func (c *Clock) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i < 30; i++ {
		day := local.AddDate(0, 0, i)
		if !c.isTradingDay(day) {
			continue
		}
		openAt := c.minuteOfDay(day, regularOpenMinute)
		if openAt.After(local) {
			return openAt
		}
	}
	return time.Time{}
}

// SnapshotAt captures status plus the next session boundaries at t.
func (c *Clock) SnapshotAt(t time.Time) Snapshot {
	return Snapshot{
		Status:    c.StatusAt(t),
		NextOpen:  c.NextOpen(t),
		NextClose: c.NextClose(t),
		Timezone:  c.loc.String(),
	}
}

func (c *Clock) minuteOfDay(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, c.loc)
}

// closeMinuteFor returns the regular-session close for the given local
// date, honoring scheduled early closes.
func (c *Clock) closeMinuteFor(local time.Time) int {
	if c.isEarlyCloseDay(local) {
		return earlyCloseMinute
	}
	return regularCloseMinute
}

func (c *Clock) isTradingDay(local time.Time) bool {
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	return !c.isHoliday(local)
}

func (c *Clock) isHoliday(local time.Time) bool {
	year := local.Year()

	c.mu.Lock()
	set, ok := c.holidays[year]
	if !ok {
		set = holidaysForYear(year, c.loc)
		c.holidays[year] = set
	}
	c.mu.Unlock()

	return set[local.Format("2006-01-02")]
}

// isEarlyCloseDay reports the scheduled 13:00 closes: July 3 when it is
// a weekday, the day after Thanksgiving, and Christmas Eve on a weekday.
func (c *Clock) isEarlyCloseDay(local time.Time) bool {
	if local.Month() == time.July && local.Day() == 3 &&
		local.Weekday() != time.Saturday && local.Weekday() != time.Sunday {
		return true
	}
	if local.Month() == time.December && local.Day() == 24 &&
		local.Weekday() != time.Saturday && local.Weekday() != time.Sunday {
		return true
	}
	// Day after Thanksgiving: Thanksgiving is the 4th Thursday of November.
	if local.Month() == time.November && local.Weekday() == time.Friday {
		thanksgiving := findNthWeekday(local.Year(), time.November, time.Thursday, 4, c.loc)
		return local.Day() == thanksgiving.Day()+1
	}
	return false
}
