package market

import "time"

// holidaysForYear computes the full-day market closures for one year:
// fixed-date holidays with weekend observance shifts, nth-weekday
// holidays, and Good Friday from the Easter computus.
func holidaysForYear(year int, loc *time.Location) map[string]bool {
	set := make(map[string]bool, 10)
	add := func(d time.Time) { set[d.Format("2006-01-02")] = true }

	// Fixed dates, observed on the nearest weekday when they land on a
	// weekend.
	add(observeOnWeekday(time.Date(year, time.January, 1, 0, 0, 0, 0, loc)))   // New Year's Day
	add(observeOnWeekday(time.Date(year, time.June, 19, 0, 0, 0, 0, loc)))     // Juneteenth
	add(observeOnWeekday(time.Date(year, time.July, 4, 0, 0, 0, 0, loc)))      // Independence Day
	add(observeOnWeekday(time.Date(year, time.December, 25, 0, 0, 0, 0, loc))) // Christmas

	// Nth-weekday rules.
	add(findNthWeekday(year, time.January, time.Monday, 3, loc))   // Martin Luther King Jr. Day
	add(findNthWeekday(year, time.February, time.Monday, 3, loc))  // Washington's Birthday
	add(findLastWeekday(year, time.May, time.Monday, loc))         // Memorial Day
	add(findNthWeekday(year, time.September, time.Monday, 1, loc)) // Labor Day
	add(findNthWeekday(year, time.November, time.Thursday, 4, loc)) // Thanksgiving

	// Good Friday: two days before Easter Sunday.
	easter := gregorianEaster(year, loc)
	add(easter.AddDate(0, 0, -2))

	return set
}

// observeOnWeekday shifts a weekend holiday to its observed weekday:
// Saturday observes on Friday, Sunday on Monday.
func observeOnWeekday(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	default:
		return d
	}
}

// findNthWeekday finds the nth occurrence of a weekday in a month.
func findNthWeekday(year int, month time.Month, weekday time.Weekday, n int, loc *time.Location) time.Time {
	date := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	daysToAdd := int(weekday - date.Weekday())
	if daysToAdd < 0 {
		daysToAdd += 7
	}
	return date.AddDate(0, 0, daysToAdd+(n-1)*7)
}

// findLastWeekday finds the last occurrence of a weekday in a month.
func findLastWeekday(year int, month time.Month, weekday time.Weekday, loc *time.Location) time.Time {
	// Last day of the month, then walk backwards.
	date := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	daysBack := int(date.Weekday() - weekday)
	if daysBack < 0 {
		daysBack += 7
	}
	return date.AddDate(0, 0, -daysBack)
}

// gregorianEaster computes Easter Sunday via the Gregorian computus.
func gregorianEaster(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}
