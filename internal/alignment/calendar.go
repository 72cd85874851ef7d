package alignment

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
)

// holidays are the US holidays that shift rental demand.
var holidays = []*cal.Holiday{
	us.NewYear,
	us.MemorialDay,
	us.IndependenceDay,
	us.LaborDay,
	us.ThanksgivingDay,
	us.ChristmasDay,
}

// IsHoliday reports whether t falls on the observed date of a US holiday.
// A Saturday New Year is observed on the last day of the previous year.
func IsHoliday(t time.Time) bool {
	for _, h := range holidays {
		for _, year := range [2]int{t.Year(), t.Year() + 1} {
			_, observed := h.Calc(year)
			if observed.Year() == t.Year() && observed.Month() == t.Month() && observed.Day() == t.Day() {
				return true
			}
		}
	}
	return false
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Calendar carries the day-level calendar features used by alignment and forecasting.
type Calendar struct {
	DayOfWeek int // 0 = Sunday
	Month     int
	IsWeekend bool
	IsHoliday bool
}

func CalendarFor(t time.Time) Calendar {
	return Calendar{
		DayOfWeek: int(t.Weekday()),
		Month:     int(t.Month()),
		IsWeekend: IsWeekend(t),
		IsHoliday: IsHoliday(t),
	}
}
