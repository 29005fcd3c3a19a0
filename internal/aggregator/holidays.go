package aggregator

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
)

// serviceCalendar knows which days run the regular weekday schedule
type serviceCalendar struct {
	calendar *cal.BusinessCalendar
}

// newServiceCalendar builds the calendar of US holidays observed by transit agencies
func newServiceCalendar() *serviceCalendar {
	calendar := cal.NewBusinessCalendar()
	calendar.AddHoliday(
		us.NewYear,
		us.MlkDay,
		us.PresidentsDay,
		us.MemorialDay,
		us.Juneteenth,
		us.IndependenceDay,
		us.LaborDay,
		us.ThanksgivingDay,
		us.ChristmasDay,
	)
	return &serviceCalendar{calendar: calendar}
}

func (s *serviceCalendar) isHoliday(at time.Time) bool {
	_, observed, _ := s.calendar.IsHoliday(at)
	return observed
}

// isRegularServiceDay is true Monday to Friday outside observed holidays
func (s *serviceCalendar) isRegularServiceDay(at time.Time) bool {
	switch at.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !s.isHoliday(at)
}
