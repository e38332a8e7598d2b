package services

import (
	"time"
)

// DispatchWindow bounds the hours of day during which dispatch deadlines may
// fall. The window is [StartHour, EndHour) in UTC.
type DispatchWindow struct {
	StartHour int
	EndHour   int
}

// DefaultDispatchWindow matches warehouse working hours.
var DefaultDispatchWindow = DispatchWindow{StartHour: 9, EndHour: 18}

type slaCalculator struct {
	window DispatchWindow
}

// NewSLACalculator builds the dispatch deadline calculator. A zero or inverted
// window falls back to the default.
func NewSLACalculator(window DispatchWindow) SLACalculator {
	if window.StartHour < 0 || window.EndHour > 24 || window.StartHour >= window.EndHour {
		window = DefaultDispatchWindow
	}
	return &slaCalculator{window: window}
}

// ExpectedDispatchTime adds the dealer's committed hours to the order date and
// clamps the result into the dispatch window. A deadline before the window
// start moves to the start the same day; a deadline at or past the window end
// moves to the start of the next day. Returns nil when no active SLA applies.
func (c *slaCalculator) ExpectedDispatchTime(orderDate time.Time, sla *DealerSLA) *time.Time {
	if sla == nil || !sla.Active || sla.MaxDispatchHours <= 0 {
		return nil
	}

	expected := orderDate.UTC().Add(time.Duration(sla.MaxDispatchHours) * time.Hour)
	clamped := c.clamp(expected)
	return &clamped
}

func (c *slaCalculator) clamp(t time.Time) time.Time {
	hour := t.Hour()
	switch {
	case hour < c.window.StartHour:
		return time.Date(t.Year(), t.Month(), t.Day(), c.window.StartHour, 0, 0, 0, time.UTC)
	case hour >= c.window.EndHour:
		next := t.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), c.window.StartHour, 0, 0, 0, time.UTC)
	default:
		return t
	}
}
