// Package scheduler drives the engine clock: the operational window, the
// precision timer loop, the per-user event emitter, the sub-event fan-out
// and schedule discovery.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"options-executor/internal/models"
	"options-executor/pkg/utils"
)

// Window is the daily operational window on trading weekdays.
type Window struct {
	location *time.Location
	start    string // HH:MM
	end      string // HH:MM
	weekdays map[models.Weekday]bool

	mu       sync.RWMutex
	holidays map[string]bool // YYYY-MM-DD
}

// NewWindow creates a window from HH:MM bounds and weekday names.
func NewWindow(loc *time.Location, start, end string, weekdays []string) (*Window, error) {
	if loc == nil {
		loc = utils.IndiaLocation
	}
	s, err := time.Parse("15:04", start)
	if err != nil {
		return nil, fmt.Errorf("invalid window start %q: %w", start, err)
	}
	e, err := time.Parse("15:04", end)
	if err != nil {
		return nil, fmt.Errorf("invalid window end %q: %w", end, err)
	}
	if !e.After(s) {
		return nil, fmt.Errorf("window end %s must be after start %s", end, start)
	}

	days := make(map[models.Weekday]bool)
	for _, name := range weekdays {
		d, err := models.ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		days[d] = true
	}
	if len(days) == 0 {
		for _, d := range []models.Weekday{"MON", "TUE", "WED", "THU", "FRI"} {
			days[d] = true
		}
	}

	return &Window{
		location: loc,
		start:    start,
		end:      end,
		weekdays: days,
		holidays: make(map[string]bool),
	}, nil
}

// Location returns the window's time zone.
func (w *Window) Location() *time.Location {
	return w.location
}

// AddHoliday marks a date as closed.
func (w *Window) AddHoliday(date time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.holidays[models.TradingDay(date.In(w.location))] = true
}

// AddHolidays marks YYYY-MM-DD dates in the window's time zone as closed.
func (w *Window) AddHolidays(dates []string) error {
	for _, d := range dates {
		t, err := time.ParseInLocation("2006-01-02", d, w.location)
		if err != nil {
			return fmt.Errorf("invalid holiday %q: %w", d, err)
		}
		w.AddHoliday(t)
	}
	return nil
}

// IsHoliday reports whether the date was marked closed.
func (w *Window) IsHoliday(date time.Time) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.holidays[models.TradingDay(date.In(w.location))]
}

// TradingDay reports whether t falls on a configured weekday that is not a holiday.
func (w *Window) TradingDay(t time.Time) bool {
	t = t.In(w.location)
	return w.weekdays[models.WeekdayOf(t)] && !w.IsHoliday(t)
}

// Bounds returns the window's open and close instants on t's calendar day.
func (w *Window) Bounds(t time.Time) (open, close time.Time) {
	open, _ = utils.TimeOnDay(t, w.start, w.location)
	close, _ = utils.TimeOnDay(t, w.end, w.location)
	return open, close
}

// Contains reports whether t is inside the window on a trading day.
func (w *Window) Contains(t time.Time) bool {
	if !w.TradingDay(t) {
		return false
	}
	open, close := w.Bounds(t)
	return !t.Before(open) && t.Before(close)
}

// CronSpec returns a seconds-resolution cron spec firing at window open on
// the configured weekdays.
func (w *Window) CronSpec() string {
	clock, _ := time.Parse("15:04", w.start)
	days := ""
	for _, d := range []models.Weekday{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"} {
		if !w.weekdays[d] {
			continue
		}
		if days != "" {
			days += ","
		}
		days += string(d)
	}
	return fmt.Sprintf("0 %d %d * * %s", clock.Minute(), clock.Hour(), days)
}

// PhaseAt returns the market phase for t.
func PhaseAt(t time.Time) models.MarketPhase {
	return utils.MarketPhaseAt(t)
}
