package utils

import (
	"fmt"
	"time"

	"options-executor/internal/models"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// Session boundaries in minutes since midnight IST.
const (
	preOpenStart = 9 * 60     // 09:00
	marketOpen   = 9*60 + 15  // 09:15
	openingEnd   = 10 * 60    // 10:00
	closingStart = 15 * 60    // 15:00
	marketClose  = 15*60 + 30 // 15:30
)

// NowIST returns the current time in IST.
func NowIST() time.Time {
	return time.Now().In(IndiaLocation)
}

// MarketPhaseAt returns the session phase for t.
func MarketPhaseAt(t time.Time) models.MarketPhase {
	now := t.In(IndiaLocation)

	// Check if weekend
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return models.PhaseClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= preOpenStart && minutes < marketOpen:
		return models.PhasePreOpen
	case minutes >= marketOpen && minutes < openingEnd:
		return models.PhaseOpen
	case minutes >= openingEnd && minutes < closingStart:
		return models.PhaseMidSession
	case minutes >= closingStart && minutes < marketClose:
		return models.PhaseClose
	default:
		return models.PhaseClosed
	}
}

// TimeOnDay returns the HH:MM clock time on t's calendar day in loc.
func TimeOnDay(t time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid clock time %q: %w", hhmm, err)
	}
	day := t.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

// TruncateMinute drops seconds and below.
func TruncateMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}
