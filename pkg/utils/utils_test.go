package utils

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"options-executor/internal/models"
)

func TestMarketPhaseAt(t *testing.T) {
	// 2024-10-21 is a Monday
	at := func(h, m int) time.Time {
		return time.Date(2024, 10, 21, h, m, 0, 0, IndiaLocation)
	}
	tests := []struct {
		name string
		t    time.Time
		want models.MarketPhase
	}{
		{"before pre-open", at(8, 59), models.PhaseClosed},
		{"pre-open", at(9, 0), models.PhasePreOpen},
		{"open", at(9, 15), models.PhaseOpen},
		{"mid session", at(10, 0), models.PhaseMidSession},
		{"close", at(15, 0), models.PhaseClose},
		{"closing bell", at(15, 30), models.PhaseClosed},
		{"saturday", time.Date(2024, 10, 26, 11, 0, 0, 0, IndiaLocation), models.PhaseClosed},
		{"utc input", time.Date(2024, 10, 21, 5, 0, 0, 0, time.UTC), models.PhaseMidSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarketPhaseAt(tt.t); got != tt.want {
				t.Errorf("MarketPhaseAt(%s) = %s, want %s", tt.t, got, tt.want)
			}
		})
	}
}

// Feature: options-executor, Property 2: retry backoff doubles
//
// Property: For retry count k, the minimum wait before retry k+1 is exactly 2^k minutes.
func TestProperty_ExecutionBackoffIsPowerOfTwoMinutes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("backoff(k) = 2^k minutes", prop.ForAll(
		func(k int) bool {
			return ExecutionBackoff(k) == time.Duration(1<<uint(k))*time.Minute
		},
		gen.IntRange(0, 16),
	))

	properties.TestingRun(t)
}

func TestTimeOnDay(t *testing.T) {
	base := time.Date(2024, 10, 21, 3, 0, 0, 0, time.UTC)
	got, err := TimeOnDay(base, "09:20", IndiaLocation)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hour() != 9 || got.Minute() != 20 || got.Day() != 21 {
		t.Errorf("TimeOnDay = %s", got)
	}
	if _, err := TimeOnDay(base, "9h", IndiaLocation); err == nil {
		t.Error("expected parse error")
	}
}

func TestFormatIndianCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1234567.891", "₹12,34,567.89"},
		{"-950", "-₹950.00"},
		{"100000", "₹1,00,000.00"},
	}
	for _, tt := range tests {
		if got := FormatIndianCurrency(decimal.RequireFromString(tt.in)); got != tt.want {
			t.Errorf("FormatIndianCurrency(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
