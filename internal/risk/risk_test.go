package risk

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

var t0 = time.Date(2024, 10, 14, 9, 30, 0, 0, time.UTC)

func sellOrder(id string, at time.Time) models.Order {
	return models.Order{
		ID: id, UserID: "u1", StrategyID: "s1", LegID: "ce", AllocationID: "a1",
		BrokerID: "kite", AccountID: "X", Symbol: "NIFTY24OCT25000CE", Side: models.OrderSideSell,
		Quantity: 75, Price: decimal.Zero, Status: models.OrderFilled, ExecutionType: models.ExecutionEntry,
		PlacedAt: at,
	}
}

func TestTimeAndSymbolDuplicates(t *testing.T) {
	d, err := NewDetector(TimeAndSymbol, time.Minute)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}

	tests := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{"30 seconds apart", 30 * time.Second, 1},
		{"90 seconds apart", 90 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := []models.Order{sellOrder("o2", t0.Add(tt.gap)), sellOrder("o1", t0)}
			dups := d.Detect(orders)
			if len(dups) != tt.want {
				t.Fatalf("Expected %d duplicates, got %d", tt.want, len(dups))
			}
			if tt.want == 1 && (dups[0].Order.ID != "o2" || dups[0].Original.ID != "o1") {
				t.Errorf("Expected o2 flagged against o1, got %s against %s", dups[0].Order.ID, dups[0].Original.ID)
			}
		})
	}
}

func TestDuplicatesIgnoreOtherAccountsAndDeadOrders(t *testing.T) {
	d, _ := NewDetector(TimeAndSymbol, time.Minute)

	other := sellOrder("o2", t0.Add(5*time.Second))
	other.AccountID = "Y"
	rejected := sellOrder("o3", t0.Add(10*time.Second))
	rejected.Status = models.OrderRejected
	buy := sellOrder("o4", t0.Add(15*time.Second))
	buy.Side = models.OrderSideBuy

	if dups := d.Detect([]models.Order{sellOrder("o1", t0), other, rejected, buy}); len(dups) != 0 {
		t.Errorf("Expected no duplicates, got %+v", dups)
	}
}

func TestExactMatchAndStrategyBased(t *testing.T) {
	exact, _ := NewDetector(ExactMatch, 0)
	a := sellOrder("o1", t0)
	b := sellOrder("o2", t0.Add(4*time.Minute))
	c := sellOrder("o3", t0.Add(4*time.Minute))
	c.Quantity = 150

	if dups := exact.Detect([]models.Order{a, b, c}); len(dups) != 1 || dups[0].Order.ID != "o2" {
		t.Errorf("Expected exact match to flag o2 only, got %+v", dups)
	}

	byStrategy, _ := NewDetector(StrategyBased, 0)
	if dups := byStrategy.Detect([]models.Order{a, b, c}); len(dups) != 2 {
		t.Errorf("Expected the second and third execution of the same leg flagged, got %d", len(dups))
	}

	exit := sellOrder("o4", t0.Add(time.Minute))
	exit.ExecutionType = models.ExecutionExit
	if dups := byStrategy.Detect([]models.Order{a, exit}); len(dups) != 0 {
		t.Errorf("Expected entry and exit of the same leg not to be duplicates, got %+v", dups)
	}

	if _, err := NewDetector("FUZZY", 0); err == nil {
		t.Error("Expected unknown strategy to be rejected")
	}
}

func openPosition(net int, entry string, trailing *models.TrailingSLConfig) *models.Position {
	p := &models.Position{UserID: "u1", BrokerID: "kite", Symbol: "NIFTY24OCT25000CE", Day: "2024-10-14", TrailingSL: trailing}
	side := models.OrderSideBuy
	qty := net
	if net < 0 {
		side = models.OrderSideSell
		qty = -net
	}
	p.ApplyFill(side, qty, decimal.RequireFromString(entry), t0)
	return p
}

func TestTrailingStopLong(t *testing.T) {
	p := openPosition(75, "100", &models.TrailingSLConfig{Type: models.TrailingPercentage, Value: decimal.NewFromInt(10)})

	steps := []struct {
		price     string
		stop      string
		triggered bool
	}{
		{"100", "90", false},
		{"120", "108", false},
		{"110", "108", false}, // pullback does not loosen
		{"107.5", "108", true},
	}
	for _, s := range steps {
		upd := ApplyTrailingStop(p, decimal.RequireFromString(s.price))
		if !upd.Stop.Equal(decimal.RequireFromString(s.stop)) || upd.Triggered != s.triggered {
			t.Errorf("price %s: got stop %s triggered %v, want %s %v", s.price, upd.Stop, upd.Triggered, s.stop, s.triggered)
		}
	}
	if !p.PeakPrice.Equal(decimal.NewFromInt(120)) {
		t.Errorf("Expected peak 120, got %s", p.PeakPrice)
	}
}

func TestTrailingStopShortPoints(t *testing.T) {
	p := openPosition(-75, "200", &models.TrailingSLConfig{Type: models.TrailingPoints, Value: decimal.NewFromInt(15)})

	ApplyTrailingStop(p, decimal.NewFromInt(200))
	upd := ApplyTrailingStop(p, decimal.NewFromInt(170))
	if !upd.Stop.Equal(decimal.NewFromInt(185)) || !upd.Tightened {
		t.Fatalf("Expected stop tightened to 185, got %s (tightened=%v)", upd.Stop, upd.Tightened)
	}
	if upd := ApplyTrailingStop(p, decimal.NewFromInt(180)); upd.Triggered || !upd.Stop.Equal(decimal.NewFromInt(185)) {
		t.Errorf("Expected no trigger below stop, got %+v", upd)
	}
	if upd := ApplyTrailingStop(p, decimal.NewFromInt(186)); !upd.Triggered {
		t.Error("Expected short stop to trigger once price rises through it")
	}

	flat := &models.Position{TrailingSL: p.TrailingSL}
	if upd := ApplyTrailingStop(flat, decimal.NewFromInt(100)); upd.Triggered || !flat.StopLevel.IsZero() {
		t.Error("Expected flat position to be left untouched")
	}
}

func TestFixedStopAndTarget(t *testing.T) {
	p := openPosition(-75, "200", nil)

	p.MarkPrice(decimal.NewFromInt(260), t0)
	if !FixedStopHit(p, decimal.NewFromInt(30)) {
		t.Error("Expected short losing 30% to hit a 30% stop")
	}
	if FixedStopHit(p, decimal.Zero) {
		t.Error("Expected zero stop to disable the check")
	}

	p.MarkPrice(decimal.NewFromInt(100), t0)
	if !TargetHit(p, decimal.NewFromInt(50)) || TargetHit(p, decimal.NewFromInt(60)) {
		t.Error("Expected a 50% favourable move to hit 50% target only")
	}
}

func TestRetryEligibility(t *testing.T) {
	rec := &models.ExecutionRecord{
		ID: "r1", Status: models.ExecutionFailed, FailureReason: apperrors.ReasonNetworkError,
		RetryCount: 2, CreatedAt: t0,
	}

	if d := RetryEligible(rec, 3, t0.Add(3*time.Minute)); d.Eligible {
		t.Error("Expected retry 3 to wait 4 minutes")
	} else if !d.NotBefore.Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("Expected NotBefore %s, got %s", t0.Add(4*time.Minute), d.NotBefore)
	}
	if d := RetryEligible(rec, 3, t0.Add(4*time.Minute)); !d.Eligible {
		t.Errorf("Expected eligible after 4 minutes: %s", d.Reason)
	}
	if d := RetryEligible(rec, 2, t0.Add(time.Hour)); d.Eligible {
		t.Error("Expected max retries to block")
	}

	rec.Status = models.ExecutionSuccess
	if RetryEligible(rec, 5, t0.Add(time.Hour)).Eligible {
		t.Error("Expected successful execution never retried")
	}
}

func TestInsufficientFundsNeverRetried(t *testing.T) {
	for _, reason := range []string{
		apperrors.ReasonInsufficientFunds, apperrors.ReasonInvalidSymbol,
		apperrors.ReasonMarketClosed, apperrors.ReasonInvalidQuantity,
	} {
		for k := 0; k < 5; k++ {
			rec := &models.ExecutionRecord{Status: models.ExecutionRejected, FailureReason: reason, RetryCount: k, CreatedAt: t0}
			if RetryEligible(rec, 100, t0.Add(48*time.Hour)).Eligible {
				t.Errorf("%s at retry_count %d must never be retried", reason, k)
			}
		}
	}
}

func exitedRun(reason models.ExitReason, count int) *models.StrategyRun {
	exited := t0
	return &models.StrategyRun{Status: models.RunExited, ExitedAt: &exited, ExitReason: reason, ReEntryCount: count}
}

func TestReEntryEligibility(t *testing.T) {
	st := &models.Strategy{ReEntry: models.ReEntryConfig{
		Enabled: true, MaxCount: 2, Conditions: []models.ExitReason{models.ExitStopLoss}, CooldownMinutes: 5,
	}}

	tests := []struct {
		name string
		run  *models.StrategyRun
		now  time.Time
		want bool
	}{
		{"after cooldown", exitedRun(models.ExitStopLoss, 0), t0.Add(5 * time.Minute), true},
		{"inside cooldown", exitedRun(models.ExitStopLoss, 0), t0.Add(4 * time.Minute), false},
		{"wrong reason", exitedRun(models.ExitTarget, 0), t0.Add(time.Hour), false},
		{"count exhausted", exitedRun(models.ExitStopLoss, 2), t0.Add(time.Hour), false},
		{"still entered", &models.StrategyRun{Status: models.RunEntered}, t0.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReEntryEligible(st, tt.run, tt.now).Eligible; got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	st.ReEntry.Enabled = false
	if ReEntryEligible(st, exitedRun(models.ExitStopLoss, 0), t0.Add(time.Hour)).Eligible {
		t.Error("Expected disabled re-entry to be ineligible")
	}
}

// Feature: options-executor, Property 3: trailing stop never loosens
//
// Property: for any sequence of prices, a LONG position's stop never
// decreases and a SHORT position's stop never increases once set.
func TestProperty_TrailingStopNeverLoosens(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("stop only tightens", prop.ForAll(
		func(prices []int, long bool, percent bool, value int) bool {
			cfg := &models.TrailingSLConfig{Type: models.TrailingPoints, Value: decimal.NewFromInt(int64(value))}
			if percent {
				cfg.Type = models.TrailingPercentage
			}
			net := 50
			if !long {
				net = -50
			}
			p := openPosition(net, "100", cfg)

			var prev decimal.Decimal
			for i, raw := range prices {
				upd := ApplyTrailingStop(p, decimal.New(int64(raw), -1))
				if i > 0 {
					if long && upd.Stop.LessThan(prev) {
						return false
					}
					if !long && upd.Stop.GreaterThan(prev) {
						return false
					}
				}
				prev = upd.Stop
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(10, 5000)),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

// Feature: options-executor, Property 6: single re-entry per exit
//
// Property: with max_count = 1 a strategy re-enters once after a triggering
// exit and is never eligible again, however long it waits.
func TestProperty_ReEntryMaxCountOne(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one re-entry", prop.ForAll(
		func(cooldown int, wait int) bool {
			st := &models.Strategy{ReEntry: models.ReEntryConfig{
				Enabled: true, MaxCount: 1, Conditions: []models.ExitReason{models.ExitStopLoss}, CooldownMinutes: cooldown,
			}}
			run := exitedRun(models.ExitStopLoss, 0)
			now := t0.Add(time.Duration(cooldown+wait) * time.Minute)
			if !ReEntryEligible(st, run, now).Eligible {
				return false
			}

			// What the re-entry handler records, followed by a second stop-out.
			run.ReEntryCount++
			run.Status = models.RunEntered
			if ReEntryEligible(st, run, now).Eligible {
				return false
			}
			later := now.Add(time.Minute)
			run.Status = models.RunExited
			run.ExitedAt = &later
			return !ReEntryEligible(st, run, later.Add(time.Duration(cooldown+wait)*time.Minute)).Eligible
		},
		gen.IntRange(0, 60),
		gen.IntRange(0, 600),
	))

	properties.TestingRun(t)
}

// Feature: options-executor, Property 7: retry waits 2^k minutes
//
// Property: a retryable failure with retry_count k becomes eligible exactly
// 2^k minutes after its last attempt.
func TestProperty_RetryBackoff(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("eligible at 2^k minutes, not a second earlier", prop.ForAll(
		func(k int) bool {
			last := t0.Add(-time.Hour)
			rec := &models.ExecutionRecord{
				Status: models.ExecutionFailed, FailureReason: apperrors.ReasonTimeout,
				RetryCount: k, CreatedAt: t0.Add(-2 * time.Hour), LastRetryAt: &last,
			}
			wait := time.Duration(1<<uint(k)) * time.Minute
			return !RetryEligible(rec, 20, last.Add(wait-time.Second)).Eligible &&
				RetryEligible(rec, 20, last.Add(wait)).Eligible
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
