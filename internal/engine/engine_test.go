package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-executor/internal/config"
	"options-executor/internal/events"
	"options-executor/internal/models"
	"options-executor/internal/queue"
	"options-executor/internal/store"
	"options-executor/pkg/utils"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "executor.db")
	cfg.Metrics.Enabled = false
	cfg.Notify.Terminal = true
	cfg.Execution.QueueWorkers = 2
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	e, err := New(context.Background(), testConfig(t), zerolog.Nop(), WithTerminal(&out), WithDeduper(queue.NewMemoryDeduper()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, &out
}

func seedStraddle(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	s := &models.Strategy{
		ID: "s1", UserID: "u1", BasketID: "b1", Underlying: "NIFTY", Exchange: models.NFO,
		Status: models.StrategyActive, EntryTime: "09:20", ExitTime: "15:10",
		Weekdays: []models.Weekday{"MON"},
		Legs: []models.Leg{
			{ID: "ce", OptionType: models.OptionCall, Action: models.OrderSideSell, Strike: decimal.NewFromInt(25000), BaseLots: 1, LotSize: 75},
			{ID: "pe", OptionType: models.OptionPut, Action: models.OrderSideSell, Strike: decimal.NewFromInt(25000), BaseLots: 1, LotSize: 75},
		},
	}
	if err := st.SaveStrategy(ctx, s); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}
	a := &models.Allocation{ID: "a1", UserID: "u1", BasketID: "b1", BrokerID: "kite", AccountID: "K1",
		LotMultiplier: decimal.NewFromInt(2), Priority: 1, Status: models.AllocationActive}
	if err := st.CreateAllocation(ctx, a); err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}
}

func TestNewSubscribesEverySubEvent(t *testing.T) {
	e, _ := newTestEngine(t)
	if !e.Ticks.Subscribed(events.UserTick) {
		t.Error("Expected the tick bus to fan out user ticks")
	}
	for _, dt := range events.SubEventTypes() {
		if !e.Bus.Subscribed(dt) {
			t.Errorf("Expected a handler for %s", dt)
		}
	}
	if e.Stream == nil || e.Stream.SubscriberCount("u1") != 0 {
		t.Error("Expected an empty notification stream")
	}
}

func TestTickDiscoversAndDrainExecutes(t *testing.T) {
	e, out := newTestEngine(t)
	seedStraddle(t, e.Store)
	ctx := context.Background()

	now := time.Date(2024, 10, 14, 9, 18, 0, 0, utils.IndiaLocation)
	res, err := e.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Users != 1 || res.Failed != 0 {
		t.Fatalf("tick = %+v, want one user without failures", res)
	}
	if ready, _ := e.Queue.Len(); ready != 1 {
		t.Fatalf("queue ready = %d, want 1", ready)
	}

	// A second tick inside the same lookahead must not enqueue again.
	if _, err := e.Tick(ctx, now.Add(20*time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ready, _ := e.Queue.Len(); ready != 1 {
		t.Fatalf("queue ready after overlapping tick = %d, want 1", ready)
	}

	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	orders, err := e.Store.ListOrders(ctx, store.OrderFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	for _, o := range orders {
		if o.Quantity != 150 || o.Status != models.OrderFilled {
			t.Errorf("order %s = %d %s, want 150 FILLED", o.LegID, o.Quantity, o.Status)
		}
	}
	if out.Len() == 0 {
		t.Error("terminal notifier received nothing")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewLoadsHolidays(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Holidays = []string{"2024-10-14"}

	e, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	monday := time.Date(2024, 10, 14, 10, 0, 0, 0, utils.IndiaLocation)
	if e.Window.Contains(monday) {
		t.Error("Expected the configured holiday to close the window")
	}
	if !e.Window.Contains(monday.AddDate(0, 0, 1)) {
		t.Error("Expected the next trading day to be open")
	}
}

func TestBreakerConfigOverlaysDefaults(t *testing.T) {
	b := breakerConfig(config.BreakerConfig{})
	if b.FailureThreshold != 5 || b.SuccessThreshold != 2 || b.Timeout != 30*time.Second {
		t.Errorf("unset config = %+v, want circuit defaults", b)
	}

	b = breakerConfig(config.BreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})
	if b.FailureThreshold != 3 || b.Timeout != time.Minute || b.SuccessThreshold != 2 {
		t.Errorf("configured = %+v, want 3 failures, 1m reset, 2 successes", b)
	}
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Execution.Dedup = "redis"
	cfg.Redis.URL = "not-a-url"

	if _, err := New(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("New with an invalid redis url succeeded")
	}
}

func TestRegistryFactoriesNeedCredentials(t *testing.T) {
	cfg := testConfig(t)
	reg := newRegistry(cfg, zerolog.Nop())

	acct := models.BrokerAccount{ID: "K1", UserID: "u1", BrokerID: "kite", Kind: models.BrokerKite, AccessToken: "tok"}
	if _, err := reg.Get(context.Background(), acct, models.ModeLive); err == nil {
		t.Error("live kite client built without api key")
	}

	client, err := reg.Get(context.Background(), acct, models.ModePaper)
	if err != nil {
		t.Fatalf("paper Get: %v", err)
	}
	if client.Name() != "kite" {
		t.Errorf("paper client name = %s, want kite", client.Name())
	}
}
