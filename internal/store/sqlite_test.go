package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "executor.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testStrategy(id, user string) *models.Strategy {
	return &models.Strategy{
		ID:          id,
		UserID:      user,
		BasketID:    "basket-1",
		Name:        "short straddle",
		Underlying:  "NIFTY",
		Exchange:    models.NFO,
		Product:     models.ProductMIS,
		TradingMode: models.ModePaper,
		EntryTime:   "09:20",
		ExitTime:    "15:10",
		Weekdays:    []models.Weekday{"MON", "THU"},
		Status:      models.StrategyActive,
		Legs: []models.Leg{
			{ID: "ce", OptionType: models.OptionCall, Action: models.OrderSideSell, Strike: decimal.NewFromInt(25000), BaseLots: 3, LotSize: 25},
			{ID: "pe", OptionType: models.OptionPut, Action: models.OrderSideSell, Strike: decimal.NewFromInt(25000), BaseLots: 3, LotSize: 25},
		},
	}
}

func TestSaveStrategyBuildsSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := testStrategy("s1", "u1")
	if err := s.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}

	entries, err := s.DueEntries(ctx, "u1", "MON", "09:20", models.ExecutionEntry)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].StrategyID != "s1" {
		t.Fatalf("entries = %+v", entries)
	}

	if got, _ := s.DueEntries(ctx, "u1", "TUE", "09:20", models.ExecutionEntry); len(got) != 0 {
		t.Errorf("TUE entries = %+v, want none", got)
	}

	// rescheduling replaces the projection
	st.EntryTime = "09:30"
	if err := s.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}
	if got, _ := s.DueEntries(ctx, "u1", "MON", "09:20", models.ExecutionEntry); len(got) != 0 {
		t.Errorf("stale entry survived reschedule: %+v", got)
	}

	// pausing stops entries but keeps the exit for open positions
	st.Status = models.StrategyPaused
	if err := s.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}
	if got, _ := s.DueEntries(ctx, "u1", "MON", "09:30", models.ExecutionEntry); len(got) != 0 {
		t.Errorf("paused strategy still enters: %+v", got)
	}
	exits, err := s.DueEntries(ctx, "u1", "MON", "15:10", models.ExecutionExit)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(exits) != 1 || exits[0].StrategyID != "s1" {
		t.Errorf("paused exits = %+v, want s1", exits)
	}

	// archiving removes it from discovery
	st.Status = models.StrategyArchived
	if err := s.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}
	users, err := s.ActiveUsers(ctx, "MON", "2024-10-21")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("active users = %v, want none", users)
	}

	loaded, err := s.GetStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if len(loaded.Legs) != 2 || !loaded.Legs[0].Strike.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("legs not round-tripped: %+v", loaded.Legs)
	}
}

func TestActiveUsersIncludesOpenPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveStrategy(ctx, testStrategy("s1", "u1"))
	key := models.PositionKey{UserID: "u2", BrokerID: "paper", Symbol: "NIFTY24OCT25000CE", Day: "2024-10-22"}
	at := time.Date(2024, 10, 22, 9, 20, 0, 0, time.UTC)
	if _, err := s.UpdatePosition(ctx, key, func(p *models.Position) error {
		return p.ApplyFill(models.OrderSideSell, 25, decimal.NewFromInt(100), at)
	}); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}

	users, err := s.ActiveUsers(ctx, "TUE", "2024-10-22")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(users) != 1 || users[0] != "u2" {
		t.Errorf("TUE users = %v, want [u2]", users)
	}

	users, _ = s.ActiveUsers(ctx, "THU", "2024-10-24")
	if len(users) != 1 || users[0] != "u1" {
		t.Errorf("THU users = %v, want [u1]", users)
	}
}

func TestRecordTaggedUnion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	basket := &models.Basket{ID: "b1", UserID: "u1", Name: "weekly", Status: "ACTIVE"}
	if err := s.SaveRecord(ctx, basket); err != nil {
		t.Fatalf("SaveRecord(basket): %v", err)
	}
	alloc := &models.Allocation{ID: "a1", UserID: "u1", BasketID: "b1", BrokerID: "paper", AccountID: "acc", LotMultiplier: decimal.NewFromInt(1), Priority: 1}
	if err := s.SaveRecord(ctx, alloc); err != nil {
		t.Fatalf("SaveRecord(allocation): %v", err)
	}

	rec, err := s.GetRecord(ctx, models.EntityBasket, "b1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if b, ok := rec.(*models.Basket); !ok || b.Name != "weekly" {
		t.Errorf("record = %#v", rec)
	}

	rec, err = s.GetRecord(ctx, models.EntityAllocation, "a1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if a, ok := rec.(*models.Allocation); !ok || a.Version != 1 {
		t.Errorf("allocation record = %#v", rec)
	}

	if _, err := s.GetRecord(ctx, models.EntityStrategy, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing record err = %v", err)
	}
}

func TestAllocationOptimisticVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &models.Allocation{ID: "a1", UserID: "u1", BasketID: "b1", BrokerID: "paper", AccountID: "acc",
		LotMultiplier: decimal.NewFromFloat(2.0), Priority: 1}
	if err := s.CreateAllocation(ctx, a); err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}

	first, _ := s.GetAllocation(ctx, "a1")
	second, _ := s.GetAllocation(ctx, "a1")

	first.Priority = 5
	if err := s.UpdateAllocation(ctx, first, first.Version); err != nil {
		t.Fatalf("UpdateAllocation: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("version = %d, want 2", first.Version)
	}

	second.LotMultiplier = decimal.NewFromFloat(3.0)
	err := s.UpdateAllocation(ctx, second, second.Version)
	var conflict *apperrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.Expected != 1 || conflict.Actual != 2 {
		t.Errorf("conflict = %+v", conflict)
	}
	if !errors.Is(err, apperrors.ErrVersionConflict) {
		t.Error("conflict should unwrap to ErrVersionConflict")
	}

	stored, _ := s.GetAllocation(ctx, "a1")
	if stored.Priority != 5 || !stored.LotMultiplier.Equal(decimal.NewFromFloat(2.0)) {
		t.Errorf("stored = priority %d multiplier %s", stored.Priority, stored.LotMultiplier)
	}
}

func TestOrdersRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 10, 21, 9, 20, 0, 0, time.UTC)

	o := &models.Order{
		ID: "o1", UserID: "u1", StrategyID: "s1", LegID: "ce", AllocationID: "a1", BrokerID: "paper",
		Symbol: "NIFTY24OCT25000CE", Exchange: models.NFO, Side: models.OrderSideSell,
		Type: models.OrderTypeLimit, Product: models.ProductMIS, Quantity: 75,
		Price: decimal.RequireFromString("101.25"), Status: models.OrderPending, PlacedAt: at, UpdatedAt: at,
	}
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	rejected := *o
	rejected.ID = "o2"
	rejected.Status = models.OrderRejected
	rejected.RejectionReason = apperrors.ReasonInsufficientFunds
	rejected.PlacedAt = at.Add(time.Minute)
	if err := s.SaveOrder(ctx, &rejected); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "o2")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.RejectionReason != apperrors.ReasonInsufficientFunds || !got.Price.Equal(o.Price) {
		t.Errorf("order = %+v", got)
	}

	open, err := s.ListOrders(ctx, OrderFilter{UserID: "u1", OpenOnly: true})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(open) != 1 || open[0].ID != "o1" {
		t.Errorf("open orders = %+v", open)
	}

	all, _ := s.ListOrders(ctx, OrderFilter{UserID: "u1"})
	if len(all) != 2 || all[0].ID != "o2" {
		t.Errorf("orders not newest first: %+v", all)
	}

	if _, err := s.GetOrder(ctx, "nope"); !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Errorf("missing order err = %v", err)
	}
}

func TestListOrdersPlacedAfterAcrossZones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ist := time.FixedZone("IST", 5*60*60+30*60)
	now := time.Date(2024, 10, 21, 15, 0, 0, 0, ist)

	save := func(id string, placed time.Time) {
		t.Helper()
		o := &models.Order{
			ID: id, UserID: "u1", BrokerID: "paper", Symbol: "NIFTY24OCT25000CE", Exchange: models.NFO,
			Side: models.OrderSideSell, Type: models.OrderTypeMarket, Product: models.ProductMIS,
			Quantity: 75, Status: models.OrderFilled, PlacedAt: placed, UpdatedAt: placed,
		}
		if err := s.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}
	}
	save("old", now.Add(-3*time.Hour))
	save("recent", now.Add(-2*time.Minute))
	save("recent-utc", now.Add(-time.Minute).UTC())

	for _, after := range []time.Time{now.Add(-5 * time.Minute), now.Add(-5 * time.Minute).UTC()} {
		got, err := s.ListOrders(ctx, OrderFilter{UserID: "u1", PlacedAfter: after})
		if err != nil {
			t.Fatalf("ListOrders: %v", err)
		}
		if len(got) != 2 || got[0].ID != "recent-utc" || got[1].ID != "recent" {
			t.Errorf("PlacedAfter %s returned %d orders, want recent-utc then recent", after, len(got))
		}
		if len(got) > 0 && !got[len(got)-1].PlacedAt.Equal(now.Add(-2*time.Minute)) {
			t.Errorf("placed_at = %s, want %s", got[len(got)-1].PlacedAt, now.Add(-2*time.Minute))
		}
	}
}

func TestConcurrentFillsAreAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := models.PositionKey{UserID: "u1", BrokerID: "paper", Symbol: "NIFTY24OCT25000PE", Day: "2024-10-21"}
	at := time.Date(2024, 10, 21, 9, 20, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdatePosition(ctx, key, func(p *models.Position) error {
				return p.ApplyFill(models.OrderSideBuy, 25, decimal.NewFromInt(100), at)
			})
			if err != nil {
				t.Errorf("UpdatePosition: %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := s.GetPosition(ctx, key)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if p.BuyQuantity != 500 || p.NetQuantity != 500 {
		t.Errorf("buy qty = %d net %d, want 500", p.BuyQuantity, p.NetQuantity)
	}
	if p.Status != models.PositionOpen {
		t.Errorf("status = %s, want OPEN", p.Status)
	}

	closed, err := s.UpdatePosition(ctx, key, func(p *models.Position) error {
		return p.ApplyFill(models.OrderSideSell, 500, decimal.NewFromInt(110), at.Add(time.Hour))
	})
	if err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	if closed.Status != models.PositionClosed || closed.ClosedAt == nil {
		t.Errorf("position not closed: %+v", closed)
	}
	if !closed.RealizedPnL.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("realized = %s, want 5000", closed.RealizedPnL)
	}

	listed, _ := s.ListPositions(ctx, PositionFilter{UserID: "u1", Day: "2024-10-21"})
	if len(listed) != 1 {
		t.Errorf("closed position should be kept, got %d rows", len(listed))
	}
}

func TestExecutionsAndRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &models.ExecutionRecord{
		ID: "e1", UserID: "u1", StrategyID: "s1", LegID: "ce", AllocationID: "a1", BrokerID: "paper",
		ExecutionType: models.ExecutionEntry, Tag: models.TagScheduled, Status: models.ExecutionRejected,
		FailureReason: apperrors.ReasonNetworkError, Day: "2024-10-21",
	}
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	retried := time.Date(2024, 10, 21, 9, 25, 0, 0, time.UTC)
	rec.RetryCount = 1
	rec.LastRetryAt = &retried
	rec.Status = models.ExecutionSuccess
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.RetryCount != 1 || got.LastRetryAt == nil || !got.LastRetryAt.Equal(retried) {
		t.Errorf("record = %+v", got)
	}

	failed, _ := s.ListExecutions(ctx, ExecutionFilter{UserID: "u1", Day: "2024-10-21",
		Statuses: []models.ExecutionStatus{models.ExecutionFailed, models.ExecutionRejected}})
	if len(failed) != 0 {
		t.Errorf("failed = %+v, want none after success", failed)
	}

	run, err := s.GetRun(ctx, "u1", "s1", "2024-10-21")
	if err != nil || run.Status != models.RunIdle {
		t.Fatalf("GetRun = %+v, %v", run, err)
	}

	exited := time.Date(2024, 10, 21, 11, 0, 0, 0, time.UTC)
	if _, err := s.UpdateRun(ctx, "u1", "s1", "2024-10-21", func(r *models.StrategyRun) error {
		r.Status = models.RunExited
		r.ExitedAt = &exited
		r.ExitReason = models.ExitStopLoss
		return nil
	}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	runs, _ := s.ListRuns(ctx, "u1", "2024-10-21")
	if len(runs) != 1 || runs[0].ExitReason != models.ExitStopLoss || runs[0].ExitedAt == nil {
		t.Errorf("runs = %+v", runs)
	}
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := &models.BrokerAccount{ID: "acc-1", UserID: "u1", BrokerID: "zerodha", Kind: models.BrokerKite,
		ClientID: "AB1234", AccessToken: "tok", Connected: true}
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.AccessToken != "tok" || !got.Connected || got.Kind != models.BrokerKite {
		t.Errorf("account = %+v", got)
	}

	list, _ := s.ListAccounts(ctx, "u1")
	if len(list) != 1 {
		t.Errorf("accounts = %d, want 1", len(list))
	}
}

type prefixCipher struct{}

func (prefixCipher) Seal(p string) (string, error) { return "sealed:" + p, nil }

func (prefixCipher) Open(v string) (string, error) {
	if len(v) < 7 || v[:7] != "sealed:" {
		return "", errors.New("not sealed")
	}
	return v[7:], nil
}

func TestAccountTokensSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetTokenCipher(prefixCipher{})

	acct := &models.BrokerAccount{ID: "acc-1", UserID: "u1", BrokerID: "kite", Kind: models.BrokerKite, AccessToken: "tok"}
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT access_token FROM broker_accounts WHERE id = ?`, "acc-1").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if raw != "sealed:tok" {
		t.Errorf("stored token = %q, want sealed", raw)
	}

	got, err := s.GetAccount(ctx, "acc-1")
	if err != nil || got.AccessToken != "tok" {
		t.Errorf("GetAccount token = %v, %v", got, err)
	}
	list, err := s.ListAccounts(ctx, "u1")
	if err != nil || len(list) != 1 || list[0].AccessToken != "tok" {
		t.Errorf("ListAccounts = %+v, %v", list, err)
	}
}
