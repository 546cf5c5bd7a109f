package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
	"options-executor/internal/store"
)

// enterResting places limit entries above the simulated price so both
// orders rest OPEN at the broker.
func enterResting(t *testing.T, f *fixture) *Summary {
	t.Helper()
	f.seed(t, func(s *models.Strategy) {
		s.Legs[0].OrderType = models.OrderTypeLimit
		s.Legs[0].LimitPrice = decimal.NewFromInt(150)
	})
	sum := f.execute(t, models.ExecutionEntry, models.TagScheduled)
	for _, r := range sum.Results {
		o, err := f.store.GetOrder(context.Background(), r.OrderID)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if o.Status != models.OrderOpen || o.BrokerOrderID == "" {
			t.Fatalf("order %s = %s broker id %q, want OPEN at broker", o.ID, o.Status, o.BrokerOrderID)
		}
	}
	return sum
}

func TestModifyOrderFillsAtNewPrice(t *testing.T) {
	f := newFixture(t)
	sum := enterResting(t, f)
	ctx := context.Background()

	order, err := f.bridge.ModifyOrder(ctx, "u1", sum.Results[0].OrderID, models.OrderChanges{Price: decimal.NewFromInt(90)})
	if err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if order.Status != models.OrderFilled || !order.Price.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("modified order = %s @ %s, want FILLED @ 90", order.Status, order.Price)
	}
	if order.FilledQuantity != 450 {
		t.Errorf("filled = %d, want 450", order.FilledQuantity)
	}

	key := models.PositionKey{UserID: "u1", BrokerID: "kite", Symbol: symbol, Day: models.TradingDay(t0)}
	pos, err := f.store.GetPosition(ctx, key)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.NetQuantity != -450 || pos.Status != models.PositionOpen {
		t.Errorf("position = %d %s, want -450 OPEN", pos.NetQuantity, pos.Status)
	}

	if _, err := f.bridge.CancelOrder(ctx, "u1", order.ID); !errors.Is(err, apperrors.ErrInvalidOrder) {
		t.Errorf("CancelOrder(filled) = %v, want ErrInvalidOrder", err)
	}
	if _, err := f.bridge.ModifyOrder(ctx, "u1", order.ID, models.OrderChanges{Quantity: 75}); !errors.Is(err, apperrors.ErrInvalidOrder) {
		t.Errorf("ModifyOrder(filled) = %v, want ErrInvalidOrder", err)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	sum := enterResting(t, f)
	ctx := context.Background()
	id := sum.Results[1].OrderID

	if _, err := f.bridge.CancelOrder(ctx, "u2", id); !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Errorf("CancelOrder by another user = %v, want ErrOrderNotFound", err)
	}

	order, err := f.bridge.CancelOrder(ctx, "u1", id)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if order.Status != models.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}

	stored, err := f.store.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status != models.OrderCancelled {
		t.Errorf("stored status = %s, want CANCELLED", stored.Status)
	}

	upd, err := f.simulated(t, "gateway", "Y").OrderStatus(ctx, stored.BrokerOrderID)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if upd.Status != models.OrderCancelled {
		t.Errorf("broker status = %s, want CANCELLED", upd.Status)
	}

	if _, err := f.bridge.CancelOrder(ctx, "u1", id); !errors.Is(err, apperrors.ErrInvalidOrder) {
		t.Errorf("second CancelOrder = %v, want ErrInvalidOrder", err)
	}
}

func TestSyncAppliesBrokerFillsAndMarks(t *testing.T) {
	f := newFixture(t)
	sum := enterResting(t, f)
	ctx := context.Background()
	day := models.TradingDay(t0)

	res, err := f.bridge.Sync(ctx, "u1", day)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.OrdersChecked != 2 || res.OrdersUpdated != 0 {
		t.Errorf("idle sync = %+v, want 2 checked 0 updated", res)
	}

	sim := f.simulated(t, "kite", "X")
	sim.UpdatePrice(symbol, decimal.NewFromInt(160))

	res, err = f.bridge.Sync(ctx, "u1", day)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.OrdersUpdated != 1 {
		t.Errorf("orders updated = %d, want 1", res.OrdersUpdated)
	}
	order, err := f.store.GetOrder(ctx, sum.Results[0].OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != models.OrderFilled || order.FilledQuantity != 450 {
		t.Errorf("synced order = %s filled %d, want FILLED 450", order.Status, order.FilledQuantity)
	}

	sim.UpdatePrice(symbol, decimal.NewFromInt(170))
	res, err = f.bridge.Sync(ctx, "u1", day)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.PositionsMarked != 1 {
		t.Errorf("positions marked = %d, want 1", res.PositionsMarked)
	}
	positions, err := f.store.ListPositions(ctx, store.PositionFilter{UserID: "u1", Day: day, Status: models.PositionOpen})
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 || !positions[0].LastPrice.Equal(decimal.NewFromInt(170)) {
		t.Fatalf("positions = %+v, want one marked at 170", positions)
	}
	if !positions[0].UnrealizedPnL.IsNegative() {
		t.Errorf("short unrealized = %s, want a loss", positions[0].UnrealizedPnL)
	}
}
