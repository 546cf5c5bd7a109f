package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

func newTestSimulated(t *testing.T) *SimulatedBroker {
	t.Helper()
	fixed := time.Date(2024, 10, 21, 9, 20, 0, 0, time.UTC)
	return NewSimulatedBroker(SimulatedConfig{
		SlippagePercent: decimal.NewFromInt(1),
		DefaultPrice:    decimal.NewFromInt(100),
		InitialMargin:   decimal.NewFromInt(50000),
		Now:             func() time.Time { return fixed },
	})
}

func marketReq(symbol string, side models.OrderSide, qty int) *models.OrderRequest {
	return &models.OrderRequest{
		Symbol:   symbol,
		Exchange: models.NFO,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductMIS,
		Quantity: qty,
	}
}

func TestSimulatedMarketOrderFillsWithSlippage(t *testing.T) {
	sim := newTestSimulated(t)
	ctx := context.Background()

	res, err := sim.PlaceOrder(ctx, marketReq("NIFTY24OCT25000CE", models.OrderSideBuy, 50))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != models.OrderFilled {
		t.Fatalf("status = %s, want FILLED", res.Status)
	}
	if !res.FillPrice.Equal(decimal.NewFromInt(101)) {
		t.Errorf("buy fill = %s, want 101", res.FillPrice)
	}
	if res.FilledQty != 50 {
		t.Errorf("filled qty = %d, want 50", res.FilledQty)
	}

	res, err = sim.PlaceOrder(ctx, marketReq("NIFTY24OCT25000CE", models.OrderSideSell, 50))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !res.FillPrice.Equal(decimal.NewFromInt(99)) {
		t.Errorf("sell fill = %s, want 99", res.FillPrice)
	}

	positions, err := sim.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("flat position still reported: %+v", positions)
	}
}

func TestSimulatedLimitOrderWaitsForPrice(t *testing.T) {
	sim := newTestSimulated(t)
	ctx := context.Background()

	req := marketReq("BANKNIFTY24OCT52000PE", models.OrderSideBuy, 15)
	req.Type = models.OrderTypeLimit
	req.Price = decimal.NewFromInt(90)

	res, err := sim.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != models.OrderOpen {
		t.Fatalf("status = %s, want OPEN", res.Status)
	}

	sim.UpdatePrice(req.Symbol, decimal.NewFromInt(95))
	u, _ := sim.OrderStatus(ctx, res.BrokerOrderID)
	if u.Status != models.OrderOpen {
		t.Fatalf("filled above limit: %s", u.Status)
	}

	sim.UpdatePrice(req.Symbol, decimal.NewFromInt(89))
	u, _ = sim.OrderStatus(ctx, res.BrokerOrderID)
	if u.Status != models.OrderFilled {
		t.Fatalf("status = %s, want FILLED", u.Status)
	}
	if !u.FillPrice.Equal(decimal.NewFromInt(89)) {
		t.Errorf("fill price = %s, want 89", u.FillPrice)
	}
}

func TestSimulatedStopLossTriggers(t *testing.T) {
	sim := newTestSimulated(t)
	ctx := context.Background()
	symbol := "NIFTY24OCT25000PE"

	// short the option, then protect it with a buy stop
	if _, err := sim.PlaceOrder(ctx, marketReq(symbol, models.OrderSideSell, 25)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	stop := marketReq(symbol, models.OrderSideBuy, 25)
	stop.Type = models.OrderTypeStopLossM
	stop.TriggerPrice = decimal.NewFromInt(120)

	res, err := sim.PlaceOrder(ctx, stop)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	u, _ := sim.OrderStatus(ctx, res.BrokerOrderID)
	if u.Status != models.OrderOpen || u.RawStatus != "TRIGGER PENDING" {
		t.Fatalf("got %s/%s, want OPEN/TRIGGER PENDING", u.Status, u.RawStatus)
	}

	sim.UpdatePrice(symbol, decimal.NewFromInt(125))
	u, _ = sim.OrderStatus(ctx, res.BrokerOrderID)
	if u.Status != models.OrderFilled {
		t.Fatalf("status = %s, want FILLED", u.Status)
	}
}

func TestSimulatedRejectsInsufficientFunds(t *testing.T) {
	sim := newTestSimulated(t)

	res, err := sim.PlaceOrder(context.Background(), marketReq("NIFTY24OCT25000CE", models.OrderSideBuy, 1000))
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if res.Status != models.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", res.Status)
	}
	if got := apperrors.FailureReason(errors.New(res.Message)); got != apperrors.ReasonInsufficientFunds {
		t.Errorf("reason = %s, want %s", got, apperrors.ReasonInsufficientFunds)
	}
}

func TestSimulatedRejectSymbol(t *testing.T) {
	sim := newTestSimulated(t)
	sim.RejectSymbol("BADSYM", "invalid symbol")

	res, err := sim.PlaceOrder(context.Background(), marketReq("BADSYM", models.OrderSideSell, 1))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != models.OrderRejected || !strings.Contains(res.Message, "invalid symbol") {
		t.Errorf("got %s %q", res.Status, res.Message)
	}
}

func TestSimulatedCancelAndModify(t *testing.T) {
	sim := newTestSimulated(t)
	ctx := context.Background()

	req := marketReq("NIFTY24OCT25000CE", models.OrderSideBuy, 50)
	req.Type = models.OrderTypeLimit
	req.Price = decimal.NewFromInt(80)
	res, _ := sim.PlaceOrder(ctx, req)

	mod, err := sim.ModifyOrder(ctx, res.BrokerOrderID, models.OrderChanges{Quantity: 75})
	if err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if mod.Status != models.OrderOpen {
		t.Errorf("modify status = %s, want OPEN", mod.Status)
	}

	ok, err := sim.CancelOrder(ctx, res.BrokerOrderID)
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v", ok, err)
	}

	if _, err := sim.CancelOrder(ctx, res.BrokerOrderID); err == nil {
		t.Error("cancelling a cancelled order should fail")
	}
	if _, err := sim.ModifyOrder(ctx, res.BrokerOrderID, models.OrderChanges{Quantity: 10}); err == nil {
		t.Error("modifying a cancelled order should fail")
	}
	if _, err := sim.OrderStatus(ctx, "missing"); !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Errorf("OrderStatus(missing) = %v, want ErrOrderNotFound", err)
	}

	open, _ := sim.ListOrders(ctx, models.OrderFilter{Statuses: []models.OrderStatus{models.OrderOpen}})
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestSimulatedMarginsTrackUsage(t *testing.T) {
	sim := newTestSimulated(t)
	ctx := context.Background()

	if _, err := sim.PlaceOrder(ctx, marketReq("NIFTY24OCT25000CE", models.OrderSideBuy, 100)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	m, err := sim.Margins(ctx)
	if err != nil {
		t.Fatalf("Margins: %v", err)
	}
	if !m.Used.Equal(decimal.NewFromInt(10100)) {
		t.Errorf("used = %s, want 10100", m.Used)
	}
	if !m.Available.Equal(decimal.NewFromInt(39900)) {
		t.Errorf("available = %s, want 39900", m.Available)
	}
}

func TestValidateOrder(t *testing.T) {
	base := func() *models.OrderRequest {
		return marketReq("NIFTY24OCT25000CE", models.OrderSideBuy, 50)
	}

	tests := []struct {
		name   string
		mutate func(r *models.OrderRequest)
		field  string
	}{
		{"valid", func(r *models.OrderRequest) {}, ""},
		{"missing symbol", func(r *models.OrderRequest) { r.Symbol = "" }, "symbol"},
		{"missing exchange", func(r *models.OrderRequest) { r.Exchange = "" }, "exchange"},
		{"bad side", func(r *models.OrderRequest) { r.Side = "HOLD" }, "side"},
		{"zero quantity", func(r *models.OrderRequest) { r.Quantity = 0 }, "quantity"},
		{"unknown type", func(r *models.OrderRequest) { r.Type = "ICEBERG" }, "order_type"},
		{"limit without price", func(r *models.OrderRequest) { r.Type = models.OrderTypeLimit }, "price"},
		{"stop without trigger", func(r *models.OrderRequest) { r.Type = models.OrderTypeStopLossM }, "trigger_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(r)
			err := ValidateOrder(r)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *apperrors.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
		})
	}
}

func TestResolveStatus(t *testing.T) {
	tests := []struct {
		table  StatusTable
		raw    string
		qty    int
		filled int
		want   models.OrderStatus
	}{
		{kiteStatuses, "COMPLETE", 50, 50, models.OrderFilled},
		{kiteStatuses, "OPEN", 50, 25, models.OrderPartiallyFilled},
		{kiteStatuses, "TRIGGER PENDING", 50, 0, models.OrderOpen},
		{kiteStatuses, "complete", 50, 50, models.OrderFilled},
		{kiteStatuses, "SOMETHING NEW", 50, 0, models.OrderOpen},
		{gatewayStatuses, "traded", 15, 15, models.OrderFilled},
		{gatewayStatuses, "after market order req received", 15, 0, models.OrderPlaced},
		{gatewayStatuses, "rejected", 15, 0, models.OrderRejected},
		{gatewayStatuses, "  Expired ", 15, 0, models.OrderExpired},
	}

	for _, tt := range tests {
		if got := resolveStatus(tt.table, tt.raw, tt.qty, tt.filled); got != tt.want {
			t.Errorf("resolveStatus(%q, %d/%d) = %s, want %s", tt.raw, tt.filled, tt.qty, got, tt.want)
		}
	}
}
