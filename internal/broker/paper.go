package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

// SimulatedBroker implements Broker for paper trading. Fills are driven by a
// synthetic price per symbol, set through UpdatePrice.
type SimulatedBroker struct {
	name     string
	slippage decimal.Decimal // percent
	defPrice decimal.Decimal
	margin   decimal.Decimal
	now      func() time.Time

	// Simulated state
	prices     map[string]decimal.Decimal
	orders     map[string]*simOrder
	orderSeq   []string
	positions  map[string]*models.Position
	rejections map[string]string

	// Order tracking
	orderCounter int

	mu sync.Mutex
}

type simOrder struct {
	req       models.OrderRequest
	update    models.OrderUpdate
	triggered bool
}

// SimulatedConfig holds configuration for the simulated broker.
type SimulatedConfig struct {
	Name            string
	SlippagePercent decimal.Decimal
	DefaultPrice    decimal.Decimal
	InitialMargin   decimal.Decimal
	Now             func() time.Time
}

// NewSimulatedBroker creates a new paper trading broker.
func NewSimulatedBroker(cfg SimulatedConfig) *SimulatedBroker {
	margin := cfg.InitialMargin
	if margin.IsZero() {
		margin = decimal.NewFromInt(1000000) // 10 lakhs default
	}
	defPrice := cfg.DefaultPrice
	if defPrice.IsZero() {
		defPrice = decimal.NewFromInt(100)
	}
	name := cfg.Name
	if name == "" {
		name = string(models.BrokerSimulated)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &SimulatedBroker{
		name:       name,
		slippage:   cfg.SlippagePercent,
		defPrice:   defPrice,
		margin:     margin,
		now:        now,
		prices:     make(map[string]decimal.Decimal),
		orders:     make(map[string]*simOrder),
		positions:  make(map[string]*models.Position),
		rejections: make(map[string]string),
	}
}

// Name returns the broker id.
func (s *SimulatedBroker) Name() string {
	return s.name
}

// Connect always succeeds for paper trading.
func (s *SimulatedBroker) Connect(ctx context.Context, creds models.Credentials) (bool, error) {
	return true, nil
}

// IsConnected always returns true for paper trading.
func (s *SimulatedBroker) IsConnected() bool {
	return true
}

// RejectSymbol makes every subsequent order for symbol fail with reason.
func (s *SimulatedBroker) RejectSymbol(symbol, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[symbol] = reason
}

// UpdatePrice sets the synthetic price for symbol and re-evaluates its open orders.
func (s *SimulatedBroker) UpdatePrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[symbol] = price
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.req.Symbol == symbol && !o.update.Status.IsTerminal() {
			s.evaluate(o)
		}
	}
	if pos, ok := s.positions[symbol]; ok {
		pos.MarkPrice(price, s.now())
	}
}

// PlaceOrder simulates order placement.
func (s *SimulatedBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Generate order ID
	s.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", s.now().Unix(), s.orderCounter)

	o := &simOrder{
		req: *req,
		update: models.OrderUpdate{
			BrokerOrderID: orderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Status:        models.OrderOpen,
			RawStatus:     "OPEN",
			Quantity:      req.Quantity,
			UpdatedAt:     s.now(),
		},
	}
	s.orders[orderID] = o
	s.orderSeq = append(s.orderSeq, orderID)

	if reason, ok := s.rejections[req.Symbol]; ok {
		s.reject(o, reason)
		return s.result(o), nil
	}

	if req.Side == models.OrderSideBuy {
		required := s.priceOf(req.Symbol).Mul(decimal.NewFromInt(int64(req.Quantity)))
		if available := s.availableMargin(); required.GreaterThan(available) {
			s.reject(o, fmt.Sprintf("insufficient funds: required %s, available %s",
				required.StringFixed(2), available.StringFixed(2)))
			return s.result(o), nil
		}
	}

	s.evaluate(o)
	return s.result(o), nil
}

// ModifyOrder changes an open order and re-evaluates it at the current price.
func (s *SimulatedBroker) ModifyOrder(ctx context.Context, brokerOrderID string, changes models.OrderChanges) (*models.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", brokerOrderID)
	}
	if o.update.Status != models.OrderOpen {
		return nil, apperrors.NewBrokerError(s.name, apperrors.ReasonBrokerRejected,
			fmt.Sprintf("order %s is %s and cannot be modified", brokerOrderID, o.update.Status), nil)
	}

	if changes.Quantity > 0 {
		o.req.Quantity = changes.Quantity
		o.update.Quantity = changes.Quantity
	}
	if changes.Type != "" {
		o.req.Type = changes.Type
	}
	if !changes.Price.IsZero() {
		o.req.Price = changes.Price
	}
	if !changes.TriggerPrice.IsZero() {
		o.req.TriggerPrice = changes.TriggerPrice
		o.triggered = false
	}
	o.update.UpdatedAt = s.now()

	s.evaluate(o)
	return s.result(o), nil
}

// CancelOrder cancels an open order.
func (s *SimulatedBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return false, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", brokerOrderID)
	}
	if o.update.Status.IsTerminal() {
		return false, apperrors.NewBrokerError(s.name, apperrors.ReasonBrokerRejected,
			fmt.Sprintf("order %s is %s and cannot be cancelled", brokerOrderID, o.update.Status), nil)
	}

	o.update.Status = models.OrderCancelled
	o.update.RawStatus = "CANCELLED"
	o.update.UpdatedAt = s.now()
	return true, nil
}

// OrderStatus returns the current state of an order.
func (s *SimulatedBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*models.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", brokerOrderID)
	}
	u := o.update
	return &u, nil
}

// ListOrders returns orders matching filter in placement order.
func (s *SimulatedBroker) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.OrderUpdate
	for _, id := range s.orderSeq {
		if u := s.orders[id].update; filter.Matches(u) {
			result = append(result, u)
		}
	}
	return result, nil
}

// Positions returns simulated net positions with a non-zero quantity.
func (s *SimulatedBroker) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.BrokerPosition, 0, len(s.positions))
	for _, p := range s.positions {
		if p.NetQuantity == 0 {
			continue
		}
		result = append(result, models.BrokerPosition{
			Symbol:       p.Symbol,
			Exchange:     p.Exchange,
			Product:      p.Product,
			Quantity:     p.NetQuantity,
			AveragePrice: p.EntryAverage(),
			LastPrice:    p.LastPrice,
			PnL:          p.RealizedPnL.Add(p.UnrealizedPnL),
		})
	}
	return result, nil
}

// Margins returns the simulated margin snapshot.
func (s *SimulatedBroker) Margins(ctx context.Context) (*models.MarginInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.usedMargin()
	return &models.MarginInfo{
		Available: s.availableMargin(),
		Used:      used,
		Total:     s.margin.Add(s.realizedPnL()),
	}, nil
}

// evaluate fills o if the current price allows it. Must be called with s.mu held.
func (s *SimulatedBroker) evaluate(o *simOrder) {
	price := s.priceOf(o.req.Symbol)
	side := o.req.Side

	switch o.req.Type {
	case models.OrderTypeMarket:
		s.fill(o, s.slipped(price, side))
	case models.OrderTypeLimit:
		if limitCrossed(side, price, o.req.Price) {
			s.fill(o, price)
		}
	case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
		if !o.triggered {
			if !stopCrossed(side, price, o.req.TriggerPrice) {
				o.update.RawStatus = "TRIGGER PENDING"
				return
			}
			o.triggered = true
		}
		if o.req.Type == models.OrderTypeStopLossM {
			s.fill(o, s.slipped(price, side))
		} else if limitCrossed(side, price, o.req.Price) {
			s.fill(o, price)
		}
	}
}

func (s *SimulatedBroker) fill(o *simOrder, price decimal.Decimal) {
	now := s.now()
	qty := o.req.Quantity - o.update.FilledQty

	o.update.Status = models.OrderFilled
	o.update.RawStatus = "COMPLETE"
	o.update.FilledQty = o.req.Quantity
	o.update.FillPrice = price
	o.update.UpdatedAt = now

	pos, ok := s.positions[o.req.Symbol]
	if !ok {
		pos = &models.Position{
			BrokerID: s.name,
			Symbol:   o.req.Symbol,
			Exchange: o.req.Exchange,
			Product:  o.req.Product,
			Day:      models.TradingDay(now),
		}
		s.positions[o.req.Symbol] = pos
	}
	_ = pos.ApplyFill(o.req.Side, qty, price, now)
	pos.MarkPrice(s.priceOf(o.req.Symbol), now)
}

func (s *SimulatedBroker) reject(o *simOrder, reason string) {
	o.update.Status = models.OrderRejected
	o.update.RawStatus = "REJECTED"
	o.update.Message = reason
	o.update.UpdatedAt = s.now()
}

func (s *SimulatedBroker) result(o *simOrder) *models.OrderResult {
	return &models.OrderResult{
		BrokerOrderID: o.update.BrokerOrderID,
		Status:        o.update.Status,
		FilledQty:     o.update.FilledQty,
		FillPrice:     o.update.FillPrice,
		Message:       o.update.Message,
	}
}

func (s *SimulatedBroker) priceOf(symbol string) decimal.Decimal {
	if p, ok := s.prices[symbol]; ok {
		return p
	}
	return s.defPrice
}

func (s *SimulatedBroker) slipped(price decimal.Decimal, side models.OrderSide) decimal.Decimal {
	adj := price.Mul(s.slippage).Div(decimal.NewFromInt(100))
	if side == models.OrderSideSell {
		adj = adj.Neg()
	}
	return price.Add(adj).Round(2)
}

func (s *SimulatedBroker) usedMargin() decimal.Decimal {
	used := decimal.Zero
	for _, p := range s.positions {
		if p.NetQuantity == 0 {
			continue
		}
		qty := decimal.NewFromInt(int64(p.NetQuantity)).Abs()
		used = used.Add(qty.Mul(p.EntryAverage()))
	}
	return used
}

func (s *SimulatedBroker) availableMargin() decimal.Decimal {
	return s.margin.Sub(s.usedMargin()).Add(s.realizedPnL())
}

func (s *SimulatedBroker) realizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// limitCrossed reports whether price is at or better than limit for side.
func limitCrossed(side models.OrderSide, price, limit decimal.Decimal) bool {
	if side == models.OrderSideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// stopCrossed reports whether price has reached the trigger for side.
func stopCrossed(side models.OrderSide, price, trigger decimal.Decimal) bool {
	if side == models.OrderSideBuy {
		return price.GreaterThanOrEqual(trigger)
	}
	return price.LessThanOrEqual(trigger)
}

// Ensure SimulatedBroker implements Broker and PriceFeed
var (
	_ Broker    = (*SimulatedBroker)(nil)
	_ PriceFeed = (*SimulatedBroker)(nil)
)
