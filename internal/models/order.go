package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the canonical order lifecycle state.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPlaced          OrderStatus = "PLACED"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderPlaced, OrderCancelled, OrderRejected},
	OrderPlaced:          {OrderOpen, OrderCancelled, OrderRejected, OrderExpired},
	OrderOpen:            {OrderFilled, OrderPartiallyFilled, OrderCancelled, OrderRejected, OrderExpired},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired},
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// TerminalOrderStatuses lists the states no order leaves.
func TerminalOrderStatuses() []OrderStatus {
	return []OrderStatus{OrderFilled, OrderCancelled, OrderRejected, OrderExpired}
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPlaced, OrderOpen, OrderPartiallyFilled,
		OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal direct move.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an illegal order state move.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal transition %s -> %s", e.OrderID, e.From, e.To)
}

// Order is one broker-bound leg execution.
type Order struct {
	ID              string          `json:"order_id"`
	BrokerOrderID   string          `json:"broker_order_id"`
	UserID          string          `json:"user_id"`
	StrategyID      string          `json:"strategy_id"`
	LegID           string          `json:"leg_id"`
	AllocationID    string          `json:"allocation_id"`
	BrokerID        string          `json:"broker_id"`
	AccountID       string          `json:"account_id"`
	Symbol          string          `json:"symbol"`
	Exchange        Exchange        `json:"exchange"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"order_type"`
	Product         ProductType     `json:"product_type"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	Status          OrderStatus     `json:"status"`
	FilledQuantity  int             `json:"filled_quantity"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ExecutionType   ExecutionType   `json:"execution_type"`
	Tag             ExecutionTag    `json:"tag"`
	TradingMode     TradingMode     `json:"trading_mode"`
	PlacedAt        time.Time       `json:"placed_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TransitionTo moves the order to next if the move is legal.
func (o *Order) TransitionTo(next OrderStatus, at time.Time) error {
	if !CanTransition(o.Status, next) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: next}
	}
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// AdvanceTo walks the canonical path PENDING -> PLACED -> OPEN until target
// is directly reachable. Brokers often report a fill for an order the engine
// has only seen as PLACED.
func (o *Order) AdvanceTo(target OrderStatus, at time.Time) error {
	if o.Status == target && target != OrderPartiallyFilled {
		return nil
	}
	for !CanTransition(o.Status, target) {
		var step OrderStatus
		switch o.Status {
		case OrderPending:
			step = OrderPlaced
		case OrderPlaced:
			step = OrderOpen
		default:
			return &TransitionError{OrderID: o.ID, From: o.Status, To: target}
		}
		if err := o.TransitionTo(step, at); err != nil {
			return err
		}
	}
	return o.TransitionTo(target, at)
}

// CanModify reports whether the order may be modified or cancelled.
func (o *Order) CanModify() bool {
	return o.Status == OrderPending || o.Status == OrderOpen
}

// OrderRequest is the canonical broker-agnostic order.
type OrderRequest struct {
	Symbol       string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Tag          string
}

// OrderChanges are the mutable fields of an open order. Zero values are left unchanged.
type OrderChanges struct {
	Quantity     int             `json:"quantity,omitempty"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Type         OrderType       `json:"type,omitempty"`
}

// OrderResult is a broker's answer to a place or modify request.
type OrderResult struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     int
	FillPrice     decimal.Decimal
	Message       string
}

// OrderUpdate is a broker's view of one order.
type OrderUpdate struct {
	BrokerOrderID string
	Symbol        string
	Side          OrderSide
	Status        OrderStatus
	RawStatus     string
	Quantity      int
	FilledQty     int
	FillPrice     decimal.Decimal
	Message       string
	UpdatedAt     time.Time
}

// OrderFilter narrows listOrders results.
type OrderFilter struct {
	Symbol   string
	Statuses []OrderStatus
}

// Matches reports whether u satisfies the filter.
func (f OrderFilter) Matches(u OrderUpdate) bool {
	if f.Symbol != "" && f.Symbol != u.Symbol {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == u.Status {
			return true
		}
	}
	return false
}

// MarginInfo is the account margin snapshot.
type MarginInfo struct {
	Available decimal.Decimal `json:"available"`
	Used      decimal.Decimal `json:"used"`
	Total     decimal.Decimal `json:"total"`
}

// BrokerPosition is a broker's net holding for a symbol.
type BrokerPosition struct {
	Symbol       string
	Exchange     Exchange
	Product      ProductType
	Quantity     int
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
	PnL          decimal.Decimal
}
