package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is OPEN while net quantity is non-zero.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Direction of a net holding.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionFlat  Direction = "FLAT"
)

// Position is the net holding per (user, broker, symbol, day).
type Position struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	BrokerID      string          `json:"broker_id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Day           string          `json:"day"`
	StrategyID    string          `json:"strategy_id"`
	LegID         string          `json:"leg_id"`
	Exchange      Exchange        `json:"exchange"`
	Product       ProductType     `json:"product"`
	BuyQuantity   int             `json:"buy_quantity"`
	SellQuantity  int             `json:"sell_quantity"`
	BuyAverage    decimal.Decimal `json:"buy_average"`
	SellAverage   decimal.Decimal `json:"sell_average"`
	NetQuantity   int             `json:"net_quantity"`
	LastPrice     decimal.Decimal `json:"last_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Status        PositionStatus  `json:"status"`

	TrailingSL *TrailingSLConfig `json:"trailing_sl,omitempty"`
	PeakPrice  decimal.Decimal   `json:"peak_price"`
	StopLevel  decimal.Decimal   `json:"stop_level"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PositionKey identifies a position.
type PositionKey struct {
	UserID   string
	BrokerID string
	Symbol   string
	Day      string
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.UserID, k.BrokerID, k.Symbol, k.Day)
}

// Key returns the position's identity.
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, BrokerID: p.BrokerID, Symbol: p.Symbol, Day: p.Day}
}

// Direction returns LONG, SHORT or FLAT from the net quantity.
func (p *Position) Direction() Direction {
	switch {
	case p.NetQuantity > 0:
		return DirectionLong
	case p.NetQuantity < 0:
		return DirectionShort
	default:
		return DirectionFlat
	}
}

// EntryAverage is the average price of the side that opened the net holding.
func (p *Position) EntryAverage() decimal.Decimal {
	switch p.Direction() {
	case DirectionLong:
		return p.BuyAverage
	case DirectionShort:
		return p.SellAverage
	default:
		return decimal.Zero
	}
}

// ApplyFill accumulates a fill into the side's weighted average and
// recomputes net quantity, P&L and status. A position that returns to zero
// is closed, never removed; a later fill reopens it.
func (p *Position) ApplyFill(side OrderSide, qty int, price decimal.Decimal, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("fill quantity must be positive, got %d", qty)
	}
	switch side {
	case OrderSideBuy:
		p.BuyAverage = weightedAverage(p.BuyAverage, p.BuyQuantity, price, qty)
		p.BuyQuantity += qty
	case OrderSideSell:
		p.SellAverage = weightedAverage(p.SellAverage, p.SellQuantity, price, qty)
		p.SellQuantity += qty
	default:
		return fmt.Errorf("invalid fill side %q", side)
	}

	wasOpen := p.Status == PositionOpen
	p.NetQuantity = p.BuyQuantity - p.SellQuantity
	if p.LastPrice.IsZero() {
		p.LastPrice = price
	}
	p.recomputePnL()
	p.UpdatedAt = at

	if p.NetQuantity == 0 {
		p.Status = PositionClosed
		closed := at
		p.ClosedAt = &closed
		return nil
	}
	if !wasOpen {
		p.OpenedAt = at
		p.ClosedAt = nil
		p.PeakPrice = decimal.Zero
		p.StopLevel = decimal.Zero
	}
	p.Status = PositionOpen
	return nil
}

// MarkPrice updates the last traded price and unrealized P&L.
func (p *Position) MarkPrice(price decimal.Decimal, at time.Time) {
	p.LastPrice = price
	p.recomputePnL()
	p.UpdatedAt = at
}

// PnLPercent is the unrealized move from entry in the position's favour, in percent.
func (p *Position) PnLPercent() decimal.Decimal {
	entry := p.EntryAverage()
	if entry.IsZero() || p.LastPrice.IsZero() {
		return decimal.Zero
	}
	move := p.LastPrice.Sub(entry)
	if p.Direction() == DirectionShort {
		move = move.Neg()
	}
	return move.Div(entry).Mul(decimal.NewFromInt(100))
}

func (p *Position) recomputePnL() {
	matched := p.BuyQuantity
	if p.SellQuantity < matched {
		matched = p.SellQuantity
	}
	p.RealizedPnL = p.SellAverage.Sub(p.BuyAverage).Mul(decimal.NewFromInt(int64(matched)))

	net := decimal.NewFromInt(int64(p.NetQuantity))
	switch p.Direction() {
	case DirectionLong:
		p.UnrealizedPnL = p.LastPrice.Sub(p.BuyAverage).Mul(net)
	case DirectionShort:
		p.UnrealizedPnL = p.SellAverage.Sub(p.LastPrice).Mul(net.Neg())
	default:
		p.UnrealizedPnL = decimal.Zero
	}
}

func weightedAverage(avg decimal.Decimal, qty int, price decimal.Decimal, add int) decimal.Decimal {
	total := decimal.NewFromInt(int64(qty + add))
	if total.IsZero() {
		return decimal.Zero
	}
	value := avg.Mul(decimal.NewFromInt(int64(qty))).Add(price.Mul(decimal.NewFromInt(int64(add))))
	return value.DivRound(total, 4)
}
