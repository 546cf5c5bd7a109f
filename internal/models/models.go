// Package models provides domain models for the strategy execution engine.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	BFO Exchange = "BFO" // BSE F&O
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"   // stop-limit
	OrderTypeStopLossM OrderType = "SL-M" // stop-market
)

// IsLimitClass reports whether the order type carries a limit price.
func (t OrderType) IsLimitClass() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLoss
}

// IsStopClass reports whether the order type carries a trigger price.
func (t OrderType) IsStopClass() bool {
	return t == OrderTypeStopLoss || t == OrderTypeStopLossM
}

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductCNC  ProductType = "CNC"  // Delivery
	ProductNRML ProductType = "NRML" // F&O Normal
)

// OptionType is the right of an option contract.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// TradingMode selects paper or live routing for a strategy.
type TradingMode string

const (
	ModePaper TradingMode = "PAPER"
	ModeLive  TradingMode = "LIVE"
)

// ExecutionType distinguishes entry from exit executions.
type ExecutionType string

const (
	ExecutionEntry ExecutionType = "ENTRY"
	ExecutionExit  ExecutionType = "EXIT"
)

// ExecutionTag records why an execution was enqueued.
type ExecutionTag string

const (
	TagScheduled  ExecutionTag = "SCHEDULED"
	TagReEntry    ExecutionTag = "RE_ENTRY"
	TagRetry      ExecutionTag = "RETRY"
	TagStopLoss   ExecutionTag = "STOP_LOSS"
	TagTarget     ExecutionTag = "TARGET"
	TagTrailingSL ExecutionTag = "TRAILING_SL"
)

// ExitReason is the cause of a strategy exit.
type ExitReason string

const (
	ExitScheduled  ExitReason = "SCHEDULED"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTarget     ExitReason = "TARGET"
	ExitTrailingSL ExitReason = "TRAILING_SL"
	ExitManual     ExitReason = "MANUAL"
)

// ExitReasonForTag maps an exit execution tag to the recorded exit reason.
func ExitReasonForTag(tag ExecutionTag) ExitReason {
	switch tag {
	case TagStopLoss:
		return ExitStopLoss
	case TagTarget:
		return ExitTarget
	case TagTrailingSL:
		return ExitTrailingSL
	default:
		return ExitScheduled
	}
}

// Priority orders work on the execution queue.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// MarketPhase is a coarse label for the current part of the trading session.
type MarketPhase string

const (
	PhasePreOpen    MarketPhase = "PRE_OPEN"
	PhaseOpen       MarketPhase = "OPEN"
	PhaseMidSession MarketPhase = "MID_SESSION"
	PhaseClose      MarketPhase = "CLOSE"
	PhaseClosed     MarketPhase = "CLOSED"
)

// Trading reports whether orders can reach the book in this phase.
func (p MarketPhase) Trading() bool {
	return p == PhaseOpen || p == PhaseMidSession || p == PhaseClose
}

// Weekday is the three-letter upper-case weekday used in schedules (MON..SUN).
type Weekday string

// WeekdayOf returns the schedule weekday for t.
func WeekdayOf(t time.Time) Weekday {
	return Weekday(strings.ToUpper(t.Weekday().String()[:3]))
}

// ParseWeekday normalises "mon", "Monday" or "MON" to a Weekday.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 3 {
		return "", fmt.Errorf("invalid weekday: %q", s)
	}
	switch w := Weekday(s[:3]); w {
	case "MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN":
		return w, nil
	default:
		return "", fmt.Errorf("invalid weekday: %q", s)
	}
}

// ClockTime formats t as the HH:MM key used by schedule entries.
func ClockTime(t time.Time) string {
	return t.Format("15:04")
}

// TradingDay formats t as the YYYY-MM-DD key used for positions and runs.
func TradingDay(t time.Time) string {
	return t.Format("2006-01-02")
}
