package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyStatus is the lifecycle status of a strategy.
type StrategyStatus string

const (
	StrategyActive   StrategyStatus = "ACTIVE"
	StrategyPaused   StrategyStatus = "PAUSED"
	StrategyArchived StrategyStatus = "ARCHIVED"
)

// Basket is a named collection of strategies sharing capital and broker allocation.
type Basket struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Strategy is a tradable multi-leg construct owned by a basket.
type Strategy struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	BasketID    string         `json:"basket_id"`
	Name        string         `json:"name"`
	Underlying  string         `json:"underlying"`
	Exchange    Exchange       `json:"exchange"`
	Product     ProductType    `json:"product"`
	TradingMode TradingMode    `json:"trading_mode"`
	EntryTime   string         `json:"entry_time"` // HH:MM IST
	ExitTime    string         `json:"exit_time"`  // HH:MM IST
	Weekdays    []Weekday      `json:"weekdays"`
	Legs        []Leg          `json:"legs"`
	Status      StrategyStatus `json:"status"`
	Risk        RiskConfig     `json:"risk"`
	ReEntry     ReEntryConfig  `json:"re_entry"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Leg is one option contract within a strategy.
type Leg struct {
	ID           string            `json:"id"`
	OptionType   OptionType        `json:"option_type"`
	Action       OrderSide         `json:"action"`
	Strike       decimal.Decimal   `json:"strike"`
	Expiry       time.Time         `json:"expiry"`
	Symbol       string            `json:"symbol,omitempty"`
	BaseLots     int               `json:"base_lots"`
	LotSize      int               `json:"lot_size"`
	OrderType    OrderType         `json:"order_type,omitempty"`
	LimitPrice   decimal.Decimal   `json:"limit_price"`
	TriggerPrice decimal.Decimal   `json:"trigger_price"`
	TrailingSL   *TrailingSLConfig `json:"trailing_sl,omitempty"`
}

// RiskConfig holds strategy-level fixed stop-loss and target thresholds.
// Zero disables the check.
type RiskConfig struct {
	StopLossPercent decimal.Decimal `json:"stop_loss_percent"`
	TargetPercent   decimal.Decimal `json:"target_percent"`
}

// ReEntryConfig controls automatic re-entry after an exit.
type ReEntryConfig struct {
	Enabled         bool         `json:"enabled"`
	MaxCount        int          `json:"max_count"`
	Conditions      []ExitReason `json:"conditions"`
	CooldownMinutes int          `json:"cooldown_minutes"`
}

// Triggers reports whether an exit with the given reason may lead to re-entry.
func (c ReEntryConfig) Triggers(reason ExitReason) bool {
	for _, r := range c.Conditions {
		if r == reason {
			return true
		}
	}
	return false
}

// TrailingType selects how the trailing distance is expressed.
type TrailingType string

const (
	TrailingPercentage TrailingType = "PERCENTAGE"
	TrailingPoints     TrailingType = "POINTS"
)

// TrailingSLConfig is a trailing stop-loss definition.
type TrailingSLConfig struct {
	Type  TrailingType    `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// Validate checks the structural invariants of a strategy.
func (s *Strategy) Validate() error {
	if s.ID == "" || s.UserID == "" {
		return fmt.Errorf("strategy id and user id are required")
	}
	switch s.Status {
	case StrategyActive, StrategyPaused, StrategyArchived:
	default:
		return fmt.Errorf("strategy %s: invalid status %q", s.ID, s.Status)
	}
	if len(s.Legs) == 0 {
		return fmt.Errorf("strategy %s: at least one leg is required", s.ID)
	}
	for _, t := range []string{s.EntryTime, s.ExitTime} {
		if t == "" {
			continue
		}
		if _, err := time.Parse("15:04", t); err != nil {
			return fmt.Errorf("strategy %s: invalid time %q", s.ID, t)
		}
	}
	for i := range s.Legs {
		if err := s.Legs[i].Validate(); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID, err)
		}
	}
	return nil
}

// Leg returns the leg with the given id.
func (s *Strategy) Leg(id string) (*Leg, bool) {
	for i := range s.Legs {
		if s.Legs[i].ID == id {
			return &s.Legs[i], true
		}
	}
	return nil, false
}

// RunsOn reports whether the strategy is scheduled on the weekday.
func (s *Strategy) RunsOn(day Weekday) bool {
	for _, d := range s.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a leg.
func (l *Leg) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("leg id is required")
	}
	if l.BaseLots <= 0 {
		return fmt.Errorf("leg %s: base lots must be positive, got %d", l.ID, l.BaseLots)
	}
	if !l.Action.Valid() {
		return fmt.Errorf("leg %s: invalid action %q", l.ID, l.Action)
	}
	if l.OptionType != OptionCall && l.OptionType != OptionPut {
		return fmt.Errorf("leg %s: invalid option type %q", l.ID, l.OptionType)
	}
	return nil
}

// TradingSymbol returns the exchange trading symbol for the leg, deriving the
// monthly contract format (NIFTY24OCT25000CE) when no explicit symbol is set.
func (l *Leg) TradingSymbol(underlying string) string {
	if l.Symbol != "" {
		return l.Symbol
	}
	expiry := ""
	if !l.Expiry.IsZero() {
		expiry = strings.ToUpper(l.Expiry.Format("06Jan"))
	}
	return fmt.Sprintf("%s%s%s%s", strings.ToUpper(underlying), expiry, l.Strike.String(), l.OptionType)
}

// ContractSize returns the lot size, defaulting to 1.
func (l *Leg) ContractSize() int {
	if l.LotSize <= 0 {
		return 1
	}
	return l.LotSize
}

// EffectiveOrderType returns the leg's order type, then fallback, then MARKET.
func (l *Leg) EffectiveOrderType(fallback OrderType) OrderType {
	switch {
	case l.OrderType != "":
		return l.OrderType
	case fallback != "":
		return fallback
	}
	return OrderTypeMarket
}

// ScheduleEntry is the lightweight projection used for due-strategy discovery.
// It deliberately excludes legs and underlying.
type ScheduleEntry struct {
	UserID        string        `json:"user_id"`
	Weekday       Weekday       `json:"weekday"`
	Time          string        `json:"time"` // HH:MM
	StrategyID    string        `json:"strategy_id"`
	ExecutionType ExecutionType `json:"execution_type"`
}

// ScheduleEntries projects a strategy onto its schedule entries. ACTIVE
// strategies enter and exit; PAUSED strategies keep only their exits so
// positions already open are still closed.
func (s *Strategy) ScheduleEntries() []ScheduleEntry {
	if s.Status != StrategyActive && s.Status != StrategyPaused {
		return nil
	}
	var entries []ScheduleEntry
	for _, day := range s.Weekdays {
		if s.EntryTime != "" && s.Status == StrategyActive {
			entries = append(entries, ScheduleEntry{
				UserID: s.UserID, Weekday: day, Time: s.EntryTime,
				StrategyID: s.ID, ExecutionType: ExecutionEntry,
			})
		}
		if s.ExitTime != "" {
			entries = append(entries, ScheduleEntry{
				UserID: s.UserID, Weekday: day, Time: s.ExitTime,
				StrategyID: s.ID, ExecutionType: ExecutionExit,
			})
		}
	}
	return entries
}
