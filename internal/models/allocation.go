package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationStatus toggles whether an allocation receives orders.
type AllocationStatus string

const (
	AllocationActive   AllocationStatus = "ACTIVE"
	AllocationInactive AllocationStatus = "INACTIVE"
)

var (
	// MinLotMultiplier and MaxLotMultiplier bound Allocation.LotMultiplier.
	MinLotMultiplier = decimal.RequireFromString("0.1")
	MaxLotMultiplier = decimal.NewFromInt(10)
)

// Allocation routes a basket's legs (or, legacy, one strategy leg) to a
// broker account with a lot multiplier and priority.
type Allocation struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	BasketID      string           `json:"basket_id,omitempty"`
	StrategyID    string           `json:"strategy_id,omitempty"`
	LegID         string           `json:"leg_id,omitempty"`
	BrokerID      string           `json:"broker_id"`
	AccountID     string           `json:"account_id"`
	LotMultiplier decimal.Decimal  `json:"lot_multiplier"`
	Priority      int              `json:"priority"`
	Status        AllocationStatus `json:"status"`
	RiskLimits    RiskLimits       `json:"risk_limits"`
	Version       int64            `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// RiskLimits caps what a single allocation may send. Zero means unlimited.
type RiskLimits struct {
	MaxLots       int64           `json:"max_lots"`
	MaxOrderValue decimal.Decimal `json:"max_order_value"`
}

// IsLegacy reports whether the allocation targets a strategy leg rather than a basket.
func (a *Allocation) IsLegacy() bool {
	return a.BasketID == "" && a.StrategyID != ""
}

// AppliesToLeg reports whether a legacy allocation covers the leg.
func (a *Allocation) AppliesToLeg(legID string) bool {
	return !a.IsLegacy() || a.LegID == "" || a.LegID == legID
}

// EffectiveLots returns floor(baseLots × multiplier).
func (a *Allocation) EffectiveLots(baseLots int) int64 {
	return decimal.NewFromInt(int64(baseLots)).Mul(a.LotMultiplier).Floor().IntPart()
}

// MultiplierInRange reports whether m lies in [MinLotMultiplier, MaxLotMultiplier].
func MultiplierInRange(m decimal.Decimal) bool {
	return m.GreaterThanOrEqual(MinLotMultiplier) && m.LessThanOrEqual(MaxLotMultiplier)
}
