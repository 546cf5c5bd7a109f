package risk

import (
	"fmt"
	"sort"
	"time"

	"options-executor/internal/models"
)

// DuplicateStrategy selects how duplicate orders are recognised.
type DuplicateStrategy string

const (
	TimeAndSymbol DuplicateStrategy = "TIME_AND_SYMBOL"
	ExactMatch    DuplicateStrategy = "EXACT_MATCH"
	StrategyBased DuplicateStrategy = "STRATEGY_BASED"
)

// Duplicate flags an order that repeats an earlier one.
type Duplicate struct {
	Order    models.Order
	Original models.Order
	Strategy DuplicateStrategy
	Gap      time.Duration
	Reason   string
}

// Detector finds duplicates among recently placed orders.
type Detector interface {
	Detect(orders []models.Order) []Duplicate
}

// NewDetector returns the detector for strategy. gap applies to
// TIME_AND_SYMBOL only.
func NewDetector(strategy DuplicateStrategy, gap time.Duration) (Detector, error) {
	switch strategy {
	case TimeAndSymbol, "":
		if gap <= 0 {
			gap = time.Minute
		}
		return timeAndSymbol{gap: gap}, nil
	case ExactMatch:
		return exactMatch{}, nil
	case StrategyBased:
		return strategyBased{}, nil
	default:
		return nil, fmt.Errorf("unknown duplicate strategy: %s", strategy)
	}
}

// Orders that never reached the book cannot duplicate anything.
func candidates(orders []models.Order) []models.Order {
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == models.OrderRejected || o.Status == models.OrderCancelled {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}

// Orders for different accounts are never duplicates of each other: a
// basket legitimately sends the same symbol and side to every allocation.
func destination(o models.Order) string {
	return o.BrokerID + "/" + o.AccountID
}

type timeAndSymbol struct {
	gap time.Duration
}

func (d timeAndSymbol) Detect(orders []models.Order) []Duplicate {
	last := make(map[string]models.Order)
	var dups []Duplicate
	for _, o := range candidates(orders) {
		key := fmt.Sprintf("%s|%s|%s", destination(o), o.Symbol, o.Side)
		if prev, ok := last[key]; ok {
			if gap := o.PlacedAt.Sub(prev.PlacedAt); gap < d.gap {
				dups = append(dups, Duplicate{
					Order: o, Original: prev, Strategy: TimeAndSymbol, Gap: gap,
					Reason: fmt.Sprintf("%s %s placed %s after %s", o.Side, o.Symbol, gap.Round(time.Second), prev.ID),
				})
			}
		}
		last[key] = o
	}
	return dups
}

type exactMatch struct{}

func (exactMatch) Detect(orders []models.Order) []Duplicate {
	first := make(map[string]models.Order)
	var dups []Duplicate
	for _, o := range candidates(orders) {
		key := fmt.Sprintf("%s|%s|%s|%d|%s", destination(o), o.Symbol, o.Side, o.Quantity, o.Price.String())
		if prev, ok := first[key]; ok {
			dups = append(dups, Duplicate{
				Order: o, Original: prev, Strategy: ExactMatch, Gap: o.PlacedAt.Sub(prev.PlacedAt),
				Reason: fmt.Sprintf("same %s %d %s @ %s as %s", o.Side, o.Quantity, o.Symbol, o.Price, prev.ID),
			})
			continue
		}
		first[key] = o
	}
	return dups
}

type strategyBased struct{}

func (strategyBased) Detect(orders []models.Order) []Duplicate {
	first := make(map[string]models.Order)
	var dups []Duplicate
	for _, o := range candidates(orders) {
		if o.StrategyID == "" {
			continue
		}
		key := fmt.Sprintf("%s|%s|%s|%s", o.StrategyID, o.LegID, o.AllocationID, o.ExecutionType)
		if prev, ok := first[key]; ok {
			dups = append(dups, Duplicate{
				Order: o, Original: prev, Strategy: StrategyBased, Gap: o.PlacedAt.Sub(prev.PlacedAt),
				Reason: fmt.Sprintf("strategy %s leg %s executed %s again", o.StrategyID, o.LegID, o.ExecutionType),
			})
			continue
		}
		first[key] = o
	}
	return dups
}
