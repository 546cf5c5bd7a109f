// Package risk implements the lifecycle checks run on every tick: duplicate
// order detection, fixed and trailing stop-loss, target, re-entry and retry.
package risk

import (
	"github.com/shopspring/decimal"

	"options-executor/internal/models"
)

var hundred = decimal.NewFromInt(100)

// TrailingUpdate is the outcome of applying a price to a trailing stop.
type TrailingUpdate struct {
	Peak      decimal.Decimal
	Stop      decimal.Decimal
	Tightened bool
	Triggered bool
}

// ApplyTrailingStop moves the position's peak to price if it is more
// favourable and recomputes the stop from the peak. The stop only tightens:
// up for LONG, down for SHORT. Flat positions and positions without a
// trailing configuration are left untouched.
func ApplyTrailingStop(p *models.Position, price decimal.Decimal) TrailingUpdate {
	cfg := p.TrailingSL
	dir := p.Direction()
	if cfg == nil || dir == models.DirectionFlat || !price.IsPositive() || !cfg.Value.IsPositive() {
		return TrailingUpdate{Peak: p.PeakPrice, Stop: p.StopLevel}
	}

	long := dir == models.DirectionLong
	if p.PeakPrice.IsZero() ||
		(long && price.GreaterThan(p.PeakPrice)) ||
		(!long && price.LessThan(p.PeakPrice)) {
		p.PeakPrice = price
	}

	candidate := trailingLevel(p.PeakPrice, *cfg, long)
	tightened := false
	if p.StopLevel.IsZero() ||
		(long && candidate.GreaterThan(p.StopLevel)) ||
		(!long && candidate.LessThan(p.StopLevel)) {
		tightened = !candidate.Equal(p.StopLevel)
		p.StopLevel = candidate
	}

	triggered := (long && price.LessThanOrEqual(p.StopLevel)) ||
		(!long && price.GreaterThanOrEqual(p.StopLevel))

	return TrailingUpdate{Peak: p.PeakPrice, Stop: p.StopLevel, Tightened: tightened, Triggered: triggered}
}

func trailingLevel(peak decimal.Decimal, cfg models.TrailingSLConfig, long bool) decimal.Decimal {
	var distance decimal.Decimal
	switch cfg.Type {
	case models.TrailingPoints:
		distance = cfg.Value
	default:
		distance = peak.Mul(cfg.Value).Div(hundred)
	}
	if long {
		return peak.Sub(distance).Round(2)
	}
	return peak.Add(distance).Round(2)
}

// FixedStopHit reports whether the position's adverse move from entry
// reaches stopPercent. Zero disables the check.
func FixedStopHit(p *models.Position, stopPercent decimal.Decimal) bool {
	if !stopPercent.IsPositive() || p.Direction() == models.DirectionFlat {
		return false
	}
	return p.PnLPercent().LessThanOrEqual(stopPercent.Neg())
}

// TargetHit reports whether the favourable move from entry reaches
// targetPercent. Zero disables the check.
func TargetHit(p *models.Position, targetPercent decimal.Decimal) bool {
	if !targetPercent.IsPositive() || p.Direction() == models.DirectionFlat {
		return false
	}
	return p.PnLPercent().GreaterThanOrEqual(targetPercent)
}
