// Package events defines the timing event schema and the in-process bus
// that routes per-user ticks and their sub-events to isolated handlers.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"options-executor/internal/models"
)

// Source is the event source stamped on everything the engine emits.
const Source = "options-executor.scheduler"

// DefaultLookaheadMinutes is the discovery window carried on tick events.
const DefaultLookaheadMinutes = 3

// DetailType names an event as {Category}.{Entity}.{Action}.
type DetailType string

const (
	// UserTick is the per-user timing event emitted once per active user per tick.
	UserTick DetailType = "Scheduler.User.Tick"

	StrategyEntry  DetailType = "Strategy.Entry.Triggered"
	StrategyExit   DetailType = "Strategy.Exit.Triggered"
	StopLossCheck  DetailType = "Risk.StopLoss.Check"
	TargetCheck    DetailType = "Risk.TargetProfit.Check"
	TrailingSL     DetailType = "Risk.TrailingSL.Check"
	DuplicateOrder DetailType = "Validation.DuplicateOrder.Check"
	ReEntryCheck   DetailType = "Strategy.ReEntry.Check"
	ReExecuteCheck DetailType = "Strategy.ReExecute.Check"
	PositionSync   DetailType = "Sync.Position.Triggered"
)

// SubEventTypes is the fixed set a user tick decomposes into.
func SubEventTypes() []DetailType {
	return []DetailType{
		StrategyEntry,
		StrategyExit,
		StopLossCheck,
		TargetCheck,
		TrailingSL,
		DuplicateOrder,
		ReEntryCheck,
		ReExecuteCheck,
		PositionSync,
	}
}

// Category returns the first segment of the detail type.
func (d DetailType) Category() string {
	category, _, _ := strings.Cut(string(d), ".")
	return category
}

// Valid reports whether d follows the three-segment naming convention.
func (d DetailType) Valid() bool {
	parts := strings.Split(string(d), ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Event is the envelope for ticks and sub-events.
type Event struct {
	Source     string     `json:"source"`
	DetailType DetailType `json:"detail_type"`
	Detail     Detail     `json:"detail"`
}

// Detail is the event payload shared by ticks and sub-events.
type Detail struct {
	UserID           string             `json:"user_id"`
	EventID          string             `json:"event_id"`
	SubEventID       string             `json:"sub_event_id,omitempty"`
	Weekday          models.Weekday     `json:"weekday"`
	TriggerTimeIST   time.Time          `json:"trigger_time_ist"`
	MarketPhase      models.MarketPhase `json:"market_phase"`
	LookaheadMinutes int                `json:"lookahead_minutes"`
	Conditions       []string           `json:"conditions,omitempty"`
}

// NewUserTick builds the per-user tick for trigger time now (already in IST).
func NewUserTick(userID string, now time.Time, phase models.MarketPhase, lookahead int) Event {
	if lookahead < 1 {
		lookahead = DefaultLookaheadMinutes
	}
	return Event{
		Source:     Source,
		DetailType: UserTick,
		Detail: Detail{
			UserID:           userID,
			EventID:          uuid.NewString(),
			Weekday:          models.WeekdayOf(now),
			TriggerTimeIST:   now,
			MarketPhase:      phase,
			LookaheadMinutes: lookahead,
		},
	}
}

// SubEvent derives a sub-event of type dt scoped to the same user and window.
func (e Event) SubEvent(dt DetailType) Event {
	sub := e
	sub.DetailType = dt
	sub.Detail.SubEventID = fmt.Sprintf("%s:%s", e.Detail.EventID, dt)
	if len(e.Detail.Conditions) > 0 {
		sub.Detail.Conditions = append([]string(nil), e.Detail.Conditions...)
	}
	return sub
}

// Day is the trading day key of the trigger time.
func (e Event) Day() string {
	return models.TradingDay(e.Detail.TriggerTimeIST)
}
