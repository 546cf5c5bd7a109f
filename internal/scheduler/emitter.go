package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"options-executor/internal/events"
	"options-executor/internal/metrics"
	"options-executor/internal/models"
)

// ActiveUserStore lists users with schedulable work.
type ActiveUserStore interface {
	ActiveUsers(ctx context.Context, weekday models.Weekday, day string) ([]string, error)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) []events.Result
	PublishAll(ctx context.Context, evs []events.Event) []events.Result
}

// EmitResult summarises one emitter pass.
type EmitResult struct {
	At     time.Time          `json:"at"`
	Phase  models.MarketPhase `json:"phase"`
	Users  int                `json:"users"`
	Failed int                `json:"failed"`
}

// Emitter publishes one tick event per active user.
type Emitter struct {
	store     ActiveUserStore
	bus       Publisher
	location  *time.Location
	lookahead int
	logger    zerolog.Logger
}

// NewEmitter creates an event emitter.
func NewEmitter(st ActiveUserStore, bus Publisher, loc *time.Location, lookahead int, logger zerolog.Logger) *Emitter {
	if lookahead < 1 {
		lookahead = events.DefaultLookaheadMinutes
	}
	return &Emitter{
		store:     st,
		bus:       bus,
		location:  loc,
		lookahead: lookahead,
		logger:    logger.With().Str("component", "emitter").Logger(),
	}
}

// Emit runs one pass for trigger time now. Users are published concurrently;
// a failure for one user never blocks the others.
func (e *Emitter) Emit(ctx context.Context, now time.Time) (EmitResult, error) {
	now = now.In(e.location)
	phase := PhaseAt(now)
	weekday := models.WeekdayOf(now)

	metrics.TicksTotal.Inc()

	users, err := e.store.ActiveUsers(ctx, weekday, models.TradingDay(now))
	if err != nil {
		return EmitResult{}, fmt.Errorf("failed to list active users: %w", err)
	}
	metrics.ActiveUsers.Set(float64(len(users)))

	var failed atomic.Int32
	var wg conc.WaitGroup
	for _, userID := range users {
		userID := userID
		wg.Go(func() {
			tick := events.NewUserTick(userID, now, phase, e.lookahead)
			if bad := events.Failed(e.bus.Publish(ctx, tick)); len(bad) > 0 {
				failed.Add(1)
			}
		})
	}
	wg.Wait()

	res := EmitResult{At: now, Phase: phase, Users: len(users), Failed: int(failed.Load())}
	e.logger.Debug().
		Str("weekday", string(weekday)).
		Str("phase", string(phase)).
		Int("users", res.Users).
		Int("failed", res.Failed).
		Msg("Tick emitted")
	return res, nil
}

// FanOut decomposes a user tick into the fixed set of sub-events. The
// sub-event publisher must not be the bus delivering ticks: a tick handler
// holds a worker slot while its sub-events run.
type FanOut struct {
	bus    Publisher
	logger zerolog.Logger
}

// NewFanOut creates the fan-out handler.
func NewFanOut(bus Publisher, logger zerolog.Logger) *FanOut {
	return &FanOut{bus: bus, logger: logger.With().Str("component", "fanout").Logger()}
}

// Handle is the Scheduler.User.Tick handler. Sub-events are published
// concurrently and their failures are reported, not propagated.
func (f *FanOut) Handle(ctx context.Context, ev events.Event) error {
	types := events.SubEventTypes()
	subs := make([]events.Event, 0, len(types))
	for _, dt := range types {
		subs = append(subs, ev.SubEvent(dt))
	}

	failed := events.Failed(f.bus.PublishAll(ctx, subs))
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, r := range failed {
			names = append(names, string(r.DetailType))
		}
		f.logger.Warn().
			Str("user_id", ev.Detail.UserID).
			Str("event_id", ev.Detail.EventID).
			Strs("failed", names).
			Msg("Sub-events failed")
	}
	return nil
}
