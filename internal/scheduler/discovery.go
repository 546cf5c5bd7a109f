package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"options-executor/internal/events"
	"options-executor/internal/logging"
	"options-executor/internal/models"
	"options-executor/pkg/utils"
)

// ScheduleStore is the indexed schedule lookup.
type ScheduleStore interface {
	DueEntries(ctx context.Context, userID string, weekday models.Weekday, hhmm string, typ models.ExecutionType) ([]models.ScheduleEntry, error)
}

// Enqueuer accepts execution messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.ExecutionMessage) (bool, error)
}

// Due is one discovered execution.
type Due struct {
	StrategyID    string
	ExecutionType models.ExecutionType
	ScheduledAt   time.Time
}

// DedupKey is the deterministic queue key for this execution.
func (d Due) DedupKey() string {
	return models.ScheduleDedupKey(d.StrategyID, d.ExecutionType, models.TradingDay(d.ScheduledAt), models.ClockTime(d.ScheduledAt))
}

// Discovery finds strategies due within a lookahead window and enqueues them.
type Discovery struct {
	store  ScheduleStore
	queue  Enqueuer
	logger zerolog.Logger
}

// NewDiscovery creates schedule discovery.
func NewDiscovery(st ScheduleStore, q Enqueuer, logger zerolog.Logger) *Discovery {
	return &Discovery{
		store:  st,
		queue:  q,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Find returns the executions of type typ scheduled for the user at each
// minute offset 1..lookahead after now.
func (d *Discovery) Find(ctx context.Context, userID string, now time.Time, lookahead int, typ models.ExecutionType) ([]Due, error) {
	if lookahead < 1 {
		lookahead = events.DefaultLookaheadMinutes
	}
	base := utils.TruncateMinute(now)

	var due []Due
	for offset := 1; offset <= lookahead; offset++ {
		at := base.Add(time.Duration(offset) * time.Minute)
		entries, err := d.store.DueEntries(ctx, userID, models.WeekdayOf(at), models.ClockTime(at), typ)
		if err != nil {
			return nil, fmt.Errorf("failed to query schedule at %s: %w", models.ClockTime(at), err)
		}
		for _, e := range entries {
			due = append(due, Due{StrategyID: e.StrategyID, ExecutionType: e.ExecutionType, ScheduledAt: at})
		}
	}
	return due, nil
}

// Dispatch discovers executions for one tick event and enqueues each with
// its deduplication key. It returns how many were newly enqueued.
func (d *Discovery) Dispatch(ctx context.Context, ev events.Event, typ models.ExecutionType) (int, error) {
	det := ev.Detail
	due, err := d.Find(ctx, det.UserID, det.TriggerTimeIST, det.LookaheadMinutes, typ)
	if err != nil {
		return 0, err
	}

	logger := logging.FromContext(ctx, logging.WithUser(d.logger, det.UserID))
	enqueued := 0
	for _, item := range due {
		msg := models.ExecutionMessage{
			UserID:        det.UserID,
			StrategyID:    item.StrategyID,
			ExecutionTime: item.ScheduledAt,
			ExecutionType: item.ExecutionType,
			Weekday:       models.WeekdayOf(item.ScheduledAt),
			MarketPhase:   det.MarketPhase,
			EventID:       det.EventID,
			Tag:           models.TagScheduled,
			Priority:      models.PriorityNormal,
			DedupKey:      item.DedupKey(),
		}
		ok, err := d.queue.Enqueue(ctx, msg)
		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue %s: %w", msg.DedupKey, err)
		}
		if ok {
			enqueued++
			l := logging.WithStrategy(logger, item.StrategyID)
			l.Info().
				Str("execution_type", string(item.ExecutionType)).
				Time("scheduled_at", item.ScheduledAt).
				Msg("Execution enqueued")
		}
	}
	return enqueued, nil
}

// HandleEntry is the Strategy.Entry.Triggered handler.
func (d *Discovery) HandleEntry(ctx context.Context, ev events.Event) error {
	_, err := d.Dispatch(ctx, ev, models.ExecutionEntry)
	return err
}

// HandleExit is the Strategy.Exit.Triggered handler.
func (d *Discovery) HandleExit(ctx context.Context, ev events.Event) error {
	_, err := d.Dispatch(ctx, ev, models.ExecutionExit)
	return err
}
