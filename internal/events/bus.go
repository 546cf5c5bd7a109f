package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"options-executor/internal/logging"
	"options-executor/internal/metrics"
)

// Handler processes one event.
type Handler func(ctx context.Context, ev Event) error

// Result is the structured outcome of one handler invocation.
type Result struct {
	DetailType DetailType    `json:"detail_type"`
	Handler    string        `json:"handler"`
	UserID     string        `json:"user_id"`
	EventID    string        `json:"event_id"`
	SubEventID string        `json:"sub_event_id,omitempty"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
	Duration   time.Duration `json:"duration"`
}

type subscription struct {
	name    string
	handler Handler
}

// Bus routes events to subscribed handlers. Every handler runs in its own
// goroutine behind a panic catcher; at most workers handlers run at once.
type Bus struct {
	mu       sync.RWMutex
	handlers map[DetailType][]subscription
	sem      chan struct{}
	logger   zerolog.Logger
}

// NewBus creates a bus running at most workers handlers concurrently.
func NewBus(workers int, logger zerolog.Logger) *Bus {
	if workers <= 0 {
		workers = 16
	}
	return &Bus{
		handlers: make(map[DetailType][]subscription),
		sem:      make(chan struct{}, workers),
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a named handler for a detail type.
func (b *Bus) Subscribe(dt DetailType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[dt] = append(b.handlers[dt], subscription{name: name, handler: h})
}

// Subscribed reports whether any handler is registered for dt.
func (b *Bus) Subscribed(dt DetailType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[dt]) > 0
}

// Publish delivers ev to its handlers and waits for all of them.
func (b *Bus) Publish(ctx context.Context, ev Event) []Result {
	return b.PublishAll(ctx, []Event{ev})
}

// PublishAll delivers events concurrently. A failing or panicking handler
// yields a failed Result and never affects its siblings.
func (b *Bus) PublishAll(ctx context.Context, evs []Event) []Result {
	type job struct {
		ev  Event
		sub subscription
	}

	b.mu.RLock()
	var jobs []job
	for _, ev := range evs {
		subs := b.handlers[ev.DetailType]
		if len(subs) == 0 {
			b.logger.Debug().Str("detail_type", string(ev.DetailType)).Msg("No handler subscribed")
		}
		for _, sub := range subs {
			jobs = append(jobs, job{ev: ev, sub: sub})
		}
	}
	b.mu.RUnlock()

	results := make([]Result, len(jobs))
	var wg conc.WaitGroup
	for i, j := range jobs {
		i, j := i, j
		wg.Go(func() {
			results[i] = b.run(ctx, j.ev, j.sub)
		})
	}
	wg.Wait()
	return results
}

func (b *Bus) run(ctx context.Context, ev Event, sub subscription) Result {
	res := Result{
		DetailType: ev.DetailType,
		Handler:    sub.name,
		UserID:     ev.Detail.UserID,
		EventID:    ev.Detail.EventID,
		SubEventID: ev.Detail.SubEventID,
	}

	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		res.Error = ctx.Err().Error()
		metrics.EventsTotal.WithLabelValues(string(ev.DetailType), "cancelled").Inc()
		return res
	}

	logger := logging.WithEvent(logging.WithUser(b.logger, ev.Detail.UserID), ev.Detail.EventID, ev.Detail.SubEventID)
	hctx := logging.WithLogger(ctx, logger)

	start := time.Now()
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = sub.handler(hctx, ev)
	})
	res.Duration = time.Since(start)
	metrics.EventHandlerDuration.WithLabelValues(string(ev.DetailType)).Observe(res.Duration.Seconds())

	if r := catcher.Recovered(); r != nil {
		res.Panicked = true
		err = fmt.Errorf("handler panicked: %v", r.Value)
		logger.Error().
			Str("handler", sub.name).
			Str("detail_type", string(ev.DetailType)).
			Str("stack", string(r.Stack)).
			Msg("Event handler panicked")
	}

	if err != nil {
		res.Error = err.Error()
		if !res.Panicked {
			logger.Error().
				Err(err).
				Str("handler", sub.name).
				Str("detail_type", string(ev.DetailType)).
				Msg("Event handler failed")
		}
		metrics.EventsTotal.WithLabelValues(string(ev.DetailType), "error").Inc()
		return res
	}

	res.OK = true
	metrics.EventsTotal.WithLabelValues(string(ev.DetailType), "ok").Inc()
	return res
}

// Failed returns the failed results.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r)
		}
	}
	return failed
}
