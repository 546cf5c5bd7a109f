package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// LoopState is the timer loop state.
type LoopState string

const (
	StateIdle    LoopState = "IDLE"
	StateTicking LoopState = "TICKING"
)

// Ticker is invoked on every loop tick.
type Ticker interface {
	Emit(ctx context.Context, now time.Time) (EmitResult, error)
}

// Loop is the precision timer loop. While inside the window it calls the
// ticker every interval; a failed tick is logged and superseded by the next.
type Loop struct {
	ticker   Ticker
	window   *Window
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	state   LoopState
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
}

// NewLoop creates a timer loop.
func NewLoop(ticker Ticker, window *Window, interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Loop{
		ticker:   ticker,
		window:   window,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "timer").Logger(),
		state:    StateIdle,
	}
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastTick returns the time of the last tick.
func (l *Loop) LastTick() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRun
}

// Start begins ticking in the background if inside the window and not
// already ticking. It reports whether a run was started.
func (l *Loop) Start(parent context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateTicking {
		return false
	}
	if !l.window.Contains(l.now()) {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	l.state = StateTicking
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx, l.done)
	return true
}

// Stop cancels a running loop and waits for it to return to IDLE.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		l.mu.Lock()
		l.state = StateIdle
		l.cancel = nil
		l.mu.Unlock()
		l.logger.Info().Msg("Timer loop idle")
	}()

	l.logger.Info().Dur("interval", l.interval).Msg("Timer loop ticking")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		now := l.now()
		if !l.window.Contains(now) {
			return
		}
		l.tick(ctx, now)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	l.mu.Lock()
	l.lastRun = now
	l.mu.Unlock()

	if _, err := l.ticker.Emit(ctx, now); err != nil {
		l.logger.Error().Err(err).Time("at", now).Msg("Tick failed")
	}
}

// Supervisor starts the loop at window open on trading days via cron and
// on startup when already inside the window.
type Supervisor struct {
	cron   *cron.Cron
	loop   *Loop
	logger zerolog.Logger
}

// NewSupervisor creates a supervisor for loop.
func NewSupervisor(loop *Loop, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loop.window.Location())),
		loop:   loop,
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// Start schedules the loop and starts it immediately if the window is open.
func (s *Supervisor) Start(ctx context.Context) error {
	spec := s.loop.window.CronSpec()
	if _, err := s.cron.AddFunc(spec, func() {
		if s.loop.Start(ctx) {
			s.logger.Info().Msg("Window opened, timer loop started")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("spec", spec).Msg("Supervisor started")

	if s.loop.Start(ctx) {
		s.logger.Info().Msg("Inside window at startup, timer loop started")
	}
	return nil
}

// Stop stops the cron schedule and the loop.
func (s *Supervisor) Stop() {
	<-s.cron.Stop().Done()
	s.loop.Stop()
	s.logger.Info().Msg("Supervisor stopped")
}
