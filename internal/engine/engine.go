// Package engine builds the process dependency graph once at start-up and
// runs it: timer loop supervisor, event buses, queue consumers and the ops
// server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"options-executor/internal/allocation"
	"options-executor/internal/api"
	"options-executor/internal/broker"
	"options-executor/internal/config"
	"options-executor/internal/events"
	"options-executor/internal/execution"
	"options-executor/internal/models"
	"options-executor/internal/notify"
	"options-executor/internal/queue"
	"options-executor/internal/resilience"
	"options-executor/internal/risk"
	"options-executor/internal/scheduler"
	"options-executor/internal/security"
	"options-executor/internal/store"
	"options-executor/internal/stream"
)

// Deduper claims keys for the queue and the duplicate-order handler.
type Deduper interface {
	queue.Deduper
	risk.Claimer
}

// Option customises New.
type Option func(*options)

type options struct {
	terminal io.Writer
	deduper  Deduper
}

// WithTerminal sends notifications to w when terminal notifications are enabled.
func WithTerminal(w io.Writer) Option {
	return func(o *options) { o.terminal = w }
}

// WithDeduper replaces the configured dedup backend.
func WithDeduper(d Deduper) Option {
	return func(o *options) { o.deduper = d }
}

// Engine owns every long-lived component. Nothing is package-global.
type Engine struct {
	Config      *config.Config
	Store       *store.SQLiteStore
	Brokers     *broker.Registry
	Allocations *allocation.Service
	Queue       *queue.Queue
	Ticks       *events.Bus
	Bus         *events.Bus
	Discovery   *scheduler.Discovery
	Emitter     *scheduler.Emitter
	Window      *scheduler.Window
	Loop        *scheduler.Loop
	Supervisor  *scheduler.Supervisor
	Bridge      *execution.Bridge
	Consumer    *execution.Consumer
	Risk        *risk.Handlers
	Notifier    notify.Notifier
	Stream      *stream.Hub
	API         *api.Server

	logger  zerolog.Logger
	closers []io.Closer
}

// New wires the engine from cfg.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := options{terminal: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{Config: cfg, logger: logger.With().Str("component", "engine").Logger()}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.Store = st
	e.closers = append(e.closers, st)
	if cfg.Credentials.TokenKey != "" {
		tokens, err := security.NewTokenCipher(cfg.Credentials.TokenKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build token cipher: %w", err)
		}
		st.SetTokenCipher(tokens)
	}

	dedup := o.deduper
	if dedup == nil {
		dedup, err = newDeduper(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if c, isCloser := dedup.(io.Closer); isCloser {
			e.closers = append(e.closers, c)
		}
	}

	e.Stream = stream.NewHub(stream.DefaultHubConfig(), logger)
	notifier := newNotifier(cfg.Notify, o.terminal, logger)
	notifier.AddChannel(e.Stream)
	e.Notifier = notifier
	e.Brokers = newRegistry(cfg, logger)
	e.Allocations = allocation.NewService(st, logger)
	e.Queue = queue.New(queue.Config{DedupTTL: cfg.Execution.DedupTTL}, dedup, logger)

	e.Bridge = execution.NewBridge(st, e.Allocations, e.Brokers, e.Notifier, execution.ConfigFrom(cfg.Execution), logger)
	e.Consumer = execution.NewConsumer(e.Queue, e.Bridge, cfg.Execution.QueueWorkers, logger)

	e.Risk, err = risk.NewHandlers(st, e.Queue, dedup, e.Notifier, cfg.Risk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build risk handlers: %w", err)
	}

	// Ticks and sub-events run on separate buses so a tick handler holding a
	// worker slot never starves its own sub-events.
	e.Ticks = events.NewBus(cfg.Scheduler.BusWorkers, logger)
	e.Bus = events.NewBus(cfg.Scheduler.BusWorkers, logger)
	e.Ticks.Subscribe(events.UserTick, "fanout", scheduler.NewFanOut(e.Bus, logger).Handle)

	e.Discovery = scheduler.NewDiscovery(st, e.Queue, logger)
	e.Bus.Subscribe(events.StrategyEntry, "entry-discovery", e.Discovery.HandleEntry)
	e.Bus.Subscribe(events.StrategyExit, "exit-discovery", e.Discovery.HandleExit)
	e.Bus.Subscribe(events.PositionSync, "position-sync", e.Bridge.HandlePositionSync)
	e.Risk.Register(e.Bus)

	loc := cfg.Location()
	window, err := scheduler.NewWindow(loc, cfg.Scheduler.WindowStart, cfg.Scheduler.WindowEnd, cfg.Scheduler.Weekdays)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler window: %w", err)
	}
	if err := window.AddHolidays(cfg.Scheduler.Holidays); err != nil {
		return nil, err
	}
	e.Window = window
	e.Emitter = scheduler.NewEmitter(st, e.Ticks, loc, cfg.Scheduler.LookaheadMinutes, logger)
	e.Loop = scheduler.NewLoop(e.Emitter, window, cfg.Scheduler.TickInterval, logger)
	e.Supervisor = scheduler.NewSupervisor(e.Loop, logger)

	if cfg.Metrics.Enabled {
		e.API = api.NewServer(cfg.Metrics.Addr, api.Deps{
			Loop:    e.Loop,
			Queue:   e.Queue,
			Brokers: e.Brokers,
			Reader:  st,
			Orders:  e.Bridge,
			Stream:  e.Stream,
		}, logger)
	}

	ok = true
	return e, nil
}

// Run starts the supervisor, the queue consumers and the ops server and
// blocks until ctx is cancelled or a component fails. Ready executions are
// drained before it returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	errs := make(chan error, 2)
	var wg conc.WaitGroup
	// In-flight orders must complete after shutdown is requested.
	consumerCtx := context.WithoutCancel(ctx)
	wg.Go(func() {
		if err := e.Consumer.Run(consumerCtx); err != nil {
			errs <- fmt.Errorf("consumer: %w", err)
		}
	})
	if e.API != nil {
		wg.Go(func() {
			if err := e.API.Start(); err != nil {
				errs <- fmt.Errorf("ops server: %w", err)
			}
		})
	}
	e.logger.Info().Int("workers", e.Config.Execution.QueueWorkers).Msg("Engine running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	e.logger.Info().Msg("Engine shutting down")
	e.Supervisor.Stop()
	e.Queue.Close()
	// Hijacked stream connections outlive http.Server.Shutdown.
	e.Stream.Close()
	if e.API != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.API.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn().Err(err).Msg("Ops server shutdown failed")
		}
		cancel()
	}
	wg.Wait()
	return runErr
}

// Tick runs one emitter pass at now, outside the timer loop.
func (e *Engine) Tick(ctx context.Context, now time.Time) (scheduler.EmitResult, error) {
	return e.Emitter.Emit(ctx, now)
}

// Drain closes the queue and executes everything already ready.
func (e *Engine) Drain(ctx context.Context) error {
	e.Queue.Close()
	return e.Consumer.Run(ctx)
}

// Close ends live streams and releases the store and dedup connections.
func (e *Engine) Close() error {
	if e.Stream != nil {
		e.Stream.Close()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func newDeduper(ctx context.Context, cfg *config.Config) (Deduper, error) {
	if cfg.Execution.Dedup != "redis" {
		return queue.NewMemoryDeduper(), nil
	}
	d, err := queue.NewRedisDeduperFromURL(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func newNotifier(cfg config.NotifyConfig, terminal io.Writer, logger zerolog.Logger) *notify.MultiNotifier {
	n := notify.NewMultiNotifier(notify.NotificationLevel(cfg.Level))
	n.AddChannel(notify.NewLogNotifier(logger))
	if cfg.WebhookURL != "" {
		n.AddChannel(notify.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.Terminal && terminal != nil {
		tn := notify.NewTerminalNotifier(terminal)
		tn.SetBellEnabled(cfg.Bell)
		n.AddChannel(tn)
	}
	return n
}

// breakerConfig overlays the configured thresholds on the circuit defaults.
func breakerConfig(cfg config.BreakerConfig) resilience.CircuitBreakerConfig {
	breaker := resilience.DefaultCircuitBreakerConfig()
	if cfg.MaxFailures > 0 {
		breaker.FailureThreshold = cfg.MaxFailures
	}
	if cfg.ResetTimeout > 0 {
		breaker.Timeout = cfg.ResetTimeout
	}
	return breaker
}

func newRegistry(cfg *config.Config, logger zerolog.Logger) *broker.Registry {
	breaker := breakerConfig(cfg.Brokers.Breaker)
	reg := broker.NewRegistry(broker.RegistryConfig{
		Simulated: broker.SimulatedConfig{
			SlippagePercent: decimal.NewFromFloat(cfg.Simulator.SlippagePercent),
			DefaultPrice:    decimal.NewFromFloat(cfg.Simulator.DefaultPrice),
			InitialMargin:   decimal.NewFromFloat(cfg.Simulator.InitialMargin),
		},
		Clients: map[models.BrokerKind]broker.ClientConfig{
			models.BrokerKite: {
				RateLimit: cfg.Brokers.Kite.RateLimit,
				Burst:     cfg.Brokers.Kite.Burst,
				Breaker:   breaker,
			},
			models.BrokerGateway: {
				RateLimit: cfg.Brokers.Gateway.RateLimit,
				Burst:     cfg.Brokers.Gateway.Burst,
				Breaker:   breaker,
			},
		},
	}, logger)

	kite := cfg.Brokers.Kite
	reg.RegisterFactory(models.BrokerKite, func(acct models.BrokerAccount) (broker.Broker, error) {
		if cfg.Credentials.Kite.APIKey == "" {
			return nil, errors.New("kite api_key is not configured")
		}
		return broker.NewKiteBroker(broker.KiteConfig{
			Name:       acct.BrokerID,
			APIKey:     cfg.Credentials.Kite.APIKey,
			APISecret:  cfg.Credentials.Kite.APISecret,
			BaseURL:    kite.BaseURL,
			HTTPClient: &http.Client{Timeout: kite.Timeout},
		}), nil
	})

	gw := cfg.Brokers.Gateway
	reg.RegisterFactory(models.BrokerGateway, func(acct models.BrokerAccount) (broker.Broker, error) {
		if cfg.Credentials.Gateway.ClientID == "" {
			return nil, errors.New("gateway client_id is not configured")
		}
		return broker.NewGatewayBroker(broker.GatewayConfig{
			Name:         acct.BrokerID,
			ClientID:     cfg.Credentials.Gateway.ClientID,
			ClientSecret: cfg.Credentials.Gateway.ClientSecret,
			BaseURL:      gw.BaseURL,
			AuthURL:      gw.AuthURL,
			TokenURL:     gw.TokenURL,
			RedirectURL:  gw.RedirectURL,
			HTTPClient:   &http.Client{Timeout: gw.Timeout},
		}), nil
	})
	return reg
}
