package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"options-executor/internal/config"
	"options-executor/internal/events"
	"options-executor/internal/logging"
	"options-executor/internal/metrics"
	"options-executor/internal/models"
	"options-executor/internal/notify"
	"options-executor/internal/store"
	"options-executor/pkg/utils"
)

// Store is the persistence the risk handlers read and write.
type Store interface {
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
	ListPositions(ctx context.Context, filter store.PositionFilter) ([]models.Position, error)
	UpdatePosition(ctx context.Context, key models.PositionKey, fn func(p *models.Position) error) (*models.Position, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]models.ExecutionRecord, error)
	SaveExecution(ctx context.Context, r *models.ExecutionRecord) error
	GetRun(ctx context.Context, userID, strategyID, day string) (*models.StrategyRun, error)
	UpdateRun(ctx context.Context, userID, strategyID, day string, fn func(r *models.StrategyRun) error) (*models.StrategyRun, error)
	ListRuns(ctx context.Context, userID, day string) ([]models.StrategyRun, error)
}

// Enqueuer accepts execution messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.ExecutionMessage) (bool, error)
}

// Claimer records that a key has been handled for a while. The queue's
// dedupers satisfy it.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Subscriber registers event handlers.
type Subscriber interface {
	Subscribe(dt events.DetailType, name string, h events.Handler)
}

// Handlers are the risk and lifecycle sub-event handlers.
type Handlers struct {
	store    Store
	queue    Enqueuer
	claims   Claimer
	notifier notify.Notifier
	detector Detector

	lookback   time.Duration
	maxRetries int
	now        func() time.Time
	logger     zerolog.Logger
}

// NewHandlers builds the risk handlers from the risk configuration.
func NewHandlers(st Store, q Enqueuer, claims Claimer, n notify.Notifier, cfg config.RiskConfig, logger zerolog.Logger) (*Handlers, error) {
	detector, err := NewDetector(DuplicateStrategy(cfg.DuplicateStrategy), cfg.DuplicateGap)
	if err != nil {
		return nil, err
	}
	lookback := cfg.DuplicateLookback
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	if n == nil {
		n = notify.NewNoOpNotifier()
	}
	return &Handlers{
		store:      st,
		queue:      q,
		claims:     claims,
		notifier:   n,
		detector:   detector,
		lookback:   lookback,
		maxRetries: cfg.MaxRetries,
		now:        utils.NowIST,
		logger:     logger.With().Str("component", "risk").Logger(),
	}, nil
}

// Register subscribes every risk handler on bus.
func (h *Handlers) Register(bus Subscriber) {
	bus.Subscribe(events.StopLossCheck, "stop-loss", h.HandleStopLoss)
	bus.Subscribe(events.TargetCheck, "target", h.HandleTarget)
	bus.Subscribe(events.TrailingSL, "trailing-sl", h.HandleTrailingSL)
	bus.Subscribe(events.DuplicateOrder, "duplicate-order", h.HandleDuplicates)
	bus.Subscribe(events.ReEntryCheck, "re-entry", h.HandleReEntry)
	bus.Subscribe(events.ReExecuteCheck, "re-execute", h.HandleReExecute)
}

// HandleStopLoss exits strategies whose positions breached the fixed stop.
func (h *Handlers) HandleStopLoss(ctx context.Context, ev events.Event) error {
	return h.checkFixed(ctx, ev, models.ExitStopLoss)
}

// HandleTarget exits strategies whose positions reached the profit target.
func (h *Handlers) HandleTarget(ctx context.Context, ev events.Event) error {
	return h.checkFixed(ctx, ev, models.ExitTarget)
}

func (h *Handlers) checkFixed(ctx context.Context, ev events.Event, reason models.ExitReason) error {
	if !ev.Detail.MarketPhase.Trading() {
		return nil
	}
	byStrategy, err := h.openPositions(ctx, ev)
	if err != nil {
		return err
	}

	var errs []error
	for strategyID, positions := range byStrategy {
		st, err := h.store.GetStrategy(ctx, strategyID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load strategy %s: %w", strategyID, err))
			continue
		}
		threshold := st.Risk.StopLossPercent
		hit := FixedStopHit
		if reason == models.ExitTarget {
			threshold = st.Risk.TargetPercent
			hit = TargetHit
		}
		for i := range positions {
			p := &positions[i]
			if !hit(p, threshold) {
				continue
			}
			if err := h.exitStrategy(ctx, ev, st, reason, p, threshold.String()+"%"); err != nil {
				errs = append(errs, err)
			}
			break
		}
	}
	return errors.Join(errs...)
}

// HandleTrailingSL ratchets trailing stops on open positions and exits the
// owning strategy at CRITICAL priority when a stop is crossed.
func (h *Handlers) HandleTrailingSL(ctx context.Context, ev events.Event) error {
	if !ev.Detail.MarketPhase.Trading() {
		return nil
	}
	byStrategy, err := h.openPositions(ctx, ev)
	if err != nil {
		return err
	}

	var errs []error
	for strategyID, positions := range byStrategy {
		var triggered *models.Position
		for i := range positions {
			if positions[i].TrailingSL == nil || positions[i].LastPrice.IsZero() {
				continue
			}
			var upd TrailingUpdate
			p, err := h.store.UpdatePosition(ctx, positions[i].Key(), func(p *models.Position) error {
				upd = ApplyTrailingStop(p, p.LastPrice)
				return nil
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("update trailing stop %s: %w", positions[i].Key(), err))
				continue
			}
			if upd.Tightened {
				h.logger.Debug().
					Str("symbol", p.Symbol).
					Str("peak", upd.Peak.String()).
					Str("stop", upd.Stop.String()).
					Msg("Trailing stop tightened")
			}
			if upd.Triggered && triggered == nil {
				triggered = p
			}
		}
		if triggered == nil {
			continue
		}
		st, err := h.store.GetStrategy(ctx, strategyID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load strategy %s: %w", strategyID, err))
			continue
		}
		if err := h.exitStrategy(ctx, ev, st, models.ExitTrailingSL, triggered, triggered.StopLevel.String()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handlers) openPositions(ctx context.Context, ev events.Event) (map[string][]models.Position, error) {
	positions, err := h.store.ListPositions(ctx, store.PositionFilter{
		UserID: ev.Detail.UserID,
		Day:    ev.Day(),
		Status: models.PositionOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	byStrategy := make(map[string][]models.Position)
	for _, p := range positions {
		if p.StrategyID == "" {
			continue
		}
		byStrategy[p.StrategyID] = append(byStrategy[p.StrategyID], p)
	}
	return byStrategy, nil
}

var exitRouting = map[models.ExitReason]struct {
	tag      models.ExecutionTag
	priority models.Priority
}{
	models.ExitStopLoss:   {models.TagStopLoss, models.PriorityCritical},
	models.ExitTarget:     {models.TagTarget, models.PriorityHigh},
	models.ExitTrailingSL: {models.TagTrailingSL, models.PriorityCritical},
}

// exitStrategy enqueues an EXIT for the whole strategy. Only an ENTERED run
// can be exited; the dedup key includes the re-entry count so each entry is
// exited at most once per reason.
func (h *Handlers) exitStrategy(ctx context.Context, ev events.Event, st *models.Strategy, reason models.ExitReason, p *models.Position, level string) error {
	day := ev.Day()
	run, err := h.store.GetRun(ctx, st.UserID, st.ID, day)
	if err != nil {
		return fmt.Errorf("load run for %s: %w", st.ID, err)
	}
	if run.Status != models.RunEntered {
		return nil
	}

	route := exitRouting[reason]
	now := h.now()
	msg := models.ExecutionMessage{
		UserID:        st.UserID,
		StrategyID:    st.ID,
		ExecutionTime: now,
		ExecutionType: models.ExecutionExit,
		Weekday:       ev.Detail.Weekday,
		MarketPhase:   ev.Detail.MarketPhase,
		EventID:       ev.Detail.EventID,
		Tag:           route.tag,
		Priority:      route.priority,
		DedupKey:      fmt.Sprintf("%s#%s#%s#%s#%d", st.ID, models.ExecutionExit, day, reason, run.ReEntryCount),
	}
	ok, err := h.queue.Enqueue(ctx, msg)
	if err != nil {
		return fmt.Errorf("enqueue %s exit for %s: %w", reason, st.ID, err)
	}
	if !ok {
		return nil
	}

	metrics.RiskExits.WithLabelValues(string(reason)).Inc()
	logger := logging.WithStrategy(h.logger, st.ID)
	logger.Warn().
		Str("user_id", st.UserID).
		Str("reason", string(reason)).
		Str("symbol", p.Symbol).
		Str("last_price", p.LastPrice.String()).
		Str("level", level).
		Msg("Risk exit enqueued")
	if err := h.notifier.Notify(ctx, st.UserID, notify.RiskExit(p, reason, level)); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to broadcast risk exit")
	}
	return nil
}

// HandleDuplicates flags duplicate orders placed within the lookback window.
// Duplicates are surfaced as warnings and never cancelled.
func (h *Handlers) HandleDuplicates(ctx context.Context, ev events.Event) error {
	now := h.now()
	orders, err := h.store.ListOrders(ctx, store.OrderFilter{
		UserID:      ev.Detail.UserID,
		PlacedAfter: now.Add(-h.lookback),
	})
	if err != nil {
		return fmt.Errorf("failed to list recent orders: %w", err)
	}

	for _, d := range h.detector.Detect(orders) {
		if h.claims != nil {
			fresh, err := h.claims.Claim(ctx, "duplicate:"+d.Order.ID, h.lookback)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Duplicate claim failed, flagging anyway")
			} else if !fresh {
				continue
			}
		}

		metrics.DuplicatesFlagged.WithLabelValues(string(d.Strategy)).Inc()
		logger := logging.WithOrderID(h.logger, d.Order.ID)
		logger.Warn().
			Str("user_id", ev.Detail.UserID).
			Str("original_order_id", d.Original.ID).
			Str("symbol", d.Order.Symbol).
			Str("strategy", string(d.Strategy)).
			Dur("gap", d.Gap).
			Msg("Duplicate order flagged")
		n := notify.Warning("Possible duplicate order", d.Reason, map[string]interface{}{
			"order_id":          d.Order.ID,
			"original_order_id": d.Original.ID,
			"symbol":            d.Order.Symbol,
			"side":              d.Order.Side,
			"strategy_id":       d.Order.StrategyID,
			"detection":         d.Strategy,
		})
		if err := h.notifier.Notify(ctx, ev.Detail.UserID, n); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to broadcast duplicate warning")
		}
	}
	return nil
}

// HandleReEntry re-enters exited strategies whose re-entry rules allow it.
func (h *Handlers) HandleReEntry(ctx context.Context, ev events.Event) error {
	if !ev.Detail.MarketPhase.Trading() {
		return nil
	}
	day := ev.Day()
	runs, err := h.store.ListRuns(ctx, ev.Detail.UserID, day)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	now := h.now()
	var errs []error
	for _, run := range runs {
		if run.Status != models.RunExited {
			continue
		}
		st, err := h.store.GetStrategy(ctx, run.StrategyID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load strategy %s: %w", run.StrategyID, err))
			continue
		}
		if st.Status != models.StrategyActive {
			continue
		}
		if d := ReEntryEligible(st, &run, now); !d.Eligible {
			continue
		}
		if err := h.reEnter(ctx, ev, st, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errNotEligible = errors.New("not eligible")

func (h *Handlers) reEnter(ctx context.Context, ev events.Event, st *models.Strategy, now time.Time) error {
	day := ev.Day()
	run, err := h.store.UpdateRun(ctx, st.UserID, st.ID, day, func(r *models.StrategyRun) error {
		if !ReEntryEligible(st, r, now).Eligible {
			return errNotEligible
		}
		r.ReEntryCount++
		r.Status = models.RunEntered
		return nil
	})
	if errors.Is(err, errNotEligible) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record re-entry for %s: %w", st.ID, err)
	}

	msg := models.ExecutionMessage{
		UserID:        st.UserID,
		StrategyID:    st.ID,
		ExecutionTime: now,
		ExecutionType: models.ExecutionEntry,
		Weekday:       ev.Detail.Weekday,
		MarketPhase:   ev.Detail.MarketPhase,
		EventID:       ev.Detail.EventID,
		Tag:           models.TagReEntry,
		Priority:      models.PriorityNormal,
		DedupKey:      fmt.Sprintf("%s#%s#%s#%s#%d", st.ID, models.ExecutionEntry, day, models.TagReEntry, run.ReEntryCount),
	}
	if _, err := h.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue re-entry for %s: %w", st.ID, err)
	}

	metrics.ReEntriesScheduled.Inc()
	logger := logging.WithStrategy(h.logger, st.ID)
	logger.Info().
		Str("user_id", st.UserID).
		Int("re_entry_count", run.ReEntryCount).
		Str("after", string(run.ExitReason)).
		Msg("Re-entry enqueued")
	return nil
}

// HandleReExecute schedules retries for failed leg executions once their
// backoff has elapsed.
func (h *Handlers) HandleReExecute(ctx context.Context, ev events.Event) error {
	if !ev.Detail.MarketPhase.Trading() {
		return nil
	}
	records, err := h.store.ListExecutions(ctx, store.ExecutionFilter{
		UserID:   ev.Detail.UserID,
		Day:      ev.Day(),
		Statuses: []models.ExecutionStatus{models.ExecutionFailed, models.ExecutionRejected},
	})
	if err != nil {
		return fmt.Errorf("failed to list failed executions: %w", err)
	}

	now := h.now()
	strategies := make(map[string]*models.Strategy)
	var errs []error
	for i := range records {
		rec := &records[i]
		st, ok := strategies[rec.StrategyID]
		if !ok {
			st, err = h.store.GetStrategy(ctx, rec.StrategyID)
			if err != nil {
				errs = append(errs, fmt.Errorf("load strategy %s: %w", rec.StrategyID, err))
				continue
			}
			strategies[rec.StrategyID] = st
		}
		if d := RetryEligible(rec, MaxRetriesFor(st, h.maxRetries), now); !d.Eligible {
			continue
		}
		if err := h.retry(ctx, ev, rec, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handlers) retry(ctx context.Context, ev events.Event, rec *models.ExecutionRecord, now time.Time) error {
	rec.RetryCount++
	at := now
	rec.LastRetryAt = &at
	rec.UpdatedAt = now
	if err := h.store.SaveExecution(ctx, rec); err != nil {
		return fmt.Errorf("record retry for %s: %w", rec.ID, err)
	}

	msg := models.ExecutionMessage{
		UserID:        rec.UserID,
		StrategyID:    rec.StrategyID,
		ExecutionTime: now,
		ExecutionType: rec.ExecutionType,
		Weekday:       ev.Detail.Weekday,
		MarketPhase:   ev.Detail.MarketPhase,
		EventID:       ev.Detail.EventID,
		Tag:           models.TagRetry,
		Priority:      models.PriorityHigh,
		DedupKey:      fmt.Sprintf("retry#%s#%d", rec.ID, rec.RetryCount),
		RecordID:      rec.ID,
		LegID:         rec.LegID,
		AllocationID:  rec.AllocationID,
	}
	if _, err := h.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue retry for %s: %w", rec.ID, err)
	}

	metrics.RetriesScheduled.Inc()
	logger := logging.WithStrategy(h.logger, rec.StrategyID)
	logger.Info().
		Str("record_id", rec.ID).
		Str("leg_id", rec.LegID).
		Str("failure_reason", rec.FailureReason).
		Int("retry_count", rec.RetryCount).
		Msg("Retry enqueued")
	return nil
}
