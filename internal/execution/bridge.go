// Package execution turns queued strategy executions into broker orders and
// keeps orders and positions in step with what the brokers report.
package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"options-executor/internal/allocation"
	"options-executor/internal/broker"
	"options-executor/internal/config"
	apperrors "options-executor/internal/errors"
	"options-executor/internal/logging"
	"options-executor/internal/metrics"
	"options-executor/internal/models"
	"options-executor/internal/notify"
	"options-executor/internal/security"
	"options-executor/internal/store"
	"options-executor/pkg/utils"
)

// Store is the persistence the bridge reads and writes.
type Store interface {
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	GetAccount(ctx context.Context, id string) (*models.BrokerAccount, error)
	SaveOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
	UpdatePosition(ctx context.Context, key models.PositionKey, fn func(p *models.Position) error) (*models.Position, error)
	ListPositions(ctx context.Context, filter store.PositionFilter) ([]models.Position, error)
	SaveExecution(ctx context.Context, r *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]models.ExecutionRecord, error)
	GetRun(ctx context.Context, userID, strategyID, day string) (*models.StrategyRun, error)
	UpdateRun(ctx context.Context, userID, strategyID, day string, fn func(r *models.StrategyRun) error) (*models.StrategyRun, error)
}

// Planner resolves allocations into per-leg lot targets.
type Planner interface {
	Plan(ctx context.Context, st *models.Strategy) ([]allocation.Target, error)
	PlanOne(ctx context.Context, st *models.Strategy, legID, allocationID string) (allocation.Target, error)
}

// Brokers hands out the client for an account in a trading mode.
type Brokers interface {
	Get(ctx context.Context, acct models.BrokerAccount, mode models.TradingMode) (*broker.Client, error)
}

// Config holds order defaults applied when a strategy leaves them unset.
type Config struct {
	Workers          int
	DefaultProduct   models.ProductType
	DefaultExchange  models.Exchange
	DefaultOrderType models.OrderType
}

// ConfigFrom maps the execution configuration section.
func ConfigFrom(c config.ExecutionConfig) Config {
	return Config{
		Workers:          c.QueueWorkers,
		DefaultProduct:   models.ProductType(c.DefaultProduct),
		DefaultExchange:  models.Exchange(c.DefaultExchange),
		DefaultOrderType: models.OrderType(c.DefaultOrderType),
	}
}

// LegResult is the outcome of one leg × allocation execution.
type LegResult struct {
	LegID         string
	AllocationID  string
	BrokerID      string
	AccountID     string
	Lots          int64
	OrderID       string
	RecordID      string
	Status        models.ExecutionStatus
	FailureReason string
	Err           error
}

// OK reports whether the order reached the broker and was not rejected.
func (r LegResult) OK() bool {
	return r.Status == models.ExecutionSuccess
}

// Summary aggregates the leg results of one strategy execution.
type Summary struct {
	UserID        string
	StrategyID    string
	ExecutionType models.ExecutionType
	Tag           models.ExecutionTag
	Succeeded     int
	Failed        int
	Skipped       string
	Results       []LegResult
}

// Bridge executes strategies: it plans leg × allocation targets, places the
// orders and persists what happened.
type Bridge struct {
	store    Store
	planner  Planner
	brokers  Brokers
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

// NewBridge creates the execution bridge.
func NewBridge(st Store, planner Planner, brokers Brokers, n notify.Notifier, cfg Config, logger zerolog.Logger) *Bridge {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultProduct == "" {
		cfg.DefaultProduct = models.ProductNRML
	}
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = models.NFO
	}
	if cfg.DefaultOrderType == "" {
		cfg.DefaultOrderType = models.OrderTypeMarket
	}
	if n == nil {
		n = notify.NewNoOpNotifier()
	}
	return &Bridge{
		store:    st,
		planner:  planner,
		brokers:  brokers,
		notifier: n,
		cfg:      cfg,
		now:      utils.NowIST,
		logger:   logger.With().Str("component", "bridge").Logger(),
	}
}

// Execute runs one queued execution. Per-leg failures are reported in the
// summary, never as the returned error.
func (b *Bridge) Execute(ctx context.Context, msg models.ExecutionMessage) (*Summary, error) {
	logger := logging.WithStrategy(logging.WithUser(b.logger, msg.UserID), msg.StrategyID)

	st, err := b.store.GetStrategy(ctx, msg.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %s: %w", msg.StrategyID, err)
	}
	if st.UserID != msg.UserID {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "strategy %s for user %s", msg.StrategyID, msg.UserID)
	}

	sum := &Summary{UserID: msg.UserID, StrategyID: st.ID, ExecutionType: msg.ExecutionType, Tag: msg.Tag}
	at := b.executionTime(msg)
	day := models.TradingDay(at)

	var (
		targets []allocation.Target
		record  *models.ExecutionRecord
	)
	switch {
	case msg.RecordID != "":
		record, err = b.store.GetExecution(ctx, msg.RecordID)
		if err != nil {
			return nil, fmt.Errorf("failed to load execution record %s: %w", msg.RecordID, err)
		}
		sum.ExecutionType = record.ExecutionType
		day = record.Day
		t, err := b.planner.PlanOne(ctx, st, record.LegID, record.AllocationID)
		if err != nil {
			return nil, fmt.Errorf("failed to plan retry of %s: %w", record.ID, err)
		}
		targets = []allocation.Target{t}
		sum.Skipped, err = b.staleRetry(ctx, st, record)
		if err != nil {
			return nil, err
		}

	case msg.ExecutionType == models.ExecutionEntry && st.Status != models.StrategyActive:
		sum.Skipped = fmt.Sprintf("strategy is %s", st.Status)

	case msg.Tag == models.TagScheduled && msg.ExecutionType == models.ExecutionEntry && !st.RunsOn(models.WeekdayOf(at)):
		sum.Skipped = fmt.Sprintf("strategy does not run on %s", models.WeekdayOf(at))

	default:
		targets, err = b.planner.Plan(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("failed to plan %s: %w", st.ID, err)
		}
		if msg.ExecutionType == models.ExecutionExit {
			open, err := b.openPairs(ctx, st, day)
			if err != nil {
				return nil, err
			}
			targets = filterTargets(targets, open)
			if len(targets) == 0 {
				sum.Skipped = "nothing entered to exit"
			}
		}
	}

	if sum.Skipped != "" {
		logger.Info().Str("execution_type", string(sum.ExecutionType)).Str("reason", sum.Skipped).Msg("Execution skipped")
		return sum, nil
	}

	sum.Results = make([]LegResult, len(targets))
	for _, group := range priorityGroups(targets) {
		p := pool.New().WithMaxGoroutines(b.cfg.Workers)
		for _, i := range group {
			i := i
			p.Go(func() {
				sum.Results[i] = b.executeTarget(ctx, st, msg, sum.ExecutionType, targets[i], record, day)
			})
		}
		p.Wait()
	}

	failures := make(map[string]string)
	for _, r := range sum.Results {
		if r.OK() {
			sum.Succeeded++
			continue
		}
		sum.Failed++
		failures[r.LegID+"/"+r.AllocationID] = r.FailureReason
	}

	tag := msg.Tag
	if record != nil {
		tag = record.Tag
	}
	if err := b.recordRun(ctx, st, sum, tag, day); err != nil {
		logger.Error().Err(err).Msg("Failed to update strategy run")
	}

	status := "success"
	switch {
	case sum.Failed > 0 && sum.Succeeded == 0:
		status = "failed"
	case sum.Failed > 0:
		status = "partial"
	}
	metrics.ExecutionsTotal.WithLabelValues(string(sum.ExecutionType), status).Inc()
	logging.LogExecution(logger, st.ID, string(sum.ExecutionType), sum.Succeeded, sum.Failed)

	n := notify.ExecutionSummary(st.ID, sum.ExecutionType, msg.Tag, sum.Succeeded, sum.Failed, failures)
	if err := b.notifier.Notify(ctx, st.UserID, n); err != nil {
		logger.Warn().Err(err).Msg("Failed to broadcast execution summary")
	}
	return sum, nil
}

// priorityGroups returns target indexes grouped by allocation priority,
// lowest priority number first. A group is placed only after the previous
// one has finished.
func priorityGroups(targets []allocation.Target) [][]int {
	byPriority := make(map[int][]int)
	for i, t := range targets {
		byPriority[t.Allocation.Priority] = append(byPriority[t.Allocation.Priority], i)
	}
	keys := make([]int, 0, len(byPriority))
	for p := range byPriority {
		keys = append(keys, p)
	}
	slices.Sort(keys)
	groups := make([][]int, 0, len(byPriority))
	for _, p := range keys {
		groups = append(groups, byPriority[p])
	}
	return groups
}

// executionTime is the IST time the message was scheduled for, so late or
// replayed messages act on their own day's runs.
func (b *Bridge) executionTime(msg models.ExecutionMessage) time.Time {
	at := msg.ExecutionTime
	if at.IsZero() {
		at = b.now()
	}
	return at.In(utils.IndiaLocation)
}

// executeTarget places one leg × allocation order and persists the order,
// the position fill and the execution record.
func (b *Bridge) executeTarget(ctx context.Context, st *models.Strategy, msg models.ExecutionMessage, typ models.ExecutionType, t allocation.Target, record *models.ExecutionRecord, day string) LegResult {
	a := t.Allocation
	res := LegResult{
		LegID:        t.Leg.ID,
		AllocationID: a.ID,
		BrokerID:     a.BrokerID,
		AccountID:    a.AccountID,
		Lots:         t.Lots,
	}
	logger := logging.WithBroker(logging.WithStrategy(b.logger, st.ID), a.BrokerID)

	order, err := b.place(ctx, st, msg, typ, t)
	if order != nil {
		res.OrderID = order.ID
	}
	switch {
	case err != nil:
		res.Err = err
		res.Status = models.ExecutionFailed
		res.FailureReason = apperrors.FailureReason(err)
		logger.Error().Err(err).Str("leg_id", t.Leg.ID).Str("allocation_id", a.ID).Msg("Leg execution failed")
	case order.Status == models.OrderRejected:
		res.Status = models.ExecutionRejected
		res.FailureReason = rejectionReason(order.RejectionReason)
		res.Err = apperrors.NewBrokerError(a.BrokerID, res.FailureReason, order.RejectionReason, apperrors.ErrOrderRejected)
	default:
		res.Status = models.ExecutionSuccess
	}

	now := b.now()
	rec := record
	if rec == nil {
		rec = &models.ExecutionRecord{
			ID:            uuid.NewString(),
			UserID:        st.UserID,
			StrategyID:    st.ID,
			LegID:         t.Leg.ID,
			AllocationID:  a.ID,
			BrokerID:      a.BrokerID,
			ExecutionType: typ,
			Tag:           msg.Tag,
			Day:           day,
			CreatedAt:     now,
		}
	}
	rec.Status = res.Status
	rec.OrderID = res.OrderID
	rec.Lots = t.Lots
	rec.FailureReason = res.FailureReason
	rec.FailureDetail = ""
	if res.Err != nil {
		rec.FailureDetail = security.Redact(res.Err.Error())
	}
	rec.UpdatedAt = now
	if err := b.store.SaveExecution(ctx, rec); err != nil {
		logger.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to save execution record")
	}
	res.RecordID = rec.ID
	return res
}

func (b *Bridge) place(ctx context.Context, st *models.Strategy, msg models.ExecutionMessage, typ models.ExecutionType, t allocation.Target) (*models.Order, error) {
	a := t.Allocation
	leg := t.Leg

	side := leg.Action
	if typ == models.ExecutionExit {
		side = side.Opposite()
	}
	orderType := leg.EffectiveOrderType(b.cfg.DefaultOrderType)
	exchange := st.Exchange
	if exchange == "" {
		exchange = b.cfg.DefaultExchange
	}
	product := st.Product
	if product == "" {
		product = b.cfg.DefaultProduct
	}
	mode := st.TradingMode
	if mode == "" {
		mode = models.ModePaper
	}

	req := &models.OrderRequest{
		Symbol:       leg.TradingSymbol(st.Underlying),
		Exchange:     exchange,
		Side:         side,
		Type:         orderType,
		Product:      product,
		Quantity:     t.Quantity(),
		Price:        leg.LimitPrice,
		TriggerPrice: leg.TriggerPrice,
		Tag:          string(msg.Tag),
	}

	now := b.now()
	order := &models.Order{
		ID:            uuid.NewString(),
		UserID:        st.UserID,
		StrategyID:    st.ID,
		LegID:         leg.ID,
		AllocationID:  a.ID,
		BrokerID:      a.BrokerID,
		AccountID:     a.AccountID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          req.Side,
		Type:          req.Type,
		Product:       req.Product,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
		Status:        models.OrderPending,
		ExecutionType: typ,
		Tag:           msg.Tag,
		TradingMode:   mode,
		PlacedAt:      now,
		UpdatedAt:     now,
	}

	if err := checkOrderValue(a, req); err != nil {
		return order, b.fail(ctx, order, err)
	}
	if err := b.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to save pending order: %w", err)
	}

	client, err := b.client(ctx, a.UserID, a.BrokerID, a.AccountID, mode)
	if err != nil {
		return order, b.fail(ctx, order, err)
	}

	result, err := client.PlaceOrder(ctx, req)
	if err != nil {
		return order, b.fail(ctx, order, err)
	}

	order.BrokerOrderID = result.BrokerOrderID
	if result.Status == models.OrderRejected {
		order.RejectionReason = security.Redact(result.Message)
		if order.RejectionReason == "" {
			order.RejectionReason = "rejected by broker"
		}
	}
	target := result.Status
	if target == "" || target == models.OrderPending {
		target = models.OrderPlaced
	}
	if err := order.AdvanceTo(target, b.now()); err != nil {
		b.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Unexpected broker status on placement")
	}
	if err := b.applyFill(ctx, order, result.FilledQty, result.FillPrice, leg.TrailingSL); err != nil {
		b.logger.Error().Err(err).Str("order_id", order.ID).Msg("Failed to apply fill to position")
	}
	b.persist(ctx, order)
	return order, nil
}

// fail rejects a pending order that never reached the broker.
func (b *Bridge) fail(ctx context.Context, order *models.Order, cause error) error {
	order.RejectionReason = security.Redact(cause.Error())
	if err := order.TransitionTo(models.OrderRejected, b.now()); err != nil {
		return errors.Join(cause, err)
	}
	b.persist(ctx, order)
	return cause
}

func (b *Bridge) persist(ctx context.Context, order *models.Order) {
	logger := logging.WithOrderID(b.logger, order.ID)
	if err := b.store.SaveOrder(ctx, order); err != nil {
		logger.Error().Err(err).Msg("Failed to save order")
	}
	metrics.OrdersTotal.WithLabelValues(order.BrokerID, string(order.Side), string(order.Status)).Inc()
	logging.LogOrder(logger, order.BrokerOrderID, order.Symbol, string(order.Side), string(order.Status))
	if err := b.notifier.Notify(ctx, order.UserID, notify.OrderUpdate(order)); err != nil {
		logger.Warn().Err(err).Msg("Failed to broadcast order update")
	}
}

// applyFill moves filled quantity beyond what the order already recorded
// into the position.
func (b *Bridge) applyFill(ctx context.Context, order *models.Order, filledQty int, price decimal.Decimal, trailing *models.TrailingSLConfig) error {
	delta := filledQty - order.FilledQuantity
	if delta <= 0 {
		return nil
	}
	order.FilledQuantity = filledQty
	order.FillPrice = price

	key := models.PositionKey{UserID: order.UserID, BrokerID: order.BrokerID, Symbol: order.Symbol, Day: models.TradingDay(order.PlacedAt.In(utils.IndiaLocation))}
	_, err := b.store.UpdatePosition(ctx, key, func(p *models.Position) error {
		if p.StrategyID == "" || p.Status == models.PositionClosed {
			p.StrategyID = order.StrategyID
			p.LegID = order.LegID
			p.AccountID = order.AccountID
			p.Exchange = order.Exchange
			p.Product = order.Product
		}
		if trailing != nil && order.ExecutionType == models.ExecutionEntry {
			p.TrailingSL = trailing
		}
		return p.ApplyFill(order.Side, delta, price, b.now())
	})
	return err
}

func (b *Bridge) client(ctx context.Context, userID, brokerID, accountID string, mode models.TradingMode) (*broker.Client, error) {
	acct, err := b.store.GetAccount(ctx, accountID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound) && mode != models.ModeLive:
		acct = &models.BrokerAccount{ID: accountID, UserID: userID, BrokerID: brokerID, Kind: models.BrokerSimulated}
	case errors.Is(err, apperrors.ErrNotFound):
		return nil, apperrors.NewBrokerError(brokerID, apperrors.ReasonNotConnected, "no linked account "+accountID, apperrors.ErrNotConnected)
	case err != nil:
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	if acct.UserID != "" && acct.UserID != userID {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "account %s for user %s", accountID, userID)
	}
	return b.brokers.Get(ctx, *acct, mode)
}

// staleRetry explains why a retry no longer makes sense: an entry after the
// strategy exited, or an exit for a pair that is no longer open.
func (b *Bridge) staleRetry(ctx context.Context, st *models.Strategy, rec *models.ExecutionRecord) (string, error) {
	if rec.ExecutionType == models.ExecutionEntry {
		run, err := b.store.GetRun(ctx, st.UserID, st.ID, rec.Day)
		if err != nil {
			return "", fmt.Errorf("failed to load run for %s: %w", st.ID, err)
		}
		if run.Status == models.RunExited {
			return "strategy already exited", nil
		}
		return "", nil
	}
	open, err := b.openPairs(ctx, st, rec.Day)
	if err != nil {
		return "", err
	}
	if !open[pair{rec.LegID, rec.AllocationID}] {
		return "leg no longer open", nil
	}
	return "", nil
}

type pair struct{ leg, allocation string }

// openPairs returns the leg × allocation pairs with more successful entries
// than exits on day.
func (b *Bridge) openPairs(ctx context.Context, st *models.Strategy, day string) (map[pair]bool, error) {
	records, err := b.store.ListExecutions(ctx, store.ExecutionFilter{
		UserID:     st.UserID,
		StrategyID: st.ID,
		Day:        day,
		Statuses:   []models.ExecutionStatus{models.ExecutionSuccess},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for %s: %w", st.ID, err)
	}
	net := make(map[pair]int)
	for _, r := range records {
		k := pair{r.LegID, r.AllocationID}
		if r.ExecutionType == models.ExecutionEntry {
			net[k]++
		} else {
			net[k]--
		}
	}
	open := make(map[pair]bool)
	for k, n := range net {
		if n > 0 {
			open[k] = true
		}
	}
	return open, nil
}

func filterTargets(targets []allocation.Target, open map[pair]bool) []allocation.Target {
	var out []allocation.Target
	for _, t := range targets {
		if open[pair{t.Leg.ID, t.Allocation.ID}] {
			out = append(out, t)
		}
	}
	return out
}

// recordRun moves the day's run after an execution. An entry with any
// successful leg marks the run ENTERED; an exit marks it EXITED once no
// leg × allocation remains open.
func (b *Bridge) recordRun(ctx context.Context, st *models.Strategy, sum *Summary, tag models.ExecutionTag, day string) error {
	if sum.Succeeded == 0 {
		return nil
	}
	now := b.now()
	if sum.ExecutionType == models.ExecutionEntry {
		_, err := b.store.UpdateRun(ctx, st.UserID, st.ID, day, func(r *models.StrategyRun) error {
			r.Status = models.RunEntered
			r.EnteredAt = &now
			return nil
		})
		return err
	}

	open, err := b.openPairs(ctx, st, day)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return nil
	}
	_, err = b.store.UpdateRun(ctx, st.UserID, st.ID, day, func(r *models.StrategyRun) error {
		r.Status = models.RunExited
		r.ExitedAt = &now
		r.ExitReason = models.ExitReasonForTag(tag)
		return nil
	})
	return err
}

func checkOrderValue(a models.Allocation, req *models.OrderRequest) error {
	limit := a.RiskLimits.MaxOrderValue
	if !limit.IsPositive() || !req.Price.IsPositive() {
		return nil
	}
	value := req.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	if value.GreaterThan(limit) {
		return apperrors.NewValidationError("price", value.String(),
			fmt.Sprintf("order value exceeds allocation limit %s", limit))
	}
	return nil
}

func rejectionReason(message string) string {
	reason := apperrors.FailureReason(errors.New(message))
	if reason == apperrors.ReasonUnknown {
		return apperrors.ReasonBrokerRejected
	}
	return reason
}
