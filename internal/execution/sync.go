package execution

import (
	"context"
	"errors"
	"fmt"

	"options-executor/internal/broker"
	"options-executor/internal/events"
	"options-executor/internal/logging"
	"options-executor/internal/models"
	"options-executor/internal/store"
)

// SyncResult counts what one position sync changed.
type SyncResult struct {
	OrdersChecked   int
	OrdersUpdated   int
	PositionsMarked int
}

// HandlePositionSync is the Sync.Position.Triggered handler.
func (b *Bridge) HandlePositionSync(ctx context.Context, ev events.Event) error {
	res, err := b.Sync(ctx, ev.Detail.UserID, ev.Day())
	if res.OrdersUpdated > 0 || res.PositionsMarked > 0 {
		logger := logging.WithUser(b.logger, ev.Detail.UserID)
		logger.Debug().
			Int("orders_checked", res.OrdersChecked).
			Int("orders_updated", res.OrdersUpdated).
			Int("positions_marked", res.PositionsMarked).
			Msg("Positions synced")
	}
	return err
}

// Sync polls the owning broker for every non-terminal order of the user,
// advances the order and applies new fills, then refreshes last prices of
// the day's open positions.
func (b *Bridge) Sync(ctx context.Context, userID, day string) (SyncResult, error) {
	var res SyncResult
	var errs []error

	orders, err := b.store.ListOrders(ctx, store.OrderFilter{UserID: userID, OpenOnly: true})
	if err != nil {
		return res, fmt.Errorf("failed to list open orders: %w", err)
	}
	for i := range orders {
		o := &orders[i]
		if o.BrokerOrderID == "" {
			continue
		}
		res.OrdersChecked++
		changed, err := b.syncOrder(ctx, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			res.OrdersUpdated++
		}
	}

	marked, err := b.markPositions(ctx, userID, day)
	res.PositionsMarked = marked
	if err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

func (b *Bridge) syncOrder(ctx context.Context, o *models.Order) (bool, error) {
	client, err := b.client(ctx, o.UserID, o.BrokerID, o.AccountID, o.TradingMode)
	if err != nil {
		return false, err
	}
	upd, err := client.OrderStatus(ctx, o.BrokerOrderID)
	if err != nil {
		return false, fmt.Errorf("order status %s: %w", o.ID, err)
	}
	if upd.Status == o.Status && upd.FilledQty <= o.FilledQuantity {
		return false, nil
	}

	if upd.Status != o.Status || upd.Status == models.OrderPartiallyFilled {
		if err := o.AdvanceTo(upd.Status, b.now()); err != nil {
			return false, err
		}
	}
	if upd.Status == models.OrderRejected && o.RejectionReason == "" {
		o.RejectionReason = upd.Message
	}
	if err := b.applyFill(ctx, o, upd.FilledQty, upd.FillPrice, b.trailingFor(ctx, o)); err != nil {
		return false, fmt.Errorf("apply fill %s: %w", o.ID, err)
	}
	b.persist(ctx, o)
	return true, nil
}

func (b *Bridge) trailingFor(ctx context.Context, o *models.Order) *models.TrailingSLConfig {
	if o.ExecutionType != models.ExecutionEntry || o.StrategyID == "" {
		return nil
	}
	st, err := b.store.GetStrategy(ctx, o.StrategyID)
	if err != nil {
		return nil
	}
	if leg, ok := st.Leg(o.LegID); ok {
		return leg.TrailingSL
	}
	return nil
}

func (b *Bridge) markPositions(ctx context.Context, userID, day string) (int, error) {
	positions, err := b.store.ListPositions(ctx, store.PositionFilter{UserID: userID, Day: day, Status: models.PositionOpen})
	if err != nil {
		return 0, fmt.Errorf("failed to list open positions: %w", err)
	}

	modes := make(map[string]models.TradingMode)
	quotes := make(map[*broker.Client]map[string]models.BrokerPosition)
	marked := 0
	var errs []error
	for _, p := range positions {
		mode, ok := modes[p.StrategyID]
		if !ok {
			mode = models.ModePaper
			if st, err := b.store.GetStrategy(ctx, p.StrategyID); err == nil && st.TradingMode != "" {
				mode = st.TradingMode
			}
			modes[p.StrategyID] = mode
		}

		client, err := b.client(ctx, p.UserID, p.BrokerID, p.AccountID, mode)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bySymbol, ok := quotes[client]
		if !ok {
			held, err := client.Positions(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("positions from %s: %w", client.Name(), err))
				continue
			}
			bySymbol = make(map[string]models.BrokerPosition, len(held))
			for _, h := range held {
				bySymbol[h.Symbol] = h
			}
			quotes[client] = bySymbol
		}

		quote, ok := bySymbol[p.Symbol]
		if !ok || !quote.LastPrice.IsPositive() || quote.LastPrice.Equal(p.LastPrice) {
			continue
		}
		_, err = b.store.UpdatePosition(ctx, p.Key(), func(pos *models.Position) error {
			pos.MarkPrice(quote.LastPrice, b.now())
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("mark %s: %w", p.Key(), err))
			continue
		}
		marked++
	}
	return marked, errors.Join(errs...)
}
