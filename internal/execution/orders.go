package execution

import (
	"context"
	"fmt"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

// CancelOrder cancels a user's order. Only PENDING and OPEN orders may be
// cancelled; anything else is an error.
func (b *Bridge) CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := b.modifiable(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	if order.BrokerOrderID != "" {
		client, err := b.client(ctx, order.UserID, order.BrokerID, order.AccountID, order.TradingMode)
		if err != nil {
			return nil, err
		}
		if _, err := client.CancelOrder(ctx, order.BrokerOrderID); err != nil {
			return nil, fmt.Errorf("failed to cancel order %s: %w", order.ID, err)
		}
	}

	if err := order.TransitionTo(models.OrderCancelled, b.now()); err != nil {
		return nil, err
	}
	b.persist(ctx, order)
	return order, nil
}

// ModifyOrder changes quantity, price, trigger or type of an open order.
func (b *Bridge) ModifyOrder(ctx context.Context, userID, orderID string, changes models.OrderChanges) (*models.Order, error) {
	order, err := b.modifiable(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.BrokerOrderID == "" {
		return nil, apperrors.NewValidationError("order_id", order.ID, "order has not reached the broker")
	}

	client, err := b.client(ctx, order.UserID, order.BrokerID, order.AccountID, order.TradingMode)
	if err != nil {
		return nil, err
	}
	result, err := client.ModifyOrder(ctx, order.BrokerOrderID, changes)
	if err != nil {
		return nil, fmt.Errorf("failed to modify order %s: %w", order.ID, err)
	}

	if changes.Quantity > 0 {
		order.Quantity = changes.Quantity
	}
	if !changes.Price.IsZero() {
		order.Price = changes.Price
	}
	if !changes.TriggerPrice.IsZero() {
		order.TriggerPrice = changes.TriggerPrice
	}
	if changes.Type != "" {
		order.Type = changes.Type
	}
	order.UpdatedAt = b.now()

	if result.Status != "" && result.Status != order.Status {
		if err := order.AdvanceTo(result.Status, b.now()); err != nil {
			b.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Unexpected broker status on modify")
		}
	}
	if err := b.applyFill(ctx, order, result.FilledQty, result.FillPrice, nil); err != nil {
		b.logger.Error().Err(err).Str("order_id", order.ID).Msg("Failed to apply fill to position")
	}
	b.persist(ctx, order)
	return order, nil
}

func (b *Bridge) modifiable(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	}
	if !order.CanModify() {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidOrder, "order %s is %s", order.ID, order.Status)
	}
	return order, nil
}
