package broker

import (
	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

// ValidateOrder is the precondition every order passes before any broker
// sees it. Client calls it unconditionally; variants cannot replace it.
func ValidateOrder(req *models.OrderRequest) error {
	if req == nil {
		return apperrors.NewValidationError("order", nil, "order is required")
	}
	if req.Symbol == "" {
		return apperrors.NewValidationError("symbol", req.Symbol, "symbol is required")
	}
	if req.Exchange == "" {
		return apperrors.NewValidationError("exchange", req.Exchange, "exchange is required")
	}
	if !req.Side.Valid() {
		return apperrors.NewValidationError("side", req.Side, "side must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", req.Quantity, "quantity must be positive")
	}
	switch req.Type {
	case models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStopLoss, models.OrderTypeStopLossM:
	default:
		return apperrors.NewValidationError("order_type", req.Type, "unknown order type")
	}
	if req.Type.IsLimitClass() && !req.Price.IsPositive() {
		return apperrors.NewValidationError("price", req.Price, "price is required for limit orders")
	}
	if req.Type.IsStopClass() && !req.TriggerPrice.IsPositive() {
		return apperrors.NewValidationError("trigger_price", req.TriggerPrice, "trigger price is required for stop orders")
	}
	return nil
}
