package store

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

const orderColumns = `id, COALESCE(broker_order_id, ''), user_id, COALESCE(strategy_id, ''), COALESCE(leg_id, ''),
	COALESCE(allocation_id, ''), broker_id, COALESCE(account_id, ''), symbol, exchange, side, order_type, product,
	quantity, price, trigger_price, status, filled_quantity, fill_price, COALESCE(rejection_reason, ''),
	COALESCE(execution_type, ''), COALESCE(tag, ''), COALESCE(trading_mode, ''), placed_at, updated_at`

// SaveOrder inserts or replaces an order row.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *models.Order) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = s.now()
	}
	if o.PlacedAt.IsZero() {
		o.PlacedAt = o.UpdatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (id, broker_order_id, user_id, strategy_id, leg_id, allocation_id,
			broker_id, account_id, symbol, exchange, side, order_type, product, quantity, price,
			trigger_price, status, filled_quantity, fill_price, rejection_reason, execution_type, tag,
			trading_mode, placed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, nullString(o.BrokerOrderID), o.UserID, nullString(o.StrategyID), nullString(o.LegID),
		nullString(o.AllocationID), o.BrokerID, nullString(o.AccountID), o.Symbol, string(o.Exchange),
		string(o.Side), string(o.Type), string(o.Product), o.Quantity, o.Price, o.TriggerPrice,
		string(o.Status), o.FilledQuantity, o.FillPrice, nullString(o.RejectionReason),
		string(o.ExecutionType), string(o.Tag), string(o.TradingMode), dbTime(o.PlacedAt), dbTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder loads an order by id.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders retrieves orders, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.StrategyID != "" {
		query += " AND strategy_id = ?"
		args = append(args, filter.StrategyID)
	}
	if filter.BrokerID != "" {
		query += " AND broker_id = ?"
		args = append(args, filter.BrokerID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if len(filter.Statuses) > 0 {
		in, inArgs := inClause(filter.Statuses)
		query += " AND status IN " + in
		args = append(args, inArgs...)
	}
	if filter.OpenOnly {
		in, inArgs := inClause(models.TerminalOrderStatuses())
		query += " AND status NOT IN " + in
		args = append(args, inArgs...)
	}
	if !filter.PlacedAfter.IsZero() {
		query += " AND placed_at >= ?"
		args = append(args, dbTime(filter.PlacedAfter))
	}

	query += " ORDER BY placed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.BrokerOrderID, &o.UserID, &o.StrategyID, &o.LegID, &o.AllocationID,
		&o.BrokerID, &o.AccountID, &o.Symbol, &o.Exchange, &o.Side, &o.Type, &o.Product,
		&o.Quantity, &o.Price, &o.TriggerPrice, &o.Status, &o.FilledQuantity, &o.FillPrice,
		&o.RejectionReason, &o.ExecutionType, &o.Tag, &o.TradingMode, &o.PlacedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
