package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

const positionColumns = `id, user_id, broker_id, COALESCE(account_id, ''), symbol, day, COALESCE(strategy_id, ''),
	COALESCE(leg_id, ''), COALESCE(exchange, ''), COALESCE(product, ''), buy_quantity, sell_quantity,
	buy_average, sell_average, net_quantity, last_price, realized_pnl, unrealized_pnl, status,
	COALESCE(trailing_sl, ''), peak_price, stop_level, opened_at, closed_at, updated_at`

// UpdatePosition applies fn to the position at key inside one transaction.
// A missing position is created (closed, empty) before fn runs. Updates for
// the same store are serialised, so concurrent fills never lose an update.
func (s *SQLiteStore) UpdatePosition(ctx context.Context, key models.PositionKey, fn func(p *models.Position) error) (*models.Position, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND broker_id = ? AND symbol = ? AND day = ?
	`, key.UserID, key.BrokerID, key.Symbol, key.Day)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		p = &models.Position{
			ID:       uuid.NewString(),
			UserID:   key.UserID,
			BrokerID: key.BrokerID,
			Symbol:   key.Symbol,
			Day:      key.Day,
			Status:   models.PositionClosed,
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load position %s: %w", key, err)
	}

	if err := fn(p); err != nil {
		return nil, err
	}
	if p.Key() != key {
		return nil, fmt.Errorf("position update changed key %s to %s", key, p.Key())
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}

	if err := s.putPosition(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) putPosition(ctx context.Context, db execer, p *models.Position) error {
	var trailing sql.NullString
	if p.TrailingSL != nil {
		b, err := json.Marshal(p.TrailingSL)
		if err != nil {
			return fmt.Errorf("failed to encode trailing stop: %w", err)
		}
		trailing = sql.NullString{String: string(b), Valid: true}
	}

	opened := p.OpenedAt
	_, err := db.ExecContext(ctx, `
		INSERT INTO positions (id, user_id, broker_id, account_id, symbol, day, strategy_id, leg_id,
			exchange, product, buy_quantity, sell_quantity, buy_average, sell_average, net_quantity,
			last_price, realized_pnl, unrealized_pnl, status, trailing_sl, peak_price, stop_level,
			opened_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, broker_id, symbol, day) DO UPDATE SET
			account_id = excluded.account_id,
			strategy_id = excluded.strategy_id,
			leg_id = excluded.leg_id,
			exchange = excluded.exchange,
			product = excluded.product,
			buy_quantity = excluded.buy_quantity,
			sell_quantity = excluded.sell_quantity,
			buy_average = excluded.buy_average,
			sell_average = excluded.sell_average,
			net_quantity = excluded.net_quantity,
			last_price = excluded.last_price,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			status = excluded.status,
			trailing_sl = excluded.trailing_sl,
			peak_price = excluded.peak_price,
			stop_level = excluded.stop_level,
			opened_at = excluded.opened_at,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at
	`, p.ID, p.UserID, p.BrokerID, nullString(p.AccountID), p.Symbol, p.Day, nullString(p.StrategyID),
		nullString(p.LegID), string(p.Exchange), string(p.Product), p.BuyQuantity, p.SellQuantity,
		p.BuyAverage, p.SellAverage, p.NetQuantity, p.LastPrice, p.RealizedPnL, p.UnrealizedPnL,
		string(p.Status), trailing, p.PeakPrice, p.StopLevel, nullTime(&opened), nullTime(p.ClosedAt), dbTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// GetPosition loads the position at key.
func (s *SQLiteStore) GetPosition(ctx context.Context, key models.PositionKey) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND broker_id = ? AND symbol = ? AND day = ?
	`, key.UserID, key.BrokerID, key.Symbol, key.Day)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "position %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// ListPositions retrieves positions matching filter.
func (s *SQLiteStore) ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE 1=1"
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.StrategyID != "" {
		query += " AND strategy_id = ?"
		args = append(args, filter.StrategyID)
	}
	if filter.Day != "" {
		query += " AND day = ?"
		args = append(args, filter.Day)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY symbol ASC, broker_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

func scanPosition(row scanner) (*models.Position, error) {
	var p models.Position
	var trailing string
	var opened, closed sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &p.BrokerID, &p.AccountID, &p.Symbol, &p.Day, &p.StrategyID,
		&p.LegID, &p.Exchange, &p.Product, &p.BuyQuantity, &p.SellQuantity, &p.BuyAverage,
		&p.SellAverage, &p.NetQuantity, &p.LastPrice, &p.RealizedPnL, &p.UnrealizedPnL, &p.Status,
		&trailing, &p.PeakPrice, &p.StopLevel, &opened, &closed, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if trailing != "" {
		var cfg models.TrailingSLConfig
		if err := json.Unmarshal([]byte(trailing), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode trailing stop: %w", err)
		}
		p.TrailingSL = &cfg
	}
	if opened.Valid {
		p.OpenedAt = opened.Time
	}
	p.ClosedAt = timePtr(closed)
	return &p, nil
}
