package store

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

const allocationColumns = `id, user_id, basket_id, strategy_id, leg_id, broker_id, account_id,
	lot_multiplier, priority, status, max_lots, max_order_value, version, created_at, updated_at`

// CreateAllocation inserts a new allocation at version 1.
func (s *SQLiteStore) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Version = 1
	if a.Status == "" {
		a.Status = models.AllocationActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, nullString(a.BasketID), nullString(a.StrategyID), nullString(a.LegID),
		a.BrokerID, a.AccountID, a.LotMultiplier, a.Priority, string(a.Status),
		a.RiskLimits.MaxLots, a.RiskLimits.MaxOrderValue, a.Version, dbTime(a.CreatedAt), dbTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

// GetAllocation loads an allocation by id.
func (s *SQLiteStore) GetAllocation(ctx context.Context, id string) (*models.Allocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "allocation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return a, nil
}

// ListAllocations returns allocations matching filter ordered by priority
// ascending, ties broken by id.
func (s *SQLiteStore) ListAllocations(ctx context.Context, filter AllocationFilter) ([]models.Allocation, error) {
	query := "SELECT " + allocationColumns + " FROM allocations WHERE 1=1"
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.BasketID != "" {
		query += " AND basket_id = ?"
		args = append(args, filter.BasketID)
	}
	if filter.StrategyID != "" {
		query += " AND strategy_id = ?"
		args = append(args, filter.StrategyID)
	}
	if filter.Legacy {
		query += " AND (basket_id IS NULL OR basket_id = '')"
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY priority ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []models.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocations = append(allocations, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}
	return allocations, nil
}

// UpdateAllocation writes a's mutable fields if the stored version equals
// expectedVersion, then bumps the version. A mismatch returns a ConflictError.
func (s *SQLiteStore) UpdateAllocation(ctx context.Context, a *models.Allocation, expectedVersion int64) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocations SET
			lot_multiplier = ?, priority = ?, status = ?, max_lots = ?, max_order_value = ?,
			broker_id = ?, account_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, a.LotMultiplier, a.Priority, string(a.Status), a.RiskLimits.MaxLots, a.RiskLimits.MaxOrderValue,
		a.BrokerID, a.AccountID, dbTime(now), a.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	if n == 0 {
		current, err := s.GetAllocation(ctx, a.ID)
		if err != nil {
			return err
		}
		return apperrors.NewConflictError("allocation", a.ID, expectedVersion, current.Version)
	}

	a.Version = expectedVersion + 1
	a.UpdatedAt = now
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAllocation(row scanner) (*models.Allocation, error) {
	var a models.Allocation
	var basketID, strategyID, legID sql.NullString
	var status string
	err := row.Scan(&a.ID, &a.UserID, &basketID, &strategyID, &legID, &a.BrokerID, &a.AccountID,
		&a.LotMultiplier, &a.Priority, &status, &a.RiskLimits.MaxLots, &a.RiskLimits.MaxOrderValue,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.BasketID = basketID.String
	a.StrategyID = strategyID.String
	a.LegID = legID.String
	a.Status = models.AllocationStatus(status)
	return &a, nil
}
