package store

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

const executionColumns = `id, user_id, strategy_id, leg_id, allocation_id, broker_id, execution_type, tag,
	status, COALESCE(order_id, ''), lots, COALESCE(failure_reason, ''), COALESCE(failure_detail, ''),
	retry_count, last_retry_at, day, created_at, updated_at`

// ============================================================================
// Execution Record Methods
// ============================================================================

// SaveExecution inserts or updates an execution record.
func (s *SQLiteStore) SaveExecution(ctx context.Context, r *models.ExecutionRecord) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (id, user_id, strategy_id, leg_id, allocation_id, broker_id,
			execution_type, tag, status, order_id, lots, failure_reason, failure_detail, retry_count,
			last_retry_at, day, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			order_id = excluded.order_id,
			lots = excluded.lots,
			failure_reason = excluded.failure_reason,
			failure_detail = excluded.failure_detail,
			retry_count = excluded.retry_count,
			last_retry_at = excluded.last_retry_at,
			updated_at = excluded.updated_at
	`, r.ID, r.UserID, r.StrategyID, r.LegID, r.AllocationID, r.BrokerID, string(r.ExecutionType),
		string(r.Tag), string(r.Status), nullString(r.OrderID), r.Lots, nullString(r.FailureReason),
		nullString(r.FailureDetail), r.RetryCount, nullTime(r.LastRetryAt), r.Day, dbTime(r.CreatedAt), dbTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}
	return nil
}

// GetExecution loads an execution record by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_records WHERE id = ?`, id)
	r, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "execution record %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}
	return r, nil
}

// ListExecutions retrieves execution records, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.ExecutionRecord, error) {
	query := "SELECT " + executionColumns + " FROM execution_records WHERE 1=1"
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
	if len(filter.Statuses) > 0 {
		in, inArgs := inClause(filter.Statuses)
		query += " AND status IN " + in
		args = append(args, inArgs...)
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}
	return records, nil
}

func scanExecution(row scanner) (*models.ExecutionRecord, error) {
	var r models.ExecutionRecord
	var lastRetry sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.StrategyID, &r.LegID, &r.AllocationID, &r.BrokerID,
		&r.ExecutionType, &r.Tag, &r.Status, &r.OrderID, &r.Lots, &r.FailureReason, &r.FailureDetail,
		&r.RetryCount, &lastRetry, &r.Day, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.LastRetryAt = timePtr(lastRetry)
	return &r, nil
}

// ============================================================================
// Strategy Run Methods
// ============================================================================

const runColumns = `user_id, strategy_id, day, status, entered_at, exited_at, COALESCE(exit_reason, ''),
	re_entry_count, updated_at`

// GetRun returns the run for (user, strategy, day), or an IDLE run if none
// has been recorded.
func (s *SQLiteStore) GetRun(ctx context.Context, userID, strategyID, day string) (*models.StrategyRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM strategy_runs WHERE user_id = ? AND strategy_id = ? AND day = ?
	`, userID, strategyID, day)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return &models.StrategyRun{UserID: userID, StrategyID: strategyID, Day: day, Status: models.RunIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy run: %w", err)
	}
	return r, nil
}

// UpdateRun applies fn to the run inside one serialised transaction.
func (s *SQLiteStore) UpdateRun(ctx context.Context, userID, strategyID, day string, fn func(r *models.StrategyRun) error) (*models.StrategyRun, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM strategy_runs WHERE user_id = ? AND strategy_id = ? AND day = ?
	`, userID, strategyID, day)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		r = &models.StrategyRun{UserID: userID, StrategyID: strategyID, Day: day, Status: models.RunIdle}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load strategy run: %w", err)
	}

	if err := fn(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_runs (user_id, strategy_id, day, status, entered_at, exited_at, exit_reason,
			re_entry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, strategy_id, day) DO UPDATE SET
			status = excluded.status,
			entered_at = excluded.entered_at,
			exited_at = excluded.exited_at,
			exit_reason = excluded.exit_reason,
			re_entry_count = excluded.re_entry_count,
			updated_at = excluded.updated_at
	`, r.UserID, r.StrategyID, r.Day, string(r.Status), nullTime(r.EnteredAt), nullTime(r.ExitedAt),
		nullString(string(r.ExitReason)), r.ReEntryCount, dbTime(r.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to save strategy run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return r, nil
}

// ListRuns returns a user's runs for day.
func (s *SQLiteStore) ListRuns(ctx context.Context, userID, day string) ([]models.StrategyRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM strategy_runs WHERE user_id = ? AND day = ? ORDER BY strategy_id ASC
	`, userID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy runs: %w", err)
	}
	defer rows.Close()

	var runs []models.StrategyRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*models.StrategyRun, error) {
	var r models.StrategyRun
	var entered, exited sql.NullTime
	err := row.Scan(&r.UserID, &r.StrategyID, &r.Day, &r.Status, &entered, &exited, &r.ExitReason,
		&r.ReEntryCount, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.EnteredAt = timePtr(entered)
	r.ExitedAt = timePtr(exited)
	return &r, nil
}
