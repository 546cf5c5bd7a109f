// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serialises read-modify-write updates (positions, runs) so
	// concurrent fills on one key apply in order.
	writeMu sync.Mutex
	now     func() time.Time
	tokens  TokenCipher
}

// TokenCipher seals broker access tokens before they are written.
type TokenCipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// SetTokenCipher encrypts access tokens at rest from now on. Rows written
// earlier in plaintext still load.
func (s *SQLiteStore) SetTokenCipher(c TokenCipher) {
	s.tokens = c
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Catalog of baskets and strategies, discriminated by entity_type
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		parent_id TEXT,
		status TEXT,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (entity_type, id)
	);

	-- Schedule projection for discovery
	CREATE TABLE IF NOT EXISTS schedule_entries (
		user_id TEXT NOT NULL,
		weekday TEXT NOT NULL,
		time TEXT NOT NULL,
		execution_type TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		PRIMARY KEY (user_id, weekday, time, execution_type, strategy_id)
	);

	-- Broker lot allocations
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		basket_id TEXT,
		strategy_id TEXT,
		leg_id TEXT,
		broker_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		lot_multiplier TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		max_lots INTEGER DEFAULT 0,
		max_order_value TEXT DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		broker_order_id TEXT,
		user_id TEXT NOT NULL,
		strategy_id TEXT,
		leg_id TEXT,
		allocation_id TEXT,
		broker_id TEXT NOT NULL,
		account_id TEXT,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT DEFAULT '0',
		trigger_price TEXT DEFAULT '0',
		status TEXT NOT NULL,
		filled_quantity INTEGER DEFAULT 0,
		fill_price TEXT DEFAULT '0',
		rejection_reason TEXT,
		execution_type TEXT,
		tag TEXT,
		trading_mode TEXT,
		placed_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Positions per (user, broker, symbol, day)
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		account_id TEXT,
		symbol TEXT NOT NULL,
		day TEXT NOT NULL,
		strategy_id TEXT,
		leg_id TEXT,
		exchange TEXT,
		product TEXT,
		buy_quantity INTEGER DEFAULT 0,
		sell_quantity INTEGER DEFAULT 0,
		buy_average TEXT DEFAULT '0',
		sell_average TEXT DEFAULT '0',
		net_quantity INTEGER DEFAULT 0,
		last_price TEXT DEFAULT '0',
		realized_pnl TEXT DEFAULT '0',
		unrealized_pnl TEXT DEFAULT '0',
		status TEXT NOT NULL,
		trailing_sl TEXT,
		peak_price TEXT DEFAULT '0',
		stop_level TEXT DEFAULT '0',
		opened_at DATETIME,
		closed_at DATETIME,
		updated_at DATETIME NOT NULL,
		UNIQUE(user_id, broker_id, symbol, day)
	);

	-- Execution attempts, one per leg x allocation
	CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		leg_id TEXT NOT NULL,
		allocation_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		execution_type TEXT NOT NULL,
		tag TEXT NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT,
		lots INTEGER DEFAULT 0,
		failure_reason TEXT,
		failure_detail TEXT,
		retry_count INTEGER DEFAULT 0,
		last_retry_at DATETIME,
		day TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Per-day strategy lifecycle
	CREATE TABLE IF NOT EXISTS strategy_runs (
		user_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		day TEXT NOT NULL,
		status TEXT NOT NULL,
		entered_at DATETIME,
		exited_at DATETIME,
		exit_reason TEXT,
		re_entry_count INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, strategy_id, day)
	);

	-- Broker accounts and sessions
	CREATE TABLE IF NOT EXISTS broker_accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		client_id TEXT,
		access_token TEXT,
		token_expiry DATETIME,
		connected INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	-- Create indexes for performance
	CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(entity_type, parent_id);
	CREATE INDEX IF NOT EXISTS idx_entities_user ON entities(entity_type, user_id);
	CREATE INDEX IF NOT EXISTS idx_schedule_weekday ON schedule_entries(weekday, user_id);
	CREATE INDEX IF NOT EXISTS idx_schedule_strategy ON schedule_entries(strategy_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_basket ON allocations(basket_id, status, priority);
	CREATE INDEX IF NOT EXISTS idx_allocations_strategy ON allocations(strategy_id, status, priority);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, placed_at);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_positions_user_day ON positions(user_id, day, status);
	CREATE INDEX IF NOT EXISTS idx_executions_strategy ON execution_records(strategy_id, day);
	CREATE INDEX IF NOT EXISTS idx_executions_user_day ON execution_records(user_id, day, status);
	CREATE INDEX IF NOT EXISTS idx_accounts_user ON broker_accounts(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Catalog Methods
// ============================================================================

// SaveRecord persists any catalog variant in the table that owns it.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec models.Record) error {
	switch r := rec.(type) {
	case *models.Basket:
		return s.putEntity(ctx, s.db, r, "", r.UserID, r.Status)
	case *models.Strategy:
		return s.SaveStrategy(ctx, r)
	case *models.Allocation:
		if _, err := s.GetAllocation(ctx, r.ID); err == nil {
			return s.UpdateAllocation(ctx, r, r.Version)
		}
		return s.CreateAllocation(ctx, r)
	case *models.Order:
		return s.SaveOrder(ctx, r)
	case *models.Position:
		_, err := s.UpdatePosition(ctx, r.Key(), func(p *models.Position) error {
			id := p.ID
			*p = *r
			if id != "" {
				p.ID = id
			}
			return nil
		})
		return err
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
}

// GetRecord loads a catalog record by discriminant and id.
func (s *SQLiteStore) GetRecord(ctx context.Context, entityType models.EntityType, id string) (models.Record, error) {
	switch entityType {
	case models.EntityAllocation:
		return s.GetAllocation(ctx, id)
	case models.EntityOrder:
		return s.GetOrder(ctx, id)
	}

	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM entities WHERE entity_type = ? AND id = ?
	`, string(entityType), id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "%s %s", entityType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", entityType, err)
	}
	return models.DecodeRecord(entityType, []byte(body))
}

// SaveStrategy upserts a strategy and rebuilds its schedule projection.
func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *models.Strategy) error {
	if err := st.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.putEntity(ctx, tx, st, st.BasketID, st.UserID, string(st.Status)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_entries WHERE strategy_id = ?`, st.ID); err != nil {
		return fmt.Errorf("failed to clear schedule entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO schedule_entries (user_id, weekday, time, execution_type, strategy_id)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range st.ScheduleEntries() {
		if _, err := stmt.ExecContext(ctx, e.UserID, string(e.Weekday), e.Time, string(e.ExecutionType), e.StrategyID); err != nil {
			return fmt.Errorf("failed to insert schedule entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetStrategy loads a strategy with its legs.
func (s *SQLiteStore) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	rec, err := s.GetRecord(ctx, models.EntityStrategy, id)
	if err != nil {
		return nil, err
	}
	return rec.(*models.Strategy), nil
}

// ListStrategies returns strategies matching filter, ordered by id.
func (s *SQLiteStore) ListStrategies(ctx context.Context, filter StrategyFilter) ([]models.Strategy, error) {
	query := "SELECT body FROM entities WHERE entity_type = ?"
	args := []interface{}{string(models.EntityStrategy)}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.BasketID != "" {
		query += " AND parent_id = ?"
		args = append(args, filter.BasketID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var strategies []models.Strategy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		rec, err := models.DecodeRecord(models.EntityStrategy, []byte(body))
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, *rec.(*models.Strategy))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategies: %w", err)
	}
	return strategies, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) putEntity(ctx context.Context, db execer, rec models.Record, parentID, userID, status string) error {
	typ, body, err := models.EncodeRecord(rec)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = db.ExecContext(ctx, `
		INSERT INTO entities (entity_type, id, user_id, parent_id, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			user_id = excluded.user_id,
			parent_id = excluded.parent_id,
			status = excluded.status,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, string(typ), rec.RecordID(), userID, nullString(parentID), status, string(body), dbTime(now), dbTime(now))
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", typ, err)
	}
	return nil
}

// ============================================================================
// Schedule Discovery Methods
// ============================================================================

// DueEntries returns the schedule entries at one (user, weekday, time, type)
// key. The lookup is served by the schedule primary key.
func (s *SQLiteStore) DueEntries(ctx context.Context, userID string, weekday models.Weekday, hhmm string, typ models.ExecutionType) ([]models.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id FROM schedule_entries
		WHERE user_id = ? AND weekday = ? AND time = ? AND execution_type = ?
		ORDER BY strategy_id ASC
	`, userID, string(weekday), hhmm, string(typ))
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ScheduleEntry
	for rows.Next() {
		e := models.ScheduleEntry{UserID: userID, Weekday: weekday, Time: hhmm, ExecutionType: typ}
		if err := rows.Scan(&e.StrategyID); err != nil {
			return nil, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule entries: %w", err)
	}
	return entries, nil
}

// ActiveUsers returns users with a schedule on weekday or an open position
// on day.
func (s *SQLiteStore) ActiveUsers(ctx context.Context, weekday models.Weekday, day string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM schedule_entries WHERE weekday = ?
		UNION
		SELECT user_id FROM positions WHERE day = ? AND status = ?
		ORDER BY user_id ASC
	`, string(weekday), day, string(models.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ============================================================================
// Helpers
// ============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// dbTime normalizes t to UTC. The driver binds times as text with the
// zone offset, so range filters and ordering only hold within one zone.
func dbTime(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// inClause returns "(?, ?, ...)" and the arguments for values.
func inClause[T ~string](values []T) (string, []interface{}) {
	marks := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = string(v)
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}
