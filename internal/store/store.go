// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"options-executor/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Catalog
	SaveRecord(ctx context.Context, rec models.Record) error
	GetRecord(ctx context.Context, entityType models.EntityType, id string) (models.Record, error)
	SaveStrategy(ctx context.Context, s *models.Strategy) error
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	ListStrategies(ctx context.Context, filter StrategyFilter) ([]models.Strategy, error)

	// Schedule discovery
	DueEntries(ctx context.Context, userID string, weekday models.Weekday, hhmm string, typ models.ExecutionType) ([]models.ScheduleEntry, error)
	ActiveUsers(ctx context.Context, weekday models.Weekday, day string) ([]string, error)

	// Allocations
	CreateAllocation(ctx context.Context, a *models.Allocation) error
	GetAllocation(ctx context.Context, id string) (*models.Allocation, error)
	ListAllocations(ctx context.Context, filter AllocationFilter) ([]models.Allocation, error)
	UpdateAllocation(ctx context.Context, a *models.Allocation, expectedVersion int64) error

	// Orders
	SaveOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)

	// Positions
	UpdatePosition(ctx context.Context, key models.PositionKey, fn func(p *models.Position) error) (*models.Position, error)
	GetPosition(ctx context.Context, key models.PositionKey) (*models.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)

	// Executions & runs
	SaveExecution(ctx context.Context, r *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.ExecutionRecord, error)
	GetRun(ctx context.Context, userID, strategyID, day string) (*models.StrategyRun, error)
	UpdateRun(ctx context.Context, userID, strategyID, day string, fn func(r *models.StrategyRun) error) (*models.StrategyRun, error)
	ListRuns(ctx context.Context, userID, day string) ([]models.StrategyRun, error)

	// Broker accounts
	SaveAccount(ctx context.Context, a *models.BrokerAccount) error
	GetAccount(ctx context.Context, id string) (*models.BrokerAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]models.BrokerAccount, error)

	// Lifecycle
	Close() error
}

// StrategyFilter represents filters for querying strategies.
type StrategyFilter struct {
	UserID   string
	BasketID string
	Status   models.StrategyStatus
}

// AllocationFilter represents filters for querying allocations.
// Results are ordered by priority, then id.
type AllocationFilter struct {
	UserID     string
	BasketID   string
	StrategyID string
	Legacy     bool // only allocations without a basket
	Status     models.AllocationStatus
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	UserID      string
	StrategyID  string
	BrokerID    string
	Symbol      string
	Statuses    []models.OrderStatus
	OpenOnly    bool // non-terminal statuses
	PlacedAfter time.Time
	Limit       int
}

// PositionFilter represents filters for querying positions.
type PositionFilter struct {
	UserID     string
	StrategyID string
	Day        string
	Status     models.PositionStatus
}

// ExecutionFilter represents filters for querying execution records.
type ExecutionFilter struct {
	UserID     string
	StrategyID string
	Day        string
	Statuses   []models.ExecutionStatus
	Limit      int
}
