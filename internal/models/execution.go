package models

import (
	"fmt"
	"time"
)

// ExecutionStatus is the outcome of one leg × allocation execution.
type ExecutionStatus string

const (
	ExecutionSuccess  ExecutionStatus = "SUCCESS"
	ExecutionFailed   ExecutionStatus = "FAILED"
	ExecutionRejected ExecutionStatus = "REJECTED"
)

// ExecutionRecord is the historical log of one leg × allocation attempt.
// Retries update the same record.
type ExecutionRecord struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	StrategyID    string          `json:"strategy_id"`
	LegID         string          `json:"leg_id"`
	AllocationID  string          `json:"allocation_id"`
	BrokerID      string          `json:"broker_id"`
	ExecutionType ExecutionType   `json:"execution_type"`
	Tag           ExecutionTag    `json:"tag"`
	Status        ExecutionStatus `json:"status"`
	OrderID       string          `json:"order_id,omitempty"`
	Lots          int64           `json:"lots"`
	FailureReason string          `json:"failure_reason,omitempty"`
	FailureDetail string          `json:"failure_detail,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastRetryAt   *time.Time      `json:"last_retry_at,omitempty"`
	Day           string          `json:"day"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Failed reports whether the record is a candidate for retry.
func (r *ExecutionRecord) Failed() bool {
	return r.Status == ExecutionFailed || r.Status == ExecutionRejected
}

// LastAttemptAt is the later of the creation time and the last retry.
func (r *ExecutionRecord) LastAttemptAt() time.Time {
	if r.LastRetryAt != nil {
		return *r.LastRetryAt
	}
	return r.CreatedAt
}

// RunStatus is the per-day lifecycle of a strategy.
type RunStatus string

const (
	RunIdle    RunStatus = "IDLE"
	RunEntered RunStatus = "ENTERED"
	RunExited  RunStatus = "EXITED"
)

// StrategyRun tracks one strategy's entries and exits for a trading day.
type StrategyRun struct {
	UserID       string     `json:"user_id"`
	StrategyID   string     `json:"strategy_id"`
	Day          string     `json:"day"`
	Status       RunStatus  `json:"status"`
	EnteredAt    *time.Time `json:"entered_at,omitempty"`
	ExitedAt     *time.Time `json:"exited_at,omitempty"`
	ExitReason   ExitReason `json:"exit_reason,omitempty"`
	ReEntryCount int        `json:"re_entry_count"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ExecutionMessage is one queued strategy execution. It carries identifiers
// only; the strategy is loaded when the message is consumed.
type ExecutionMessage struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	StrategyID    string        `json:"strategy_id"`
	ExecutionTime time.Time     `json:"execution_time"`
	ExecutionType ExecutionType `json:"execution_type"`
	Weekday       Weekday       `json:"weekday"`
	MarketPhase   MarketPhase   `json:"market_phase"`
	EventID       string        `json:"event_id"`
	Tag           ExecutionTag  `json:"tag"`
	Priority      Priority      `json:"priority"`
	DedupKey      string        `json:"dedup_key"`

	// Set for retries: re-executes exactly one leg × allocation.
	RecordID     string `json:"record_id,omitempty"`
	LegID        string `json:"leg_id,omitempty"`
	AllocationID string `json:"allocation_id,omitempty"`
}

// ScheduleDedupKey is the deterministic key for a scheduled execution.
func ScheduleDedupKey(strategyID string, typ ExecutionType, day, hhmm string) string {
	return fmt.Sprintf("%s#%s#%s#%s", strategyID, typ, day, hhmm)
}
