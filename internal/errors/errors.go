// Package errors provides the error taxonomy of the execution engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrSessionExpired    = errors.New("session expired")
	ErrMarketClosed      = errors.New("market is closed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrOrderNotFound     = errors.New("order not found")
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrVersionConflict   = errors.New("version conflict")
)

// Canonical failure reasons recorded on execution records.
const (
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonInvalidSymbol     = "INVALID_SYMBOL"
	ReasonMarketClosed      = "MARKET_CLOSED"
	ReasonInvalidQuantity   = "INVALID_QUANTITY"
	ReasonValidationFailed  = "VALIDATION_FAILED"
	ReasonBrokerRejected    = "BROKER_REJECTED"
	ReasonNetworkError      = "NETWORK_ERROR"
	ReasonTimeout           = "TIMEOUT"
	ReasonRateLimited       = "RATE_LIMITED"
	ReasonNotConnected      = "NOT_CONNECTED"
	ReasonUnknown           = "UNKNOWN"
)

var nonRetryable = map[string]bool{
	ReasonInsufficientFunds: true,
	ReasonInvalidSymbol:     true,
	ReasonMarketClosed:      true,
	ReasonInvalidQuantity:   true,
	ReasonValidationFailed:  true,
}

// IsRetryable reports whether an execution that failed with reason may be retried.
func IsRetryable(reason string) bool {
	return !nonRetryable[reason]
}

// BrokerError represents an error from a broker API.
type BrokerError struct {
	Broker    string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s/%s]: %s: %v", e.Broker, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s/%s]: %s", e.Broker, e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError. The code is classified from the
// message when empty.
func NewBrokerError(broker, code, message string, err error) *BrokerError {
	if code == "" {
		code = ClassifyMessage(message)
		if code == ReasonUnknown && err != nil {
			code = FailureReason(err)
		}
	}
	return &BrokerError{
		Broker:    broker,
		Code:      code,
		Message:   message,
		Retryable: IsRetryable(code),
		Err:       err,
	}
}

// ValidationError represents a malformed order or request. It is never retried.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// ConflictError is returned when an optimistic version check fails.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict updating %s %s: expected version %d, found %d", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// NewConflictError creates a new ConflictError.
func NewConflictError(entity, id string, expected, actual int64) *ConflictError {
	return &ConflictError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}

// FailureReason maps an error to a canonical failure reason.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var be *BrokerError
	if errors.As(err, &be) && be.Code != "" && be.Code != ReasonUnknown {
		return be.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		if ve.Field == "quantity" {
			return ReasonInvalidQuantity
		}
		return ReasonValidationFailed
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrInvalidSymbol):
		return ReasonInvalidSymbol
	case errors.Is(err, ErrMarketClosed):
		return ReasonMarketClosed
	case errors.Is(err, ErrInvalidQuantity):
		return ReasonInvalidQuantity
	case errors.Is(err, ErrInvalidOrder):
		return ReasonValidationFailed
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrSessionExpired):
		return ReasonNotConnected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrCircuitOpen):
		return ReasonNetworkError
	case errors.Is(err, ErrOrderRejected):
		return ReasonBrokerRejected
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps broker free text onto a failure reason.
func ClassifyMessage(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "insufficient") || strings.Contains(m, "margin exceeds") ||
		strings.Contains(m, "funds"):
		return ReasonInsufficientFunds
	case strings.Contains(m, "invalid symbol") || strings.Contains(m, "instrument") ||
		strings.Contains(m, "tradingsymbol"):
		return ReasonInvalidSymbol
	case strings.Contains(m, "market is closed") || strings.Contains(m, "markets are closed") ||
		strings.Contains(m, "market closed") || strings.Contains(m, "outside market hours"):
		return ReasonMarketClosed
	case strings.Contains(m, "quantity") || strings.Contains(m, "lot size"):
		return ReasonInvalidQuantity
	case strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit"):
		return ReasonRateLimited
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return ReasonTimeout
	case strings.Contains(m, "connection") || strings.Contains(m, "network") ||
		strings.Contains(m, "eof"):
		return ReasonNetworkError
	case strings.Contains(m, "token") || strings.Contains(m, "not authenticated") ||
		strings.Contains(m, "not connected"):
		return ReasonNotConnected
	case strings.Contains(m, "reject"):
		return ReasonBrokerRejected
	}
	return ReasonUnknown
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New.
func New(text string) error {
	return errors.New(text)
}
