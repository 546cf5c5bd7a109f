// Package logging builds the process logger and the context fields every
// component attaches: user, event, strategy, broker and order.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days

	// Out is the console destination, os.Stdout when nil.
	Out io.Writer
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "options-executor", "logs", "executor.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLoggerWithConfig builds a logger writing to the console, a rotating
// file, or both. It also sets the global level.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				ll, _ := i.(string)
				switch ll {
				case "debug":
					return "\033[36mDBG\033[0m"
				case "info":
					return "\033[32mINF\033[0m"
				case "warn":
					return "\033[33mWRN\033[0m"
				case "error":
					return "\033[31mERR\033[0m"
				case "":
					return "???"
				}
				return ll
			},
		})
	}

	if cfg.File {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = out
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(writer).With().Timestamp().Caller().Logger()
}

// WithLogger attaches logger to ctx for event handlers.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// FromContext returns the logger attached by WithLogger, or fallback.
func FromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}

// WithUser adds a user ID to the logger context.
func WithUser(logger zerolog.Logger, userID string) zerolog.Logger {
	return logger.With().Str("user_id", userID).Logger()
}

// WithEvent adds the event and sub-event IDs to the logger context.
func WithEvent(logger zerolog.Logger, eventID, subEventID string) zerolog.Logger {
	ctx := logger.With().Str("event_id", eventID)
	if subEventID != "" {
		ctx = ctx.Str("sub_event_id", subEventID)
	}
	return ctx.Logger()
}

// WithStrategy adds a strategy ID to the logger context.
func WithStrategy(logger zerolog.Logger, strategyID string) zerolog.Logger {
	return logger.With().Str("strategy_id", strategyID).Logger()
}

// WithBroker adds a broker ID to the logger context.
func WithBroker(logger zerolog.Logger, brokerID string) zerolog.Logger {
	return logger.With().Str("broker", brokerID).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, orderID, symbol, side, status string) {
	logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("status", status).
		Msg("Order update")
}

// LogExecution logs the aggregate outcome of a strategy execution.
func LogExecution(logger zerolog.Logger, strategyID, executionType string, succeeded, failed int) {
	event := logger.Info()
	if failed > 0 {
		event = logger.Warn()
	}
	event.
		Str("event", "execution").
		Str("strategy_id", strategyID).
		Str("execution_type", executionType).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("Strategy executed")
}
