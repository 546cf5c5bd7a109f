package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerWithConfigLevels(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger := NewLoggerWithConfig(LogConfig{Level: "warn", Out: &buf})
	logger.Info().Msg("hidden")
	logger.Warn().Str("user_id", "u1").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one line at warn level, got %q", buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON without console writer: %v", err)
	}
	if entry["message"] != "shown" || entry["user_id"] != "u1" {
		t.Errorf("Unexpected entry %v", entry)
	}

	NewLoggerWithConfig(LogConfig{Level: "verbose", Out: &buf})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("Expected unknown level to fall back to info, got %s", zerolog.GlobalLevel())
	}
}

func TestFileWriterCreatesDirectory(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	path := filepath.Join(t.TempDir(), "logs", "executor.log")
	logger := NewLoggerWithConfig(LogConfig{Level: "info", File: true, FilePath: path, MaxSize: 1})
	logger.Info().Msg("to file")

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected log file at %s: %v", path, err)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	fallback := zerolog.New(&buf).With().Str("source", "fallback").Logger()

	l := FromContext(context.Background(), fallback)
	l.Info().Msg("a")
	if !strings.Contains(buf.String(), `"source":"fallback"`) {
		t.Errorf("Expected fallback logger without attachment, got %s", buf.String())
	}

	buf.Reset()
	attached := WithEvent(WithUser(zerolog.New(&buf), "u1"), "ev1", "ev1:Risk.TrailingSL.Check")
	ctx := WithLogger(context.Background(), attached)
	l = FromContext(ctx, fallback)
	l.Info().Msg("b")
	out := buf.String()
	if !strings.Contains(out, `"user_id":"u1"`) || !strings.Contains(out, `"sub_event_id":"ev1:Risk.TrailingSL.Check"`) {
		t.Errorf("Expected attached logger fields, got %s", out)
	}
	if strings.Contains(out, "fallback") {
		t.Errorf("Expected attached logger to win, got %s", out)
	}
}
