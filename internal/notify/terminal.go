package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalNotifier prints notifications as colored one-line summaries.
type TerminalNotifier struct {
	mu          sync.Mutex
	out         io.Writer
	bellEnabled bool
}

// NewTerminalNotifier creates a terminal channel writing to out (stdout when nil).
func NewTerminalNotifier(out io.Writer) *TerminalNotifier {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalNotifier{out: out}
}

// SetBellEnabled rings the terminal bell for errors and risk exits.
func (tn *TerminalNotifier) SetBellEnabled(enabled bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.bellEnabled = enabled
}

// Name returns the name of the notifier.
func (tn *TerminalNotifier) Name() string { return "terminal" }

// IsEnabled returns true; the engine only adds the channel when configured.
func (tn *TerminalNotifier) IsEnabled() bool { return true }

// Send writes the formatted notification.
func (tn *TerminalNotifier) Send(ctx context.Context, userID string, n Notification) error {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	line := FormatNotification(userID, n)
	if tn.bellEnabled && (n.Type == NotificationError || n.Type == NotificationRisk) {
		line = "\a" + line
	}
	_, err := fmt.Fprintln(tn.out, line)
	return err
}

var typeStyles = map[NotificationType]struct {
	label string
	color *color.Color
}{
	NotificationOrder:     {"ORDER", color.New(color.FgCyan)},
	NotificationExecution: {"EXECUTION", color.New(color.FgGreen)},
	NotificationWarning:   {"WARNING", color.New(color.FgYellow)},
	NotificationRisk:      {"RISK", color.New(color.FgMagenta, color.Bold)},
	NotificationError:     {"ERROR", color.New(color.FgRed, color.Bold)},
}

// FormatNotification renders n as "[15:04:05] TYPE | user | title | message".
// Colors follow color.NoColor.
func FormatNotification(userID string, n Notification) string {
	style, ok := typeStyles[n.Type]
	if !ok {
		style.label = strings.ToUpper(string(n.Type))
		style.color = color.New(color.FgWhite)
	}

	var sb strings.Builder
	sb.WriteString(style.color.Sprintf("[%s] %s", n.Timestamp.Format("15:04:05"), style.label))
	if userID != "" {
		sb.WriteString(" | " + userID)
	}
	if n.Title != "" {
		sb.WriteString(" | " + n.Title)
	}
	sb.WriteString(" | " + n.Message)
	return sb.String()
}
