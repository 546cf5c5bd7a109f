// Package notify provides the real-time broadcast used to surface order
// updates, execution outcomes and warnings to users.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-executor/internal/models"
	"options-executor/pkg/utils"
)

// Notifier broadcasts a notification to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, userID string, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationOrder     NotificationType = "order"
	NotificationExecution NotificationType = "execution"
	NotificationWarning   NotificationType = "warning"
	NotificationRisk      NotificationType = "risk"
	NotificationError     NotificationType = "error"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelOrdersOnly NotificationLevel = "orders_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a MultiNotifier with the given level filter.
func NewMultiNotifier(level NotificationLevel) *MultiNotifier {
	if level == "" {
		level = LevelAll
	}
	return &MultiNotifier{level: level}
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	switch mn.level {
	case LevelOrdersOnly:
		return t == NotificationOrder || t == NotificationExecution || t == NotificationError
	case LevelErrorsOnly:
		return t == NotificationError || t == NotificationWarning
	default:
		return true
	}
}

// Notify sends n to every enabled channel and joins their errors.
func (mn *MultiNotifier) Notify(ctx context.Context, userID string, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := make([]NotificationChannel, len(mn.channels))
	copy(channels, mn.channels)
	mn.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, userID, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// OrderUpdate builds the notification for a persisted order.
func OrderUpdate(o *models.Order) Notification {
	title := fmt.Sprintf("%s %s %d", o.Side, o.Symbol, o.Quantity)
	msg := fmt.Sprintf("Order %s on %s is %s", o.ID, o.BrokerID, o.Status)
	if o.RejectionReason != "" {
		msg += ": " + o.RejectionReason
	}
	return Notification{
		Type:    NotificationOrder,
		Title:   title,
		Message: msg,
		Data: map[string]interface{}{
			"order_id":         o.ID,
			"broker_order_id":  o.BrokerOrderID,
			"strategy_id":      o.StrategyID,
			"leg_id":           o.LegID,
			"broker_id":        o.BrokerID,
			"symbol":           o.Symbol,
			"side":             o.Side,
			"quantity":         o.Quantity,
			"status":           o.Status,
			"filled_quantity":  o.FilledQuantity,
			"fill_price":       o.FillPrice.String(),
			"rejection_reason": o.RejectionReason,
		},
		Timestamp: o.UpdatedAt,
	}
}

// ExecutionSummary builds the notification for a finished strategy execution.
func ExecutionSummary(strategyID string, typ models.ExecutionType, tag models.ExecutionTag, succeeded, failed int, failures map[string]string) Notification {
	t := NotificationExecution
	if failed > 0 && succeeded == 0 {
		t = NotificationError
	}
	return Notification{
		Type:    t,
		Title:   fmt.Sprintf("%s %s", typ, strategyID),
		Message: fmt.Sprintf("%d succeeded, %d failed (%s)", succeeded, failed, tag),
		Data: map[string]interface{}{
			"strategy_id":    strategyID,
			"execution_type": typ,
			"tag":            tag,
			"succeeded":      succeeded,
			"failed":         failed,
			"failures":       failures,
		},
	}
}

// Warning builds a warning notification.
func Warning(title, message string, data map[string]interface{}) Notification {
	return Notification{Type: NotificationWarning, Title: title, Message: message, Data: data}
}

// RiskExit builds the notification for an exit triggered by a risk check.
func RiskExit(p *models.Position, reason models.ExitReason, level string) Notification {
	return Notification{
		Type:    NotificationRisk,
		Title:   fmt.Sprintf("%s %s", reason, p.Symbol),
		Message: fmt.Sprintf("Exit triggered at %s (level %s), P&L %s", p.LastPrice, level, utils.FormatPnL(p.UnrealizedPnL)),
		Data: map[string]interface{}{
			"strategy_id": p.StrategyID,
			"symbol":      p.Symbol,
			"broker_id":   p.BrokerID,
			"reason":      reason,
			"last_price":  p.LastPrice.String(),
			"level":       level,
		},
	}
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
	retry   utils.RetryConfig
}

// webhookStatusError is a non-2xx webhook response. Only 5xx is retried.
type webhookStatusError struct{ code int }

func (e *webhookStatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		enabled: url != "",
		client:  &http.Client{Timeout: timeout},
		retry: utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			Retryable: func(err error) bool {
				var se *webhookStatusError
				return !errors.As(err, &se) || se.code >= 500
			},
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts the notification as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, userID string, n Notification) error {
	payload := map[string]interface{}{
		"user_id":   userID,
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	return utils.Retry(ctx, w.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "OptionsExecutor/1.0")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("sending webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &webhookStatusError{code: resp.StatusCode}
		}
		return nil
	})
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Name returns the name of the notifier.
func (l *LogNotifier) Name() string { return "log" }

// IsEnabled returns whether the notifier is enabled.
func (l *LogNotifier) IsEnabled() bool { return true }

// Send logs the notification.
func (l *LogNotifier) Send(ctx context.Context, userID string, n Notification) error {
	ev := l.logger.Info()
	if n.Type == NotificationError || n.Type == NotificationWarning {
		ev = l.logger.Warn()
	}
	ev.Str("user_id", userID).
		Str("type", string(n.Type)).
		Str("title", n.Title).
		Interface("data", n.Data).
		Msg(n.Message)
	return nil
}

// NoOpNotifier is a notifier that does nothing.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Notify does nothing.
func (n *NoOpNotifier) Notify(ctx context.Context, userID string, notif Notification) error {
	return nil
}
