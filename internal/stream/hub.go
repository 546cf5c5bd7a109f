// Package stream fans notifications out to live per-user subscribers, such
// as websocket clients of the ops server.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"options-executor/internal/metrics"
	"options-executor/internal/notify"
)

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of consecutive drops before logging.
	SlowConsumerDropThreshold int
	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration
	// PingInterval is how often idle websocket clients are pinged.
	PingInterval time.Duration
	// PongWait is how long a client may stay silent before it is dropped.
	PongWait time.Duration
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBufferSize:      64,
		SlowConsumerDropThreshold: 10,
		WriteTimeout:              10 * time.Second,
		PingInterval:              30 * time.Second,
		PongWait:                  60 * time.Second,
	}
}

// Subscriber receives one user's notifications until it is unsubscribed or
// the hub closes, after which C is closed.
type Subscriber struct {
	UserID    string
	C         <-chan notify.Notification
	CreatedAt time.Time

	ch      chan notify.Notification
	dropped atomic.Int64 // consecutive
}

// Hub distributes notifications to subscribers keyed by user. Publishing
// never blocks: a subscriber whose buffer is full misses the notification.
type Hub struct {
	config HubConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
	closed      bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub.
func NewHub(config HubConfig, logger zerolog.Logger) *Hub {
	def := DefaultHubConfig()
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = def.SubscriberBufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	return &Hub{
		config:      config,
		logger:      logger.With().Str("component", "stream").Logger(),
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a subscriber for userID.
func (h *Hub) Subscribe(userID string) *Subscriber {
	ch := make(chan notify.Notification, h.config.SubscriberBufferSize)
	sub := &Subscriber{UserID: userID, C: ch, ch: ch, CreatedAt: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[*Subscriber]struct{})
	}
	h.subscribers[userID][sub] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[sub.UserID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	metrics.StreamSubscribers.Dec()
	if len(subs) == 0 {
		delete(h.subscribers, sub.UserID)
	}
}

// Publish delivers n to every subscriber of userID and returns how many
// received it.
func (h *Hub) Publish(userID string, n notify.Notification) int {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subscribers[userID] {
		select {
		case sub.ch <- n:
			sub.dropped.Store(0)
			delivered++
		default:
			h.dropped.Add(1)
			metrics.StreamNotifications.WithLabelValues("dropped").Inc()
			if d := sub.dropped.Add(1); d == int64(h.config.SlowConsumerDropThreshold) {
				h.logger.Warn().Str("user_id", userID).Int64("dropped", d).Msg("Slow stream subscriber")
			}
		}
	}
	h.delivered.Add(uint64(delivered))
	metrics.StreamNotifications.WithLabelValues("delivered").Add(float64(delivered))
	return delivered
}

// Name implements notify.NotificationChannel.
func (h *Hub) Name() string { return "stream" }

// IsEnabled implements notify.NotificationChannel.
func (h *Hub) IsEnabled() bool { return true }

// Send implements notify.NotificationChannel.
func (h *Hub) Send(ctx context.Context, userID string, n notify.Notification) error {
	h.Publish(userID, n)
	return nil
}

// Close closes every subscriber. Later subscribers receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for userID, subs := range h.subscribers {
		for sub := range subs {
			close(sub.ch)
			metrics.StreamSubscribers.Dec()
		}
		delete(h.subscribers, userID)
	}
}

// SubscriberCount returns the number of subscribers for userID.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
	Users       int    `json:"users"`
}

// Metrics returns hub counters.
func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := HubMetrics{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Users:     len(h.subscribers),
	}
	for _, subs := range h.subscribers {
		m.Subscribers += len(subs)
	}
	return m
}
