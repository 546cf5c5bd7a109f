package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/metrics"
	"options-executor/internal/models"
	"options-executor/internal/resilience"
)

// ClientConfig configures the guards Client places around a variant.
type ClientConfig struct {
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	Breaker   resilience.CircuitBreakerConfig
}

// Client is the Broker the engine talks to. Every order is validated before
// the variant sees it; calls are rate limited, run behind a circuit breaker
// and recorded in metrics.
type Client struct {
	inner   Broker
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewClient wraps inner with validation, rate limiting and a circuit breaker.
func NewClient(inner Broker, cfg ClientConfig) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	bcfg := cfg.Breaker
	if bcfg.IsFailure == nil {
		bcfg.IsFailure = IsTransient
	}
	userHook := bcfg.OnStateChange
	bcfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		metrics.BrokerCircuitState.WithLabelValues(name).Set(circuitGauge(to))
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	return &Client{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker(inner.Name(), bcfg),
	}
}

// IsTransient reports whether err is an infrastructure failure that should
// count against the circuit. Broker rejections and validation errors do not.
func IsTransient(err error) bool {
	switch apperrors.FailureReason(err) {
	case apperrors.ReasonNetworkError, apperrors.ReasonTimeout, apperrors.ReasonRateLimited, apperrors.ReasonUnknown:
		return true
	}
	return false
}

func circuitGauge(s resilience.CircuitState) float64 {
	switch s {
	case resilience.CircuitHalfOpen:
		return 1
	case resilience.CircuitOpen:
		return 2
	}
	return 0
}

// Inner returns the wrapped variant.
func (c *Client) Inner() Broker {
	return c.inner
}

// PriceFeed returns the variant's price feed when it has one.
func (c *Client) PriceFeed() (PriceFeed, bool) {
	pf, ok := c.inner.(PriceFeed)
	return pf, ok
}

// Breaker exposes the circuit for status reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Name returns the variant's name.
func (c *Client) Name() string {
	return c.inner.Name()
}

// Connect opens a session on the variant. A fresh session closes the
// circuit.
func (c *Client) Connect(ctx context.Context, creds models.Credentials) (bool, error) {
	started := time.Now()
	ok, err := c.inner.Connect(ctx, creds)
	metrics.ObserveBroker(c.Name(), "connect", started, err)
	if ok && err == nil {
		c.breaker.Reset()
	}
	return ok, err
}

// IsConnected reports the variant's session state.
func (c *Client) IsConnected() bool {
	return c.inner.IsConnected()
}

// PlaceOrder validates req and places it.
func (c *Client) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if err := ValidateOrder(req); err != nil {
		return nil, err
	}
	return guard(c, ctx, "place_order", func(ctx context.Context) (*models.OrderResult, error) {
		return c.inner.PlaceOrder(ctx, req)
	})
}

// ModifyOrder modifies an open order.
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderID string, changes models.OrderChanges) (*models.OrderResult, error) {
	if brokerOrderID == "" {
		return nil, apperrors.NewValidationError("order_id", brokerOrderID, "broker order id is required")
	}
	if changes.Quantity < 0 {
		return nil, apperrors.NewValidationError("quantity", changes.Quantity, "quantity must not be negative")
	}
	return guard(c, ctx, "modify_order", func(ctx context.Context) (*models.OrderResult, error) {
		return c.inner.ModifyOrder(ctx, brokerOrderID, changes)
	})
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	return guard(c, ctx, "cancel_order", func(ctx context.Context) (bool, error) {
		return c.inner.CancelOrder(ctx, brokerOrderID)
	})
}

// OrderStatus fetches one order's state.
func (c *Client) OrderStatus(ctx context.Context, brokerOrderID string) (*models.OrderUpdate, error) {
	return guard(c, ctx, "order_status", func(ctx context.Context) (*models.OrderUpdate, error) {
		return c.inner.OrderStatus(ctx, brokerOrderID)
	})
}

// ListOrders fetches orders matching filter.
func (c *Client) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.OrderUpdate, error) {
	return guard(c, ctx, "list_orders", func(ctx context.Context) ([]models.OrderUpdate, error) {
		return c.inner.ListOrders(ctx, filter)
	})
}

// Positions fetches open positions.
func (c *Client) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	return guard(c, ctx, "positions", func(ctx context.Context) ([]models.BrokerPosition, error) {
		return c.inner.Positions(ctx)
	})
}

// Margins fetches the margin snapshot.
func (c *Client) Margins(ctx context.Context) (*models.MarginInfo, error) {
	return guard(c, ctx, "margins", func(ctx context.Context) (*models.MarginInfo, error) {
		return c.inner.Margins(ctx)
	})
}

func guard[T any](c *Client, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, apperrors.NewBrokerError(c.Name(), apperrors.ReasonRateLimited, "rate limit wait: "+err.Error(), err)
	}

	started := time.Now()
	v, err := resilience.ExecuteWithResult(c.breaker, ctx, fn)
	metrics.ObserveBroker(c.Name(), op, started, err)
	return v, err
}

var _ Broker = (*Client)(nil)
