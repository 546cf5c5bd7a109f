// Package broker provides the broker capability interface, its simulated and
// live implementations, and the guarded client the engine talks to.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"options-executor/internal/models"
)

// Broker defines the capability set every broker variant implements.
type Broker interface {
	// Name identifies the variant in logs and metrics.
	Name() string

	// Session
	Connect(ctx context.Context, creds models.Credentials) (bool, error)
	IsConnected() bool

	// Orders
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, changes models.OrderChanges) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	OrderStatus(ctx context.Context, brokerOrderID string) (*models.OrderUpdate, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.OrderUpdate, error)

	// Account
	Positions(ctx context.Context) ([]models.BrokerPosition, error)
	Margins(ctx context.Context) (*models.MarginInfo, error)
}

// PriceFeed is implemented by brokers whose fills are driven by pushed prices.
type PriceFeed interface {
	UpdatePrice(symbol string, price decimal.Decimal)
}
