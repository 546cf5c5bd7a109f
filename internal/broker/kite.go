package broker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

// KiteBroker implements Broker for Zerodha Kite Connect.
type KiteBroker struct {
	client      *kiteconnect.Client
	name        string
	apiSecret   string
	accessToken string
	connected   bool
	mu          sync.RWMutex
}

// KiteConfig holds configuration for the Kite broker.
type KiteConfig struct {
	Name       string
	APIKey     string
	APISecret  string
	BaseURL    string
	HTTPClient *http.Client
}

// NewKiteBroker creates a new Kite broker instance.
func NewKiteBroker(cfg KiteConfig) *KiteBroker {
	client := kiteconnect.New(cfg.APIKey)
	if cfg.BaseURL != "" {
		client.SetBaseURI(cfg.BaseURL)
	}
	if cfg.HTTPClient != nil {
		client.SetHTTPClient(cfg.HTTPClient)
	}

	name := cfg.Name
	if name == "" {
		name = string(models.BrokerKite)
	}

	return &KiteBroker{
		client:    client,
		name:      name,
		apiSecret: cfg.APISecret,
	}
}

// Name returns the broker id.
func (k *KiteBroker) Name() string {
	return k.name
}

// Connect installs an access token, exchanging the request token for one
// when no token is supplied. The client signs the exchange with
// SHA-256(api_key + request_token + api_secret).
func (k *KiteBroker) Connect(ctx context.Context, creds models.Credentials) (bool, error) {
	token := creds.AccessToken
	if token == "" {
		if creds.RequestToken == "" {
			return false, apperrors.Wrap(apperrors.ErrNotConnected, "kite: access token or request token required")
		}
		session, err := k.client.GenerateSession(creds.RequestToken, k.apiSecret)
		if err != nil {
			return false, k.wrap("failed to generate session", err)
		}
		token = session.AccessToken
	}

	k.mu.Lock()
	k.accessToken = token
	k.connected = true
	k.client.SetAccessToken(token)
	k.mu.Unlock()

	return true, nil
}

// AccessToken returns the session token for persistence.
func (k *KiteBroker) AccessToken() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.accessToken
}

// IsConnected returns true if a session token is installed.
func (k *KiteBroker) IsConnected() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.connected
}

// PlaceOrder places a regular order.
func (k *KiteBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if !k.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(req.Exchange),
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       string(req.Type),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Validity:        "DAY",
		Tag:             req.Tag,
	}
	if req.Type.IsLimitClass() {
		params.Price = req.Price.InexactFloat64()
	}
	if req.Type.IsStopClass() {
		params.TriggerPrice = req.TriggerPrice.InexactFloat64()
	}

	resp, err := k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, k.wrap("failed to place order", err)
	}

	return &models.OrderResult{
		BrokerOrderID: resp.OrderID,
		Status:        models.OrderPlaced,
		Message:       "Order placed successfully",
	}, nil
}

// ModifyOrder modifies an open order.
func (k *KiteBroker) ModifyOrder(ctx context.Context, brokerOrderID string, changes models.OrderChanges) (*models.OrderResult, error) {
	if !k.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	params := kiteconnect.OrderParams{
		Quantity:  changes.Quantity,
		OrderType: string(changes.Type),
		Validity:  "DAY",
	}
	if !changes.Price.IsZero() {
		params.Price = changes.Price.InexactFloat64()
	}
	if !changes.TriggerPrice.IsZero() {
		params.TriggerPrice = changes.TriggerPrice.InexactFloat64()
	}

	resp, err := k.client.ModifyOrder(kiteconnect.VarietyRegular, brokerOrderID, params)
	if err != nil {
		return nil, k.wrap("failed to modify order", err)
	}

	return &models.OrderResult{
		BrokerOrderID: resp.OrderID,
		Status:        models.OrderOpen,
		Message:       "Order modified",
	}, nil
}

// CancelOrder cancels an open order.
func (k *KiteBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if !k.IsConnected() {
		return false, apperrors.ErrNotConnected
	}

	if _, err := k.client.CancelOrder(kiteconnect.VarietyRegular, brokerOrderID, nil); err != nil {
		return false, k.wrap("failed to cancel order", err)
	}
	return true, nil
}

// OrderStatus returns the latest state from the order's history.
func (k *KiteBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*models.OrderUpdate, error) {
	if !k.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	history, err := k.client.GetOrderHistory(brokerOrderID)
	if err != nil {
		return nil, k.wrap("failed to get order history", err)
	}
	if len(history) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "kite order %s", brokerOrderID)
	}

	u := kiteOrderUpdate(history[len(history)-1])
	return &u, nil
}

// ListOrders fetches the day's orders.
func (k *KiteBroker) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.OrderUpdate, error) {
	if !k.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	orders, err := k.client.GetOrders()
	if err != nil {
		return nil, k.wrap("failed to get orders", err)
	}

	var result []models.OrderUpdate
	for _, o := range orders {
		if u := kiteOrderUpdate(o); filter.Matches(u) {
			result = append(result, u)
		}
	}
	return result, nil
}

// Positions fetches net positions.
func (k *KiteBroker) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	if !k.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	positions, err := k.client.GetPositions()
	if err != nil {
		return nil, k.wrap("failed to get positions", err)
	}

	result := make([]models.BrokerPosition, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		result = append(result, models.BrokerPosition{
			Symbol:       p.Tradingsymbol,
			Exchange:     models.Exchange(p.Exchange),
			Product:      models.ProductType(p.Product),
			Quantity:     int(p.Quantity),
			AveragePrice: decimal.NewFromFloat(p.AveragePrice),
			LastPrice:    decimal.NewFromFloat(p.LastPrice),
			PnL:          decimal.NewFromFloat(p.PnL),
		})
	}
	return result, nil
}

// Margins fetches the equity segment margins.
func (k *KiteBroker) Margins(ctx context.Context) (*models.MarginInfo, error) {
	if !k.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	margins, err := k.client.GetUserMargins()
	if err != nil {
		return nil, k.wrap("failed to get margins", err)
	}

	equity := margins.Equity
	return &models.MarginInfo{
		Available: decimal.NewFromFloat(equity.Available.Cash + equity.Available.Collateral),
		Used:      decimal.NewFromFloat(equity.Used.Debits),
		Total:     decimal.NewFromFloat(equity.Net),
	}, nil
}

func (k *KiteBroker) wrap(op string, err error) error {
	return apperrors.NewBrokerError(k.name, kiteErrorCode(err), op+": "+err.Error(), err)
}

// kiteErrorCode maps a Kite API error onto a failure reason. Order and input
// exceptions the message does not explain are broker rejections.
func kiteErrorCode(err error) string {
	var kerr kiteconnect.Error
	if !errors.As(err, &kerr) {
		return ""
	}
	if kerr.Code == http.StatusTooManyRequests {
		return apperrors.ReasonRateLimited
	}
	switch kerr.ErrorType {
	case kiteconnect.TokenError:
		return apperrors.ReasonNotConnected
	case kiteconnect.NetworkError, kiteconnect.DataError:
		return apperrors.ReasonNetworkError
	}
	reason := apperrors.ClassifyMessage(kerr.Message)
	if reason != apperrors.ReasonUnknown {
		return reason
	}
	switch kerr.ErrorType {
	case kiteconnect.OrderError, kiteconnect.InputError, kiteconnect.UserError, kiteconnect.PermissionError:
		return apperrors.ReasonBrokerRejected
	}
	return ""
}

func kiteOrderUpdate(o kiteconnect.Order) models.OrderUpdate {
	qty := int(o.Quantity)
	filled := int(o.FilledQuantity)
	updated := o.OrderTimestamp.Time
	if updated.IsZero() {
		updated = time.Now()
	}
	return models.OrderUpdate{
		BrokerOrderID: o.OrderID,
		Symbol:        o.TradingSymbol,
		Side:          models.OrderSide(o.TransactionType),
		Status:        resolveStatus(kiteStatuses, o.Status, qty, filled),
		RawStatus:     o.Status,
		Quantity:      qty,
		FilledQty:     filled,
		FillPrice:     decimal.NewFromFloat(o.AveragePrice),
		Message:       o.StatusMessage,
		UpdatedAt:     updated,
	}
}

// Ensure KiteBroker implements Broker
var _ Broker = (*KiteBroker)(nil)
