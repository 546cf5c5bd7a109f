package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

// GatewayBroker implements Broker for an OAuth2-authenticated REST gateway.
// Sessions are opened with the authorization-code flow; the code exchange is
// signed with SHA-256(client_id + client_secret + code).
type GatewayBroker struct {
	name    string
	baseURL string
	oauth   *oauth2.Config
	base    *http.Client
	client  *http.Client
	token   *oauth2.Token
	mu      sync.RWMutex
}

// GatewayConfig holds configuration for the gateway broker.
type GatewayConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	BaseURL      string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	HTTPClient   *http.Client
}

// NewGatewayBroker creates a new gateway broker instance.
func NewGatewayBroker(cfg GatewayConfig) *GatewayBroker {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	name := cfg.Name
	if name == "" {
		name = string(models.BrokerGateway)
	}

	return &GatewayBroker{
		name:    name,
		baseURL: cfg.BaseURL,
		base:    base,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// Name returns the broker id.
func (g *GatewayBroker) Name() string {
	return g.name
}

// LoginURL returns the URL a user visits to obtain an authorization code.
func (g *GatewayBroker) LoginURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

// Connect installs the access token, or exchanges the request token (an
// authorization code) for one.
func (g *GatewayBroker) Connect(ctx context.Context, creds models.Credentials) (bool, error) {
	var token *oauth2.Token
	switch {
	case creds.AccessToken != "":
		token = &oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}
	case creds.RequestToken != "":
		exCtx := context.WithValue(ctx, oauth2.HTTPClient, g.base)
		t, err := g.oauth.Exchange(exCtx, creds.RequestToken,
			oauth2.SetAuthURLParam("checksum", g.checksum(creds.RequestToken)))
		if err != nil {
			return false, apperrors.NewBrokerError(g.name, apperrors.ReasonNotConnected,
				"failed to exchange authorization code: "+err.Error(), err)
		}
		token = t
	default:
		return false, apperrors.Wrap(apperrors.ErrNotConnected, "gateway: access token or request token required")
	}

	clientCtx := context.WithValue(context.Background(), oauth2.HTTPClient, g.base)
	g.mu.Lock()
	g.token = token
	g.client = oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(token))
	g.mu.Unlock()

	return true, nil
}

// AccessToken returns the session token for persistence.
func (g *GatewayBroker) AccessToken() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.token == nil {
		return ""
	}
	return g.token.AccessToken
}

// IsConnected returns true if a session token is installed.
func (g *GatewayBroker) IsConnected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client != nil
}

func (g *GatewayBroker) checksum(code string) string {
	sum := sha256.Sum256([]byte(g.oauth.ClientID + g.oauth.ClientSecret + code))
	return hex.EncodeToString(sum[:])
}

type gatewayOrderRequest struct {
	OrderID         string  `json:"order_id,omitempty"`
	Symbol          string  `json:"trading_symbol,omitempty"`
	Exchange        string  `json:"exchange,omitempty"`
	TransactionType string  `json:"transaction_type,omitempty"`
	OrderType       string  `json:"order_type,omitempty"`
	Product         string  `json:"product,omitempty"`
	Quantity        int     `json:"quantity,omitempty"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	Validity        string  `json:"validity,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

type gatewayOrder struct {
	OrderID         string  `json:"order_id"`
	Symbol          string  `json:"trading_symbol"`
	TransactionType string  `json:"transaction_type"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
}

type gatewayPosition struct {
	Symbol       string  `json:"trading_symbol"`
	Exchange     string  `json:"exchange"`
	Product      string  `json:"product"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
}

type gatewayFunds struct {
	Equity struct {
		AvailableMargin float64 `json:"available_margin"`
		UsedMargin      float64 `json:"used_margin"`
	} `json:"equity"`
}

type gatewayEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// PlaceOrder places a day order.
func (g *GatewayBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	body := gatewayOrderRequest{
		Symbol:          req.Symbol,
		Exchange:        string(req.Exchange),
		TransactionType: string(req.Side),
		OrderType:       string(req.Type),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Validity:        "DAY",
		Tag:             req.Tag,
	}
	if req.Type.IsLimitClass() {
		body.Price = req.Price.InexactFloat64()
	}
	if req.Type.IsStopClass() {
		body.TriggerPrice = req.TriggerPrice.InexactFloat64()
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := g.do(ctx, http.MethodPost, "/order/place", nil, body, &resp); err != nil {
		return nil, err
	}

	return &models.OrderResult{
		BrokerOrderID: resp.OrderID,
		Status:        models.OrderPlaced,
		Message:       "Order placed successfully",
	}, nil
}

// ModifyOrder modifies an open order.
func (g *GatewayBroker) ModifyOrder(ctx context.Context, brokerOrderID string, changes models.OrderChanges) (*models.OrderResult, error) {
	body := gatewayOrderRequest{
		OrderID:      brokerOrderID,
		OrderType:    string(changes.Type),
		Quantity:     changes.Quantity,
		Price:        changes.Price.InexactFloat64(),
		TriggerPrice: changes.TriggerPrice.InexactFloat64(),
		Validity:     "DAY",
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := g.do(ctx, http.MethodPut, "/order/modify", nil, body, &resp); err != nil {
		return nil, err
	}

	return &models.OrderResult{
		BrokerOrderID: brokerOrderID,
		Status:        models.OrderOpen,
		Message:       "Order modified",
	}, nil
}

// CancelOrder cancels an open order.
func (g *GatewayBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	q := url.Values{"order_id": {brokerOrderID}}
	if err := g.do(ctx, http.MethodDelete, "/order/cancel", q, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

// OrderStatus fetches a single order.
func (g *GatewayBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*models.OrderUpdate, error) {
	var o gatewayOrder
	q := url.Values{"order_id": {brokerOrderID}}
	if err := g.do(ctx, http.MethodGet, "/order/details", q, nil, &o); err != nil {
		return nil, err
	}
	if o.OrderID == "" {
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "gateway order %s", brokerOrderID)
	}
	u := gatewayOrderUpdate(o)
	return &u, nil
}

// ListOrders fetches the day's orders.
func (g *GatewayBroker) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.OrderUpdate, error) {
	var orders []gatewayOrder
	if err := g.do(ctx, http.MethodGet, "/order/retrieve-all", nil, nil, &orders); err != nil {
		return nil, err
	}

	var result []models.OrderUpdate
	for _, o := range orders {
		if u := gatewayOrderUpdate(o); filter.Matches(u) {
			result = append(result, u)
		}
	}
	return result, nil
}

// Positions fetches open positions.
func (g *GatewayBroker) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	var positions []gatewayPosition
	if err := g.do(ctx, http.MethodGet, "/portfolio/positions", nil, nil, &positions); err != nil {
		return nil, err
	}

	result := make([]models.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		result = append(result, models.BrokerPosition{
			Symbol:       p.Symbol,
			Exchange:     models.Exchange(p.Exchange),
			Product:      models.ProductType(p.Product),
			Quantity:     p.Quantity,
			AveragePrice: decimal.NewFromFloat(p.AveragePrice),
			LastPrice:    decimal.NewFromFloat(p.LastPrice),
			PnL:          decimal.NewFromFloat(p.PnL),
		})
	}
	return result, nil
}

// Margins fetches the equity funds summary.
func (g *GatewayBroker) Margins(ctx context.Context) (*models.MarginInfo, error) {
	var funds gatewayFunds
	if err := g.do(ctx, http.MethodGet, "/user/funds-and-margin", nil, nil, &funds); err != nil {
		return nil, err
	}

	available := decimal.NewFromFloat(funds.Equity.AvailableMargin)
	used := decimal.NewFromFloat(funds.Equity.UsedMargin)
	return &models.MarginInfo{
		Available: available,
		Used:      used,
		Total:     available.Add(used),
	}, nil
}

// do performs one authenticated call and decodes the envelope's data into out.
func (g *GatewayBroker) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()
	if client == nil {
		return apperrors.ErrNotConnected
	}

	endpoint := g.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.NewBrokerError(g.name, "", "request failed: "+err.Error(),
			fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewBrokerError(g.name, apperrors.ReasonNetworkError, "failed to read response", err)
	}

	var env gatewayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.NewBrokerError(g.name, "",
			fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode), err)
	}

	if resp.StatusCode >= 400 || env.Status != "success" {
		return g.responseError(resp.StatusCode, env)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

func (g *GatewayBroker) responseError(status int, env gatewayEnvelope) error {
	msg := env.Message
	if msg == "" && len(env.Errors) > 0 {
		msg = env.Errors[0].Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := ""
	switch status {
	case http.StatusUnauthorized:
		code = apperrors.ReasonNotConnected
	case http.StatusTooManyRequests:
		code = apperrors.ReasonRateLimited
	case http.StatusNotFound:
		return apperrors.Wrap(apperrors.ErrOrderNotFound, msg)
	}
	if code == "" && status >= 500 {
		// server faults are transient unless the message says otherwise
		if apperrors.FailureReason(apperrors.New(msg)) == apperrors.ReasonUnknown {
			code = apperrors.ReasonNetworkError
		}
	}
	return apperrors.NewBrokerError(g.name, code, msg, nil)
}

func gatewayOrderUpdate(o gatewayOrder) models.OrderUpdate {
	return models.OrderUpdate{
		BrokerOrderID: o.OrderID,
		Symbol:        o.Symbol,
		Side:          models.OrderSide(o.TransactionType),
		Status:        resolveStatus(gatewayStatuses, o.Status, o.Quantity, o.FilledQuantity),
		RawStatus:     o.Status,
		Quantity:      o.Quantity,
		FilledQty:     o.FilledQuantity,
		FillPrice:     decimal.NewFromFloat(o.AveragePrice),
		Message:       o.StatusMessage,
		UpdatedAt:     time.Now(),
	}
}

// Ensure GatewayBroker implements Broker
var _ Broker = (*GatewayBroker)(nil)
