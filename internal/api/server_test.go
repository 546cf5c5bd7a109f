package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
	"options-executor/internal/scheduler"
	"options-executor/internal/store"
)

type fakeLoop struct{ last time.Time }

func (f fakeLoop) State() scheduler.LoopState { return scheduler.StateTicking }
func (f fakeLoop) LastTick() time.Time        { return f.last }

type fakeQueue struct{}

func (fakeQueue) Len() (int, int) { return 3, 1 }

type fakeReader struct {
	orderFilter store.OrderFilter
	execFilter  store.ExecutionFilter
}

func (f *fakeReader) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	f.orderFilter = filter
	return []models.Order{{ID: "o1", UserID: filter.UserID, Status: models.OrderOpen}}, nil
}

func (f *fakeReader) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]models.ExecutionRecord, error) {
	f.execFilter = filter
	return []models.ExecutionRecord{{ID: "r1", UserID: filter.UserID, Status: models.ExecutionFailed}}, nil
}

type fakeOrders struct {
	changes models.OrderChanges
}

func (f *fakeOrders) CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	switch orderID {
	case "missing":
		return nil, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	case "filled":
		return nil, apperrors.Wrapf(apperrors.ErrInvalidOrder, "order %s is FILLED", orderID)
	}
	return &models.Order{ID: orderID, UserID: userID, Status: models.OrderCancelled}, nil
}

func (f *fakeOrders) ModifyOrder(ctx context.Context, userID, orderID string, changes models.OrderChanges) (*models.Order, error) {
	f.changes = changes
	return &models.Order{ID: orderID, UserID: userID, Status: models.OrderOpen, Price: changes.Price}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeReader, *fakeOrders) {
	t.Helper()
	reader := &fakeReader{}
	orders := &fakeOrders{}
	s := NewServer(":0", Deps{
		Loop:   fakeLoop{last: time.Date(2024, 10, 14, 9, 20, 0, 0, time.UTC)},
		Queue:  fakeQueue{},
		Reader: reader,
		Orders: orders,
	}, zerolog.Nop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts, reader, orders
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Loop != string(scheduler.StateTicking) {
		t.Errorf("health = %+v", body)
	}
	if body.QueueReady == nil || *body.QueueReady != 3 || body.QueueDelayed == nil || *body.QueueDelayed != 1 {
		t.Errorf("queue = %v/%v, want 3/1", body.QueueReady, body.QueueDelayed)
	}
	if body.BrokerClients != nil {
		t.Errorf("broker clients = %d, want omitted", *body.BrokerClients)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// Hit a route first so the request counter has a sample.
	if resp, err := http.Get(ts.URL + "/health"); err == nil {
		resp.Body.Close()
	}
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "executor_http_requests_total") {
		t.Error("metrics output missing executor_http_requests_total")
	}
}

func TestListRoutesPassFilters(t *testing.T) {
	ts, reader, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/users/u1/orders?open=true&strategy_id=s1&limit=5")
	if err != nil {
		t.Fatalf("GET orders: %v", err)
	}
	resp.Body.Close()
	if f := reader.orderFilter; f.UserID != "u1" || !f.OpenOnly || f.StrategyID != "s1" || f.Limit != 5 {
		t.Errorf("order filter = %+v", f)
	}

	resp, err = http.Get(ts.URL + "/api/v1/users/u1/executions?day=2024-10-14&status=FAILED")
	if err != nil {
		t.Fatalf("GET executions: %v", err)
	}
	defer resp.Body.Close()
	var records []models.ExecutionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].ID != "r1" {
		t.Errorf("records = %+v", records)
	}
	f := reader.execFilter
	if f.Day != "2024-10-14" || len(f.Statuses) != 1 || f.Statuses[0] != models.ExecutionFailed {
		t.Errorf("execution filter = %+v", f)
	}
}

func TestCancelOrderStatusCodes(t *testing.T) {
	ts, _, _ := newTestServer(t)

	tests := []struct {
		order string
		want  int
	}{
		{"o1", http.StatusOK},
		{"missing", http.StatusNotFound},
		{"filled", http.StatusConflict},
	}
	for _, tt := range tests {
		resp, err := http.Post(ts.URL+"/api/v1/users/u1/orders/"+tt.order+"/cancel", "application/json", nil)
		if err != nil {
			t.Fatalf("POST cancel %s: %v", tt.order, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("cancel %s = %d, want %d", tt.order, resp.StatusCode, tt.want)
		}
	}
}

func TestModifyOrderDecodesChanges(t *testing.T) {
	ts, _, orders := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/users/u1/orders/o1",
		strings.NewReader(`{"price":"90.5","quantity":75}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if orders.changes.Quantity != 75 || !orders.changes.Price.Equal(decimal.RequireFromString("90.5")) {
		t.Errorf("changes = %+v", orders.changes)
	}

	req, _ = http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/users/u1/orders/o1", strings.NewReader(`{`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", resp.StatusCode)
	}
}

type fakeStreamer struct{ user string }

func (f *fakeStreamer) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	f.user = userID
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func TestStreamRoute(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/users/u1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a streamer, got %d", resp.StatusCode)
	}

	streamer := &fakeStreamer{}
	s := NewServer(":0", Deps{Stream: streamer}, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/u7/stream", nil))
	if streamer.user != "u7" {
		t.Errorf("Expected stream for u7, got %q", streamer.user)
	}
	if rec.Code != http.StatusSwitchingProtocols {
		t.Errorf("Expected handler status to pass through, got %d", rec.Code)
	}
}
