// Package api serves the ops HTTP surface: health, Prometheus metrics and a
// small read/cancel API over orders and execution records.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/metrics"
	"options-executor/internal/models"
	"options-executor/internal/scheduler"
	"options-executor/internal/store"
)

// LoopStatus reports the timer loop state.
type LoopStatus interface {
	State() scheduler.LoopState
	LastTick() time.Time
}

// QueueStats reports execution queue depth.
type QueueStats interface {
	Len() (ready, delayed int)
}

// Reader lists persisted orders and execution records.
type Reader interface {
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]models.ExecutionRecord, error)
}

// OrderOps cancels and modifies orders on behalf of a user.
type OrderOps interface {
	CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error)
	ModifyOrder(ctx context.Context, userID, orderID string, changes models.OrderChanges) (*models.Order, error)
}

// Streamer serves a user's live notification stream over a websocket.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// Deps are the collaborators the server reports on and delegates to. Nil
// members are omitted from /health and their routes answer 503.
type Deps struct {
	Loop    LoopStatus
	Queue   QueueStats
	Brokers interface{ Len() int }
	Reader  Reader
	Orders  OrderOps
	Stream  Streamer
}

// Server is the ops HTTP server.
type Server struct {
	deps   Deps
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The stream hijacks the connection, so it stays outside the timeout
	// and status-recording middleware.
	r.Get("/api/v1/users/{userID}/stream", s.stream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(metrics.Middleware)

		r.Get("/health", s.health)
		r.Handle("/metrics", metrics.Handler())

		r.Route("/api/v1/users/{userID}", func(r chi.Router) {
			r.Get("/orders", s.listOrders)
			r.Post("/orders/{orderID}/cancel", s.cancelOrder)
			r.Patch("/orders/{orderID}", s.modifyOrder)
			r.Get("/executions", s.listExecutions)
		})
	})
	return r
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("Ops server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status        string     `json:"status"`
	Loop          string     `json:"loop,omitempty"`
	LastTick      *time.Time `json:"last_tick,omitempty"`
	QueueReady    *int       `json:"queue_ready,omitempty"`
	QueueDelayed  *int       `json:"queue_delayed,omitempty"`
	BrokerClients *int       `json:"broker_clients,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Loop != nil {
		resp.Loop = string(s.deps.Loop.State())
		if last := s.deps.Loop.LastTick(); !last.IsZero() {
			resp.LastTick = &last
		}
	}
	if s.deps.Queue != nil {
		ready, delayed := s.deps.Queue.Len()
		resp.QueueReady, resp.QueueDelayed = &ready, &delayed
	}
	if s.deps.Brokers != nil {
		n := s.deps.Brokers.Len()
		resp.BrokerClients = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		writeError(w, http.StatusServiceUnavailable, "orders unavailable")
		return
	}
	q := r.URL.Query()
	filter := store.OrderFilter{
		UserID:     chi.URLParam(r, "userID"),
		StrategyID: q.Get("strategy_id"),
		OpenOnly:   q.Get("open") == "true",
		Limit:      limitParam(q.Get("limit")),
	}
	orders, err := s.deps.Reader.ListOrders(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		writeError(w, http.StatusServiceUnavailable, "executions unavailable")
		return
	}
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		UserID:     chi.URLParam(r, "userID"),
		StrategyID: q.Get("strategy_id"),
		Day:        q.Get("day"),
		Limit:      limitParam(q.Get("limit")),
	}
	if status := q.Get("status"); status != "" {
		filter.Statuses = []models.ExecutionStatus{models.ExecutionStatus(status)}
	}
	records, err := s.deps.Reader.ListExecutions(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order operations unavailable")
		return
	}
	order, err := s.deps.Orders.CancelOrder(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) modifyOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order operations unavailable")
		return
	}
	var changes models.OrderChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	order, err := s.deps.Orders.ModifyOrder(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"), changes)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	s.deps.Stream.ServeWS(w, r, chi.URLParam(r, "userID"))
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var ve *apperrors.ValidationError
	switch {
	case errors.Is(err, apperrors.ErrOrderNotFound), errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrInvalidOrder), errors.Is(err, apperrors.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrNotConnected), errors.Is(err, apperrors.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	}
	var be *apperrors.BrokerError
	if errors.As(err, &be) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func limitParam(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
