package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"options-executor/internal/notify"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeWSStreamsUserNotifications(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "u1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitFor(t, func() bool { return hub.SubscriberCount("u1") == 1 })

	hub.Publish("u2", notify.Notification{Type: notify.NotificationOrder, Title: "other user"})
	hub.Publish("u1", notify.Notification{Type: notify.NotificationOrder, Title: "Order FILLED"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notify.Notification
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Title != "Order FILLED" || got.Type != notify.NotificationOrder {
		t.Errorf("Unexpected notification %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.SubscriberCount("u1") == 0 })
}

func TestServeWSClosesWithHub(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "u1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.SubscriberCount("u1") == 1 })

	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}
}

func TestServeWSRejectsPlainHTTP(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), zerolog.Nop())
	rec := httptest.NewRecorder()
	hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/stream", nil), "u1")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-upgrade request, got %d", rec.Code)
	}
	if hub.SubscriberCount("u1") != 0 {
		t.Error("Expected no subscriber for a failed upgrade")
	}
}
