package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops server is not browser-facing.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams userID's notifications as JSON
// text frames until the client disconnects or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("Websocket upgrade failed")
		return
	}

	sub := h.Subscribe(userID)
	h.logger.Debug().Str("user_id", userID).Int("subscribers", h.SubscriberCount(userID)).Msg("Stream client connected")

	go h.readPump(conn, sub)
	go h.writePump(conn, sub)
}

// readPump discards client frames and unsubscribes once the client goes
// away or stops answering pings.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer h.Unsubscribe(sub)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		h.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case n, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
