package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nutriflow/zapgate/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth is the bearer token; browser origins are not a concern for an
	// operator tool.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	eventQueueSize = 64
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// handleEvents streams gateway events (buffer lifecycle, alerts) over a
// WebSocket. Slow consumers are dropped rather than allowed to backpressure
// the buffering core.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subID := "events-" + uuid.Must(uuid.NewV7()).String()
	queue := make(chan bus.Event, eventQueueSize)

	s.events.Subscribe(subID, func(ev bus.Event) {
		select {
		case queue <- ev:
		default:
			// Full queue means a stalled consumer. Skip the event.
		}
	})
	defer s.events.Unsubscribe(subID)

	slog.Info("events subscriber connected", "id", subID, "remote", r.RemoteAddr)

	// Reader goroutine only to detect close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-queue:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("events write failed", "id", subID, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
