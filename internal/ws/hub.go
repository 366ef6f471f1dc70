package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second

	// sendBuffer is how many pending events a viewer may fall behind
	// before it is considered stalled and dropped.
	sendBuffer = 32
)

// Hub tracks the active viewer connections and fans events out to all of
// them. Viewers are receive-only; there is no per-connection filtering and
// no replay for late joiners.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

// viewer owns one websocket connection. All writes go through the send
// channel so a stalled connection never blocks the broadcaster; quit is
// closed exactly once, when the viewer is removed from the hub.
type viewer struct {
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		viewers: make(map[*viewer]struct{}),
	}
}

// ServeHTTP upgrades the request and subscribes the connection until it
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	v := &viewer{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
	}
	h.add(v)
	h.logger.Info("viewer connected", "remote", r.RemoteAddr)

	go h.writeLoop(v)
	go h.readLoop(v)
}

// readLoop drains inbound frames (the protocol carries no client-to-server
// application messages) and unsubscribes the viewer once the transport
// errors out.
func (h *Hub) readLoop(v *viewer) {
	defer h.logger.Info("viewer disconnected", "remote", v.conn.RemoteAddr())

	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			h.drop(v)
			return
		}
	}
}

// writeLoop is the only goroutine writing to the connection. It exits when
// the viewer is removed or a write fails.
func (h *Hub) writeLoop(v *viewer) {
	for {
		select {
		case data := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("viewer write failed, pruning", "error", err)
				h.drop(v)
				return
			}
		case <-v.quit:
			return
		}
	}
}

// Broadcast serializes the event once and hands it to every open viewer's
// writer. The hand-off never blocks: a viewer whose send buffer is full is
// stalled and gets dropped instead of delaying the rest. Failures never
// reach the caller.
func (h *Hub) Broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode broadcast event", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	for _, v := range targets {
		select {
		case v.send <- data:
		case <-v.quit:
		default:
			h.logger.Debug("viewer send buffer full, pruning", "remote", v.conn.RemoteAddr())
			h.drop(v)
		}
	}
}

// ViewerCount returns the number of currently subscribed viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close disconnects all viewers.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	for _, v := range targets {
		h.drop(v)
	}
}

func (h *Hub) add(v *viewer) {
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
}

// drop removes the viewer from the hub and closes its connection. Safe to
// call from any goroutine, any number of times.
func (h *Hub) drop(v *viewer) {
	h.mu.Lock()
	if _, ok := h.viewers[v]; ok {
		delete(h.viewers, v)
		close(v.quit)
	}
	h.mu.Unlock()

	_ = v.conn.Close()
}
