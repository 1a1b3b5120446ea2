package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

// Hub streams events to connected WebSocket clients. A new client first
// receives the latest state event.
type Hub struct {
	logger *slog.Logger

	mu        sync.Mutex
	clients   map[chan Event]struct{}
	lastState *Event
}

var _ Notifier = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With("component", "notify", "sink", "websocket"),
		clients: make(map[chan Event]struct{}),
	}
}

// Notify fans ev out. Clients whose buffer is full are disconnected.
func (h *Hub) Notify(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Type == TypeState {
		cp := ev
		h.lastState = &cp
	}
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("websocket client too slow, disconnecting")
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() chan Event {
	ch := make(chan Event, clientBuffer)
	h.mu.Lock()
	if h.lastState != nil {
		ch <- *h.lastState
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // any origin
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	ch := h.register()
	defer h.unregister(ch)
	h.logger.Info("events client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("events client gone", "remote", r.RemoteAddr)
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				h.logger.Debug("events write failed", "error", err)
				return
			}
		}
	}
}
