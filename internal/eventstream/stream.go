// Package eventstream exposes the SubscriptionBus's fan-out as a
// WebSocket Event stream: newline-delimited JSON frames, with a 30s
// ping / 60s pong-timeout keepalive.
package eventstream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autoqa/controlplane/pkg/pubsub"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router implements pubsub.Deliverer, fanning each Bus.Publish call out to
// the one WebSocket connection registered for the target subscription. It
// is the single Deliverer a Bus is constructed with (wired in
// internal/app); individual connections register and deregister their
// send channel as they subscribe and disconnect.
type Router struct {
	mu   sync.RWMutex
	subs map[string]chan<- pubsub.Message
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{subs: make(map[string]chan<- pubsub.Message)}
}

func (rt *Router) register(subID string, send chan<- pubsub.Message) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.subs[subID] = send
}

func (rt *Router) deregister(subID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.subs, subID)
}

// Deliver implements pubsub.Deliverer. It never blocks: a full connection
// buffer drops the message rather than stalling Publish for every other
// subscriber.
func (rt *Router) Deliver(sub pubsub.Subscription, msg pubsub.Message) {
	rt.mu.RLock()
	send, ok := rt.subs[sub.ID]
	rt.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case send <- msg:
	default:
	}
}

// subscribeRequest is the first newline-delimited JSON frame a client must
// send after the handshake to register interest in a channel.
type subscribeRequest struct {
	ChannelID   string              `json:"channelId"`
	UserID      string              `json:"userId"`
	Permissions []pubsub.Permission `json:"permissions"`
	Filters     map[string]string   `json:"filters"`
}

// Handler upgrades incoming requests to WebSocket connections and
// registers each one with the shared bus/router pair.
type Handler struct {
	bus    *pubsub.Bus
	router *Router
	log    *slog.Logger
}

// NewHandler creates a Handler backed by bus, whose Deliverer must be router.
func NewHandler(bus *pubsub.Bus, router *Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bus: bus, router: router, log: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("eventstream: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	var sub subscribeRequest
	if err := conn.ReadJSON(&sub); err != nil {
		h.log.Warn("eventstream: reading subscribe frame", "error", err)
		return
	}

	subID, err := h.bus.Subscribe(sub.UserID, sub.ChannelID, sub.Permissions, sub.Filters)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer h.bus.Unsubscribe(subID)

	send := make(chan pubsub.Message, sendBuffer)
	h.router.register(subID, send)
	defer h.router.deregister(subID)

	done := make(chan struct{})
	go h.writePump(conn, send, done)

	h.readPump(conn)
	close(done)
}

func (h *Handler) writePump(conn *websocket.Conn, send <-chan pubsub.Message, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-send:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Warn("eventstream: marshalling frame", "error", err)
				continue
			}
			data = append(data, '\n')
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames after the initial subscribe, only
// watching for close/error so the pong handler keeps firing.
func (h *Handler) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
