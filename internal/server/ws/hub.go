// Package ws streams accepted ledger events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// backfillLimit caps how many missed events a reconnecting client gets.
	backfillLimit = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// EventSource lists stored events for clients resuming with ?after=.
type EventSource interface {
	Events(ctx context.Context, filter domain.EventFilter) ([]domain.EventRecord, error)
}

// envelope is every frame the hub writes.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[domain.EventName]bool // empty means every event
	mu   sync.RWMutex
}

// subscribeMsg changes the event names a client receives. An empty
// subscription list means all events.
type subscribeMsg struct {
	Action string             `json:"action"` // "subscribe" or "unsubscribe"
	Events []domain.EventName `json:"events"`
}

// Hub fans event records out to connected clients. Records arrive either
// through Publish, when the hub is the service's publisher, or from an
// EventBus subscription shared by every node.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.EventRecord
	register   chan *client
	unregister chan *client
	bus        domain.EventBus
	source     EventSource
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub. bus may be nil.
func NewHub(bus domain.EventBus, logger *slog.Logger, cfg Config) *Hub {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.EventRecord, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       cfg.Mode,
		startedAt:  startedAt,
	}
}

// WithSource enables ?after= backfill from src.
func (h *Hub) WithSource(src EventSource) *Hub {
	h.source = src
	return h
}

// Publish queues records for broadcast. It satisfies the service's
// publisher contract when no EventBus is configured and never blocks the
// caller: records that do not fit the queue are dropped and reported.
func (h *Hub) Publish(_ context.Context, records []domain.EventRecord) error {
	for i, rec := range records {
		select {
		case h.broadcast <- rec:
		default:
			return fmt.Errorf("ws: broadcast queue full, dropped %d events from seq %d", len(records)-i, rec.Seq)
		}
	}
	return nil
}

// Run is the hub's event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		ch, err := h.bus.Subscribe(ctx)
		if err != nil {
			return err
		}
		go h.forward(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", total))

		case rec := <-h.broadcast:
			data, err := json.Marshal(envelope{Type: "event", Payload: rec})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(rec.Name) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping event for slow client", slog.Uint64("seq", rec.Seq))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward relays bus records into the broadcast loop.
func (h *Hub) forward(ctx context.Context, ch <-chan domain.EventRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				h.logger.Warn("ws: event bus subscription closed")
				return
			}
			select {
			case h.broadcast <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. ?events= narrows
// the stream to a comma-separated list of event names; ?after= replays
// stored events with a greater sequence number first.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid after"}`, http.StatusBadRequest)
			return
		}
		after = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[domain.EventName]bool),
	}
	for _, name := range splitNames(r.URL.Query().Get("events")) {
		c.subs[name] = true
	}

	h.register <- c
	c.sendHello()
	if r.URL.Query().Has("after") {
		c.backfill(r.Context(), after)
	}

	go c.writePump()
	go c.readPump()
}

func splitNames(v string) []domain.EventName {
	var out []domain.EventName
	for _, name := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' }) {
		out = append(out, domain.EventName(strings.TrimSpace(name)))
	}
	return out
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, name := range msg.Events {
			c.subs[name] = true
		}
	case "unsubscribe":
		for _, name := range msg.Events {
			delete(c.subs, name)
		}
	}
}

// sendHello tells the client the stream is live.
func (c *client) sendHello() {
	msg, err := json.Marshal(envelope{Type: "hello", Payload: map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
	}})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// backfill queues stored events after seq ahead of live ones. Live events
// broadcast meanwhile may arrive twice; clients dedupe by seq.
func (c *client) backfill(ctx context.Context, after uint64) {
	if c.hub.source == nil {
		return
	}
	records, err := c.hub.source.Events(ctx, domain.EventFilter{
		ListOpts: domain.ListOpts{Limit: backfillLimit},
		AfterSeq: after,
	})
	if err != nil {
		c.hub.logger.Warn("ws: backfill failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range records {
		if !c.wants(rec.Name) {
			continue
		}
		data, err := json.Marshal(envelope{Type: "event", Payload: rec})
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

func (c *client) wants(name domain.EventName) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0 || c.subs[name]
}

// writePump writes queued frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
