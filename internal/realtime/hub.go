// Package realtime streams escrow lifecycle and dispute events over
// WebSocket so agents can react to state changes without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanba-labs/escrowd/internal/dispute"
	"github.com/nanba-labs/escrowd/internal/escrow"
	"github.com/nanba-labs/escrowd/internal/metrics"
	"github.com/nanba-labs/escrowd/internal/settlement"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event is one message on the stream. Exactly one of Escrow / Dispute /
// Transfer is set, depending on the event name prefix.
type Event struct {
	Event     string               `json:"event"` // "escrow.created", "dispute.vote", ...
	Timestamp time.Time            `json:"timestamp"`
	Escrow    *escrow.Escrow       `json:"escrow,omitempty"`
	Dispute   *dispute.Dispute     `json:"dispute,omitempty"`
	Transfer  *settlement.Transfer `json:"transfer,omitempty"`
}

// Subscription filters a client's stream. A zero Subscription receives
// everything.
type Subscription struct {
	Events    []string `json:"events"`    // exact names or "escrow.*" style prefixes
	EscrowIDs []int64  `json:"escrowIds"` // watch specific escrows
	Agents    []string `json:"agents"`    // watch escrows involving these agents
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans events out to connected clients. It implements the publisher
// interfaces of both the escrow service and the dispute resolver.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("serialize event", "event", event.Event, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// PublishEscrowEvent implements escrow.EventPublisher.
func (h *Hub) PublishEscrowEvent(event string, e *escrow.Escrow) {
	h.publish(&Event{Event: event, Timestamp: time.Now(), Escrow: e})
}

// PublishDisputeEvent implements the dispute resolver's publisher.
func (h *Hub) PublishDisputeEvent(event string, d *dispute.Dispute) {
	h.publish(&Event{Event: event, Timestamp: time.Now(), Dispute: d})
}

// PublishTransferEvent implements the settlement coordinator's publisher.
func (h *Hub) PublishTransferEvent(event string, t *settlement.Transfer) {
	h.publish(&Event{Event: event, Timestamp: time.Now(), Transfer: t})
}

func (h *Hub) publish(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "event", event.Event)
	}
}

// wants checks the event against the client's subscription.
func (c *Client) wants(event *Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if len(sub.Events) > 0 && !matchEvent(sub.Events, event.Event) {
		return false
	}

	if len(sub.EscrowIDs) > 0 {
		id := eventEscrowID(event)
		matched := false
		for _, want := range sub.EscrowIDs {
			if want == id {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.Agents) > 0 {
		switch {
		case event.Escrow != nil:
			matched := false
			for _, addr := range sub.Agents {
				if event.Escrow.IsParty(strings.ToLower(addr)) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case event.Transfer != nil:
			matched := false
			for _, addr := range sub.Agents {
				lower := strings.ToLower(addr)
				if strings.ToLower(event.Transfer.Holder) == lower ||
					strings.ToLower(event.Transfer.Recipient) == lower {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			// Dispute events carry no party addresses; pass them through
			// so agents filtering by address still see vote progress.
		}
	}

	return true
}

func matchEvent(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func eventEscrowID(event *Event) int64 {
	if event.Escrow != nil {
		return event.Escrow.ID
	}
	if event.Dispute != nil {
		return event.Dispute.EscrowID
	}
	if event.Transfer != nil {
		return event.Transfer.EscrowID
	}
	return 0
}

// Stats returns hub statistics for the health surface.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes events and pings to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
