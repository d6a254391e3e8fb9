package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"opsconsole/internal/infrastructure"
	"opsconsole/internal/license"
)

// Message types pushed to clients.
const (
	TypeConnection      = "connection"
	TypeLicenseSnapshot = "license:snapshot"
)

const (
	reasonClosed       = "closed"
	reasonSlowConsumer = "slow_consumer"
	reasonShutdown     = "shutdown"
)

// Message is the envelope of every frame sent to a client.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// SnapshotEvent is the payload of a license:snapshot message. The
// activation flag is computed for the receiving client's principal.
type SnapshotEvent struct {
	license.Snapshot
	ActivationRequired bool `json:"activation_required"`
}

// SnapshotSource is the part of the license controller the hub streams.
type SnapshotSource interface {
	Snapshot() license.Snapshot
	Subscribe() (<-chan license.Snapshot, func())
	ActivationRequiredFor(p license.Principal) bool
}

// Hub fans license snapshots out to connected browsers. A client receives
// the current snapshot on connect and every published one after that.
type Hub struct {
	source  SnapshotSource
	metrics *Metrics
	logger  *slog.Logger

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	done    chan struct{}
	running bool
}

// NewHub creates a hub streaming from source. Run must be called before
// clients can connect.
func NewHub(source SnapshotSource, metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Hub{
		source:     source,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "websocket.hub")),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and forwards snapshots until ctx is done. Every
// client is disconnected on return.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	updates, cancel := h.source.Subscribe()
	defer cancel()
	defer h.shutdown(ctx)

	h.logger.InfoContext(ctx, "WebSocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()

			cctx := c.context()
			h.metrics.recordConnect(cctx)
			h.logger.InfoContext(cctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr))

			h.deliver(c, TypeConnection, map[string]interface{}{
				"status":    "connected",
				"client_id": c.id,
			})
			h.deliver(c, TypeLicenseSnapshot, h.eventFor(c, h.source.Snapshot()))

		case c := <-h.unregister:
			h.drop(c, reasonClosed)

		case snap, ok := <-updates:
			if !ok {
				// controller stopped; keep serving what we have
				updates = nil
				h.logger.Info("License snapshot stream closed")
				continue
			}
			h.fanout(snap)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) fanout(snap license.Snapshot) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	h.logger.Debug("Broadcasting license snapshot",
		slog.Int("client_count", len(clients)),
		slog.String("status", string(snap.Status)))

	for _, c := range clients {
		h.deliver(c, TypeLicenseSnapshot, h.eventFor(c, snap))
	}
}

func (h *Hub) eventFor(c *Client, snap license.Snapshot) SnapshotEvent {
	return SnapshotEvent{
		Snapshot:           snap,
		ActivationRequired: h.source.ActivationRequiredFor(c.principal),
	}
}

// deliver queues one message on c. A client whose buffer is full is
// disconnected.
func (h *Hub) deliver(c *Client, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   c.traceID,
	})
	if err != nil {
		h.logger.ErrorContext(c.context(), "Error marshaling message",
			slog.String("message_type", msgType),
			slog.String("error", err.Error()))
		return
	}

	select {
	case c.send <- payload:
		h.metrics.recordSend(c.context(), msgType, len(payload))
	default:
		h.logger.WarnContext(c.context(), "Client send buffer full, disconnecting",
			slog.String("client_id", c.id))
		h.drop(c, reasonSlowConsumer)
	}
}

func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	lifetime := time.Since(c.connectedAt)
	h.metrics.recordDisconnect(c.context(), lifetime, reason)
	h.logger.InfoContext(c.context(), "Client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", c.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", lifetime))
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.running = false
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c, reasonShutdown)
	}
	close(h.done)
	h.logger.InfoContext(ctx, "WebSocket hub stopped", slog.Int("disconnected", len(clients)))
}

// Register hands c to the hub. It returns false when the hub is not
// running or ctx ends first.
func (h *Hub) Register(ctx context.Context, c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Unregister removes c. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Running reports whether Run is serving.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
