// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// Message types pushed to live clients.
const (
	TypeTelemetry = "telemetry"
	TypeAlert     = "alert"
	TypeInsight   = "insight"
	TypeHistory   = "history"
)

const broadcastBuffer = 1024

// Message is the envelope of every frame sent to a client.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub maintains the set of active clients and broadcasts messages.
// Broadcasting never blocks the caller: when the hub is saturated the frame is dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte  // Channel for messages to broadcast
	register   chan *Client // Channel for registering clients
	unregister chan *Client // Channel for unregistering clients
	mu         sync.RWMutex
	logger     *zap.Logger
	dropped    atomic.Uint64
	done       chan struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered", zap.String("remote", client.remote()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.logger.Info("WebSocket client unregistered", zap.String("remote", client.remote()))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// slow consumer
					h.logger.Warn("WebSocket client send buffer full, removing", zap.String("remote", client.remote()))
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// RegisterClient safely registers a new client to the hub. It reports false once the hub
// has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped reports how many frames were discarded because the hub was saturated.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// WriteTelemetry pushes an accepted event to live clients.
func (h *Hub) WriteTelemetry(ev data.TelemetryEvent) {
	h.send(TypeTelemetry, ev)
}

// Send implements the alert fan-out for live clients.
func (h *Hub) Send(_ context.Context, alert data.Alert) error {
	h.send(TypeAlert, alert)
	return nil
}

func (h *Hub) Name() string { return "websocket" }

// BroadcastInsight pushes an edge insight snapshot.
func (h *Hub) BroadcastInsight(insight any) {
	h.send(TypeInsight, insight)
}

// Encode renders a frame in the hub's envelope.
func Encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(Message{Type: kind, Payload: payload})
}

func (h *Hub) send(kind string, payload any) {
	messageBytes, err := Encode(kind, payload)
	if err != nil {
		h.logger.Error("Error marshalling message for broadcast", zap.String("type", kind), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- messageBytes:
	default:
		h.dropped.Add(1)
	}
}
