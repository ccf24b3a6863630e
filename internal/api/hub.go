package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kpreisner/scadapoll/internal/types"
)

// MessageType defines the type of a live feed message.
type MessageType string

const (
	MessageTypeReading MessageType = "reading"
	MessageTypeAlarm   MessageType = "alarm"
)

// Message is one live feed event.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// AlarmData is the payload of an alarm transition message.
type AlarmData struct {
	DeviceID int              `json:"device_id"`
	Metric   string           `json:"metric"`
	Level    types.AlarmLevel `json:"level"`
	Since    time.Time        `json:"since"`
}

// Hub maintains active websocket clients and broadcasts live readings
// and alarm transitions to them.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan Message
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		logger:     logger,
	}
}

// Run is the hub's event loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("session", client.id),
				zap.Int("total_clients", h.ClientCount()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow or dead client, drop it.
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("session", client.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message; it never blocks a poller.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubSink adapts the hub to the sink contract so the live feed can be
// wired into the same fan-out as the persistent sinks.
type HubSink struct {
	hub *Hub
}

func NewHubSink(hub *Hub) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Store(_ context.Context, r types.Reading) error {
	s.hub.Broadcast(Message{Type: MessageTypeReading, Timestamp: time.Now(), Data: r})
	return nil
}

func (s *HubSink) RecordAlarm(_ context.Context, deviceID int, metric string, state types.AlarmState) error {
	s.hub.Broadcast(Message{Type: MessageTypeAlarm, Timestamp: time.Now(), Data: AlarmData{
		DeviceID: deviceID,
		Metric:   metric,
		Level:    state.Level,
		Since:    state.Since,
	}})
	return nil
}
