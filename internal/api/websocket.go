package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/thereceipt/fax-engine/internal/registry"
	"github.com/thereceipt/fax-engine/pkg/faxformat"
)

// WebSocket message types
const (
	EventBroadcast = "broadcast"
	EventPreview   = "preview"
	EventResponse  = "response"
	EventError     = "error"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn     *websocket.Conn
	send     chan WSMessage
	server   *Server
	deviceID string
	mu       sync.Mutex
}

// Hub tracks connected WebSocket clients and fans broadcasts out to them.
// Delivery is best-effort: a client with a full buffer misses the message.
type Hub struct {
	clients  map[*WSClient]bool
	registry *registry.Registry
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewHub creates a hub. registry may be nil.
func NewHub(reg *registry.Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*WSClient]bool),
		registry: reg,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
}

func (h *Hub) add(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

func (h *Hub) remove(client *WSClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a published document to every subscribed client and
// returns how many clients it was queued for
func (h *Hub) Broadcast(topic string, payload []byte) int {
	data, err := faxformat.Marshal(struct {
		Topic    string          `json:"topic"`
		Document json.RawMessage `json:"document"`
	}{topic, payload})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode broadcast")
		return 0
	}
	message := WSMessage{Event: EventBroadcast, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients {
		if !h.subscribed(client) {
			continue
		}
		select {
		case client.send <- message:
			delivered++
		default:
			// Client send buffer full, skip
			h.logger.Warn().Str("device", client.deviceID).Msg("client buffer full, broadcast dropped")
		}
	}

	return delivered
}

func (h *Hub) subscribed(client *WSClient) bool {
	if client.deviceID == "" || h.registry == nil {
		return true
	}
	entry := h.registry.Get(client.deviceID)
	return entry == nil || entry.Subscribed
}

// CloseAll disconnects every client
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// handleWebSocket handles WebSocket connections. Devices identify
// themselves with ?device=ID.
func (s *Server) handleWebSocket(c *gin.Context) {
	if !s.deviceAuthorized(c) {
		c.String(403, "forbidden")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		conn:     conn,
		send:     make(chan WSMessage, 256),
		server:   s,
		deviceID: c.Query("device"),
	}

	if client.deviceID != "" && s.registry != nil {
		s.registry.Touch(client.deviceID, "")
	}

	s.hub.add(client)
	s.logger.Info().Str("device", client.deviceID).Msg("WebSocket client connected")

	// Start goroutines
	go client.readPump()
	go client.writePump()
}

func (c *WSClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		data, err := faxformat.Marshal(msg)
		if err != nil {
			c.server.logger.Error().Err(err).Str("event", msg.Event).Msg("WebSocket encode error")
			continue
		}

		c.mu.Lock()
		err = c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()

		if err != nil {
			c.server.logger.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.hub.remove(c)
		c.conn.Close()
		c.server.logger.Info().Str("device", c.deviceID).Msg("WebSocket client disconnected")
	}()

	for {
		var msg WSMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}

		c.handleMessage(&msg)
	}
}

func (c *WSClient) handleMessage(msg *WSMessage) {
	switch msg.Event {
	case EventPreview:
		c.handlePreviewEvent(msg.Data)
	default:
		c.sendError(fmt.Sprintf("unknown event: %s", msg.Event))
	}
}

// handlePreviewEvent expands a document without publishing it
func (c *WSClient) handlePreviewEvent(data json.RawMessage) {
	doc, err := faxformat.Parse(data)
	if err != nil {
		c.sendError(fmt.Sprintf("invalid document: %v", err))
		return
	}

	// the request context is gone once upgraded; the provider's own timeout bounds this
	expanded := c.server.expander.Expand(context.Background(), doc.Commands)

	payload, err := faxformat.Encode(expanded)
	if err != nil {
		c.sendError(fmt.Sprintf("failed to encode: %v", err))
		return
	}

	c.queue(WSMessage{Event: EventResponse, Data: payload})
}

func (c *WSClient) sendError(message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	c.queue(WSMessage{Event: EventError, Data: data})
}

// queue hands a message to the write pump unless the client is gone
func (c *WSClient) queue(msg WSMessage) {
	c.server.hub.mu.RLock()
	defer c.server.hub.mu.RUnlock()

	if !c.server.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
