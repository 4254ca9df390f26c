// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"device-link/internal/model"
	"device-link/internal/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketHandler streams link events to WebSocket clients
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	eventBus    *EventBus
	link        LinkController
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. allowedOrigins
// empty accepts any origin.
func NewWebSocketHandler(eventBus *EventBus, link LinkController, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		connections: NewConnectionManager(),
		eventBus:    eventBus,
		link:        link,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
}

// HandleEventConnection upgrades the request and streams every link event.
// The first message is the current status snapshot.
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
		quit:        make(chan struct{}),
	}

	events, unsubscribe := h.eventBus.Subscribe()
	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "status",
		Data:      h.link.Status(),
		Timestamp: time.Now(),
	})

	go h.forwardEvents(client, events, unsubscribe)
	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// forwardEvents copies bus events into the client's send queue
func (h *WebSocketHandler) forwardEvents(client *Client, events <-chan model.LinkEvent, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.connections.Unregister(client)
				return
			}
			h.sendMessage(client, &WebSocketMessage{
				Type:      "link_event",
				Data:      event,
				Timestamp: event.Timestamp,
			})
		case <-client.quit:
			return
		}
	}
}

// handleClientRead drains client frames so control messages are processed.
// Clients are not expected to send anything.
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer h.connections.Unregister(client)

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.Connection.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
		h.logger.Info("Event WebSocket client disconnected",
			zap.String("client_id", client.ID),
		)
	}()

	for {
		select {
		case message := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				h.connections.Unregister(client)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.connections.Unregister(client)
				return
			}

		case <-client.quit:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

// Close disconnects every client
func (h *WebSocketHandler) Close() {
	h.connections.CloseAll()
}
