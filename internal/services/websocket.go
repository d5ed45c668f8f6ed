package services

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/velocab/dispatch-backend/internal/models"
	"github.com/velocab/dispatch-backend/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Inbound event names.
const (
	EventDriverLocationUpdate = "driver_location_update"
	EventDriverResponse       = "driver_response"
	EventCancelRide           = "cancel_ride"
	EventGetPendingRequests   = "get_pending_requests"
)

// Outbound event names.
const (
	EventRideRequest      = "ride_request"
	EventRideStatusUpdate = "ride_status_update"
	EventPendingRequests  = "pending_requests"
	EventAreaBroadcast    = "area_broadcast"
	EventError            = "error"
)

// WSMessage is the envelope for every message on a live connection.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client represents one authenticated WebSocket connection.
type Client struct {
	ID     uint
	Role   string
	ConnID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub
}

// InboundHandler processes one message type from a client. Handlers are
// registered on the hub before it runs; an unknown type is answered with
// an error event on the offending connection only.
type InboundHandler func(c *Client, data json.RawMessage)

// Hub maintains the set of active clients keyed by (role, userId) and
// routes events between them and the dispatch layer.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex

	registry *ConnectionRegistry
	handlers map[string]InboundHandler
}

// NewHub creates a hub bound to the connection registry.
func NewHub(registry *ConnectionRegistry) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		registry:   registry,
		handlers:   make(map[string]InboundHandler),
	}
}

// Handle registers the handler for an inbound message type. Must be
// called before Run.
func (h *Hub) Handle(msgType string, fn InboundHandler) {
	h.handlers[msgType] = fn
}

// Run starts the hub loop.
func (h *Hub) Run() {
	ctx := context.Background()
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			if err := h.registry.Bind(ctx, client.Role, client.ID, client.ConnID); err != nil {
				log.Printf("session bind failed for %s %d: %v", client.Role, client.ID, err)
			}
			observability.WSConnections.Inc()
			log.Printf("%s %d connected (%s)", client.Role, client.ID, client.ConnID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mutex.Unlock()
			h.registry.Unbind(ctx, client.Role, client.ID, client.ConnID)
			observability.WSConnections.Dec()
			log.Printf("%s %d disconnected (%s)", client.Role, client.ID, client.ConnID)
		}
	}
}

// SendToUser delivers a message to the user's live connection, if one is
// registered. Returns false when the user is not reachable over this
// channel; delivery is at-most-once and the relay store is the fallback.
func (h *Hub) SendToUser(role string, userID uint, message []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	delivered := false
	for client := range h.clients {
		if client.ID == userID && client.Role == role {
			select {
			case client.Send <- message:
				delivered = true
			default:
				// Client's send channel is full, skip
				log.Printf("could not send to %s %d (channel full)", role, userID)
			}
		}
	}
	return delivered
}

// BroadcastToRole sends a message to every connected user of a role.
func (h *Hub) BroadcastToRole(role string, message []byte) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		if client.Role == role {
			select {
			case client.Send <- message:
			default:
				log.Printf("could not send to %s %d (channel full)", role, client.ID)
			}
		}
	}
}

// ConnectedClients returns the number of live connections.
func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// SendEvent marshals data into the envelope and delivers it to one user.
func (h *Hub) SendEvent(role string, userID uint, eventType string, data interface{}) bool {
	return h.sendEvent(role, userID, eventType, data)
}

func (h *Hub) sendEvent(role string, userID uint, eventType string, data interface{}) bool {
	message, err := json.Marshal(WSMessage{Type: eventType, Data: mustRaw(data)})
	if err != nil {
		log.Printf("error marshaling %s event: %v", eventType, err)
		return false
	}
	return h.SendToUser(role, userID, message)
}

func mustRaw(data interface{}) json.RawMessage {
	raw, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// SendRideOffer pushes a ride request to a driver's live connection.
func (h *Hub) SendRideOffer(driverID uint, offer RideOffer) bool {
	return h.sendEvent(string(models.UserRoleDriver), driverID, EventRideRequest, offer)
}

// RideStatusUpdate is the payload for lifecycle notifications.
type RideStatusUpdate struct {
	RideID   uint              `json:"rideId"`
	Status   models.RideStatus `json:"status"`
	DriverID uint              `json:"driverId,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Extra    map[string]any    `json:"extra,omitempty"`
}

// SendRideStatusUpdate notifies one user of a ride status change.
func (h *Hub) SendRideStatusUpdate(role string, userID uint, update RideStatusUpdate) bool {
	return h.sendEvent(role, userID, EventRideStatusUpdate, update)
}

// SendAreaBroadcast fans a payload out to every connected user of a role.
func (h *Hub) SendAreaBroadcast(role string, payload interface{}) {
	message, err := json.Marshal(WSMessage{Type: EventAreaBroadcast, Data: mustRaw(payload)})
	if err != nil {
		log.Printf("error marshaling area broadcast: %v", err)
		return
	}
	h.BroadcastToRole(role, message)
}

// DriverLocationUpdate is relayed to the passenger bound to the driver's
// current ride.
type DriverLocationUpdate struct {
	DriverID uint    `json:"driverId"`
	RideID   uint    `json:"rideId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Heading  float64 `json:"heading"`
}

// RelayDriverLocation forwards a driver position to one passenger.
func (h *Hub) RelayDriverLocation(passengerID uint, update DriverLocationUpdate) bool {
	return h.sendEvent(string(models.UserRolePassenger), passengerID, EventDriverLocationUpdate, update)
}

// SendError reports a fault back to the offending connection only.
func (c *Client) SendError(msg string) {
	data, err := json.Marshal(WSMessage{Type: EventError, Data: mustRaw(map[string]string{"error": msg})})
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// HandleWebSocket upgrades an authenticated request and starts the
// client pumps. Identity was verified by middleware before this point.
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, userID uint, role string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		ID:     userID,
		Role:   role,
		ConnID: uuid.NewString(),
		Conn:   conn,
		Send:   make(chan []byte, 256),
		Hub:    hub,
	}

	client.Hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection into the
// registered handler table.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.Hub.registry.Refresh(context.Background(), c.Role, c.ID)
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var wsMessage WSMessage
		if err := json.Unmarshal(message, &wsMessage); err != nil {
			c.SendError("malformed message")
			continue
		}

		handler, ok := c.Hub.handlers[wsMessage.Type]
		if !ok {
			c.SendError("unknown message type: " + wsMessage.Type)
			continue
		}

		c.Hub.registry.Refresh(context.Background(), c.Role, c.ID)
		handler(c, wsMessage.Data)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
