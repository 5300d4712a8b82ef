package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Hub manages connected control-surface clients and fans out both request
// replies and unsolicited event pushes: register/unregister/broadcast over
// channels, one Run loop owning the client map.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *slog.Logger
	dispatch   func(Request) Response
}

// Client is one connected control-surface WebSocket session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a hub. dispatch handles one parsed inbound Request and
// returns the Response to write back to that same client.
func NewHub(logger *slog.Logger, dispatch func(Request) Response) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger.With("component", "gateway-hub"),
		dispatch:   dispatch,
	}
}

// Run drives the hub's client registry and broadcast fan-out. Must run in
// its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("gateway client connected", "count", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("gateway client disconnected", "count", len(h.clients))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastEvent pushes an unsolicited Response (typically an Events()
// drain) to every connected client.
func (h *Hub) BroadcastEvent(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal gateway event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("gateway broadcast channel full, dropping event")
	}
}

// NewClient registers conn as a client and starts its read/write pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 64)}
	client.hub.register <- client
	go client.writePump()
	go client.readPump()
	return client
}

func (c *Client) writePump() {
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

// readPump reads each inbound control message, parses it as a Request, and
// writes the dispatched Response directly back to this client's send
// channel.
func (c *Client) readPump() {
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
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("gateway websocket error", "error", err)
			}
			return
		}

		var req Request
		resp := Response{}
		if err := json.Unmarshal(msg, &req); err != nil {
			resp = Response{Error: "malformed request: " + err.Error()}
		} else {
			resp = c.hub.dispatch(req)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			c.hub.logger.Error("failed to marshal gateway response", "error", err)
			continue
		}
		select {
		case c.send <- data:
		default:
			c.hub.logger.Warn("gateway client send buffer full, dropping response")
		}
	}
}
