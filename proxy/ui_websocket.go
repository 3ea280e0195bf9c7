package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local UI only
	},
}

// WSMessage is one frame sent to UI clients: a log line or a status
// snapshot, tagged with the channel it belongs to.
type WSMessage struct {
	Channel string `json:"channel"` // "logs" or "status"
	Data    string `json:"data"`
}

// WSHub manages WebSocket connections and message broadcasting.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan WSMessage
	register   chan *WSClient
	unregister chan *WSClient
	logger     zerolog.Logger
	mu         sync.RWMutex
}

// WSClient is one connected UI socket with its channel subscriptions.
type WSClient struct {
	hub           *WSHub
	conn          *websocket.Conn
	send          chan WSMessage
	subscriptions map[string]bool
	logCancel     func()
	mu            sync.RWMutex
	pm            *ProxyManager
}

func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		logger:     logger.With().Str("component", "wshub").Logger(),
	}
}

// Run dispatches registration and broadcast traffic until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	statusTicker := time.NewTicker(2 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case <-statusTicker.C:
			h.broadcastStatus()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.mu.RLock()
				subscribed := client.subscriptions[message.Channel]
				client.mu.RUnlock()
				if !subscribed {
					continue
				}
				select {
				case client.send <- message:
				default:
					// client buffer full, drop the frame rather than
					// blocking the hub
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a message for all subscribed clients.
func (h *WSHub) Broadcast(message WSMessage) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Debug().Str("channel", message.Channel).Msg("broadcast buffer full, dropping message")
	}
}

func (h *WSHub) broadcastStatus() {
	h.mu.RLock()
	var anyClient *WSClient
	for client := range h.clients {
		anyClient = client
		break
	}
	h.mu.RUnlock()
	if anyClient == nil {
		return
	}

	data, err := json.Marshal(anyClient.pm.supervisor.Status())
	if err != nil {
		return
	}
	h.Broadcast(WSMessage{Channel: "status", Data: string(data)})
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (pm *ProxyManager) handleWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		pm.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &WSClient{
		hub:           pm.wsHub,
		conn:          conn,
		send:          make(chan WSMessage, 256),
		subscriptions: make(map[string]bool),
		pm:            pm,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscribe/unsubscribe frames from the client.
func (c *WSClient) readPump() {
	defer func() {
		c.mu.Lock()
		if c.logCancel != nil {
			c.logCancel()
			c.logCancel = nil
		}
		c.mu.Unlock()

		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.pm.logger.Debug().Err(err).Msg("websocket read error")
			}
			break
		}

		var sub struct {
			Action  string `json:"action"` // "subscribe" or "unsubscribe"
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}

		c.mu.Lock()
		switch sub.Action {
		case "subscribe":
			c.subscriptions[sub.Channel] = true
			c.handleChannelSubscribe(sub.Channel)
		case "unsubscribe":
			delete(c.subscriptions, sub.Channel)
			c.handleChannelUnsubscribe(sub.Channel)
		}
		c.mu.Unlock()
	}
}

// writePump flushes queued frames and keeps the connection alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleChannelSubscribe is called with c.mu held.
func (c *WSClient) handleChannelSubscribe(channel string) {
	switch channel {
	case "logs":
		if c.logCancel == nil {
			// replay the buffer so the client does not start blank
			for _, line := range c.pm.logs.Lines() {
				c.enqueue(WSMessage{Channel: "logs", Data: line})
			}
			c.logCancel = c.pm.logs.OnLine(func(line string) {
				c.enqueue(WSMessage{Channel: "logs", Data: line})
			})
		}
	case "status":
		if data, err := json.Marshal(c.pm.supervisor.Status()); err == nil {
			c.enqueue(WSMessage{Channel: "status", Data: string(data)})
		}
	}
}

// handleChannelUnsubscribe is called with c.mu held.
func (c *WSClient) handleChannelUnsubscribe(channel string) {
	if channel == "logs" && c.logCancel != nil {
		c.logCancel()
		c.logCancel = nil
	}
}

func (c *WSClient) enqueue(message WSMessage) {
	select {
	case c.send <- message:
	default:
	}
}
