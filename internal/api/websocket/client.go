package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	authenticated bool

	mu      sync.Mutex
	closed  bool
	devices map[string]struct{}
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// wants reports whether a message about deviceID passes the client's
// subscription. Messages without a device always pass.
func (c *Client) wants(deviceID string) bool {
	if deviceID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

// enqueue hands data to the write pump without blocking. It reports false
// when the buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(msgType MessageType, data interface{}) {
	raw, err := json.Marshal(NewMessage(msgType, data))
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	// the write pump flushes pending replies and closes the connection
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	if c.authenticated {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}
	c.conn.SetPongHandler(func(string) error {
		if c.authenticated {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !c.authenticated {
			if !c.authenticate(msg) {
				return
			}
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != "auth" || msg.Token == "" {
		c.reply(MessageTypeAuthFailed, reasonData("First message must be authentication"))
		return false
	}

	claims, err := c.hub.verifier.Verify(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.reply(MessageTypeAuthFailed, reasonData("Invalid or expired token"))
		return false
	}

	c.authenticated = true
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// register to hub only after auth
	if !c.hub.add(c) {
		return false
	}
	c.reply(MessageTypeAuthSuccess, map[string]string{"subject": claims.Subject})
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("subject", claims.Subject))
	return true
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		if c.devices == nil {
			c.devices = make(map[string]struct{})
		}
		for _, id := range msg.DeviceIDs {
			c.devices[id] = struct{}{}
		}
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		if len(msg.DeviceIDs) == 0 {
			c.devices = nil
		}
		for _, id := range msg.DeviceIDs {
			delete(c.devices, id)
		}
		c.mu.Unlock()
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
		c.reply(MessageTypeError, reasonData("unknown message type "+msg.Type))
		return
	}
	c.reply(MessageTypeSubscribed, map[string]interface{}{"device_ids": c.subscriptions()})
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	return ids
}

// writePump handles writing messages to the WebSocket connection
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
				// Hub closed the channel
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		logger:        hub.logger,
		authenticated: !hub.requiresAuth(),
	}

	if client.authenticated && !hub.add(client) {
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}

func reasonData(reason string) map[string]string {
	return map[string]string{"reason": reason}
}
