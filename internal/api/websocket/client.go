package websocket

import (
	"context"
	"encoding/json"
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

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection bound to a single group.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	handler *Handler
	group   string
	id      string
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a new WebSocket client
func NewClient(ctx context.Context, hub *Hub, handler *Handler, conn *websocket.Conn, group, id string) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     hub,
		handler: handler,
		group:   group,
		id:      id,
		logger:  hub.logger.With(zap.String("client_id", id), zap.String("group", group)),
		ctx:     clientCtx,
		cancel:  cancel,
	}
}

// ReadPump pumps messages from the websocket connection to the handler
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
		c.logger.Info("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if reply := c.handler.handle(c.ctx, c.group, message); reply != nil {
			c.reply(reply)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct response to this client.
func (c *Client) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal websocket reply", zap.Error(err))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("websocket client buffer full, reply dropped")
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.cancel()
}
