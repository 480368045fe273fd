package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one WebSocket connection.
type Client struct {
	ID         string
	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
	subscribed map[string]bool // execution ids; guarded by the hub lock
	logger     *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, 256),
		subscribed: make(map[string]bool),
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// subscribeMessage is the client -> server control frame.
type subscribeMessage struct {
	Action      string `json:"action"` // subscribe, unsubscribe
	ExecutionID string `json:"execution_id"`
}

// ackMessage is the server's reply to a control frame.
type ackMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	Error       string `json:"error,omitempty"`
}

// ReadPump consumes control frames until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ExecutionID == "" {
			c.reply(ackMessage{Type: "error", Error: "expected {action, execution_id}"})
			continue
		}
		switch msg.Action {
		case "subscribe":
			if err := c.hub.Subscribe(c, msg.ExecutionID); err != nil {
				c.reply(ackMessage{Type: "error", ExecutionID: msg.ExecutionID, Error: err.Error()})
				continue
			}
			c.reply(ackMessage{Type: "subscribed", ExecutionID: msg.ExecutionID})
		case "unsubscribe":
			c.hub.Unsubscribe(c, msg.ExecutionID)
			c.reply(ackMessage{Type: "unsubscribed", ExecutionID: msg.ExecutionID})
		default:
			c.reply(ackMessage{Type: "error", Error: "unknown action " + msg.Action})
		}
	}
}

// WritePump flushes queued events and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) reply(msg ackMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
