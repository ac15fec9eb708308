package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Ping period must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Control messages are small JSON, never video.
	maxMessageSize = 512 * 1024

	// Outbound queue capacity per viewer.
	sendBufSize = 256
)

// Client is one WebSocket viewer connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger zerolog.Logger

	send chan []byte

	// cameras this client is viewing
	cameras   map[string]bool
	camerasMu sync.RWMutex

	userID     string
	remoteAddr string
}

// NewClient wraps an already-upgraded connection. The caller registers the
// client with the hub and starts both pumps.
func NewClient(hub *Hub, conn *websocket.Conn, userID, remoteAddr string, logger zerolog.Logger) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		logger:     logger,
		send:       make(chan []byte, sendBufSize),
		cameras:    make(map[string]bool),
		userID:     userID,
		remoteAddr: remoteAddr,
	}
}

// ReadPump consumes viewer control messages until the connection dies, then
// unregisters the client, which also closes the send queue the write pump is
// draining.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Str("remoteAddr", c.remoteAddr).Msg("WebSocket read failed")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn().Err(err).Str("remoteAddr", c.remoteAddr).Msg("Invalid control message")
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.Camera != "" {
				if err := c.hub.Subscribe(c, msg.Camera); err != nil {
					c.logger.Warn().Err(err).Str("camera", msg.Camera).Msg("Subscribe failed")
					c.sendError(err.Error())
				}
			}

		case "unsubscribe":
			if msg.Camera != "" {
				c.hub.Unsubscribe(c, msg.Camera)
			}

		case "ping":
			c.sendPong()

		default:
			c.logger.Warn().Str("type", msg.Type).Str("remoteAddr", c.remoteAddr).Msg("Unknown control message type")
		}
	}
}

// WritePump drains the send queue onto the socket. Frames (leading 0x01 byte)
// go out as binary messages, everything else as text. It exits when the hub
// closes the queue or any write fails.
func (c *Client) WritePump() {
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

			msgType := websocket.TextMessage
			if len(message) > 0 && message[0] == frameTypeByte {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(msgType, message); err != nil {
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

func (c *Client) sendError(errMsg string) {
	msgBytes, _ := json.Marshal(FeedMessage{Type: "error", Error: errMsg})
	select {
	case c.send <- msgBytes:
	default:
	}
}

func (c *Client) sendPong() {
	msgBytes, _ := json.Marshal(FeedMessage{Type: "pong"})
	select {
	case c.send <- msgBytes:
	default:
	}
}
