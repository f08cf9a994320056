package feed

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
	sendBuffer     = 8
)

type inbound struct {
	Type string `json:"type"`
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan Frame
	quit      chan struct{}
	stopOnce  sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, sessionID string) *client {
	return &client{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan Frame, sendBuffer),
		quit:      make(chan struct{}),
	}
}

// enqueue never blocks. A slow presenter loses its oldest frames, which are
// superseded tokens anyway.
func (c *client) enqueue(f Frame) {
	for {
		select {
		case c.send <- f:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

func (c *client) readPump() {
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Feed read error", zap.String("session_id", c.sessionID), zap.Error(err))
			}
			return
		}
		if msg.Type == FrameAck {
			c.hub.acknowledge(c.sessionID)
		}
	}
}

func (c *client) writePump(closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				return
			}
			if f.Type == FrameSessionClosed {
				c.closeNormally()
				return
			}
		case <-closed:
			c.flush()
			c.closeNormally()
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *client) write(f Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// flush writes whatever is already queued.
func (c *client) flush() {
	for {
		select {
		case f := <-c.send:
			if c.write(f) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) closeNormally() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
}
