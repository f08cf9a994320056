package feed

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"attendance-service/internal/model"
)

const (
	FrameToken         = "token"
	FrameSessionClosed = "session_closed"
	FrameAck           = "ack"
)

// Frame is a message on the presenter feed. Field names match
// model.TokenView so the feed and the poll endpoint share one shape.
type Frame struct {
	Type             string `json:"type"`
	TokenValue       string `json:"token_value,omitempty"`
	SequenceNumber   uint64 `json:"sequence_number,omitempty"`
	SecondsRemaining int    `json:"seconds_remaining,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

type tokenPayload struct {
	Type             string `json:"type"`
	TokenValue       string `json:"token_value"`
	SequenceNumber   uint64 `json:"sequence_number"`
	SecondsRemaining int    `json:"seconds_remaining"`
}

// MarshalJSON always writes the token fields on token frames, zero values included.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Type == FrameToken {
		return json.Marshal(tokenPayload{
			Type:             f.Type,
			TokenValue:       f.TokenValue,
			SequenceNumber:   f.SequenceNumber,
			SecondsRemaining: f.SecondsRemaining,
		})
	}
	type plain Frame
	return json.Marshal(plain(f))
}

func tokenFrame(view model.TokenView) Frame {
	return Frame{
		Type:             FrameToken,
		TokenValue:       view.Value,
		SequenceNumber:   view.Sequence,
		SecondsRemaining: view.SecondsRemaining,
	}
}

// Acknowledger records that the creator is still watching a session.
type Acknowledger interface {
	Acknowledge(sessionID string) error
}

// Hub fans rotation and close notifications out to the presenter sockets
// of each session.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	acks    Acknowledger
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger.Named("feed"),
	}
}

// BindAcknowledger sets where {"type":"ack"} frames go. Call before serving.
func (h *Hub) BindAcknowledger(a Acknowledger) {
	h.mu.Lock()
	h.acks = a
	h.mu.Unlock()
}

func (h *Hub) TokenRotated(sessionID string, view model.TokenView) {
	frame := tokenFrame(view)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[sessionID] {
		c.enqueue(frame)
	}
}

func (h *Hub) SessionClosed(sessionID string, reason model.CloseReason) {
	frame := Frame{Type: FrameSessionClosed, Reason: string(reason)}

	h.mu.Lock()
	subs := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	for c := range subs {
		c.enqueue(frame)
	}
}

// Subscribers returns how many sockets watch sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Serve runs the feed on an upgraded connection until it disconnects or
// the session closes. initial, when set, is sent first. closed should be
// the session's done channel.
func (h *Hub) Serve(conn *websocket.Conn, sessionID string, initial *model.TokenView, closed <-chan struct{}) {
	c := newClient(h, conn, sessionID)
	h.register(c)
	defer h.unregister(c)

	if initial != nil {
		c.enqueue(tokenFrame(*initial))
	}

	go c.writePump(closed)
	c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[c.sessionID]
	if !ok {
		subs = make(map[*client]struct{})
		h.clients[c.sessionID] = subs
	}
	subs[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if subs, ok := h.clients[c.sessionID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.mu.Unlock()
	c.stop()
}

func (h *Hub) acknowledge(sessionID string) {
	h.mu.RLock()
	acks := h.acks
	h.mu.RUnlock()
	if acks == nil {
		return
	}
	if err := acks.Acknowledge(sessionID); err != nil {
		h.logger.Debug("Ack for unavailable session", zap.String("session_id", sessionID), zap.Error(err))
	}
}
