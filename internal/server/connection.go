package server

import (
	"encoding/json"
	"time"

	"github.com/Kikks/living-notes/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RealtimeSettings tunes websocket keepalive and framing.
type RealtimeSettings struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64
}

func (s RealtimeSettings) withDefaults() RealtimeSettings {
	if s.WriteWait <= 0 {
		s.WriteWait = 10 * time.Second
	}
	if s.PongWait <= 0 {
		s.PongWait = 60 * time.Second
	}
	if s.PingPeriod <= 0 || s.PingPeriod >= s.PongWait {
		s.PingPeriod = s.PongWait * 9 / 10
	}
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = 1 << 20
	}
	return s
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type connection struct {
	sessionID string
	conn      *websocket.Conn
	relay     *relay.Relay
	settings  RealtimeSettings
	logger    *zap.Logger
}

// readPump processes frames in receipt order until the socket fails.
func (c *connection) readPump() {
	c.conn.SetReadLimit(c.settings.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.String("session_id", c.sessionID), zap.Error(err))
			}
			return
		}
		c.handleFrame(message)
	}
}

func (c *connection) handleFrame(message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
		c.logger.Debug("undecodable frame", zap.String("session_id", c.sessionID), zap.Error(err))
		c.relay.Reject(c.sessionID, relay.MessageInvalidMessage)
		return
	}

	switch {
	case frame.Event == relay.EventJoin:
		var request relay.JoinRequest
		if !c.decode(frame, &request) {
			return
		}
		_ = c.relay.Join(c.sessionID, request)
	case frame.Event == relay.EventStateDelta:
		var request relay.StateDeltaRequest
		if !c.decode(frame, &request) {
			return
		}
		_ = c.relay.ApplyDelta(c.sessionID, request.Update)
	case relay.IsPresenceEvent(frame.Event):
		var request relay.PresenceRequest
		if !c.decode(frame, &request) {
			return
		}
		_ = c.relay.RelayPresence(c.sessionID, frame.Event, request.Payload)
	case frame.Event == relay.EventLeave:
		_ = c.relay.Leave(c.sessionID)
	default:
		c.logger.Debug("unknown event", zap.String("session_id", c.sessionID), zap.String("event", frame.Event))
		c.relay.Reject(c.sessionID, relay.MessageUnknownEvent)
	}
}

func (c *connection) decode(frame inboundFrame, target any) bool {
	if len(frame.Data) == 0 {
		c.relay.Reject(c.sessionID, relay.MessageInvalidMessage)
		return false
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		c.logger.Debug("undecodable payload", zap.String("session_id", c.sessionID), zap.String("event", frame.Event), zap.Error(err))
		c.relay.Reject(c.sessionID, relay.MessageInvalidMessage)
		return false
	}
	return true
}

// writePump drains the session stream onto the socket. A closed stream ends
// the connection with a close frame.
func (c *connection) writePump(stream <-chan relay.Event) {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-stream:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(outboundFrame{Event: event.Name, Data: event.Data}); err != nil {
				c.logger.Debug("websocket write failed", zap.String("session_id", c.sessionID), zap.String("event", event.Name), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
