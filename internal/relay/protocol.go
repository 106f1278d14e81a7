package relay

import "encoding/json"

// Event names exchanged over a persistent connection.
const (
	EventJoin            = "join"
	EventJoined          = "joined"
	EventError           = "error"
	EventStateDelta      = "state-delta"
	EventPresenceUpdate  = "presence-update"
	EventCursorUpdate    = "cursor-update"
	EventAwarenessUpdate = "awareness-update"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventLeave           = "leave"
)

// Error messages surfaced to clients in error events.
const (
	MessageNoteNotFound   = "Note not found"
	MessageInvalidMessage = "Invalid message"
	MessageUnknownEvent   = "Unknown event"
)

// Event is one outbound message addressed to a single session.
type Event struct {
	Name string
	Data any
}

// IsPresenceEvent reports whether name is relayed verbatim as ephemeral presence.
func IsPresenceEvent(name string) bool {
	switch name {
	case EventPresenceUpdate, EventCursorUpdate, EventAwarenessUpdate:
		return true
	default:
		return false
	}
}

// JoinRequest is the payload of a join event.
type JoinRequest struct {
	Code     string `json:"code"`
	UserName string `json:"userName,omitempty"`
}

// StateDeltaRequest is the payload of an inbound state-delta event.
type StateDeltaRequest struct {
	Update []byte `json:"update"`
}

// PresenceRequest is the payload of an inbound presence-style event.
type PresenceRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// ActiveUser identifies another member of a room.
type ActiveUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// JoinedPayload answers a successful join.
type JoinedPayload struct {
	NoteID      string       `json:"noteId"`
	Code        string       `json:"code"`
	Title       string       `json:"title"`
	State       []byte       `json:"state"`
	ActiveUsers []ActiveUser `json:"activeUsers"`
}

// ErrorPayload reports a per-message failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StateDeltaPayload relays an applied update.
type StateDeltaPayload struct {
	Update []byte `json:"update"`
	UserID string `json:"userId"`
}

// PresencePayload relays a presence-style update tagged with its sender.
type PresencePayload struct {
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
	Payload  json.RawMessage `json:"payload"`
}

// MembershipPayload announces a session joining or leaving a room.
type MembershipPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}
