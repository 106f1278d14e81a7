package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Kikks/living-notes/internal/crdt"
	"github.com/Kikks/living-notes/internal/notes"
	"github.com/Kikks/living-notes/internal/rooms"
	"github.com/Kikks/living-notes/internal/sessions"
	"go.uber.org/zap"
)

const (
	fieldSessionID = "session_id"
	fieldNoteCode  = "note_code"
	fieldUserName  = "user_name"
	fieldEvent     = "event"
)

var (
	// ErrUnboundSession indicates a room-scoped message from a session that has not joined a room.
	ErrUnboundSession = errors.New("relay: session is not joined to a room")

	errMissingRegistry  = errors.New("relay: room registry is required")
	errMissingSessions  = errors.New("relay: session manager is required")
	errMissingPublisher = errors.New("relay: publisher is required")
)

// Publisher queues an event for one session. Implementations must not block.
type Publisher interface {
	Publish(sessionID string, event Event)
}

// Config describes the dependencies of a Relay.
type Config struct {
	Registry  *rooms.Registry
	Sessions  *sessions.Manager
	Publisher Publisher
	Logger    *zap.Logger
}

// Relay processes protocol messages and fans events out to room members.
type Relay struct {
	registry  *rooms.Registry
	sessions  *sessions.Manager
	publisher Publisher
	logger    *zap.Logger
}

// New constructs a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		registry:  cfg.Registry,
		sessions:  cfg.Sessions,
		publisher: cfg.Publisher,
		logger:    logger,
	}, nil
}

// Connect registers a new connection as an unbound session.
func (r *Relay) Connect(sessionID string) (sessions.Session, error) {
	session, err := r.sessions.Connect(sessionID)
	if err != nil {
		return sessions.Session{}, err
	}
	r.logger.Debug("session connected", zap.String(fieldSessionID, sessionID))
	return session, nil
}

// Join binds a session to a room and hands it the room's current state.
// Unknown codes produce an error event and leave any existing binding intact.
func (r *Relay) Join(sessionID string, request JoinRequest) error {
	room, err := r.resolveRoom(request.Code)
	if err != nil {
		r.publisher.Publish(sessionID, Event{Name: EventError, Data: ErrorPayload{Message: MessageNoteNotFound}})
		r.logger.Info("join rejected", zap.String(fieldSessionID, sessionID), zap.String(fieldNoteCode, request.Code), zap.Error(err))
		return err
	}

	session, ok := r.sessions.Lookup(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	// A rejoin of the current room keeps the name the others already know.
	if !session.Bound() || session.Room != room.Code() {
		if session, err = r.sessions.SetDisplayName(sessionID, request.UserName); err != nil {
			return err
		}
	}

	if session.Bound() && session.Room != room.Code() {
		r.leave(session, session.Room)
	}
	if _, err := r.sessions.Bind(sessionID, room.Code()); err != nil {
		return err
	}

	note := room.Note()
	room.Admit(sessionID, func(admission rooms.Admission) {
		activeUsers := make([]ActiveUser, 0, len(admission.Others))
		for _, otherID := range admission.Others {
			activeUsers = append(activeUsers, ActiveUser{ID: otherID, Name: r.sessions.DisplayName(otherID)})
		}
		r.publisher.Publish(sessionID, Event{Name: EventJoined, Data: JoinedPayload{
			NoteID:      note.ID,
			Code:        note.Code.String(),
			Title:       note.Title,
			State:       admission.State,
			ActiveUsers: activeUsers,
		}})
		if !admission.Added {
			return
		}
		r.fanOut(admission.Others, Event{Name: EventUserJoined, Data: MembershipPayload{
			UserID:   sessionID,
			UserName: session.Name,
		}})
	})

	r.logger.Info("session joined note",
		zap.String(fieldSessionID, sessionID),
		zap.String(fieldNoteCode, note.Code.String()),
		zap.String(fieldUserName, session.Name))
	return nil
}

// ApplyDelta merges an update into the sender's room and relays the same bytes
// to every other member. Deltas from unbound sessions and malformed deltas are
// dropped without notifying anyone.
func (r *Relay) ApplyDelta(sessionID string, update []byte) error {
	session, room, err := r.boundRoom(sessionID)
	if err != nil {
		r.logger.Debug("state delta dropped", zap.String(fieldSessionID, sessionID), zap.Error(err))
		return err
	}

	err = room.Apply(sessionID, update, func(recipients []string) {
		r.fanOut(recipients, Event{Name: EventStateDelta, Data: StateDeltaPayload{
			Update: update,
			UserID: sessionID,
		}})
	})
	if err != nil {
		level := r.logger.Error
		if errors.Is(err, crdt.ErrMalformedDelta) {
			level = r.logger.Warn
		}
		level("state delta rejected",
			zap.String(fieldSessionID, sessionID),
			zap.String(fieldNoteCode, session.Room.String()),
			zap.Int("bytes", len(update)),
			zap.Error(err))
		return err
	}
	return nil
}

// RelayPresence forwards an opaque presence payload to the other room members.
func (r *Relay) RelayPresence(sessionID string, eventName string, payload json.RawMessage) error {
	if !IsPresenceEvent(eventName) {
		return fmt.Errorf("relay: %q is not a presence event", eventName)
	}
	session, room, err := r.boundRoom(sessionID)
	if err != nil {
		r.logger.Debug("presence update dropped", zap.String(fieldSessionID, sessionID), zap.String(fieldEvent, eventName), zap.Error(err))
		return err
	}
	room.Broadcast(sessionID, func(recipients []string) {
		r.fanOut(recipients, Event{Name: eventName, Data: PresencePayload{
			UserID:   sessionID,
			UserName: session.Name,
			Payload:  payload,
		}})
	})
	return nil
}

// Leave removes a session from its room and announces the departure.
func (r *Relay) Leave(sessionID string) error {
	session, ok := r.sessions.Lookup(sessionID)
	if !ok || !session.Bound() {
		return ErrUnboundSession
	}
	r.leave(session, session.Room)
	return nil
}

// Disconnect resolves the session's binding, leaves the room, announces the
// departure and only then discards the session record.
func (r *Relay) Disconnect(sessionID string) {
	session, ok := r.sessions.Lookup(sessionID)
	if !ok {
		return
	}
	if session.Bound() {
		r.leave(session, session.Room)
	}
	r.sessions.Disconnect(sessionID)
	r.logger.Debug("session disconnected", zap.String(fieldSessionID, sessionID))
}

// Reject reports a per-message protocol failure to the sender only.
func (r *Relay) Reject(sessionID string, message string) {
	r.publisher.Publish(sessionID, Event{Name: EventError, Data: ErrorPayload{Message: message}})
}

func (r *Relay) leave(session sessions.Session, code notes.NoteCode) {
	defer r.sessions.Unbind(session.ID, code)

	room, err := r.registry.GetRoom(code)
	if err != nil {
		r.logger.Warn("bound room missing on leave", zap.String(fieldSessionID, session.ID), zap.String(fieldNoteCode, code.String()))
		return
	}
	left := room.Evict(session.ID, func(remaining []string) {
		r.fanOut(remaining, Event{Name: EventUserLeft, Data: MembershipPayload{
			UserID:   session.ID,
			UserName: session.Name,
		}})
	})
	if left {
		r.logger.Info("session left note",
			zap.String(fieldSessionID, session.ID),
			zap.String(fieldNoteCode, code.String()),
			zap.String(fieldUserName, session.Name))
	}
}

func (r *Relay) boundRoom(sessionID string) (sessions.Session, *rooms.Room, error) {
	session, ok := r.sessions.Lookup(sessionID)
	if !ok || !session.Bound() {
		return sessions.Session{}, nil, ErrUnboundSession
	}
	room, err := r.registry.GetRoom(session.Room)
	if err != nil {
		return sessions.Session{}, nil, err
	}
	if !room.Contains(sessionID) {
		return sessions.Session{}, nil, ErrUnboundSession
	}
	return session, room, nil
}

func (r *Relay) resolveRoom(rawCode string) (*rooms.Room, error) {
	code, err := notes.NewNoteCode(rawCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rooms.ErrRoomNotFound, err)
	}
	return r.registry.GetRoom(code)
}

func (r *Relay) fanOut(recipients []string, event Event) {
	for _, recipient := range recipients {
		r.publisher.Publish(recipient, event)
	}
}
