package sessions

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Kikks/living-notes/internal/notes"
)

const (
	placeholderPrefix    = "User-"
	placeholderIDLength  = 4
	maxDisplayNameLength = 64
)

var (
	// ErrSessionNotFound indicates that no live session has the requested id.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrDuplicateSession indicates that a connection id is already registered.
	ErrDuplicateSession = errors.New("sessions: duplicate session")
	// ErrInvalidSessionID indicates an empty connection id.
	ErrInvalidSessionID = errors.New("sessions: invalid session id")
)

// Session is a snapshot of one live connection's identity and room binding.
type Session struct {
	ID   string
	Name string
	// Room is empty while the session is not bound to a note.
	Room notes.NoteCode
}

// Bound reports whether the session is joined to a room.
func (s Session) Bound() bool {
	return s.Room != ""
}

// PlaceholderName derives the display name used before a session names itself.
func PlaceholderName(sessionID string) string {
	prefix := sessionID
	if len(prefix) > placeholderIDLength {
		prefix = prefix[:placeholderIDLength]
	}
	return placeholderPrefix + prefix
}

// Manager tracks live sessions. Sessions are never persisted.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Connect allocates a session with a placeholder display name.
func (m *Manager) Connect(sessionID string) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Session{}, ErrInvalidSessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sessionID]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}
	session := &Session{ID: sessionID, Name: PlaceholderName(sessionID)}
	m.sessions[sessionID] = session
	return *session, nil
}

// SetDisplayName replaces the session's display name. Blank names keep the
// current one; repeating the same name is a no-op.
func (m *Manager) SetDisplayName(sessionID string, name string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if normalized := normalizeName(name); normalized != "" {
		session.Name = normalized
	}
	return *session, nil
}

// Bind records room membership and returns the binding it replaced, which the
// caller must leave before announcing the new one.
func (m *Manager) Bind(sessionID string, code notes.NoteCode) (notes.NoteCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	previous := session.Room
	session.Room = code
	return previous, nil
}

// Unbind clears the binding when it still points at code.
func (m *Manager) Unbind(sessionID string, code notes.NoteCode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.Room != code || code == "" {
		return false
	}
	session.Room = ""
	return true
}

// Lookup returns the current state of a session.
func (m *Manager) Lookup(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// DisplayName resolves a session's name, falling back to the placeholder for
// sessions that are already gone.
func (m *Manager) DisplayName(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if session, ok := m.sessions[sessionID]; ok {
		return session.Name
	}
	return PlaceholderName(sessionID)
}

// Disconnect discards the session record and returns its final state.
func (m *Manager) Disconnect(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	delete(m.sessions, sessionID)
	return *session, true
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func normalizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) <= maxDisplayNameLength {
		return trimmed
	}
	runes := []rune(trimmed)
	return string(runes[:maxDisplayNameLength])
}
