package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Kikks/living-notes/internal/crdt"
	"github.com/Kikks/living-notes/internal/notes"
	"go.uber.org/zap"
)

const maxCodeAttempts = 8

var (
	// ErrRoomNotFound indicates that no room exists for the requested code.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrCodeSpaceExhausted indicates that every generated code collided with an existing room.
	ErrCodeSpaceExhausted = errors.New("rooms: could not allocate a unique code")

	errMissingArchive       = errors.New("rooms: version archive is required")
	errMissingIDProvider    = errors.New("rooms: id provider is required")
	errMissingCodeGenerator = errors.New("rooms: code generator is required")
)

// Replica is the CRDT contract a room depends on.
type Replica interface {
	Apply(update []byte) error
	EncodeFullState() []byte
	Text() (string, error)
}

// ReplicaFactory allocates an empty replica for a new room.
type ReplicaFactory func() (Replica, error)

// VersionArchive stores the append-only version history of every room.
type VersionArchive interface {
	Append(ctx context.Context, version notes.Version) error
	List(ctx context.Context, noteID string) ([]notes.VersionSummary, error)
	Get(ctx context.Context, noteID string, versionID string) (notes.Version, error)
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Archive       VersionArchive
	NewReplica    ReplicaFactory
	IDProvider    notes.IDProvider
	CodeGenerator notes.CodeGenerator
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Registry maps share codes to rooms. It is the only owner of room state.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[notes.NoteCode]*Room
	archive    VersionArchive
	newReplica ReplicaFactory
	ids        notes.IDProvider
	codes      notes.CodeGenerator
	clock      func() time.Time
	logger     *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Archive == nil {
		return nil, errMissingArchive
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.CodeGenerator == nil {
		return nil, errMissingCodeGenerator
	}
	newReplica := cfg.NewReplica
	if newReplica == nil {
		newReplica = func() (Replica, error) {
			return crdt.New()
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:      make(map[notes.NoteCode]*Room),
		archive:    cfg.Archive,
		newReplica: newReplica,
		ids:        cfg.IDProvider,
		codes:      cfg.CodeGenerator,
		clock:      clock,
		logger:     logger,
	}, nil
}

// CreateRoom allocates a note with an empty replica, no sessions and no versions.
// The title must already be normalized.
func (r *Registry) CreateRoom(title string) (*Room, error) {
	noteID, err := r.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("rooms: allocate note id: %w", err)
	}
	replica, err := r.newReplica()
	if err != nil {
		return nil, fmt.Errorf("rooms: allocate replica: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.codes.NewCode()
		if err != nil {
			return nil, fmt.Errorf("rooms: allocate code: %w", err)
		}
		if _, taken := r.rooms[code]; taken {
			r.logger.Warn("note code collision", zap.String("note_code", code.String()), zap.Int("attempt", attempt+1))
			continue
		}
		room := newRoom(notes.Note{
			ID:        noteID,
			Code:      code,
			Title:     title,
			CreatedAt: r.clock().UTC(),
		}, replica, r.archive)
		r.rooms[code] = room
		return room, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// GetRoom resolves a code to its room.
func (r *Registry) GetRoom(code notes.NoteCode) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	return room, nil
}

// AddSession records a session in the room's active set.
func (r *Registry) AddSession(code notes.NoteCode, sessionID string) error {
	room, err := r.GetRoom(code)
	if err != nil {
		return err
	}
	room.Admit(sessionID, nil)
	return nil
}

// RemoveSession drops a session from the room's active set. Removing an absent
// session is a no-op.
func (r *Registry) RemoveSession(code notes.NoteCode, sessionID string) error {
	room, err := r.GetRoom(code)
	if err != nil {
		return err
	}
	room.Evict(sessionID, nil)
	return nil
}

// Len reports the number of rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
