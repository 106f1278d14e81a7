package rooms

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Kikks/living-notes/internal/notes"
)

// Room holds the replica, active sessions and version history of one note.
//
// Membership and replica methods run under the room's mutex. Callbacks passed
// to Admit, Apply, Broadcast and Evict run inside that critical section so
// outbound events are queued in the same order the state changed; they must
// not block. Archive reads and writes never hold that mutex.
type Room struct {
	note    notes.Note
	archive VersionArchive

	// historyMu keeps appends in snapshot order.
	historyMu sync.Mutex

	mu       sync.Mutex
	replica  Replica
	sessions map[string]uint64
	joinSeq  uint64
}

// Admission describes the room as observed by a joining session.
type Admission struct {
	// State is the full replica encoding at the moment of admission.
	State []byte
	// Others lists the other active sessions in join order.
	Others []string
	// Added is false when the session was already a member.
	Added bool
}

func newRoom(note notes.Note, replica Replica, archive VersionArchive) *Room {
	return &Room{
		note:     note,
		archive:  archive,
		replica:  replica,
		sessions: make(map[string]uint64),
	}
}

// Note returns the descriptive fields of the room's note.
func (room *Room) Note() notes.Note {
	return room.note
}

// Code returns the room's share code.
func (room *Room) Code() notes.NoteCode {
	return room.note.Code
}

// Admit adds a session and snapshots the replica in one critical section.
func (room *Room) Admit(sessionID string, deliver func(Admission)) Admission {
	room.mu.Lock()
	defer room.mu.Unlock()

	_, present := room.sessions[sessionID]
	if !present {
		room.joinSeq++
		room.sessions[sessionID] = room.joinSeq
	}
	admission := Admission{
		State:  room.replica.EncodeFullState(),
		Others: room.membersLocked(sessionID),
		Added:  !present,
	}
	if deliver != nil {
		deliver(admission)
	}
	return admission
}

// Evict removes a session. It reports whether the session was a member;
// deliver only runs when it was and receives the remaining sessions.
func (room *Room) Evict(sessionID string, deliver func(remaining []string)) bool {
	room.mu.Lock()
	defer room.mu.Unlock()

	if _, present := room.sessions[sessionID]; !present {
		return false
	}
	delete(room.sessions, sessionID)
	if deliver != nil {
		deliver(room.membersLocked(""))
	}
	return true
}

// Apply merges an update into the replica. On success deliver receives every
// other active session.
func (room *Room) Apply(senderID string, update []byte, deliver func(recipients []string)) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if err := room.replica.Apply(update); err != nil {
		return err
	}
	if deliver != nil {
		deliver(room.membersLocked(senderID))
	}
	return nil
}

// Broadcast hands deliver every active session except the sender without
// touching the replica.
func (room *Room) Broadcast(senderID string, deliver func(recipients []string)) {
	room.mu.Lock()
	defer room.mu.Unlock()

	deliver(room.membersLocked(senderID))
}

// Members returns the active sessions in join order.
func (room *Room) Members() []string {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.membersLocked("")
}

// ActiveCount returns the number of active sessions.
func (room *Room) ActiveCount() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.sessions)
}

// Contains reports whether the session is active in the room.
func (room *Room) Contains(sessionID string) bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	_, ok := room.sessions[sessionID]
	return ok
}

// EncodeState returns the full replica encoding.
func (room *Room) EncodeState() []byte {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.replica.EncodeFullState()
}

// Content returns the materialized replica content.
func (room *Room) Content() (string, error) {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.replica.Text()
}

// RecordVersion materializes the current content, lets build wrap it and
// appends the result to the history. Only the snapshot holds the room, so
// edits keep flowing while the archive write is in progress.
func (room *Room) RecordVersion(ctx context.Context, build func(content string) (notes.Version, error)) (notes.Version, error) {
	room.historyMu.Lock()
	defer room.historyMu.Unlock()

	room.mu.Lock()
	content, err := room.replica.Text()
	room.mu.Unlock()
	if err != nil {
		return notes.Version{}, fmt.Errorf("rooms: materialize content: %w", err)
	}

	version, err := build(content)
	if err != nil {
		return notes.Version{}, err
	}
	version.NoteID = room.note.ID
	if err := room.archive.Append(ctx, version); err != nil {
		return notes.Version{}, err
	}
	return version, nil
}

// Versions lists the room's history in creation order.
func (room *Room) Versions(ctx context.Context) ([]notes.VersionSummary, error) {
	return room.archive.List(ctx, room.note.ID)
}

// Version returns one version including content.
func (room *Room) Version(ctx context.Context, versionID string) (notes.Version, error) {
	return room.archive.Get(ctx, room.note.ID, versionID)
}

func (room *Room) membersLocked(exclude string) []string {
	members := make([]string, 0, len(room.sessions))
	for sessionID := range room.sessions {
		if sessionID == exclude {
			continue
		}
		members = append(members, sessionID)
	}
	sort.Slice(members, func(i, j int) bool {
		return room.sessions[members[i]] < room.sessions[members[j]]
	})
	return members
}
