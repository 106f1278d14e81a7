package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Kikks/living-notes/internal/crdt"
	"github.com/Kikks/living-notes/internal/notes"
	"github.com/Kikks/living-notes/internal/rooms"
	"github.com/Kikks/living-notes/internal/sessions"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestJoinUnknownCodeEmitsErrorAndKeepsState(t *testing.T) {
	fixture := newRelayFixture(t)
	fixture.connect(t, "alice")

	err := fixture.relay.Join("alice", JoinRequest{Code: "doesnotexist", UserName: "Alice"})
	if !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	events := fixture.publisher.take("alice")
	if len(events) != 1 || events[0].Name != EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if payload := events[0].Data.(ErrorPayload); payload.Message != MessageNoteNotFound {
		t.Fatalf("unexpected error message %q", payload.Message)
	}
	if fixture.registry.Len() != 0 {
		t.Fatalf("joining an unknown code must not create a room")
	}
	session, _ := fixture.sessions.Lookup("alice")
	if session.Bound() {
		t.Fatalf("failed join must not bind the session")
	}
}

func TestJoinScenarioRelaysDeltasToOthersOnly(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "alice-session")
	fixture.connect(t, "bob-session")

	mustJoin(t, fixture.relay, "alice-session", room.Code(), "Alice")
	aliceJoined := fixture.publisher.take("alice-session")
	if len(aliceJoined) != 1 || aliceJoined[0].Name != EventJoined {
		t.Fatalf("expected joined event for alice, got %+v", aliceJoined)
	}
	alicePayload := aliceJoined[0].Data.(JoinedPayload)
	if len(alicePayload.ActiveUsers) != 0 {
		t.Fatalf("expected alice to see no other users, got %+v", alicePayload.ActiveUsers)
	}
	if alicePayload.Title != notes.DefaultTitle || alicePayload.Code != room.Code().String() || alicePayload.NoteID != room.Note().ID {
		t.Fatalf("unexpected note fields %+v", alicePayload)
	}
	if text := mustLoadText(t, alicePayload.State); text != "" {
		t.Fatalf("expected empty state, got %q", text)
	}

	mustJoin(t, fixture.relay, "bob-session", room.Code(), "Bob")
	aliceEvents := fixture.publisher.take("alice-session")
	if len(aliceEvents) != 1 || aliceEvents[0].Name != EventUserJoined {
		t.Fatalf("expected user-joined for alice, got %+v", aliceEvents)
	}
	if joined := aliceEvents[0].Data.(MembershipPayload); joined.UserName != "Bob" || joined.UserID != "bob-session" {
		t.Fatalf("unexpected user-joined payload %+v", joined)
	}
	bobEvents := fixture.publisher.take("bob-session")
	if len(bobEvents) != 1 || bobEvents[0].Name != EventJoined {
		t.Fatalf("expected joined event for bob, got %+v", bobEvents)
	}
	bobPayload := bobEvents[0].Data.(JoinedPayload)
	if len(bobPayload.ActiveUsers) != 1 || bobPayload.ActiveUsers[0].Name != "Alice" || bobPayload.ActiveUsers[0].ID != "alice-session" {
		t.Fatalf("unexpected active users for bob %+v", bobPayload.ActiveUsers)
	}

	bobReplica, err := crdt.Load(bobPayload.State)
	if err != nil {
		t.Fatalf("load bob replica: %v", err)
	}
	delta, err := bobReplica.Splice(0, 0, "Hi")
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if err := fixture.relay.ApplyDelta("bob-session", delta); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	if echoed := fixture.publisher.take("bob-session"); len(echoed) != 0 {
		t.Fatalf("sender must not receive its own delta, got %+v", echoed)
	}
	aliceDeltas := fixture.publisher.take("alice-session")
	if len(aliceDeltas) != 1 || aliceDeltas[0].Name != EventStateDelta {
		t.Fatalf("expected state-delta for alice, got %+v", aliceDeltas)
	}
	relayed := aliceDeltas[0].Data.(StateDeltaPayload)
	if relayed.UserID != "bob-session" || string(relayed.Update) != string(delta) {
		t.Fatalf("expected verbatim relay tagged with sender, got %+v", relayed)
	}

	aliceReplica, err := crdt.Load(alicePayload.State)
	if err != nil {
		t.Fatalf("load alice replica: %v", err)
	}
	if err := aliceReplica.Apply(relayed.Update); err != nil {
		t.Fatalf("apply relayed delta: %v", err)
	}
	aliceText, _ := aliceReplica.Text()
	serverText, _ := room.Content()
	if aliceText != "Hi" || serverText != "Hi" {
		t.Fatalf("expected converged content %q, alice=%q server=%q", "Hi", aliceText, serverText)
	}
}

func TestDeltasStayWithinTheirRoom(t *testing.T) {
	fixture := newRelayFixture(t)
	first := fixture.createRoom(t)
	second := fixture.createRoom(t)
	for _, id := range []string{"a", "b", "c"} {
		fixture.connect(t, id)
	}
	mustJoin(t, fixture.relay, "a", first.Code(), "")
	mustJoin(t, fixture.relay, "b", first.Code(), "")
	mustJoin(t, fixture.relay, "c", second.Code(), "")
	fixture.publisher.reset()

	delta := editDelta(t, first, "x")
	if err := fixture.relay.ApplyDelta("a", delta); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if got := fixture.publisher.take("b"); len(got) != 1 {
		t.Fatalf("expected b to receive the delta, got %+v", got)
	}
	if got := fixture.publisher.take("c"); len(got) != 0 {
		t.Fatalf("delta leaked into another room: %+v", got)
	}
}

func TestUnboundDeltaIsDroppedSilently(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "watcher")
	fixture.connect(t, "stranger")
	mustJoin(t, fixture.relay, "watcher", room.Code(), "")
	fixture.publisher.reset()

	err := fixture.relay.ApplyDelta("stranger", editDelta(t, room, "x"))
	if !errors.Is(err, ErrUnboundSession) {
		t.Fatalf("expected ErrUnboundSession, got %v", err)
	}
	if err := fixture.relay.RelayPresence("stranger", EventPresenceUpdate, json.RawMessage(`{}`)); !errors.Is(err, ErrUnboundSession) {
		t.Fatalf("expected ErrUnboundSession for presence, got %v", err)
	}
	if fixture.publisher.total() != 0 {
		t.Fatalf("unbound messages must not produce events")
	}
	if content, _ := room.Content(); content != "" {
		t.Fatalf("unbound delta must not be applied, got %q", content)
	}
	if err := fixture.relay.ApplyDelta("never-connected", []byte{1}); !errors.Is(err, ErrUnboundSession) {
		t.Fatalf("expected ErrUnboundSession for unknown session, got %v", err)
	}
}

func TestMalformedDeltaIsLoggedAndDropped(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newRelayFixtureWithLogger(t, zap.New(core))
	room := fixture.createRoom(t)
	fixture.connect(t, "alice")
	fixture.connect(t, "bob")
	mustJoin(t, fixture.relay, "alice", room.Code(), "")
	mustJoin(t, fixture.relay, "bob", room.Code(), "")
	fixture.publisher.reset()

	err := fixture.relay.ApplyDelta("alice", []byte{0x01, 0x02, 0x03})
	if !errors.Is(err, crdt.ErrMalformedDelta) {
		t.Fatalf("expected ErrMalformedDelta, got %v", err)
	}
	if fixture.publisher.total() != 0 {
		t.Fatalf("malformed deltas must not be relayed or answered")
	}
	entries := logs.FilterMessage("state delta rejected").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry for the rejected delta, got %+v", entries)
	}

	if err := fixture.relay.ApplyDelta("alice", editDelta(t, room, "ok")); err != nil {
		t.Fatalf("session must keep working after a malformed delta: %v", err)
	}
	if content, _ := room.Content(); content != "ok" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestPresenceIsRelayedVerbatim(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "alice")
	fixture.connect(t, "bob")
	mustJoin(t, fixture.relay, "alice", room.Code(), "Alice")
	mustJoin(t, fixture.relay, "bob", room.Code(), "Bob")
	fixture.publisher.reset()

	payload := json.RawMessage(`{"cursor":{"anchor":3,"head":5},"typing":true}`)
	for _, eventName := range []string{EventPresenceUpdate, EventCursorUpdate, EventAwarenessUpdate} {
		if err := fixture.relay.RelayPresence("alice", eventName, payload); err != nil {
			t.Fatalf("relay %s: %v", eventName, err)
		}
	}
	if echoed := fixture.publisher.take("alice"); len(echoed) != 0 {
		t.Fatalf("presence must not echo to sender: %+v", echoed)
	}
	received := fixture.publisher.take("bob")
	if len(received) != 3 {
		t.Fatalf("expected three presence events, got %d", len(received))
	}
	for index, eventName := range []string{EventPresenceUpdate, EventCursorUpdate, EventAwarenessUpdate} {
		if received[index].Name != eventName {
			t.Fatalf("expected %s at %d, got %s", eventName, index, received[index].Name)
		}
		presence := received[index].Data.(PresencePayload)
		if presence.UserID != "alice" || presence.UserName != "Alice" || string(presence.Payload) != string(payload) {
			t.Fatalf("unexpected presence payload %+v", presence)
		}
	}

	if err := fixture.relay.RelayPresence("alice", EventStateDelta, payload); err == nil {
		t.Fatalf("expected non-presence events to be refused")
	}
}

func TestDisconnectAnnouncesDepartureAndCleansUp(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "alice")
	fixture.connect(t, "bob")
	mustJoin(t, fixture.relay, "alice", room.Code(), "Alice")
	mustJoin(t, fixture.relay, "bob", room.Code(), "Bob")
	fixture.publisher.reset()

	if room.ActiveCount() != 2 {
		t.Fatalf("expected two active users, got %d", room.ActiveCount())
	}
	fixture.relay.Disconnect("bob")

	if room.ActiveCount() != 1 {
		t.Fatalf("expected one active user after disconnect, got %d", room.ActiveCount())
	}
	left := fixture.publisher.take("alice")
	if len(left) != 1 || left[0].Name != EventUserLeft {
		t.Fatalf("expected user-left for alice, got %+v", left)
	}
	if payload := left[0].Data.(MembershipPayload); payload.UserID != "bob" || payload.UserName != "Bob" {
		t.Fatalf("unexpected user-left payload %+v", payload)
	}
	if _, ok := fixture.sessions.Lookup("bob"); ok {
		t.Fatalf("expected session record to be discarded")
	}

	fixture.relay.Disconnect("bob")
	if room.ActiveCount() != 1 || fixture.publisher.total() != 0 {
		t.Fatalf("repeated disconnect must be a no-op")
	}
}

func TestRejoinSameRoomDoesNotDoubleCount(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "alice")
	fixture.connect(t, "bob")
	mustJoin(t, fixture.relay, "alice", room.Code(), "Alice")
	mustJoin(t, fixture.relay, "bob", room.Code(), "Bob")
	fixture.publisher.reset()

	mustJoin(t, fixture.relay, "bob", room.Code(), "Bob")
	if room.ActiveCount() != 2 {
		t.Fatalf("expected rejoin to keep two active users, got %d", room.ActiveCount())
	}
	if events := fixture.publisher.take("alice"); len(events) != 0 {
		t.Fatalf("rejoin must not announce the session again: %+v", events)
	}
	if events := fixture.publisher.take("bob"); len(events) != 1 || events[0].Name != EventJoined {
		t.Fatalf("rejoin must resend the joined snapshot: %+v", events)
	}
}

func TestRejoinSameRoomKeepsDisplayName(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "alice")
	fixture.connect(t, "bob")
	mustJoin(t, fixture.relay, "alice", room.Code(), "Alice")
	mustJoin(t, fixture.relay, "bob", room.Code(), "Bob")
	fixture.publisher.reset()

	mustJoin(t, fixture.relay, "bob", room.Code(), "Robert")

	if events := fixture.publisher.take("alice"); len(events) != 0 {
		t.Fatalf("rejoin must not notify others: %+v", events)
	}
	if events := fixture.publisher.take("bob"); len(events) != 1 || events[0].Name != EventJoined {
		t.Fatalf("rejoin must resend the joined snapshot: %+v", events)
	}
	session, _ := fixture.sessions.Lookup("bob")
	if session.Name != "Bob" {
		t.Fatalf("expected name to stay %q, got %q", "Bob", session.Name)
	}

	if err := fixture.relay.RelayPresence("bob", EventCursorUpdate, json.RawMessage(`{"index":1}`)); err != nil {
		t.Fatalf("cursor update: %v", err)
	}
	cursor := fixture.publisher.take("alice")
	if len(cursor) != 1 || cursor[0].Data.(PresencePayload).UserName != "Bob" {
		t.Fatalf("expected presence under the original name, got %+v", cursor)
	}
}

func TestJoinAnotherRoomLeavesThePreviousOne(t *testing.T) {
	fixture := newRelayFixture(t)
	first := fixture.createRoom(t)
	second := fixture.createRoom(t)
	fixture.connect(t, "alice")
	fixture.connect(t, "bob")
	mustJoin(t, fixture.relay, "alice", first.Code(), "Alice")
	mustJoin(t, fixture.relay, "bob", first.Code(), "Bob")
	fixture.publisher.reset()

	mustJoin(t, fixture.relay, "bob", second.Code(), "")

	if first.Contains("bob") || !second.Contains("bob") {
		t.Fatalf("expected bob to move rooms: first=%v second=%v", first.Members(), second.Members())
	}
	left := fixture.publisher.take("alice")
	if len(left) != 1 || left[0].Name != EventUserLeft {
		t.Fatalf("expected alice to see bob leave, got %+v", left)
	}
	session, _ := fixture.sessions.Lookup("bob")
	if session.Room != second.Code() || session.Name != "Bob" {
		t.Fatalf("unexpected session state %+v", session)
	}

	err := fixture.relay.Join("bob", JoinRequest{Code: "doesnotexist"})
	if !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if !second.Contains("bob") {
		t.Fatalf("a failed join must keep the existing binding")
	}
}

func TestExplicitLeave(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "alice")
	fixture.connect(t, "bob")
	mustJoin(t, fixture.relay, "alice", room.Code(), "")
	mustJoin(t, fixture.relay, "bob", room.Code(), "")
	fixture.publisher.reset()

	if err := fixture.relay.Leave("bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if room.Contains("bob") {
		t.Fatalf("expected bob to leave")
	}
	if events := fixture.publisher.take("alice"); len(events) != 1 || events[0].Name != EventUserLeft {
		t.Fatalf("expected user-left, got %+v", events)
	}
	if err := fixture.relay.Leave("bob"); !errors.Is(err, ErrUnboundSession) {
		t.Fatalf("expected ErrUnboundSession on second leave, got %v", err)
	}
	if err := fixture.relay.ApplyDelta("bob", editDelta(t, room, "x")); !errors.Is(err, ErrUnboundSession) {
		t.Fatalf("deltas after leave must be dropped, got %v", err)
	}
}

func TestConcurrentJoinersConvergeWithWriters(t *testing.T) {
	fixture := newRelayFixture(t)
	room := fixture.createRoom(t)
	fixture.connect(t, "writer")
	mustJoin(t, fixture.relay, "writer", room.Code(), "")

	writer, err := crdt.Load(room.EncodeState())
	if err != nil {
		t.Fatalf("load writer replica: %v", err)
	}
	const edits = 50
	deltas := make([][]byte, 0, edits)
	for i := 0; i < edits; i++ {
		delta, err := writer.Splice(i, 0, "x")
		if err != nil {
			t.Fatalf("splice: %v", err)
		}
		deltas = append(deltas, delta)
	}

	const joiners = 8
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, delta := range deltas {
			if err := fixture.relay.ApplyDelta("writer", delta); err != nil {
				t.Errorf("apply delta: %v", err)
				return
			}
		}
	}()
	joinerIDs := make([]string, 0, joiners)
	for j := 0; j < joiners; j++ {
		sessionID := "joiner-" + string(rune('a'+j))
		joinerIDs = append(joinerIDs, sessionID)
		fixture.connect(t, sessionID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fixture.relay.Join(sessionID, JoinRequest{Code: room.Code().String()}); err != nil {
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()

	want, _ := room.Content()
	for _, sessionID := range joinerIDs {
		var replica *crdt.Document
		for _, event := range fixture.publisher.take(sessionID) {
			switch event.Name {
			case EventJoined:
				replica, err = crdt.Load(event.Data.(JoinedPayload).State)
				if err != nil {
					t.Fatalf("load joined state: %v", err)
				}
			case EventStateDelta:
				if replica == nil {
					t.Fatalf("%s received a delta before its joined snapshot", sessionID)
				}
				if err := replica.Apply(event.Data.(StateDeltaPayload).Update); err != nil {
					t.Fatalf("apply relayed delta: %v", err)
				}
			}
		}
		if replica == nil {
			t.Fatalf("%s never received a joined snapshot", sessionID)
		}
		if got, _ := replica.Text(); got != want {
			t.Fatalf("%s diverged: got %d chars want %d", sessionID, len(got), len(want))
		}
	}
}

type relayFixture struct {
	relay     *Relay
	registry  *rooms.Registry
	sessions  *sessions.Manager
	publisher *recordingPublisher
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	return newRelayFixtureWithLogger(t, zap.NewNop())
}

func newRelayFixtureWithLogger(t *testing.T, logger *zap.Logger) *relayFixture {
	t.Helper()
	codes, err := notes.NewRandomCodeGenerator(notes.DefaultCodeLength)
	if err != nil {
		t.Fatalf("code generator: %v", err)
	}
	registry, err := rooms.NewRegistry(rooms.RegistryConfig{
		Archive:       stubArchive{},
		IDProvider:    notes.NewUUIDProvider(),
		CodeGenerator: codes,
		Clock:         func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	manager := sessions.NewManager()
	publisher := newRecordingPublisher()
	relay, err := New(Config{
		Registry:  registry,
		Sessions:  manager,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	return &relayFixture{relay: relay, registry: registry, sessions: manager, publisher: publisher}
}

func (f *relayFixture) createRoom(t *testing.T) *rooms.Room {
	t.Helper()
	room, err := f.registry.CreateRoom(notes.DefaultTitle)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func (f *relayFixture) connect(t *testing.T, sessionID string) {
	t.Helper()
	if _, err := f.relay.Connect(sessionID); err != nil {
		t.Fatalf("connect %s: %v", sessionID, err)
	}
}

func mustJoin(t *testing.T, relay *Relay, sessionID string, code notes.NoteCode, name string) {
	t.Helper()
	if err := relay.Join(sessionID, JoinRequest{Code: code.String(), UserName: name}); err != nil {
		t.Fatalf("join %s: %v", sessionID, err)
	}
}

func editDelta(t *testing.T, room *rooms.Room, text string) []byte {
	t.Helper()
	replica, err := crdt.Load(room.EncodeState())
	if err != nil {
		t.Fatalf("load replica: %v", err)
	}
	delta, err := replica.Splice(0, 0, text)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	return delta
}

func mustLoadText(t *testing.T, state []byte) string {
	t.Helper()
	replica, err := crdt.Load(state)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	text, err := replica.Text()
	if err != nil {
		t.Fatalf("read text: %v", err)
	}
	return text
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]Event)}
}

func (p *recordingPublisher) Publish(sessionID string, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[sessionID] = append(p.events[sessionID], event)
}

func (p *recordingPublisher) take(sessionID string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.events[sessionID]
	delete(p.events, sessionID)
	return events
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = make(map[string][]Event)
}

func (p *recordingPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, events := range p.events {
		count += len(events)
	}
	return count
}

type stubArchive struct{}

func (stubArchive) Append(context.Context, notes.Version) error { return nil }

func (stubArchive) List(context.Context, string) ([]notes.VersionSummary, error) {
	return nil, nil
}

func (stubArchive) Get(context.Context, string, string) (notes.Version, error) {
	return notes.Version{}, notes.ErrVersionNotFound
}
