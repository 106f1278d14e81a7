package server

import (
	"context"
	"sync"

	"github.com/Kikks/living-notes/internal/relay"
	"go.uber.org/zap"
)

const defaultSendBuffer = 256

// RealtimeDispatcher queues outbound events per session. Publishing never
// blocks: a subscriber whose buffer is full has its stream closed so the
// connection drops and the client resynchronizes from a fresh join.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type realtimeSubscriber struct {
	id     int64
	mu     sync.Mutex
	closed bool
	stream chan relay.Event
}

func NewRealtimeDispatcher(bufferSize int, logger *zap.Logger) *RealtimeDispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDispatcher{
		subscribers: make(map[string]*realtimeSubscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe opens the outbound stream of a session. A second subscription for
// the same session replaces and closes the first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, sessionID string) (<-chan relay.Event, func()) {
	if sessionID == "" {
		ch := make(chan relay.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan relay.Event, d.bufferSize),
	}
	d.registerSubscriber(sessionID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(sessionID, subscriber.id)
			subscriber.close()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements relay.Publisher.
func (d *RealtimeDispatcher) Publish(sessionID string, event relay.Event) {
	if sessionID == "" || event.Name == "" {
		return
	}
	d.mu.RLock()
	subscriber := d.subscribers[sessionID]
	d.mu.RUnlock()
	if subscriber == nil {
		return
	}
	if subscriber.offer(event) {
		return
	}
	d.unregisterSubscriber(sessionID, subscriber.id)
	d.logger.Warn("outbound buffer full, closing stream",
		zap.String("session_id", sessionID),
		zap.String("event", event.Name),
		zap.Int("buffer", d.bufferSize))
}

// Len reports the number of open streams.
func (d *RealtimeDispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(sessionID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	previous := d.subscribers[sessionID]
	d.subscribers[sessionID] = subscriber
	d.mu.Unlock()
	if previous != nil {
		previous.close()
	}
}

func (d *RealtimeDispatcher) unregisterSubscriber(sessionID string, subscriberID int64) {
	d.mu.Lock()
	if current, ok := d.subscribers[sessionID]; ok && current.id == subscriberID {
		delete(d.subscribers, sessionID)
	}
	d.mu.Unlock()
}

// offer enqueues without blocking. It returns false, closing the stream, when
// the buffer is full.
func (s *realtimeSubscriber) offer(event relay.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.stream <- event:
		return true
	default:
		s.closed = true
		close(s.stream)
		return false
	}
}

func (s *realtimeSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stream)
}
