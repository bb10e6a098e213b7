package events

import "sync"

// Payload is the wire form of an emitted event.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Event represents a structured state change emitted by the custody engine.
type Event interface {
	EventType() string
	Event() *Payload
}

// Emitter broadcasts events to downstream subscribers (gateway stream,
// indexers, tests).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// It is the default when a component does not wire a subscriber.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Stream fans emitted events out to bounded subscriber channels. Slow
// subscribers drop events rather than blocking the engine.
type Stream struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan *Payload
	depth  int
}

// NewStream constructs a Stream whose subscriber channels buffer up to depth
// events.
func NewStream(depth int) *Stream {
	if depth <= 0 {
		depth = 64
	}
	return &Stream{subs: make(map[uint64]chan *Payload), depth: depth}
}

// Emit implements Emitter.
func (s *Stream) Emit(evt Event) {
	if s == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel. The returned cancel func must
// be called to release it.
func (s *Stream) Subscribe() (<-chan *Payload, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan *Payload, s.depth)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// SubscriberCount reports the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
