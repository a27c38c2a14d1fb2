package event

import (
	"sync"
)

// Payload is an untyped event body. Consumers discriminate by the
// presence of a "type" or "state" key.
type Payload map[string]interface{}

const defaultBuffer = 64

// Stream delivers payloads to at most one subscriber. A later Listen
// call supersedes the previous one, and publishing never blocks: when
// the subscriber falls behind, payloads are dropped.
type Stream struct {
	mu     sync.Mutex
	ch     chan Payload
	closed bool
}

func NewStream() *Stream {
	return &Stream{}
}

// Listen registers the caller as the sole subscriber. Any previous
// subscriber channel is closed.
func (s *Stream) Listen() <-chan Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
	ch := make(chan Payload, defaultBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.ch = ch
	return ch
}

// Publish sends a payload to the current subscriber, if any.
func (s *Stream) Publish(p Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ch == nil {
		return
	}
	select {
	case s.ch <- p:
	default:
		// slow consumer, drop
	}
}

// Close terminates the stream. Further publishes are ignored.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}
