// Package stream fans audit events out to live subscribers (SSE clients).
// It carries only events appended during the subscriber's lifetime; catch-up
// reads go through the audit store's read-since-id query instead.
package stream

import (
	"context"
	"sync"

	"aegisgate.org/internal/audit"
)

// Stream fan-outs audit events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan audit.Event
	next int
}

var _ audit.Publisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan audit.Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan audit.Event {
	ch := make(chan audit.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt audit.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
