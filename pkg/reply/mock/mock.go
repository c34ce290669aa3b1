// Package mock provides a scripted reply.Source for tests.
//
// Events are returned in order. When Hold is non-nil, Next blocks after the
// scripted events until Hold is closed or the context is cancelled, which
// simulates a reply that is still streaming.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/parley/pkg/reply"
)

// Source is a mock implementation of reply.Source.
type Source struct {
	mu sync.Mutex

	// Events are returned one per Next call.
	Events []reply.Event

	// Err, if non-nil, is returned once the scripted events are exhausted
	// instead of io.EOF.
	Err error

	// Hold, if non-nil, blocks Next after the scripted events until closed.
	Hold chan struct{}

	// Feed, if non-nil, supplies further events after the scripted ones.
	// Closing it ends the source.
	Feed chan reply.Event

	calls  int
	closed bool
}

var _ reply.Source = (*Source)(nil)

// NewSource returns a Source that yields evs and then io.EOF.
func NewSource(evs ...reply.Event) *Source {
	return &Source{Events: evs}
}

// Next returns the next scripted event.
func (s *Source) Next(ctx context.Context) (reply.Event, error) {
	s.mu.Lock()
	s.calls++
	if s.closed {
		s.mu.Unlock()
		return reply.Event{}, io.EOF
	}
	if len(s.Events) > 0 {
		ev := s.Events[0]
		s.Events = s.Events[1:]
		s.mu.Unlock()
		return ev, nil
	}
	hold, feed, err := s.Hold, s.Feed, s.Err
	s.mu.Unlock()

	if feed != nil {
		select {
		case ev, ok := <-feed:
			if !ok {
				return reply.Event{}, io.EOF
			}
			return ev, nil
		case <-ctx.Done():
			return reply.Event{}, ctx.Err()
		}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return reply.Event{}, ctx.Err()
		}
	}
	if err != nil {
		return reply.Event{}, err
	}
	return reply.Event{}, io.EOF
}

// Close marks the source closed; later Next calls return io.EOF.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Calls returns the number of Next calls so far.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
