// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to push reply events and inspect which methods the engine invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(reply.Event{Kind: reply.KindCreated, ResponseID: "r1"})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/reply"
)

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan reply.Event
	ended  bool
	err    error
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CommitErr, if non-nil, is returned by every Commit call.
	CommitErr error

	// CreateResponseErr, if non-nil, is returned by every CreateResponse call.
	CreateResponseErr error

	// CancelErr, if non-nil, is returned by every Cancel call.
	CancelErr error

	// OnCreateResponse, if set, runs after each successful CreateResponse
	// without the mutex held. Tests use it to emit a scripted reply.
	OnCreateResponse func(s *Session)

	audio        []byte
	appendCalls  int
	commits      int
	clears       int
	creates      int
	cancels      int
	closeCalls   int
	callSequence []string
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan reply.Event, 256)}
}

func (s *Session) record(name string) {
	s.callSequence = append(s.callSequence, name)
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.appendCalls++
	s.record("append")
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, chunk...)
	return nil
}

// Commit records the call.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.commits++
	s.record("commit")
	return s.CommitErr
}

// ClearInput records the call and forgets appended audio.
func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.clears++
	s.record("clear")
	s.audio = nil
	return nil
}

// CreateResponse records the call and runs OnCreateResponse.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.creates++
	s.record("create")
	err := s.CreateResponseErr
	hook := s.OnCreateResponse
	s.mu.Unlock()

	if err == nil && hook != nil {
		hook(s)
	}
	return err
}

// Cancel records the call.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.cancels++
	s.record("cancel")
	return s.CancelErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan reply.Event { return s.events }

// Emit pushes ev to the events channel. It returns false once the session
// has ended.
func (s *Session) Emit(ev reply.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// End closes the events channel and records err as the session error.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
}

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session cleanly. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Audio returns a copy of all appended audio since the last clear.
func (s *Session) Audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Counts returns the number of commit, clear, create and cancel calls.
func (s *Session) Counts() (commits, clears, creates, cancels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.clears, s.creates, s.cancels
}

// Calls returns the ordered names of all recorded calls.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.callSequence))
	copy(out, s.callSequence)
	return out
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
