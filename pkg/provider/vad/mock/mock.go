// Package mock provides scripted [vad.Engine] and [vad.SessionHandle]
// doubles for the capture pipeline tests.
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// NewSessionCall is one recorded [Engine.NewSession] call.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine hands out Session, or a fresh silent [Session] when Session is nil.
type Engine struct {
	mu sync.Mutex

	Session       vad.SessionHandle
	NewSessionErr error

	NewSessionCalls []NewSessionCall
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// ProcessFrameCall is one recorded [Session.ProcessFrame] call.
type ProcessFrameCall struct {
	// Frame is a copy; the scorer reuses its buffer.
	Frame []byte
}

// Session scores every frame with EventResult, or with EventFunc when set.
type Session struct {
	mu sync.Mutex

	EventResult     vad.VADEvent
	EventFunc       func(frame []byte) vad.VADEvent
	ProcessFrameErr error
	CloseErr        error

	ProcessFrameCalls []ProcessFrameCall
	ResetCallCount    int
	CloseCallCount    int
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame = slices.Clone(frame)
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, ProcessFrameCall{Frame: frame})
	ev := s.EventResult
	if s.EventFunc != nil {
		ev = s.EventFunc(frame)
	}
	return ev, s.ProcessFrameErr
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.ResetCallCount++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns a snapshot of the recorded frames.
func (s *Session) Calls() []ProcessFrameCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ProcessFrameCalls)
}
