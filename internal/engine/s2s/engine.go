// Package s2s provides an [engine.VoiceEngine] backed by a persistent
// realtime [s2s.Provider] session.
//
// An [Engine] lazily opens a session on the first Append and keeps it alive
// across turns. If the session dies (its Err method returns non-nil or its
// event channel closes), the next call transparently reconnects. Frames are
// streamed into the session as they arrive; Respond commits the input buffer
// and asks for a response, Discard clears it.
//
// A single goroutine per session routes server events: input transcriptions
// go to the stable channel returned by [Engine.Transcripts], reply events go
// to the source of the reply in flight.
//
// This package is internal because it encapsulates application-private voice
// pipeline logic and is not intended for import by external code.
package s2s

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/audio"
	providers2s "github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/reply"
)

// Compile-time assertion that Engine satisfies the engine.VoiceEngine interface.
var _ engine.VoiceEngine = (*Engine)(nil)

const (
	// defaultTranscriptBuf is the default buffer depth of the fan-out transcript
	// channel returned by [Engine.Transcripts].
	defaultTranscriptBuf = 64

	// replyBuf is the buffer depth of each reply source.
	replyBuf = 256
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithTranscriptBuffer sets the buffer capacity of the fan-out transcript
// channel returned by [Engine.Transcripts]. Transcripts are dropped when the
// consumer falls behind. The default is 64.
func WithTranscriptBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.transcriptBuf = n
		}
	}
}

// WithClock overrides the time source used for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine is a [engine.VoiceEngine] implementation that wraps a
// [providers2s.Provider].
type Engine struct {
	provider      providers2s.Provider
	sessionCfg    providers2s.SessionConfig
	transcriptBuf int
	now           func() time.Time

	mu      sync.Mutex
	session providers2s.SessionHandle
	current *source
	closed  bool

	transcriptCh chan engine.Transcript
	done         chan struct{}

	// wg tracks the per-session routing goroutines. Close waits for them
	// before closing transcriptCh.
	wg sync.WaitGroup
}

// New creates a new Engine wrapping provider and pre-configured with cfg.
// The engine does not connect until the first Append or Respond.
func New(provider providers2s.Provider, cfg providers2s.SessionConfig, opts ...Option) *Engine {
	e := &Engine{
		provider:      provider,
		sessionCfg:    cfg,
		transcriptBuf: defaultTranscriptBuf,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.transcriptCh = make(chan engine.Transcript, e.transcriptBuf)
	return e
}

// ensureSessionLocked opens a new session if none exists or the current one
// has died. It must be called with e.mu held.
func (e *Engine) ensureSessionLocked(ctx context.Context) (providers2s.SessionHandle, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}
	if e.session != nil && e.session.Err() == nil {
		return e.session, nil
	}
	if e.session != nil {
		slog.Warn("s2s engine: session died, reconnecting", "err", e.session.Err())
		_ = e.session.Close()
		e.session = nil
	}

	sess, err := e.provider.Connect(ctx, e.sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("s2s engine: connect: %w", err)
	}
	e.session = sess

	e.wg.Add(1)
	go e.route(sess)
	return sess, nil
}

// Append implements [engine.VoiceEngine]. The frame is streamed into the
// session input buffer immediately.
func (e *Engine) Append(ctx context.Context, frame audio.AudioFrame) error {
	e.mu.Lock()
	sess, err := e.ensureSessionLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if len(frame.Data) == 0 {
		return nil
	}
	if err := sess.SendAudio(frame.Data); err != nil {
		return fmt.Errorf("s2s engine: append: %w", err)
	}
	return nil
}

// Discard implements [engine.VoiceEngine].
func (e *Engine) Discard(_ context.Context) error {
	e.mu.Lock()
	sess := e.session
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return engine.ErrClosed
	}
	if sess == nil {
		return nil
	}
	if err := sess.ClearInput(); err != nil {
		return fmt.Errorf("s2s engine: discard: %w", err)
	}
	return nil
}

// Respond implements [engine.VoiceEngine]. It commits the input buffer and
// requests a response. The returned source binds to the first response the
// server creates afterwards and ignores events of every other response.
func (e *Engine) Respond(ctx context.Context, req engine.Request) (reply.Source, error) {
	e.mu.Lock()
	sess, err := e.ensureSessionLocked(ctx)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	src := newSource()
	if e.current != nil {
		e.current.detach()
	}
	e.current = src
	e.mu.Unlock()

	if err := sess.Commit(); err != nil {
		e.unbind(src)
		src.detach()
		return nil, fmt.Errorf("s2s engine: commit: %w", err)
	}
	if err := sess.CreateResponse(); err != nil {
		e.unbind(src)
		src.detach()
		return nil, fmt.Errorf("s2s engine: create response: %w", err)
	}
	slog.Debug("s2s engine: response requested", "turn", req.Turn)
	return src, nil
}

// unbind stops routing events to src. Events already queued stay readable.
func (e *Engine) unbind(src *source) {
	e.mu.Lock()
	if e.current == src {
		e.current = nil
	}
	e.mu.Unlock()
}

// Cancel implements [engine.VoiceEngine]. The reply in flight stops
// receiving events immediately and the server is asked to cancel it.
func (e *Engine) Cancel(_ context.Context) error {
	e.mu.Lock()
	sess := e.session
	src := e.current
	e.current = nil
	e.mu.Unlock()

	if src != nil {
		src.detach()
	}
	if sess == nil || src == nil {
		return nil
	}
	if err := sess.Cancel(); err != nil {
		return fmt.Errorf("s2s engine: cancel: %w", err)
	}
	return nil
}

// Remember implements [engine.VoiceEngine]. The realtime session keeps its
// own conversation state.
func (e *Engine) Remember(string, string) {}

// Transcripts implements [engine.VoiceEngine]. The channel survives
// reconnects and is closed by Close.
func (e *Engine) Transcripts() <-chan engine.Transcript {
	return e.transcriptCh
}

// Close implements [engine.VoiceEngine]. Subsequent calls are no-ops.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	sess := e.session
	e.session = nil
	src := e.current
	e.current = nil
	e.mu.Unlock()

	if src != nil {
		src.detach()
	}
	var err error
	if sess != nil {
		err = sess.Close()
	}
	e.wg.Wait()
	close(e.transcriptCh)
	return err
}

// route forwards the events of sess until its channel closes or the engine
// is closed.
func (e *Engine) route(sess providers2s.SessionHandle) {
	defer e.wg.Done()
	events := sess.Events()
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-events:
			if !ok {
				e.sessionEnded(sess)
				return
			}
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev reply.Event) {
	switch ev.Kind {
	case reply.KindInputTranscript:
		select {
		case e.transcriptCh <- engine.Transcript{Text: ev.Text, Final: ev.Final, At: e.now()}:
		default:
			slog.Debug("s2s engine: transcript dropped, consumer too slow")
		}
	case reply.KindSpeechStarted, reply.KindSpeechStopped:
		slog.Debug("s2s engine: server speech event", "kind", ev.Kind)
	default:
		e.mu.Lock()
		src := e.current
		e.mu.Unlock()
		if src == nil {
			return
		}
		if src.deliver(ev, e.done) && ev.Terminal() {
			e.unbind(src)
		}
	}
}

// sessionEnded fails the reply in flight when its session goes away.
func (e *Engine) sessionEnded(sess providers2s.SessionHandle) {
	e.mu.Lock()
	src := e.current
	if e.session != sess {
		src = nil
	}
	e.mu.Unlock()
	if src == nil {
		return
	}
	reason := "session closed"
	if err := sess.Err(); err != nil {
		reason = err.Error()
	}
	src.deliver(reply.Event{Kind: reply.KindFailed, Reason: reason}, e.done)
	e.unbind(src)
}

// ── Reply source ─────────────────────────────────────────────────────────────

// source is the [reply.Source] of one requested response.
type source struct {
	ch       chan reply.Event
	detached chan struct{}
	once     sync.Once

	// Owned by the routing goroutine.
	id string

	// Owned by the reader.
	finished bool
}

var _ reply.Source = (*source)(nil)

func newSource() *source {
	return &source{
		ch:       make(chan reply.Event, replyBuf),
		detached: make(chan struct{}),
	}
}

func (s *source) detach() {
	s.once.Do(func() { close(s.detached) })
}

// deliver applies the binding rule and queues ev. It reports whether ev was
// accepted.
func (s *source) deliver(ev reply.Event, done <-chan struct{}) bool {
	if s.id == "" {
		switch {
		case ev.Kind == reply.KindCreated:
			s.id = ev.ResponseID
		case ev.Kind == reply.KindFailed && ev.ResponseID == "":
			// A rejected response.create never gets an id.
		default:
			return false
		}
	} else if ev.ResponseID != "" && ev.ResponseID != s.id {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	case <-s.detached:
		return false
	case <-done:
		return false
	}
}

// Next implements [reply.Source]. A cancelled source returns
// [engine.ErrCancelled] even when events are still queued.
func (s *source) Next(ctx context.Context) (reply.Event, error) {
	if s.finished {
		return reply.Event{}, io.EOF
	}
	select {
	case <-s.detached:
		s.finished = true
		return reply.Event{}, engine.ErrCancelled
	default:
	}
	select {
	case <-ctx.Done():
		return reply.Event{}, ctx.Err()
	case <-s.detached:
		s.finished = true
		return reply.Event{}, engine.ErrCancelled
	case ev := <-s.ch:
		if ev.Terminal() {
			s.finished = true
		}
		return ev, nil
	}
}
