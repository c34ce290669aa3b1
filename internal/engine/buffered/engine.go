// Package buffered provides an [engine.VoiceEngine] that collects each
// utterance locally and uploads it in one streaming request per turn.
//
// The conversation history is kept client-side and sent with every request.
// When a record directory is configured, every uploaded utterance is also
// written there as a WAV file, which helps when tuning the turn detector.
package buffered

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/reply"
)

var _ engine.VoiceEngine = (*Engine)(nil)

// DefaultMaxUtterance bounds the audio kept for a single utterance. Frames
// beyond it are dropped with a warning.
const DefaultMaxUtterance = 60 * audio.WireSampleRate * 2

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithInstructions sets the system instructions sent with every request.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithVoice sets the reply voice.
func WithVoice(v string) Option {
	return func(e *Engine) { e.voice = v }
}

// WithHistoryTurns bounds the number of exchanges sent as history.
func WithHistoryTurns(n int) Option {
	return func(e *Engine) { e.history = engine.NewHistory(n) }
}

// WithRecordDir writes every uploaded utterance to dir as a WAV file.
func WithRecordDir(dir string) Option {
	return func(e *Engine) { e.recordDir = dir }
}

// WithMaxUtterance bounds the buffered audio in bytes.
func WithMaxUtterance(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

// Engine is the buffered upload engine.
type Engine struct {
	provider     chat.Provider
	instructions string
	voice        string
	recordDir    string
	maxBytes     int
	history      *engine.History

	mu       sync.Mutex
	buf      []byte
	warned   bool
	current  reply.Source
	recorded int
	closed   bool

	transcripts chan engine.Transcript
}

// New creates an Engine streaming replies from provider.
func New(provider chat.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		maxBytes:    DefaultMaxUtterance,
		history:     engine.NewHistory(engine.DefaultHistoryTurns),
		transcripts: make(chan engine.Transcript),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Append implements [engine.VoiceEngine]. The frame is copied.
func (e *Engine) Append(_ context.Context, frame audio.AudioFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.ErrClosed
	}
	if len(e.buf)+len(frame.Data) > e.maxBytes {
		if !e.warned {
			slog.Warn("buffered engine: utterance too long, dropping audio",
				"max", audio.Duration(e.maxBytes, audio.WireFormat),
			)
			e.warned = true
		}
		return nil
	}
	e.buf = append(e.buf, frame.Data...)
	return nil
}

// Discard implements [engine.VoiceEngine].
func (e *Engine) Discard(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.ErrClosed
	}
	e.resetLocked()
	return nil
}

func (e *Engine) resetLocked() {
	e.buf = nil
	e.warned = false
}

// Respond implements [engine.VoiceEngine]. The buffered utterance is handed
// to the provider together with the history and cleared.
func (e *Engine) Respond(ctx context.Context, req engine.Request) (reply.Source, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, engine.ErrClosed
	}
	pcm := e.buf
	e.resetLocked()
	e.recorded++
	seq := e.recorded
	e.mu.Unlock()

	if len(pcm) == 0 {
		return nil, engine.ErrEmptyUtterance
	}
	if e.recordDir != "" {
		e.record(seq, req.Turn, pcm)
	}

	slog.Debug("buffered engine: uploading utterance",
		"turn", req.Turn,
		"duration", audio.Duration(len(pcm), audio.WireFormat),
		"history", e.history.Len(),
	)
	src, err := e.provider.Stream(ctx, chat.Request{
		Instructions: e.instructions,
		History:      e.history.Messages(),
		Audio:        pcm,
		Voice:        e.voice,
	})
	if err != nil {
		return nil, fmt.Errorf("buffered engine: respond: %w", err)
	}

	e.mu.Lock()
	e.current = src
	e.mu.Unlock()
	return src, nil
}

func (e *Engine) record(seq int, turn uint64, pcm []byte) {
	if err := os.MkdirAll(e.recordDir, 0o755); err != nil {
		slog.Warn("buffered engine: create record dir", "dir", e.recordDir, "err", err)
		return
	}
	path := filepath.Join(e.recordDir, fmt.Sprintf("utterance-%04d-turn-%d.wav", seq, turn))
	if err := audio.WriteWAVFile(path, pcm, audio.WireFormat); err != nil {
		slog.Warn("buffered engine: record utterance", "path", path, "err", err)
		return
	}
	slog.Info("utterance recorded", "path", path)
}

// Cancel implements [engine.VoiceEngine]. The reply stream in flight is
// closed so its body is released even if nobody reads it again.
func (e *Engine) Cancel(_ context.Context) error {
	e.mu.Lock()
	src := e.current
	e.current = nil
	e.mu.Unlock()
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Remember implements [engine.VoiceEngine].
func (e *Engine) Remember(user, assistant string) {
	e.history.Add(user, assistant)
}

// History returns the conversation history.
func (e *Engine) History() *engine.History { return e.history }

// Transcripts implements [engine.VoiceEngine]. The buffered engine has no
// server-side transcription; the channel only closes.
func (e *Engine) Transcripts() <-chan engine.Transcript { return e.transcripts }

// Close implements [engine.VoiceEngine].
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	src := e.current
	e.current = nil
	e.buf = nil
	close(e.transcripts)
	e.mu.Unlock()

	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
	return nil
}
