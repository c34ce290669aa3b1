// Package mock provides an in-memory mock implementation of [engine.VoiceEngine]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. It is safe for concurrent use.
//
// Example:
//
//	e := mock.New()
//	e.Sources = []reply.Source{replymock.NewSource(
//	    reply.Event{Kind: reply.KindTextDelta, Text: "Hello"},
//	    reply.Event{Kind: reply.KindCompleted, Text: "Hello"},
//	)}
//	src, err := e.Respond(ctx, engine.Request{Turn: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/reply"
	replymock "github.com/MrWong99/parley/pkg/reply/mock"
)

// Compile-time interface assertion.
var _ engine.VoiceEngine = (*VoiceEngine)(nil)

// Exchange records one Remember call.
type Exchange struct {
	User      string
	Assistant string
}

// VoiceEngine is a mock implementation of [engine.VoiceEngine].
type VoiceEngine struct {
	mu sync.Mutex

	// Sources are returned one per Respond call. When exhausted, Respond
	// returns a source that completes immediately with no content.
	Sources []reply.Source

	// RespondFunc, if set, replaces the Sources queue.
	RespondFunc func(ctx context.Context, req engine.Request) (reply.Source, error)

	// AppendError is returned by Append.
	AppendError error

	// RespondError is returned by Respond.
	RespondError error

	// CancelError is returned by Cancel.
	CancelError error

	transcripts chan engine.Transcript
	closed      bool

	frames       []audio.AudioFrame
	respondCalls []engine.Request
	discards     int
	cancels      int
	closeCalls   int
	remembered   []Exchange
	sequence     []string
}

// New returns a VoiceEngine with a buffered transcript channel.
func New() *VoiceEngine {
	return &VoiceEngine{transcripts: make(chan engine.Transcript, 64)}
}

// Append implements [engine.VoiceEngine].
func (v *VoiceEngine) Append(_ context.Context, frame audio.AudioFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames = append(v.frames, frame)
	return v.AppendError
}

// Discard implements [engine.VoiceEngine].
func (v *VoiceEngine) Discard(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.discards++
	v.sequence = append(v.sequence, "discard")
	v.frames = nil
	return nil
}

// Respond implements [engine.VoiceEngine].
func (v *VoiceEngine) Respond(ctx context.Context, req engine.Request) (reply.Source, error) {
	v.mu.Lock()
	v.respondCalls = append(v.respondCalls, req)
	v.sequence = append(v.sequence, "respond")
	v.frames = nil
	fn := v.RespondFunc
	if fn == nil && v.RespondError != nil {
		err := v.RespondError
		v.mu.Unlock()
		return nil, err
	}
	var src reply.Source
	if fn == nil {
		if len(v.Sources) > 0 {
			src = v.Sources[0]
			v.Sources = v.Sources[1:]
		} else {
			src = replymock.NewSource(reply.Event{Kind: reply.KindCompleted})
		}
	}
	v.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return src, nil
}

// Cancel implements [engine.VoiceEngine].
func (v *VoiceEngine) Cancel(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels++
	v.sequence = append(v.sequence, "cancel")
	return v.CancelError
}

// Remember implements [engine.VoiceEngine].
func (v *VoiceEngine) Remember(user, assistant string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.remembered = append(v.remembered, Exchange{User: user, Assistant: assistant})
}

// Transcripts implements [engine.VoiceEngine].
func (v *VoiceEngine) Transcripts() <-chan engine.Transcript {
	return v.transcripts
}

// Close implements [engine.VoiceEngine].
func (v *VoiceEngine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closeCalls++
	if !v.closed {
		v.closed = true
		close(v.transcripts)
	}
	return nil
}

// EmitTranscript delivers a server transcription. It reports false after
// Close or when the buffer is full.
func (v *VoiceEngine) EmitTranscript(tr engine.Transcript) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	select {
	case v.transcripts <- tr:
		return true
	default:
		return false
	}
}

// Frames returns the frames appended since the last Respond or Discard.
func (v *VoiceEngine) Frames() []audio.AudioFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]audio.AudioFrame, len(v.frames))
	copy(out, v.frames)
	return out
}

// RespondCalls returns every recorded Respond request.
func (v *VoiceEngine) RespondCalls() []engine.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]engine.Request, len(v.respondCalls))
	copy(out, v.respondCalls)
	return out
}

// Discards returns the number of Discard calls.
func (v *VoiceEngine) Discards() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.discards
}

// Cancels returns the number of Cancel calls.
func (v *VoiceEngine) Cancels() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancels
}

// Remembered returns every recorded exchange.
func (v *VoiceEngine) Remembered() []Exchange {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Exchange, len(v.remembered))
	copy(out, v.remembered)
	return out
}

// Sequence returns the ordered names of Discard, Respond and Cancel calls.
func (v *VoiceEngine) Sequence() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.sequence))
	copy(out, v.sequence)
	return out
}

// CloseCalls returns the number of Close calls.
func (v *VoiceEngine) CloseCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeCalls
}
