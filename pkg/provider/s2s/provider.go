// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a realtime voice service that accepts raw audio over a
// persistent connection and streams synthesised audio and text back. The
// client decides when a turn ends: server-side turn detection is disabled,
// audio is appended while the user speaks and a response is requested
// explicitly once the local turn detector accepts the utterance.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/parley/pkg/reply"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice selects the synthesis voice. Empty uses the provider default.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// InputTranscriptionModel enables transcription of the user's audio when
	// non-empty. Transcripts arrive as reply.KindInputTranscript events.
	InputTranscriptionModel string
}

// SessionHandle represents an open S2S session.
//
// Every method must return quickly; they are called from the turn-taking
// control loop. Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio appends mono PCM16 wire audio to the server's input buffer.
	SendAudio(chunk []byte) error

	// Commit closes the input buffer as one user turn.
	Commit() error

	// ClearInput discards uncommitted input audio.
	ClearInput() error

	// CreateResponse asks the server to answer the committed input.
	CreateResponse() error

	// Cancel stops the active response. Its remaining deltas and its
	// completion are suppressed locally even if the server keeps sending.
	Cancel() error

	// Events delivers reply events in arrival order. The channel is closed
	// when the session ends; call Err afterwards to learn why.
	Events() <-chan reply.Event

	// Err returns the error that ended the session, or nil after a clean
	// Close.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider opens S2S sessions.
type Provider interface {
	// Connect establishes a new session. The returned handle is ready to
	// accept audio immediately. The caller owns the handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
