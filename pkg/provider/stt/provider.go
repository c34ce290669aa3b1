// Package stt defines the Provider interface for live speech recognition.
//
// The turn controller uses live transcription as one of three speech-start
// signals, for transcript-stagnation end-of-utterance detection, and for
// barge-in while the reply is playing. A session accepts wire-format PCM and
// emits low-latency partials and committed finals.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrNoSpeech reports that the recognizer gave up because it heard no
	// speech or received no audio within its idle window. It is benign.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrSessionEnded reports an orderly close initiated by the provider.
	// It is benign.
	ErrSessionEnded = errors.New("stt: session ended by provider")
)

// IsBenign reports whether err is an expected recognizer termination that
// should be answered by silently restarting the session rather than
// surfacing an error.
func IsBenign(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNoSpeech) ||
		errors.Is(err, ErrSessionEnded) ||
		errors.Is(err, context.Canceled)
}

// StreamConfig describes the audio format of a new STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (24000 for wire audio).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string uses the provider default.
	Language string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of PCM16 audio in the StreamConfig format.
	// Calling SendAudio after the session ended returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts for the segment being recognised.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. The channel is closed when the
	// session ends.
	Finals() <-chan Transcript

	// Err returns the reason the session ended once both channels are
	// closed, or nil for a clean close. Use [IsBenign] to classify it.
	Err() error

	// Close terminates the session and releases its resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The caller
	// owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
