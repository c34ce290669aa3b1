// Package engine defines the VoiceEngine interface: the uploader that turns
// one accepted utterance into a streamed reply.
//
// Two implementations exist. The buffered engine ([buffered.Engine]) collects
// the utterance locally and uploads it in a single request once the turn
// controller accepts it. The realtime engine ([s2s.Engine]) streams every
// frame into a persistent socket session and only commits the input buffer
// on acceptance. Both hand back a [reply.Source] so the controller consumes
// replies the same way regardless of the transport.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/reply"
)

// ErrEmptyUtterance is returned by Respond when no audio was appended since
// the last Respond or Discard.
var ErrEmptyUtterance = errors.New("engine: empty utterance")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("engine: closed")

// ErrCancelled is returned by a reply source whose reply was cancelled or
// superseded by a newer one.
var ErrCancelled = errors.New("engine: reply cancelled")

// Request describes the utterance being answered.
type Request struct {
	// Turn is the controller's turn id. Used for logging and recordings.
	Turn uint64

	// Transcript is the live transcription of the utterance, if any.
	Transcript string
}

// Transcript is a user transcription reported by the remote service.
type Transcript struct {
	Text string

	// Final is false for interim text.
	Final bool

	At time.Time
}

// VoiceEngine uploads utterances and streams replies.
//
// Append and Discard are called from the controller loop for every frame and
// must not block on the network for long. Respond may block until the
// request is on the wire. Implementations must be safe for concurrent use.
type VoiceEngine interface {
	// Append adds a wire-format frame to the current utterance.
	Append(ctx context.Context, frame audio.AudioFrame) error

	// Discard drops the current utterance without sending a request.
	Discard(ctx context.Context) error

	// Respond finalises the current utterance and returns the reply stream.
	Respond(ctx context.Context, req Request) (reply.Source, error)

	// Cancel aborts the reply in flight, if any. Events of the cancelled
	// reply are never delivered afterwards.
	Cancel(ctx context.Context) error

	// Remember records a finished exchange in the conversation history.
	// Engines that keep history server-side ignore it.
	Remember(user, assistant string)

	// Transcripts returns user transcriptions produced by the remote
	// service. The channel is closed by Close.
	Transcripts() <-chan Transcript

	// Close releases every resource held by the engine. Safe to call more
	// than once.
	Close() error
}
