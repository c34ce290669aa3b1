// Package reply turns streamed conversational-audio responses into an ordered
// sequence of text and audio deltas followed by exactly one terminal event.
//
// Two wire shapes are supported. [SSESource] reads line-delimited
// "data: {json}" frames from an HTTP response body and stops on the "[DONE]"
// sentinel. [Tracker] consumes discrete JSON event frames from a persistent
// realtime socket and keeps per-response state so that deltas belonging to a
// superseded or cancelled response are dropped.
package reply

import (
	"context"
	"fmt"
)

// Kind discriminates reply events.
type Kind int

const (
	// KindTextDelta carries an incremental piece of assistant text.
	KindTextDelta Kind = iota + 1

	// KindAudioDelta carries decoded PCM16 audio bytes.
	KindAudioDelta

	// KindCompleted ends a response successfully. Text holds the accumulated
	// assistant text when the protocol reports it.
	KindCompleted

	// KindFailed ends a response with an error. Reason describes the failure.
	KindFailed

	// KindCreated announces a new server-side response id (realtime only).
	KindCreated

	// KindSpeechStarted and KindSpeechStopped mirror the server's input
	// buffer speech detection (realtime only).
	KindSpeechStarted
	KindSpeechStopped

	// KindInputTranscript carries a transcription of the user's committed
	// audio (realtime only). Final distinguishes deltas from the finished text.
	KindInputTranscript
)

// String returns a short lowercase name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTextDelta:
		return "text_delta"
	case KindAudioDelta:
		return "audio_delta"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindCreated:
		return "created"
	case KindSpeechStarted:
		return "speech_started"
	case KindSpeechStopped:
		return "speech_stopped"
	case KindInputTranscript:
		return "input_transcript"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one item of a reply stream.
type Event struct {
	Kind Kind

	// Text is the text delta, the accumulated text on completion or the input
	// transcript.
	Text string

	// Audio is mono PCM16 little-endian audio for KindAudioDelta.
	Audio []byte

	// ResponseID is the server-issued response identifier, if known.
	ResponseID string

	// Reason is the failure reason for KindFailed and the finish reason, if
	// any, for KindCompleted.
	Reason string

	// Final marks a completed input transcript.
	Final bool
}

// Terminal reports whether e ends its response.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}

// Source yields the events of a single reply in order. After the terminal
// event has been returned, Next returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// failed builds a terminal failure event.
func failed(responseID, reason string) Event {
	return Event{Kind: KindFailed, ResponseID: responseID, Reason: reason}
}
