// Package chat defines the Provider interface for audio-in, audio-out chat
// completion backends.
//
// A chat provider receives one complete user utterance per request together
// with the recent conversation history and streams the assistant's reply back
// as a [reply.Source]. This is the "buffered" upload mode: the utterance is
// recorded locally, wrapped in a WAV container and posted in one request.
package chat

import (
	"context"

	"github.com/MrWong99/parley/pkg/reply"
)

// Role tags the speaker of a history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged text turn of the conversation history.
type Message struct {
	Role Role
	Text string
}

// Request is a single utterance upload.
type Request struct {
	// Instructions is sent as the leading system message when non-empty.
	Instructions string

	// History holds earlier turns, oldest first.
	History []Message

	// Audio is the utterance as mono PCM16 at the wire sample rate.
	Audio []byte

	// Voice selects the synthesis voice of the reply. Empty uses the
	// provider default.
	Voice string
}

// Provider streams a reply for a recorded utterance.
//
// Stream returns once the response headers have arrived. Non-2xx responses
// are returned as errors. The returned Source yields text and audio deltas
// until its terminal event; cancelling ctx aborts the stream.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Stream(ctx context.Context, req Request) (reply.Source, error)
}
