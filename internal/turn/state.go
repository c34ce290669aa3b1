// Package turn implements the conversational turn-taking controller.
//
// A [Controller] owns turn identity and the state machine
// Idle → Listening → Thinking → Speaking → WaitingUser → Listening. One
// goroutine ([Controller.Run]) consumes capture frames and levels, live
// transcripts, reply events, playback events and timer ticks, and is the only
// place turn state changes. Everything that completes asynchronously carries
// the [ID] of the turn that started it and is dropped when that turn is no
// longer current.
//
// End-of-utterance detection lives in the pure [Detector] so it can be
// tested without goroutines or clocks.
//
// This package is internal because it encapsulates application-private
// processing logic and is not intended for import by external code.
package turn

import "fmt"

// ID identifies one conversational exchange. IDs increase monotonically.
type ID uint64

// State is the controller state.
type State int32

const (
	// StateIdle means the controller is stopped.
	StateIdle State = iota

	// StateListening waits for and records a user utterance.
	StateListening

	// StateThinking waits for the first audio of the reply.
	StateThinking

	// StateSpeaking plays the reply.
	StateSpeaking

	// StateWaitingUser waits for an explicit resume.
	StateWaitingUser
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateWaitingUser:
		return "waiting_user"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// VADState tells whether the user is currently speaking.
type VADState int

const (
	VADIdle VADState = iota
	VADSpeaking
)

// String returns the human-readable name of the VAD state.
func (v VADState) String() string {
	if v == VADSpeaking {
		return "speaking"
	}
	return "idle"
}
