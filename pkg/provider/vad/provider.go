// Package vad defines the Engine interface for voice activity scorers.
//
// A VAD engine wraps a frame-level speech detector (the Silero neural model,
// a plain energy detector, or a custom model) and surfaces it as a stateful,
// per-stream session. ProcessFrame returns the speech probability of one
// fixed-size frame together with a hysteresis classification; the turn
// controller combines the raw probability with its own dwell timers.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the PCM16 mono frames
	// passed to ProcessFrame. Silero accepts 8000 and 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	// Silero at 16 kHz uses 32 ms (512 samples).
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame is
	// classified as speech. Range: [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech
	// segment is considered ended. Must be ≤ SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64
}

// FrameSamples returns the number of samples per frame.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// FrameBytes returns the PCM16 byte length of one frame.
func (c Config) FrameBytes() int {
	return c.FrameSamples() * 2
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.2f outside [0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.2f outside [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single PCM16 little-endian mono frame and
	// returns the detection result. The frame must match the SampleRate and
	// FrameSizeMs the session was created with.
	//
	// Called from the capture analysis worker; it must not block on I/O.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state (model state, hysteresis)
	// without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid for this engine.
	NewSession(cfg Config) (SessionHandle, error)
}
