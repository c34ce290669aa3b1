package turn

import (
	"errors"
	"fmt"
	"time"
)

// Tuning holds every threshold and duration used by the turn detector and
// the barge-in logic. It is an immutable value: the controller copies it at
// construction.
type Tuning struct {
	// SpeechThreshold is the scorer probability at which speech may start.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts as
	// silence once speech has started. Must not exceed SpeechThreshold.
	SilenceThreshold float64

	// RMSFloor is the normalised level that counts as speech when the
	// scorer is unavailable or disagrees.
	RMSFloor float64

	// SpeechDwell is how long a signal must stay above its threshold before
	// speech is accepted.
	SpeechDwell time.Duration

	// SilenceDuration ends an utterance after this much continuous silence.
	SilenceDuration time.Duration

	// StagnationWindow ends an utterance when the live transcript stops
	// changing for this long after producing text.
	StagnationWindow time.Duration

	// NoTextTimeout ends an utterance that produced no transcript at all.
	// Only applies when live transcription is available.
	NoTextTimeout time.Duration

	// MinUtterance discards shorter utterances without a request.
	MinUtterance time.Duration

	// MaxUtterance force-ends an utterance.
	MaxUtterance time.Duration

	// PreRoll is the audio kept from before speech was detected.
	PreRoll time.Duration

	// BargeInCooldown is the minimum gap between two barge-ins.
	BargeInCooldown time.Duration

	// BargeInPlaybackGrace suppresses barge-in right after playback starts.
	BargeInPlaybackGrace time.Duration

	// BargeInMinNewWords is the number of transcript words absent from the
	// reply text needed to interrupt.
	BargeInMinNewWords int

	// AcousticBargeIn also interrupts when the scorer holds speech for
	// BargeInDwell while the reply plays.
	AcousticBargeIn bool

	// BargeInDwell is the hold time for acoustic barge-in.
	BargeInDwell time.Duration

	// PlaybackStallTimeout fails a reply that delivers no event for this
	// long before it completes.
	PlaybackStallTimeout time.Duration
}

// DefaultTuning returns the tuning used when nothing is configured.
func DefaultTuning() Tuning {
	return Tuning{
		SpeechThreshold:      0.5,
		SilenceThreshold:     0.35,
		RMSFloor:             0.02,
		SpeechDwell:          120 * time.Millisecond,
		SilenceDuration:      800 * time.Millisecond,
		StagnationWindow:     1200 * time.Millisecond,
		NoTextTimeout:        6 * time.Second,
		MinUtterance:         200 * time.Millisecond,
		MaxUtterance:         30 * time.Second,
		PreRoll:              300 * time.Millisecond,
		BargeInCooldown:      1500 * time.Millisecond,
		BargeInPlaybackGrace: 400 * time.Millisecond,
		BargeInMinNewWords:   2,
		BargeInDwell:         300 * time.Millisecond,
		PlaybackStallTimeout: 5 * time.Second,
	}
}

// Validate reports every inconsistent field at once.
func (t Tuning) Validate() error {
	var errs []error
	if t.SpeechThreshold <= 0 || t.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn: speech threshold %.2f outside (0, 1]", t.SpeechThreshold))
	}
	if t.SilenceThreshold < 0 || t.SilenceThreshold > t.SpeechThreshold {
		errs = append(errs, fmt.Errorf("turn: silence threshold %.2f outside [0, speech threshold]", t.SilenceThreshold))
	}
	if t.RMSFloor <= 0 || t.RMSFloor > 1 {
		errs = append(errs, fmt.Errorf("turn: rms floor %.3f outside (0, 1]", t.RMSFloor))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"speech dwell", t.SpeechDwell},
		{"silence duration", t.SilenceDuration},
		{"stagnation window", t.StagnationWindow},
		{"no-text timeout", t.NoTextTimeout},
		{"max utterance", t.MaxUtterance},
		{"playback stall timeout", t.PlaybackStallTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("turn: %s must be positive, got %s", p.name, p.d))
		}
	}

	nonNegative := []struct {
		name string
		d    time.Duration
	}{
		{"min utterance", t.MinUtterance},
		{"pre-roll", t.PreRoll},
		{"barge-in cooldown", t.BargeInCooldown},
		{"barge-in playback grace", t.BargeInPlaybackGrace},
	}
	for _, n := range nonNegative {
		if n.d < 0 {
			errs = append(errs, fmt.Errorf("turn: %s must not be negative, got %s", n.name, n.d))
		}
	}

	if t.MaxUtterance > 0 && t.MinUtterance >= t.MaxUtterance {
		errs = append(errs, fmt.Errorf("turn: min utterance %s must be below max utterance %s", t.MinUtterance, t.MaxUtterance))
	}
	if t.BargeInMinNewWords < 1 {
		errs = append(errs, fmt.Errorf("turn: barge-in needs at least one new word, got %d", t.BargeInMinNewWords))
	}
	if t.AcousticBargeIn && t.BargeInDwell <= 0 {
		errs = append(errs, fmt.Errorf("turn: acoustic barge-in needs a positive dwell, got %s", t.BargeInDwell))
	}
	return errors.Join(errs...)
}
