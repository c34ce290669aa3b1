package turn

import (
	"strings"
	"time"
)

// Reading is one level measurement fed to the [Detector].
type Reading struct {
	At          time.Time
	RMS         float64
	Probability float64

	// Scored is false when no scorer result backs Probability.
	Scored bool
}

// DecisionKind is what a [Detector] concluded from an input.
type DecisionKind int

const (
	// DecisionNone means nothing changed.
	DecisionNone DecisionKind = iota

	// DecisionSpeechStarted means the user started speaking.
	DecisionSpeechStarted

	// DecisionEnded means the utterance ended. Check Accepted.
	DecisionEnded
)

// EndReason tells which signal ended an utterance.
type EndReason string

const (
	EndSilence    EndReason = "silence"
	EndStagnation EndReason = "stagnation"
	EndNoText     EndReason = "no_text"
	EndMaxLength  EndReason = "max_length"
)

// Decision is the outcome of feeding the [Detector].
type Decision struct {
	Kind DecisionKind

	// Start is when the utterance began, including the dwell.
	Start time.Time

	// Reason and Duration are set for DecisionEnded.
	Reason   EndReason
	Duration time.Duration

	// Accepted is false when the utterance is shorter than MinUtterance.
	Accepted bool

	// Text is the live transcript at the time the utterance ended.
	Text string
}

// hold tracks how long a signal has stayed above its threshold.
type hold struct {
	since time.Time
	on    bool
}

// update feeds one sample and reports whether the signal has been held for
// at least dwell.
func (h *hold) update(at time.Time, active bool, dwell time.Duration) bool {
	if !active {
		h.on = false
		return false
	}
	if !h.on {
		h.on = true
		h.since = at
	}
	return at.Sub(h.since) >= dwell
}

func (h *hold) reset() { h.on = false }

// Detector decides when an utterance starts and ends from level readings
// and live transcript text. It holds no goroutines and reads no clock; all
// times come from its inputs.
//
// A Detector is not safe for concurrent use.
type Detector struct {
	t           Tuning
	textEnabled bool

	vad   VADState
	prob  hold
	level hold

	start        time.Time
	lastVoice    time.Time
	voiced       bool
	silenceSince time.Time
	silent       bool

	text        string
	textChanged time.Time
}

// NewDetector returns an idle Detector. textEnabled tells whether live
// transcription feeds ObserveText; the no-text timeout only applies then.
func NewDetector(t Tuning, textEnabled bool) *Detector {
	return &Detector{t: t, textEnabled: textEnabled}
}

// State returns the current VAD state.
func (d *Detector) State() VADState { return d.vad }

// Text returns the transcript of the current utterance.
func (d *Detector) Text() string { return d.text }

// Reset returns to idle and forgets the current utterance.
func (d *Detector) Reset() {
	*d = Detector{t: d.t, textEnabled: d.textEnabled}
}

// ForceStart marks speech as started at at, as after a barge-in where the
// user is known to be talking already.
func (d *Detector) ForceStart(at time.Time) {
	d.Reset()
	d.begin(at)
	d.lastVoice = at
	d.voiced = true
}

func (d *Detector) begin(at time.Time) {
	d.vad = VADSpeaking
	d.start = at
	d.prob.reset()
	d.level.reset()
}

// Observe feeds one level reading.
func (d *Detector) Observe(r Reading) Decision {
	if d.vad == VADIdle {
		probHeld := d.prob.update(r.At, r.Scored && r.Probability >= d.t.SpeechThreshold, d.t.SpeechDwell)
		levelHeld := d.level.update(r.At, r.RMS >= d.t.RMSFloor, d.t.SpeechDwell)
		if !probHeld && !levelHeld {
			return Decision{}
		}
		start := r.At
		if probHeld {
			start = d.prob.since
		}
		if levelHeld && d.level.since.Before(start) {
			start = d.level.since
		}
		d.begin(start)
		d.lastVoice = r.At
		d.voiced = true
		return Decision{Kind: DecisionSpeechStarted, Start: start}
	}

	voiced := r.RMS >= d.t.RMSFloor
	if r.Scored {
		voiced = r.Probability >= d.t.SilenceThreshold
	}
	if voiced {
		d.lastVoice = r.At
		d.voiced = true
		d.silent = false
	} else if !d.silent {
		d.silent = true
		d.silenceSince = r.At
	}
	return d.Tick(r.At)
}

// ObserveText feeds the full transcript of the current utterance. Non-empty
// text starts speech immediately.
func (d *Detector) ObserveText(at time.Time, text string) Decision {
	text = strings.TrimSpace(text)
	if text == d.text {
		return d.Tick(at)
	}
	d.text = text
	d.textChanged = at
	if d.vad == VADIdle && text != "" {
		d.begin(at)
		return Decision{Kind: DecisionSpeechStarted, Start: at}
	}
	return d.Tick(at)
}

// Tick checks the time-based end conditions at at.
func (d *Detector) Tick(at time.Time) Decision {
	if d.vad != VADSpeaking {
		return Decision{}
	}
	switch {
	case d.silent && at.Sub(d.silenceSince) >= d.t.SilenceDuration:
		return d.end(at, EndSilence)
	case d.text != "" && at.Sub(d.textChanged) >= d.t.StagnationWindow:
		return d.end(at, EndStagnation)
	case d.textEnabled && d.text == "" && at.Sub(d.start) >= d.t.NoTextTimeout:
		return d.end(at, EndNoText)
	case at.Sub(d.start) >= d.t.MaxUtterance:
		return d.end(at, EndMaxLength)
	}
	return Decision{}
}

func (d *Detector) end(at time.Time, reason EndReason) Decision {
	last := at
	if d.voiced && reason != EndMaxLength {
		last = d.lastVoice
	}
	dur := last.Sub(d.start)
	if dur < 0 {
		dur = 0
	}
	dec := Decision{
		Kind:     DecisionEnded,
		Start:    d.start,
		Reason:   reason,
		Duration: dur,
		Accepted: dur >= d.t.MinUtterance,
		Text:     d.text,
	}
	d.Reset()
	return dec
}
