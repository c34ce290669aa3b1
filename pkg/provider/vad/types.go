package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "SPEECH_START"
	case VADSpeechContinue:
		return "SPEECH_CONTINUE"
	case VADSpeechEnd:
		return "SPEECH_END"
	case VADSilence:
		return "SILENCE"
	default:
		return "UNKNOWN"
	}
}

// Hysteresis turns a stream of probabilities into [VADEventType] values
// using the speech and silence thresholds of a [Config]. The zero value is
// not usable; create one with [NewHysteresis].
type Hysteresis struct {
	speech   float64
	silence  float64
	speaking bool
}

// NewHysteresis returns a classifier for cfg's thresholds.
func NewHysteresis(cfg Config) *Hysteresis {
	return &Hysteresis{speech: cfg.SpeechThreshold, silence: cfg.SilenceThreshold}
}

// Classify returns the event for the next frame's probability.
func (h *Hysteresis) Classify(p float64) VADEvent {
	ev := VADEvent{Probability: p}
	switch {
	case !h.speaking && p >= h.speech:
		h.speaking = true
		ev.Type = VADSpeechStart
	case h.speaking && p < h.silence:
		h.speaking = false
		ev.Type = VADSpeechEnd
	case h.speaking:
		ev.Type = VADSpeechContinue
	default:
		ev.Type = VADSilence
	}
	return ev
}

// Reset returns the classifier to the silent state.
func (h *Hysteresis) Reset() {
	h.speaking = false
}
