package stt

import "time"

// Transcript is one recognition result.
type Transcript struct {
	Text string

	// IsFinal marks a committed segment. Partials may still be revised.
	IsFinal bool

	// Confidence is in [0, 1], or zero when the provider does not report it.
	Confidence float64

	// Start and End bound the segment, relative to the start of the session.
	Start, End time.Duration
}
