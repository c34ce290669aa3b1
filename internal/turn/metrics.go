package turn

import (
	"context"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// Stage is a point in the life of a turn.
type Stage int

const (
	StageListenStart Stage = iota
	StageSpeechEnd
	StageRequestStart
	StageFirstByte
	StageFirstText
	StageFirstAudio
	StageStreamComplete
	StagePlaybackEnd

	stageCount
)

var stageNames = [stageCount]string{
	"listen_start", "speech_end", "request_start", "first_byte",
	"first_text", "first_audio", "stream_complete", "playback_end",
}

// String returns the snake_case name of the stage.
func (s Stage) String() string {
	if s < 0 || s >= stageCount {
		return "unknown"
	}
	return stageNames[s]
}

// Metrics holds the timestamps of one turn. Each stage is written at most
// once; later marks are ignored. Metrics are diagnostic and never drive
// control flow.
type Metrics struct {
	Turn  ID
	marks [stageCount]time.Time
}

// Mark records at for stage unless the stage was already marked.
func (m *Metrics) Mark(stage Stage, at time.Time) {
	if stage < 0 || stage >= stageCount || !m.marks[stage].IsZero() {
		return
	}
	m.marks[stage] = at
}

// At returns the time stage was marked and whether it was.
func (m *Metrics) At(stage Stage) (time.Time, bool) {
	if stage < 0 || stage >= stageCount {
		return time.Time{}, false
	}
	t := m.marks[stage]
	return t, !t.IsZero()
}

// Between returns the time from one stage to another, or -1 if either is
// unmarked.
func (m *Metrics) Between(from, to Stage) time.Duration {
	a, okA := m.At(from)
	b, okB := m.At(to)
	if !okA || !okB {
		return -1
	}
	return b.Sub(a)
}

// report exports the latencies measured from the end of speech. Unmarked
// stages are skipped.
func (m *Metrics) report(ctx context.Context, om *observe.Metrics) {
	if om == nil {
		return
	}
	observe.ObserveLatency(ctx, om.FirstByteLatency, m.Between(StageSpeechEnd, StageFirstByte))
	observe.ObserveLatency(ctx, om.FirstAudioLatency, m.Between(StageSpeechEnd, StageFirstAudio))
	observe.ObserveLatency(ctx, om.PlaybackEndLatency, m.Between(StageSpeechEnd, StagePlaybackEnd))
}
