// Package energy provides a dependency-free [vad.Engine] that scores frames
// by their level. It is the fallback scorer when no neural model is
// available.
//
// The probability is the frame's dBFS level mapped linearly from a floor
// (probability 0) to a ceiling (probability 1).
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	// DefaultFloorDB is the level mapped to probability 0.
	DefaultFloorDB = -50.0

	// DefaultCeilingDB is the level mapped to probability 1.
	DefaultCeilingDB = -20.0
)

// Option configures an [Engine].
type Option func(*Engine)

// WithRange sets the dBFS levels mapped to probability 0 and 1.
func WithRange(floorDB, ceilingDB float64) Option {
	return func(e *Engine) {
		e.floorDB = floorDB
		e.ceilingDB = ceilingDB
	}
}

// Engine is an energy-based [vad.Engine].
type Engine struct {
	floorDB   float64
	ceilingDB float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{floorDB: DefaultFloorDB, ceilingDB: DefaultCeilingDB}
	for _, o := range opts {
		o(e)
	}
	if e.ceilingDB <= e.floorDB {
		return nil, fmt.Errorf("energy: ceiling %.1f dBFS must exceed floor %.1f dBFS", e.ceilingDB, e.floorDB)
	}
	return e, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &session{
		engine:     e,
		frameBytes: cfg.FrameBytes(),
		hyst:       vad.NewHysteresis(cfg),
	}, nil
}

// Probability maps a PCM16 frame's level to a speech probability.
func (e *Engine) Probability(frame []byte) float64 {
	db := audio.DBFS(audio.RMS(frame))
	p := (db - e.floorDB) / (e.ceilingDB - e.floorDB)
	return min(max(p, 0), 1)
}

var errClosed = errors.New("energy: session closed")

type session struct {
	engine     *Engine
	frameBytes int

	mu     sync.Mutex
	hyst   *vad.Hysteresis
	closed bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	return s.hyst.Classify(s.engine.Probability(frame)), nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hyst.Reset()
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
