// Package playback renders streamed wire-format audio on an
// [audio.OutputDevice] with a jitter buffer in front of it.
//
// Chunks accumulate until the pre-buffer threshold is reached (or a caller
// forces the start), are merged, converted to the device format and
// scheduled with a completion callback. A single mutex-guarded counter of
// scheduled-but-unfinished buffers decides when playback has ended: the
// "ended" event fires only when it drops to zero.
//
// The streamer knows nothing about turns. Callers call
// [Streamer.PrepareForNextTurn] between replies; completion callbacks of
// buffers scheduled before that call are ignored through a generation
// counter.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultPrebuffer is the amount of audio queued before the first
	// buffer of a reply is scheduled.
	DefaultPrebuffer = 120 * time.Millisecond

	// DefaultRestartAttempts bounds how often a stopped output device is
	// restarted before a chunk is dropped.
	DefaultRestartAttempts = 3

	eventBuffer = 32
)

var (
	// ErrOutputUnavailable is returned by Enqueue and Flush when the output
	// device cannot be (re)started or refuses a buffer. The chunk is dropped.
	ErrOutputUnavailable = errors.New("playback: output unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("playback: closed")
)

// EventType distinguishes playback lifecycle events.
type EventType int

const (
	// EventStarted fires when the first buffer of a playback cycle is
	// scheduled.
	EventStarted EventType = iota

	// EventEnded fires when every scheduled buffer of the cycle has finished
	// rendering.
	EventEnded
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventStarted:
		return "STARTED"
	case EventEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a playback lifecycle change.
type Event struct {
	Type EventType

	// Generation is the value returned by the most recent
	// PrepareForNextTurn when the event fired.
	Generation uint64

	At time.Time
}

// Stats are cumulative counters for diagnostics.
type Stats struct {
	Restarts int64
	Drops    int64
	Cycles   int64
}

// Option configures a [Streamer] during construction.
type Option func(*Streamer)

// WithPrebuffer sets the pre-buffer threshold.
func WithPrebuffer(d time.Duration) Option {
	return func(s *Streamer) {
		if d >= 0 {
			s.prebuffer = d
		}
	}
}

// WithHardReset makes PrepareForNextTurn stop the output device entirely so
// that the next chunk re-creates the render path.
func WithHardReset(enabled bool) Option {
	return func(s *Streamer) {
		s.hardReset = enabled
	}
}

// WithRestartAttempts bounds device restarts per scheduling attempt.
func WithRestartAttempts(n int) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.restartAttempts = n
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Streamer) {
		s.now = now
	}
}

// cycle tracks one started/ended pair so waiters can block on it.
type cycle struct {
	started   chan struct{}
	ended     chan struct{}
	isStarted bool
	isEnded   bool
}

func newCycle() *cycle {
	return &cycle{started: make(chan struct{}), ended: make(chan struct{})}
}

// Streamer is the jitter-buffered playback path.
//
// All exported methods are safe for concurrent use.
type Streamer struct {
	dev             audio.OutputDevice
	conv            *audio.FormatConverter
	prebuffer       time.Duration
	prebufferFrames int
	hardReset       bool
	restartAttempts int
	now             func() time.Time

	// schedMu serialises scheduling and device lifecycle calls against
	// PrepareForNextTurn. Lock order: schedMu, then mu. Device methods are
	// never called with mu held because completion callbacks take mu.
	schedMu     sync.Mutex
	everStarted bool

	mu           sync.Mutex
	queue        [][]byte
	queuedBytes  int
	queuedFrames int
	pending      int
	playing      bool
	gen          uint64
	cyc          *cycle
	reset        chan struct{}
	closed       bool

	events chan Event

	restarts atomic.Int64
	drops    atomic.Int64
	cycles   atomic.Int64
}

// New creates a Streamer rendering [audio.WireFormat] chunks on dev.
// It fails with an error wrapping [audio.ErrUnsupportedFormat] when the
// device format cannot be produced.
func New(dev audio.OutputDevice, opts ...Option) (*Streamer, error) {
	conv, err := audio.NewFormatConverter(dev.Format(), audio.WireFormat)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	s := &Streamer{
		dev:             dev,
		conv:            conv,
		prebuffer:       DefaultPrebuffer,
		restartAttempts: DefaultRestartAttempts,
		now:             time.Now,
		cyc:             newCycle(),
		reset:           make(chan struct{}),
		events:          make(chan Event, eventBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	s.prebufferFrames = prebufferFrames(s.prebuffer, conv.Source())
	return s, nil
}

func prebufferFrames(d time.Duration, f audio.DeviceFormat) int {
	return int(int64(d) * int64(f.SampleRate) / int64(time.Second))
}

// Events returns the lifecycle event stream. Events are dropped when the
// consumer falls more than a few events behind. The channel is closed by
// Close.
func (s *Streamer) Events() <-chan Event {
	return s.events
}

// Enqueue appends a wire-format chunk. Until playback of the current cycle
// has started, chunks accumulate until the pre-buffer threshold is reached or
// forceStart is set; afterwards each chunk is scheduled immediately.
func (s *Streamer) Enqueue(chunk []byte, forceStart bool) error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(chunk) > 0 {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		s.queue = append(s.queue, cp)
		s.queuedBytes += len(cp)
		s.queuedFrames += s.conv.OutputFrames(len(cp))
	}
	ready := s.playing || forceStart || s.queuedFrames >= s.prebufferFrames
	if !ready || len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	merged := s.takeQueueLocked()
	s.mu.Unlock()

	return s.schedule(merged)
}

// Flush schedules whatever is left in the jitter queue, even below the
// pre-buffer threshold. Used when the reply stream completes.
func (s *Streamer) Flush() error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	merged := s.takeQueueLocked()
	s.mu.Unlock()

	return s.schedule(merged)
}

// takeQueueLocked merges the jitter queue into one block and empties it.
// Must be called with s.mu held.
func (s *Streamer) takeQueueLocked() []byte {
	merged := make([]byte, 0, s.queuedBytes)
	for _, c := range s.queue {
		merged = append(merged, c...)
	}
	clear(s.queue)
	s.queue = s.queue[:0]
	s.queuedBytes = 0
	s.queuedFrames = 0
	return merged
}

// schedule converts wire audio and hands it to the device. Must be called
// with s.schedMu held.
func (s *Streamer) schedule(wire []byte) error {
	if err := s.ensureRunning(); err != nil {
		s.drops.Add(1)
		slog.Warn("playback: dropping chunk, output device unavailable", "bytes", len(wire), "err", err)
		return fmt.Errorf("%w: %w", ErrOutputUnavailable, err)
	}
	if err := s.syncFormat(); err != nil {
		s.drops.Add(1)
		slog.Warn("playback: dropping chunk, output format unusable", "bytes", len(wire), "err", err)
		return fmt.Errorf("%w: %w", ErrOutputUnavailable, err)
	}
	buf := s.conv.ConvertWire(wire)
	if len(buf) == 0 {
		return nil
	}

	s.mu.Lock()
	gen := s.gen
	s.pending++
	if !s.playing {
		s.playing = true
		s.startCycleLocked()
	}
	s.mu.Unlock()

	if err := s.dev.Schedule(buf, func() { s.complete(gen) }); err != nil {
		s.drops.Add(1)
		slog.Warn("playback: output device rejected buffer", "bytes", len(buf), "err", err)
		s.complete(gen)
		return fmt.Errorf("%w: %w", ErrOutputUnavailable, err)
	}
	return nil
}

// ensureRunning restarts a stopped device. Must be called with s.schedMu
// held.
func (s *Streamer) ensureRunning() error {
	if s.dev.Running() {
		return nil
	}
	var err error
	for attempt := 1; attempt <= s.restartAttempts; attempt++ {
		if err = s.dev.Start(); err == nil {
			if s.everStarted {
				s.restarts.Add(1)
				slog.Info("playback: output device restarted", "attempt", attempt)
			}
			s.everStarted = true
			return nil
		}
		slog.Warn("playback: output device start failed", "attempt", attempt, "err", err)
	}
	return err
}

// syncFormat rebuilds the converter when the device came back from a
// restart with a different native format. Must be called with s.schedMu
// held.
func (s *Streamer) syncFormat() error {
	f := s.dev.Format()
	if f == s.conv.Source() {
		return nil
	}
	conv, err := audio.NewFormatConverter(f, audio.WireFormat)
	if err != nil {
		return err
	}
	slog.Info("playback: output format changed", "old", s.conv.Source().String(), "new", f.String())
	s.conv = conv
	s.prebufferFrames = prebufferFrames(s.prebuffer, f)
	return nil
}

// complete is the completion callback of one scheduled buffer.
func (s *Streamer) complete(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.pending == 0 {
		return
	}
	s.pending--
	if s.pending > 0 {
		return
	}
	s.playing = false
	s.endCycleLocked()
	s.cyc = newCycle()
}

func (s *Streamer) startCycleLocked() {
	if s.cyc.isStarted {
		return
	}
	s.cyc.isStarted = true
	close(s.cyc.started)
	s.cycles.Add(1)
	s.emitLocked(EventStarted)
}

func (s *Streamer) endCycleLocked() {
	if s.cyc.isEnded {
		return
	}
	s.cyc.isEnded = true
	close(s.cyc.ended)
	s.emitLocked(EventEnded)
}

func (s *Streamer) emitLocked(t EventType) {
	if s.closed {
		return
	}
	select {
	case s.events <- Event{Type: t, Generation: s.gen, At: s.now()}:
	default:
		slog.Debug("playback: event dropped, consumer too slow", "event", t.String())
	}
}

// PrepareForNextTurn discards queued and scheduled audio and starts a new
// generation, which it returns. Completion callbacks from earlier
// generations are ignored, so this never fires a second "ended" for the
// discarded cycle. Waiters for the end of the discarded cycle return true;
// waiters for its start return false.
func (s *Streamer) PrepareForNextTurn() uint64 {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	s.mu.Lock()
	if s.closed {
		gen := s.gen
		s.mu.Unlock()
		return gen
	}
	s.gen++
	gen := s.gen
	clear(s.queue)
	s.queue = s.queue[:0]
	s.queuedBytes = 0
	s.queuedFrames = 0
	s.pending = 0
	s.playing = false
	if !s.cyc.isEnded {
		s.cyc.isEnded = true
		close(s.cyc.ended)
	}
	s.cyc = newCycle()
	close(s.reset)
	s.reset = make(chan struct{})
	s.mu.Unlock()

	if s.hardReset {
		if err := s.dev.Stop(); err != nil {
			slog.Warn("playback: hard reset stop failed", "err", err)
		}
	} else {
		s.dev.Reset()
	}
	return gen
}

// WaitUntilPlaybackStarts blocks until the current cycle starts. It returns
// false on timeout or when PrepareForNextTurn discards the cycle first.
func (s *Streamer) WaitUntilPlaybackStarts(timeout time.Duration) bool {
	s.mu.Lock()
	cyc, reset := s.cyc, s.reset
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-cyc.started:
		return true
	case <-reset:
		return false
	case <-timer.C:
		return false
	}
}

// WaitUntilPlaybackEnds blocks until every scheduled buffer has finished.
// It returns true immediately when nothing is queued or playing, and false
// on timeout.
func (s *Streamer) WaitUntilPlaybackEnds(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.playing && s.pending == 0 && len(s.queue) == 0 {
		s.mu.Unlock()
		return true
	}
	cyc := s.cyc
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-cyc.ended:
		return true
	case <-timer.C:
		return false
	}
}

// Pending returns the number of scheduled buffers that have not finished.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Playing reports whether a playback cycle is in progress.
func (s *Streamer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Stats returns cumulative counters.
func (s *Streamer) Stats() Stats {
	return Stats{
		Restarts: s.restarts.Load(),
		Drops:    s.drops.Load(),
		Cycles:   s.cycles.Load(),
	}
}

// Close stops the output device and closes the event stream. Close is
// idempotent.
func (s *Streamer) Close() error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.pending = 0
	s.playing = false
	if !s.cyc.isEnded {
		s.cyc.isEnded = true
		close(s.cyc.ended)
	}
	close(s.reset)
	close(s.events)
	s.mu.Unlock()

	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("playback: close: %w", err)
	}
	return nil
}
