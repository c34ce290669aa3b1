// Package capture turns a microphone tap into batched wire-format frames and
// a parallel stream of level readings.
//
// Every hardware buffer is converted to [audio.WireFormat] on the hardware
// thread and appended to an accumulation buffer that is flushed as one
// [audio.AudioFrame] once it covers the batch duration. A copy of each
// converted buffer is handed to an analysis worker that computes the RMS
// level, downsamples to the scorer rate and asks the voice activity scorer
// for a speech probability. Neither path ever blocks the hardware thread:
// both use non-blocking sends and count what they drop.
//
// While playback is running the controller raises the render gate; outbound
// frames are then computed but discarded until [Gateway.OpenForBargeIn] is
// called or the gate is lowered again.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	// DefaultBatch is the duration of one outbound frame.
	DefaultBatch = 40 * time.Millisecond

	// DefaultStartupGrace is how long frames are discarded after Start so
	// device warm-up clicks never reach the remote service.
	DefaultStartupGrace = 300 * time.Millisecond

	// DefaultQueueSize bounds the analysis queue.
	DefaultQueueSize = 32

	frameBuffer = 64
	levelBuffer = 64
)

var (
	// ErrRunning is returned by Start when the gateway is already running.
	ErrRunning = errors.New("capture: already running")

	// ErrNotRunning is returned by Stop when the gateway was never started.
	ErrNotRunning = errors.New("capture: not running")
)

// SetupError reports a failure to prepare the capture path. It is fatal and
// never retried.
type SetupError struct {
	// Op names the step that failed, e.g. "converter" or "device".
	Op  string
	Err error
}

// Error implements error.
func (e *SetupError) Error() string {
	return fmt.Sprintf("capture: setup %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SetupError) Unwrap() error { return e.Err }

// Level is one analysis reading for a single hardware buffer.
type Level struct {
	// RMS is the normalised level in [0, 1].
	RMS float64

	// Probability is the highest speech probability reported by the scorer
	// for the scorer frames completed by this buffer. Zero when Scored is
	// false.
	Probability float64

	// Scored reports whether the scorer produced at least one result.
	Scored bool

	At time.Time

	// PCM is the wire-format audio of the buffer. Live transcription
	// consumes it regardless of the render gate.
	PCM []byte
}

// Stats are cumulative counters for diagnostics.
type Stats struct {
	Frames         int64
	GraceDropped   int64
	GateDropped    int64
	FrameDropped   int64
	AnalysisDrops  int64
	LevelDrops     int64
	ScorerFailures int64
}

// Option configures a [Gateway] during construction.
type Option func(*Gateway)

// WithBatch sets the outbound frame duration.
func WithBatch(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.batch = d
		}
	}
}

// WithStartupGrace sets how long frames are discarded after Start. Zero
// disables the grace period.
func WithStartupGrace(d time.Duration) Option {
	return func(g *Gateway) {
		if d >= 0 {
			g.grace = d
		}
	}
}

// WithScorer attaches a voice activity scorer. Without one, levels carry RMS
// only.
func WithScorer(e vad.Engine, cfg vad.Config) Option {
	return func(g *Gateway) {
		g.scorer = e
		g.scorerCfg = cfg
	}
}

// WithQueueSize bounds the analysis queue.
func WithQueueSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.queueSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// Gateway is the capture path between an [audio.InputDevice] and the turn
// controller.
//
// All exported methods are safe for concurrent use.
type Gateway struct {
	dev       audio.InputDevice
	batch     time.Duration
	grace     time.Duration
	queueSize int
	scorer    vad.Engine
	scorerCfg vad.Config
	now       func() time.Time

	frames chan audio.AudioFrame
	levels chan Level

	// mu guards everything the hardware callback touches.
	mu         sync.Mutex
	running    bool
	conv       *audio.FormatConverter
	acc        []byte
	batchBytes int
	started    time.Time
	captured   time.Duration
	gated      bool
	bargeOpen  bool
	queue      chan []byte
	workerDone chan struct{}
	session    vad.SessionHandle

	frameCount     atomic.Int64
	graceDropped   atomic.Int64
	gateDropped    atomic.Int64
	frameDropped   atomic.Int64
	analysisDrops  atomic.Int64
	levelDrops     atomic.Int64
	scorerFailures atomic.Int64
}

// New creates a Gateway for dev. The device is not touched until Start.
func New(dev audio.InputDevice, opts ...Option) *Gateway {
	g := &Gateway{
		dev:       dev,
		batch:     DefaultBatch,
		grace:     DefaultStartupGrace,
		queueSize: DefaultQueueSize,
		now:       time.Now,
		frames:    make(chan audio.AudioFrame, frameBuffer),
		levels:    make(chan Level, levelBuffer),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Frames returns the outbound frame stream. The channel is never closed.
func (g *Gateway) Frames() <-chan audio.AudioFrame { return g.frames }

// Levels returns the analysis stream. The channel is never closed.
func (g *Gateway) Levels() <-chan Level { return g.levels }

// Start installs the input tap. Converter and scorer failures are returned
// as *[SetupError]; no frames are delivered in that case.
func (g *Gateway) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrRunning
	}

	conv, err := audio.NewFormatConverter(g.dev.Format(), audio.WireFormat)
	if err != nil {
		return &SetupError{Op: "converter", Err: err}
	}

	var sess vad.SessionHandle
	if g.scorer != nil {
		if err := g.scorerCfg.Validate(); err != nil {
			return &SetupError{Op: "scorer", Err: err}
		}
		sess, err = g.scorer.NewSession(g.scorerCfg)
		if err != nil {
			return &SetupError{Op: "scorer", Err: err}
		}
	}

	g.conv = conv
	g.session = sess
	g.acc = g.acc[:0]
	g.batchBytes = max(audio.BytesFor(g.batch, audio.WireFormat), 2)
	g.started = g.now()
	g.captured = 0
	g.queue = make(chan []byte, g.queueSize)
	g.workerDone = make(chan struct{})

	go g.analyse(g.queue, g.workerDone, sess)

	if err := g.dev.Start(g.onData); err != nil {
		close(g.queue)
		<-g.workerDone
		if sess != nil {
			_ = sess.Close()
		}
		g.session = nil
		return &SetupError{Op: "device", Err: err}
	}
	g.running = true

	slog.Info("capture started",
		"device", g.dev.Format().String(),
		"batch", g.batch,
		"grace", g.grace,
		"scorer", sess != nil,
	)
	return nil
}

// Stop releases the input tap, flushes any partial batch and waits for the
// analysis worker to drain.
func (g *Gateway) Stop() error {
	// The device is stopped before mu is taken: a callback in flight holds
	// mu and must be allowed to finish.
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return ErrNotRunning
	}
	g.mu.Unlock()

	devErr := g.dev.Stop()

	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return ErrNotRunning
	}
	g.running = false
	if len(g.acc) > 0 {
		g.flushLocked()
	}
	close(g.queue)
	done := g.workerDone
	sess := g.session
	g.session = nil
	g.mu.Unlock()

	<-done

	var closeErr error
	if sess != nil {
		closeErr = sess.Close()
	}
	slog.Info("capture stopped", "frames", g.frameCount.Load())
	if err := errors.Join(devErr, closeErr); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// Running reports whether the tap is installed.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// SetRenderGate raises or lowers the render gate. Either way a gate opened
// by barge-in is closed again, so every playback starts gated.
func (g *Gateway) SetRenderGate(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gated = active
	g.bargeOpen = false
}

// OpenForBargeIn lets frames through immediately even though the render
// gate is still raised.
func (g *Gateway) OpenForBargeIn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bargeOpen = true
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Frames:         g.frameCount.Load(),
		GraceDropped:   g.graceDropped.Load(),
		GateDropped:    g.gateDropped.Load(),
		FrameDropped:   g.frameDropped.Load(),
		AnalysisDrops:  g.analysisDrops.Load(),
		LevelDrops:     g.levelDrops.Load(),
		ScorerFailures: g.scorerFailures.Load(),
	}
}

// ── Hardware thread ──────────────────────────────────────────────────────────

func (g *Gateway) onData(buf []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.conv == nil {
		return
	}

	wire := g.conv.Convert(buf)
	if len(wire) == 0 {
		return
	}
	if g.grace > 0 && g.now().Sub(g.started) < g.grace {
		g.graceDropped.Add(1)
		g.captured += audio.Duration(len(wire), audio.WireFormat)
		return
	}
	g.enqueueLocked(wire)

	g.acc = append(g.acc, wire...)
	if len(g.acc) >= g.batchBytes {
		g.flushLocked()
	}
}

// enqueueLocked hands wire to the analysis worker, evicting the oldest
// reading when the queue is full.
func (g *Gateway) enqueueLocked(wire []byte) {
	for {
		select {
		case g.queue <- wire:
			return
		default:
		}
		select {
		case <-g.queue:
			g.analysisDrops.Add(1)
		default:
		}
	}
}

func (g *Gateway) flushLocked() {
	data := make([]byte, len(g.acc))
	copy(data, g.acc)
	g.acc = g.acc[:0]

	ts := g.captured
	g.captured += audio.Duration(len(data), audio.WireFormat)

	if g.gated && !g.bargeOpen {
		g.gateDropped.Add(1)
		return
	}

	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: audio.WireSampleRate,
		Channels:   audio.WireChannels,
		Timestamp:  ts,
	}
	select {
	case g.frames <- frame:
		g.frameCount.Add(1)
	default:
		g.frameDropped.Add(1)
	}
}

// ── Analysis worker ──────────────────────────────────────────────────────────

func (g *Gateway) analyse(queue <-chan []byte, done chan<- struct{}, sess vad.SessionHandle) {
	defer close(done)

	var (
		frameBytes int
		carry      []byte
		failing    bool
	)
	if sess != nil {
		frameBytes = g.scorerCfg.FrameBytes()
	}

	for wire := range queue {
		lvl := Level{RMS: audio.RMS(wire), At: g.now(), PCM: wire}

		if sess != nil && frameBytes > 0 {
			scored := audio.ResampleMono16(wire, audio.WireSampleRate, g.scorerCfg.SampleRate)
			carry = append(carry, scored...)
			for len(carry) >= frameBytes {
				ev, err := sess.ProcessFrame(carry[:frameBytes])
				carry = carry[frameBytes:]
				if err != nil {
					g.scorerFailures.Add(1)
					if !failing {
						slog.Warn("capture: voice activity scorer failed", "err", err)
						failing = true
					}
					lvl.Scored = true
					continue
				}
				failing = false
				lvl.Scored = true
				lvl.Probability = max(lvl.Probability, ev.Probability)
			}
			// Keep the remainder in its own backing array so the next
			// append never grows an ever-longer slice.
			carry = append([]byte(nil), carry...)
		}

		select {
		case g.levels <- lvl:
		default:
			g.levelDrops.Add(1)
		}
	}
}
