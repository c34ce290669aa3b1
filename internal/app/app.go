// Package app wires the parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio devices and
// connects capture, playback, the voice engine and the turn controller; Run
// supervises them together with the HTTP endpoints; Shutdown releases
// everything in reverse order.
//
// For testing, inject mock implementations through [Providers] and the
// functional options. When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/engine/buffered"
	s2sengine "github.com/MrWong99/parley/internal/engine/s2s"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/chat"
	providers2s "github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	// scorerRate and scorerFrameMs describe the frames handed to the voice
	// activity scorer. Silero accepts 512-sample frames at 16 kHz.
	scorerRate    = 16000
	scorerFrameMs = 32

	// aliveMaxAge is how stale the control loop heartbeat may get before the
	// readiness probe fails.
	aliveMaxAge = 2 * time.Second

	shutdownTimeout = 5 * time.Second

	// statsInterval is how often device counters are exported as metrics.
	statsInterval = 5 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Chat  chat.Provider
	S2S   providers2s.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	Audio audio.Backend
}

// App owns all subsystem lifetimes and runs the hands-free voice loop.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics    *observe.Metrics
	engine     engine.VoiceEngine
	capture    *capture.Gateway
	player     *playback.Streamer
	controller *turn.Controller
	checkers   []health.Checker
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a voice engine instead of building one for the
// configured mode.
func WithEngine(e engine.VoiceEngine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics overrides the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New opens the capture and playback devices, builds the voice engine for
// the configured conversation mode and assembles the turn controller. Device
// errors are returned unwrapped enough for errors.As to find
// [capture.SetupError] or [audio.ErrUnsupportedFormat].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Audio == nil {
		return nil, errors.New("app: an audio backend is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Voice engine ──────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. Turn controller ───────────────────────────────────────────────
	if err := a.initController(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init controller: %w", err)
	}

	// ── 4. Health checks ─────────────────────────────────────────────────
	a.initHealth()

	observe.Logger(ctx).Info("app initialised",
		"mode", cfg.Conversation.Mode,
		"recognizer", providers.STT != nil,
		"synthesizer", providers.TTS != nil,
		"scorer", providers.VAD != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initAudio() error {
	ac := a.cfg.Audio

	in, err := a.providers.Audio.OpenInput(ac.CaptureDevice)
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	a.closers = append(a.closers, in.Close)

	out, err := a.providers.Audio.OpenOutput(ac.PlaybackDevice)
	if err != nil {
		return fmt.Errorf("open playback device: %w", err)
	}

	capOpts := []capture.Option{
		capture.WithBatch(ac.Batch()),
		capture.WithStartupGrace(ac.StartupGrace()),
	}
	if a.providers.VAD != nil {
		tuning := a.cfg.Tuning.Turn()
		capOpts = append(capOpts, capture.WithScorer(a.providers.VAD, vad.Config{
			SampleRate:       scorerRate,
			FrameSizeMs:      scorerFrameMs,
			SpeechThreshold:  tuning.SpeechThreshold,
			SilenceThreshold: tuning.SilenceThreshold,
		}))
	}
	a.capture = capture.New(in, capOpts...)
	a.closers = append(a.closers, a.stopCapture, out.Close)

	player, err := playback.New(out,
		playback.WithPrebuffer(ac.Prebuffer()),
		playback.WithHardReset(ac.HardReset),
	)
	if err != nil {
		return err
	}
	a.player = player
	a.closers = append(a.closers, player.Close)
	return nil
}

// stopCapture stops the gateway if Run started it.
func (a *App) stopCapture() error {
	if err := a.capture.Stop(); err != nil && !errors.Is(err, capture.ErrNotRunning) {
		return err
	}
	return nil
}

func (a *App) initEngine() error {
	if a.engine == nil {
		eng, err := a.buildEngine()
		if err != nil {
			return err
		}
		a.engine = eng
	}
	a.closers = append(a.closers, a.engine.Close)
	return nil
}

// buildEngine creates the voice engine for the configured conversation mode.
func (a *App) buildEngine() (engine.VoiceEngine, error) {
	conv := a.cfg.Conversation
	switch conv.Mode {
	case config.ModeBuffered:
		if a.providers.Chat == nil {
			return nil, errors.New("buffered mode requires a chat provider")
		}
		tuning := a.cfg.Tuning.Turn()
		return buffered.New(a.providers.Chat,
			buffered.WithInstructions(conv.Instructions),
			buffered.WithVoice(conv.Voice),
			buffered.WithHistoryTurns(conv.HistoryTurns),
			buffered.WithRecordDir(a.cfg.Audio.RecordDir),
			buffered.WithMaxUtterance(audio.BytesFor(tuning.MaxUtterance, audio.WireFormat)),
		), nil

	case config.ModeRealtime:
		if a.providers.S2S == nil {
			return nil, errors.New("realtime mode requires an s2s provider")
		}
		return s2sengine.New(a.providers.S2S, providers2s.SessionConfig{
			Voice:                   conv.Voice,
			Instructions:            conv.Instructions,
			InputTranscriptionModel: conv.TranscriptionModel,
		}), nil

	default:
		return nil, fmt.Errorf("unknown conversation mode %q", conv.Mode)
	}
}

func (a *App) initController() error {
	conv := a.cfg.Conversation
	opts := []turn.Option{
		turn.WithMetrics(a.metrics),
		turn.WithMode(string(conv.Mode)),
		turn.WithAutoResume(conv.AutoResume),
	}
	if a.providers.STT != nil {
		opts = append(opts, turn.WithRecognizer(a.providers.STT, stt.StreamConfig{
			SampleRate: audio.WireSampleRate,
			Channels:   1,
			Language:   conv.Language,
		}))
	}
	if a.providers.TTS != nil {
		opts = append(opts, turn.WithSynthesizer(a.providers.TTS, conv.Voice))
	}

	ctrl, err := turn.New(a.capture, a.player, a.engine, a.cfg.Tuning.Turn(), opts...)
	if err != nil {
		return err
	}
	a.controller = ctrl
	return nil
}

func (a *App) initHealth() {
	a.checkers = []health.Checker{
		health.Running("capture", a.capture),
		health.Alive("turn_loop", a.controller, aliveMaxAge),
	}
	if r, ok := a.providers.TTS.(health.BreakerReporter); ok {
		a.checkers = append(a.checkers, health.Breakers("tts", r))
	}
	if r, ok := a.providers.Chat.(health.BreakerReporter); ok {
		a.checkers = append(a.checkers, health.Breakers("chat", r))
	}
	if r, ok := a.providers.STT.(health.BreakerReporter); ok {
		a.checkers = append(a.checkers, health.Breakers("stt", r))
	}
}

// Controller returns the turn controller, e.g. for subscribing a UI sink.
func (a *App) Controller() *turn.Controller { return a.controller }

// Checkers returns the readiness checks served on /readyz.
func (a *App) Checkers() []health.Checker { return a.checkers }

// Handler returns the HTTP handler serving health probes and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture, the turn controller and (when server.listen_addr is
// set) the HTTP server, and blocks until ctx is cancelled or one of them
// fails. A capture setup failure is returned before anything else starts.
// Run returns nil on a clean cancellation.
func (a *App) Run(ctx context.Context) error {
	if err := a.capture.Start(ctx); err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.controller.Run(gctx); err != nil {
			return fmt.Errorf("app: turn loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.controller.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: start listening: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logNotifications(gctx)
		return nil
	})

	g.Go(func() error {
		a.reportStats(gctx, statsInterval)
		return nil
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running", "mode", a.cfg.Conversation.Mode)
	return g.Wait()
}

// logNotifications mirrors the controller's notification stream into the
// log until ctx is done or the stream closes.
func (a *App) logNotifications(ctx context.Context) {
	ch := a.controller.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			switch n.Kind {
			case turn.NotifyState:
				slog.Debug("turn state", "turn", n.Turn, "state", n.State)
			case turn.NotifyUserText:
				slog.Info("user said", "turn", n.Turn, "text", n.Text)
			case turn.NotifyBargeIn:
				slog.Info("barge-in", "turn", n.Turn, "heard", n.Text)
			case turn.NotifyError:
				slog.Warn("turn failed", "turn", n.Turn, "err", n.Err)
			}
		}
	}
}

// reportStats exports the growth of the capture and playback counters every
// interval until ctx is done.
func (a *App) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastCap capture.Stats
	var lastPlay playback.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c, p := a.capture.Stats(), a.player.Stats()
		a.metrics.RecordCaptureDrops(ctx, "analysis", c.AnalysisDrops-lastCap.AnalysisDrops)
		a.metrics.RecordCaptureDrops(ctx, "level", c.LevelDrops-lastCap.LevelDrops)
		a.metrics.RecordCaptureDrops(ctx, "frame", c.FrameDropped-lastCap.FrameDropped)
		a.metrics.RecordCaptureDrops(ctx, "scorer", c.ScorerFailures-lastCap.ScorerFailures)
		if n := p.Restarts - lastPlay.Restarts; n > 0 {
			a.metrics.PlaybackRestarts.Add(ctx, n)
		}
		if n := p.Drops - lastPlay.Drops; n > 0 {
			a.metrics.PlaybackDrops.Add(ctx, n)
		}
		lastCap, lastPlay = c, p
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline and is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

// closeAll runs the closers in reverse order and releases the providers that
// own native resources.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if c, ok := a.providers.VAD.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.providers.Audio.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
