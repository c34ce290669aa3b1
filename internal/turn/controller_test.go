package turn_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	enginemock "github.com/MrWong99/parley/internal/engine/mock"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/reply"
	replymock "github.com/MrWong99/parley/pkg/reply/mock"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type fakeCapture struct {
	frames chan audio.AudioFrame
	levels chan capture.Level

	mu    sync.Mutex
	gate  []bool
	opens int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		frames: make(chan audio.AudioFrame),
		levels: make(chan capture.Level),
	}
}

func (f *fakeCapture) Frames() <-chan audio.AudioFrame { return f.frames }
func (f *fakeCapture) Levels() <-chan capture.Level    { return f.levels }

func (f *fakeCapture) SetRenderGate(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = append(f.gate, active)
}

func (f *fakeCapture) OpenForBargeIn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
}

func (f *fakeCapture) gateCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.gate)
}

func (f *fakeCapture) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type enqueueCall struct {
	n     int
	force bool
}

// fakePlayer counts every enqueued chunk as scheduled until finish is called.
type fakePlayer struct {
	events chan playback.Event

	mu       sync.Mutex
	enqueues []enqueueCall
	flushes  int
	prepares int
	pending  int
	gen      uint64
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{events: make(chan playback.Event, 16)}
}

func (p *fakePlayer) Enqueue(chunk []byte, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueues = append(p.enqueues, enqueueCall{n: len(chunk), force: force})
	p.pending++
	return nil
}

func (p *fakePlayer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *fakePlayer) PrepareForNextTurn() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepares++
	p.pending = 0
	p.gen++
	return p.gen
}

func (p *fakePlayer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *fakePlayer) Events() <-chan playback.Event { return p.events }

// finish renders everything scheduled and reports the end of playback.
func (p *fakePlayer) finish() {
	p.mu.Lock()
	p.pending = 0
	gen := p.gen
	p.mu.Unlock()
	p.events <- playback.Event{Type: playback.EventEnded, Generation: gen}
}

func (p *fakePlayer) enqueued() []enqueueCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.enqueues)
}

func (p *fakePlayer) flushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

func (p *fakePlayer) prepareCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepares
}

// pushSource hands out events as the test pushes them and ignores context
// cancellation, like a transport that keeps delivering after a cancel.
type pushSource struct {
	ch chan reply.Event
}

func newPushSource() *pushSource { return &pushSource{ch: make(chan reply.Event, 16)} }

func (s *pushSource) Next(context.Context) (reply.Event, error) {
	ev, ok := <-s.ch
	if !ok {
		return reply.Event{}, io.EOF
	}
	return ev, nil
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	ctrl   *turn.Controller
	capt   *fakeCapture
	player *fakePlayer
	eng    *enginemock.VoiceEngine
	clk    *fakeClock
	notes  <-chan turn.Notification
	ctx    context.Context
}

func controllerTuning() turn.Tuning {
	t := testTuning()
	t.PreRoll = 100 * time.Millisecond
	return t
}

func newHarness(t *testing.T, eng *enginemock.VoiceEngine, tun turn.Tuning, opts ...turn.Option) *harness {
	t.Helper()
	h := &harness{
		capt:   newFakeCapture(),
		player: newFakePlayer(),
		eng:    eng,
		clk:    &fakeClock{t: epoch},
	}
	opts = append([]turn.Option{turn.WithClock(h.clk.now), turn.WithTickInterval(time.Hour)}, opts...)
	ctrl, err := turn.New(h.capt, h.player, eng, tun, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	h.notes = ctrl.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

// levels feeds one reading every 20ms for d.
func (h *harness) levels(d time.Duration, rms float64) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += 20 * time.Millisecond {
		at := h.clk.advance(20 * time.Millisecond)
		h.capt.levels <- capture.Level{At: at, RMS: rms}
	}
}

// utterance speaks for d and then stays quiet long enough to end it.
func (h *harness) utterance(d time.Duration) {
	h.levels(d, 0.2)
	h.levels(400*time.Millisecond, 0.001)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func frame40ms() audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, audio.BytesFor(40*time.Millisecond, audio.WireFormat)),
		SampleRate: audio.WireSampleRate,
		Channels:   1,
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidTuning(t *testing.T) {
	t.Parallel()

	tun := turn.DefaultTuning()
	tun.SpeechDwell = 0
	_, err := turn.New(newFakeCapture(), newFakePlayer(), enginemock.New(), tun)
	if err == nil {
		t.Fatal("New accepted invalid tuning")
	}
}

func TestController_ShortUtteranceNeverUploads(t *testing.T) {
	t.Parallel()

	eng := enginemock.New()
	h := newHarness(t, eng, controllerTuning())

	h.utterance(150 * time.Millisecond)

	waitFor(t, "discard", func() bool { return eng.Discards() == 1 })
	if n := len(eng.RespondCalls()); n != 0 {
		t.Errorf("Respond called %d times, want 0", n)
	}
	if got := h.ctrl.State(); got != turn.StateListening {
		t.Errorf("State = %v, want listening", got)
	}
	if got := h.ctrl.Stats().Discarded; got != 1 {
		t.Errorf("Stats.Discarded = %d, want 1", got)
	}
}

func TestController_PreRollIsUploaded(t *testing.T) {
	t.Parallel()

	eng := enginemock.New()
	h := newHarness(t, eng, controllerTuning())

	for range 5 {
		h.capt.frames <- frame40ms()
	}
	if n := len(eng.Frames()); n != 0 {
		t.Fatalf("%d frames appended before speech", n)
	}
	h.levels(200*time.Millisecond, 0.2)
	h.capt.frames <- frame40ms()

	// 100ms of pre-roll keeps the last three 40ms frames.
	waitFor(t, "appended frames", func() bool { return len(eng.Frames()) == 4 })
}

func TestController_FullTurn(t *testing.T) {
	t.Parallel()

	eng := enginemock.New()
	eng.Sources = []reply.Source{replymock.NewSource(
		reply.Event{Kind: reply.KindTextDelta, Text: "Hi"},
		reply.Event{Kind: reply.KindAudioDelta, Audio: make([]byte, 480)},
		reply.Event{Kind: reply.KindCompleted},
	)}
	h := newHarness(t, eng, controllerTuning())
	startTurn := h.ctrl.TurnID()

	h.utterance(400 * time.Millisecond)

	waitFor(t, "flush", func() bool { return h.player.flushCount() == 1 })
	if got := h.ctrl.State(); got != turn.StateSpeaking {
		t.Fatalf("State = %v, want speaking", got)
	}
	if got := h.ctrl.TurnID(); got != startTurn+1 {
		t.Errorf("TurnID = %d, want %d", got, startTurn+1)
	}
	if req := eng.RespondCalls(); len(req) != 1 || req[0].Turn != uint64(startTurn+1) {
		t.Errorf("RespondCalls = %+v", req)
	}

	h.player.finish()
	waitFor(t, "waiting user", func() bool { return h.ctrl.State() == turn.StateWaitingUser })

	if got := eng.Remembered(); len(got) != 1 || got[0].Assistant != "Hi" {
		t.Errorf("Remembered = %+v", got)
	}
	if got := h.capt.gateCalls(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("render gate calls = %v, want [true false]", got)
	}
	if got := h.ctrl.Stats().Turns; got != 1 {
		t.Errorf("Stats.Turns = %d, want 1", got)
	}

	var sawText bool
	for len(h.notes) > 0 {
		n := <-h.notes
		if n.Kind == turn.NotifyAssistantText && n.Text == "Hi" && n.Turn == startTurn+1 {
			sawText = true
		}
	}
	if !sawText {
		t.Error("no assistant text notification")
	}

	if err := h.ctrl.Resume(h.ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := h.ctrl.State(); got != turn.StateListening {
		t.Errorf("State after Resume = %v, want listening", got)
	}
}

func TestController_StaleReplyAfterBargeInIsDropped(t *testing.T) {
	t.Parallel()

	src := newPushSource()
	eng := enginemock.New()
	eng.Sources = []reply.Source{src}
	rec := &sttmock.Provider{}
	h := newHarness(t, eng, controllerTuning(), turn.WithRecognizer(rec, stt.StreamConfig{}))

	h.utterance(400 * time.Millisecond)
	waitFor(t, "respond", func() bool { return len(eng.RespondCalls()) == 1 })

	src.ch <- reply.Event{Kind: reply.KindAudioDelta, Audio: make([]byte, 480)}
	waitFor(t, "speaking", func() bool { return h.ctrl.State() == turn.StateSpeaking })
	interrupted := h.ctrl.TurnID()

	h.clk.advance(time.Second)
	sess := rec.Started()[0]
	sess.PartialsCh <- stt.Transcript{Text: "no stop that"}

	waitFor(t, "barge-in", func() bool { return h.ctrl.Stats().BargeIns == 1 })
	if got := h.ctrl.State(); got != turn.StateListening {
		t.Fatalf("State = %v, want listening", got)
	}
	if h.ctrl.TurnID() <= interrupted {
		t.Errorf("TurnID %d not advanced past %d", h.ctrl.TurnID(), interrupted)
	}
	if !slices.Contains(eng.Sequence(), "cancel") {
		t.Errorf("engine not cancelled: %v", eng.Sequence())
	}
	if got := h.capt.openCount(); got != 1 {
		t.Errorf("OpenForBargeIn calls = %d, want 1", got)
	}
	if got := h.player.prepareCount(); got != 2 {
		t.Errorf("PrepareForNextTurn calls = %d, want 2", got)
	}

	src.ch <- reply.Event{Kind: reply.KindAudioDelta, Audio: make([]byte, 480)}
	waitFor(t, "stale drop", func() bool { return h.ctrl.Stats().Stale >= 1 })
	if got := len(h.player.enqueued()); got != 1 {
		t.Errorf("Enqueue calls = %d, want 1", got)
	}
}

func TestController_EchoDoesNotBargeIn(t *testing.T) {
	t.Parallel()

	src := newPushSource()
	eng := enginemock.New()
	eng.Sources = []reply.Source{src}
	rec := &sttmock.Provider{}
	h := newHarness(t, eng, controllerTuning(), turn.WithRecognizer(rec, stt.StreamConfig{}))

	h.utterance(400 * time.Millisecond)
	waitFor(t, "respond", func() bool { return len(eng.RespondCalls()) == 1 })
	src.ch <- reply.Event{Kind: reply.KindTextDelta, Text: "The weather is sunny today."}
	src.ch <- reply.Event{Kind: reply.KindAudioDelta, Audio: make([]byte, 480)}
	waitFor(t, "speaking", func() bool { return h.ctrl.State() == turn.StateSpeaking })

	h.clk.advance(time.Second)
	sess := rec.Started()[0]
	sess.PartialsCh <- stt.Transcript{Text: "the weather is sunny"}
	waitFor(t, "partial consumed", func() bool { return len(sess.PartialsCh) == 0 })
	// A no-op command orders the check after the partial was handled.
	if err := h.ctrl.Resume(h.ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if got := h.ctrl.Stats().BargeIns; got != 0 {
		t.Errorf("BargeIns = %d, want 0", got)
	}
	if got := h.ctrl.State(); got != turn.StateSpeaking {
		t.Errorf("State = %v, want speaking", got)
	}
}

func TestController_UnspacedScriptBargeIn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		partial string
		want    int
	}{
		{"echo of reply", "こんにちは今日は いい天気", 0},
		{"user interrupts", "ちょっと待ってママ", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := newPushSource()
			eng := enginemock.New()
			eng.Sources = []reply.Source{src}
			rec := &sttmock.Provider{}
			h := newHarness(t, eng, controllerTuning(), turn.WithRecognizer(rec, stt.StreamConfig{}))

			h.utterance(400 * time.Millisecond)
			waitFor(t, "respond", func() bool { return len(eng.RespondCalls()) == 1 })
			src.ch <- reply.Event{Kind: reply.KindTextDelta, Text: "こんにちは、今日はいい天気ですね。公園に行きましょうか"}
			src.ch <- reply.Event{Kind: reply.KindAudioDelta, Audio: make([]byte, 480)}
			waitFor(t, "speaking", func() bool { return h.ctrl.State() == turn.StateSpeaking })

			h.clk.advance(time.Second)
			sess := rec.Started()[0]
			sess.PartialsCh <- stt.Transcript{Text: tt.partial}
			waitFor(t, "partial consumed", func() bool { return len(sess.PartialsCh) == 0 })
			if err := h.ctrl.Resume(h.ctx); err != nil {
				t.Fatalf("Resume: %v", err)
			}

			if got := h.ctrl.Stats().BargeIns; got != tt.want {
				t.Errorf("BargeIns = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestController_FallbackSynthesis(t *testing.T) {
	t.Parallel()

	eng := enginemock.New()
	eng.Sources = []reply.Source{replymock.NewSource(
		reply.Event{Kind: reply.KindTextDelta, Text: "Hello there"},
		reply.Event{Kind: reply.KindCompleted},
	)}
	synth := &ttsmock.Provider{}
	h := newHarness(t, eng, controllerTuning(), turn.WithSynthesizer(synth, "alloy"))

	h.utterance(400 * time.Millisecond)

	waitFor(t, "synthesized audio", func() bool { return len(h.player.enqueued()) == 1 })
	call := h.player.enqueued()[0]
	if !call.force || call.n == 0 {
		t.Errorf("Enqueue = %+v, want forced non-empty chunk", call)
	}
	if calls := synth.Calls(); len(calls) != 1 || calls[0].Text != "Hello there" || calls[0].Voice != "alloy" {
		t.Errorf("Synthesize calls = %+v", calls)
	}
	waitFor(t, "fallback counted", func() bool { return h.ctrl.Stats().FallbackSyntheses == 1 })

	h.player.finish()
	waitFor(t, "waiting user", func() bool { return h.ctrl.State() == turn.StateWaitingUser })
}

func TestController_RespondErrorEndsTurn(t *testing.T) {
	t.Parallel()

	eng := enginemock.New()
	eng.RespondError = errors.New("upstream unavailable")
	h := newHarness(t, eng, controllerTuning(), turn.WithAutoResume(true))

	h.utterance(400 * time.Millisecond)

	waitFor(t, "turn finished", func() bool { return h.ctrl.Stats().Turns == 1 })
	if got := h.ctrl.State(); got != turn.StateListening {
		t.Errorf("State = %v, want listening with auto resume", got)
	}

	var sawErr bool
	for len(h.notes) > 0 {
		if n := <-h.notes; n.Kind == turn.NotifyError && n.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("no error notification")
	}
}

func TestController_RecognizerRestartsAfterBenignEnd(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Provider{}
	h := newHarness(t, enginemock.New(), controllerTuning(), turn.WithRecognizer(rec, stt.StreamConfig{}))

	if got := rec.StartCount(); got != 1 {
		t.Fatalf("StartCount = %d, want 1", got)
	}
	if cfg := rec.StartStreamCalls[0].Cfg; cfg.SampleRate != audio.WireSampleRate || cfg.Channels != 1 {
		t.Errorf("stream config = %+v", cfg)
	}
	rec.Started()[0].End(stt.ErrNoSpeech)

	waitFor(t, "restart", func() bool { return rec.StartCount() == 2 })
	if got := h.ctrl.Stats().RecognizerRestarts; got != 1 {
		t.Errorf("RecognizerRestarts = %d, want 1", got)
	}
}

func TestController_InterruptAndStop(t *testing.T) {
	t.Parallel()

	eng := enginemock.New()
	eng.Sources = []reply.Source{newPushSource()}
	h := newHarness(t, eng, controllerTuning())

	h.utterance(400 * time.Millisecond)
	waitFor(t, "thinking", func() bool { return len(eng.RespondCalls()) == 1 })
	if got := h.ctrl.State(); got != turn.StateThinking {
		t.Fatalf("State = %v, want thinking", got)
	}
	before := h.ctrl.TurnID()

	if err := h.ctrl.Interrupt(h.ctx); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if got := h.ctrl.State(); got != turn.StateListening {
		t.Errorf("State = %v, want listening", got)
	}
	if h.ctrl.TurnID() != before+1 {
		t.Errorf("TurnID = %d, want %d", h.ctrl.TurnID(), before+1)
	}
	if got := eng.Cancels(); got != 1 {
		t.Errorf("Cancels = %d, want 1", got)
	}

	if err := h.ctrl.Stop(h.ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.ctrl.State(); got != turn.StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if got := eng.Discards(); got != 1 {
		t.Errorf("Discards = %d, want 1", got)
	}
}

func TestController_StalledReplyFails(t *testing.T) {
	t.Parallel()

	eng := enginemock.New()
	eng.Sources = []reply.Source{newPushSource()}
	h := newHarness(t, eng, controllerTuning(), turn.WithTickInterval(5*time.Millisecond))

	h.utterance(400 * time.Millisecond)
	waitFor(t, "thinking", func() bool { return h.ctrl.State() == turn.StateThinking })
	h.clk.advance(controllerTuning().PlaybackStallTimeout)

	waitFor(t, "waiting user", func() bool { return h.ctrl.State() == turn.StateWaitingUser })
}

func TestController_RunLifecycle(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: epoch}
	ctrl, err := turn.New(newFakeCapture(), newFakePlayer(), enginemock.New(), controllerTuning(),
		turn.WithClock(clk.now), turn.WithTickInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Alive(time.Second); err == nil {
		t.Error("Alive before Run = nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Alive(time.Second); err != nil {
		t.Errorf("Alive = %v", err)
	}
	clk.advance(2 * time.Second)
	if err := ctrl.Alive(time.Second); err == nil {
		t.Error("Alive after stall = nil")
	}
	if err := ctrl.Run(ctx); !errors.Is(err, turn.ErrRunning) {
		t.Errorf("second Run = %v, want ErrRunning", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if err := ctrl.Resume(context.Background()); !errors.Is(err, turn.ErrStopped) {
		t.Errorf("Resume after Run = %v, want ErrStopped", err)
	}
	if got := ctrl.State(); got != turn.StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
}
