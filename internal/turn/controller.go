package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/reply"
)

var (
	// ErrRunning is returned by Run when the loop is already running.
	ErrRunning = errors.New("turn: controller already running")

	// ErrStopped is returned by commands sent after Run has returned.
	ErrStopped = errors.New("turn: controller stopped")
)

// Capture is the input side of the controller. [capture.Gateway] implements
// it.
type Capture interface {
	Frames() <-chan audio.AudioFrame
	Levels() <-chan capture.Level
	SetRenderGate(active bool)
	OpenForBargeIn()
}

// Player is the output side of the controller. [playback.Streamer]
// implements it.
type Player interface {
	Enqueue(chunk []byte, forceStart bool) error
	Flush() error
	PrepareForNextTurn() uint64
	Pending() int
	Events() <-chan playback.Event
}

var (
	_ Capture = (*capture.Gateway)(nil)
	_ Player  = (*playback.Streamer)(nil)
)

// Stats are cumulative controller counters.
type Stats struct {
	Turns              int64
	Discarded          int64
	BargeIns           int64
	Stale              int64
	FallbackSyntheses  int64
	RecognizerRestarts int64
}

// Default timing of the control loop.
const (
	DefaultTickInterval = 20 * time.Millisecond
	DefaultBackoffMin   = 250 * time.Millisecond
	DefaultBackoffMax   = 5 * time.Second
)

// Option configures a [Controller].
type Option func(*Controller)

// WithRecognizer enables live transcription. The recognizer adds a speech
// start signal, transcript stagnation and the no-text timeout, and drives
// transcript barge-in.
func WithRecognizer(p stt.Provider, cfg stt.StreamConfig) Option {
	return func(c *Controller) {
		c.recognizer = p
		c.streamCfg = cfg
	}
}

// WithSynthesizer enables fallback synthesis for replies that complete with
// text but without audio.
func WithSynthesizer(p tts.Provider, voice string) Option {
	return func(c *Controller) {
		c.synth = p
		c.voice = voice
	}
}

// WithAutoResume returns to Listening after playback instead of waiting for
// an explicit Resume.
func WithAutoResume(enabled bool) Option {
	return func(c *Controller) { c.autoResume = enabled }
}

// WithMetrics sets the metric instruments. Without it nothing is exported.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTickInterval sets how often time-based conditions are checked.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithMode names the upload mode in traces and logs.
func WithMode(mode string) Option {
	return func(c *Controller) { c.mode = mode }
}

// WithRecognizerBackoff bounds the delay between recognizer restarts after
// non-benign failures.
func WithRecognizerBackoff(lo, hi time.Duration) Option {
	return func(c *Controller) {
		if lo > 0 && hi >= lo {
			c.backoffMin, c.backoffMax = lo, hi
		}
	}
}

// ── Loop messages ────────────────────────────────────────────────────────────

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdResume
	cmdInterrupt
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	case cmdResume:
		return "resume"
	case cmdInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

type command struct {
	kind commandKind
	done chan struct{}
}

// replyMsg is a reply event tagged with the turn that requested it.
type replyMsg struct {
	turn ID
	ev   reply.Event
}

// synthMsg is a fallback synthesis result tagged with its turn.
type synthMsg struct {
	turn ID
	pcm  []byte
	err  error
	took time.Duration
}

// activeReply is the loop-owned state of the turn being answered.
type activeReply struct {
	id      ID
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	user    string
	text    strings.Builder
	metrics Metrics

	audio        bool
	done         bool
	outcome      string
	synthesizing bool
	remembered   bool

	speakingSince time.Time
	lastActivity  time.Time
}

// Controller runs the turn-taking state machine. Create one with [New], run
// its loop with [Controller.Run] and drive it with Start, Stop, Resume and
// Interrupt. State, TurnID, Stats and Subscribe are safe to call from any
// goroutine.
type Controller struct {
	capture Capture
	player  Player
	eng     engine.VoiceEngine
	tuning  Tuning

	recognizer stt.Provider
	streamCfg  stt.StreamConfig
	synth      tts.Provider
	voice      string
	autoResume bool
	metrics    *observe.Metrics
	now        func() time.Time
	tick       time.Duration
	mode       string
	backoffMin time.Duration
	backoffMax time.Duration

	cmds    chan command
	replies chan replyMsg
	synths  chan synthMsg
	done    chan struct{}
	hub     hub

	running atomic.Bool
	state   atomic.Int32
	turn    atomic.Uint64
	beat    atomic.Int64

	turns, discarded, bargeIns, stale, fallbacks, restarts atomic.Int64

	// Loop-owned state below.
	ctx         context.Context
	det         *Detector
	preroll     []audio.AudioFrame
	prerollDur  time.Duration
	listenStart time.Time
	cur         *activeReply
	lastBargeIn time.Time
	bargeHold   hold
	baseline    string
	playGen     uint64

	rec       stt.SessionHandle
	partials  <-chan stt.Transcript
	finals    <-chan stt.Transcript
	committed string
	partial   string
	backoff   time.Duration
	retry     *time.Timer
	retryC    <-chan time.Time
}

// New validates tuning and returns an idle Controller.
func New(capt Capture, player Player, eng engine.VoiceEngine, tuning Tuning, opts ...Option) (*Controller, error) {
	if capt == nil || player == nil || eng == nil {
		return nil, errors.New("turn: capture, player and engine are required")
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("turn: %w", err)
	}
	c := &Controller{
		capture:    capt,
		player:     player,
		eng:        eng,
		tuning:     tuning,
		now:        time.Now,
		tick:       DefaultTickInterval,
		mode:       "buffered",
		backoffMin: DefaultBackoffMin,
		backoffMax: DefaultBackoffMax,
		cmds:       make(chan command),
		replies:    make(chan replyMsg, 64),
		synths:     make(chan synthMsg, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.streamCfg.SampleRate == 0 {
		c.streamCfg.SampleRate = audio.WireSampleRate
	}
	if c.streamCfg.Channels == 0 {
		c.streamCfg.Channels = 1
	}
	c.backoff = c.backoffMin
	c.det = NewDetector(tuning, c.recognizer != nil)
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// TurnID returns the current turn id.
func (c *Controller) TurnID() ID { return ID(c.turn.Load()) }

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Turns:              c.turns.Load(),
		Discarded:          c.discarded.Load(),
		BargeIns:           c.bargeIns.Load(),
		Stale:              c.stale.Load(),
		FallbackSyntheses:  c.fallbacks.Load(),
		RecognizerRestarts: c.restarts.Load(),
	}
}

// Subscribe returns a channel of notifications. Notifications are dropped
// for subscribers that fall behind. The channel is closed when Run returns.
func (c *Controller) Subscribe() <-chan Notification { return c.hub.subscribe() }

// Alive reports an error when the loop is not running or has not ticked
// within maxAge.
func (c *Controller) Alive(maxAge time.Duration) error {
	if !c.running.Load() {
		return errors.New("turn: control loop not running")
	}
	last := time.Unix(0, c.beat.Load())
	if age := c.now().Sub(last); age > maxAge {
		return fmt.Errorf("turn: control loop stalled for %s", age.Round(time.Millisecond))
	}
	return nil
}

// Start begins listening.
func (c *Controller) Start(ctx context.Context) error { return c.send(ctx, cmdStart) }

// Stop cancels any reply, releases the recognizer and goes idle.
func (c *Controller) Stop(ctx context.Context) error { return c.send(ctx, cmdStop) }

// Resume returns to Listening after a reply.
func (c *Controller) Resume(ctx context.Context) error { return c.send(ctx, cmdResume) }

// Interrupt cancels the reply in progress and returns to Listening.
func (c *Controller) Interrupt(ctx context.Context) error { return c.send(ctx, cmdInterrupt) }

func (c *Controller) send(ctx context.Context, kind commandKind) error {
	cmd := command{kind: kind, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Loop ─────────────────────────────────────────────────────────────────────

// Run executes the control loop until ctx is cancelled. It may be called
// once. Run returns nil when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	c.ctx = ctx
	c.beat.Store(c.now().UnixNano())

	ticker := time.NewTicker(c.tick)
	defer func() {
		ticker.Stop()
		c.abandonReply("shutdown")
		c.closeRecognizer()
		c.capture.SetRenderGate(false)
		c.setState(StateIdle)
		c.running.Store(false)
		close(c.done)
		c.hub.close()
	}()

	frames := c.capture.Frames()
	levels := c.capture.Levels()
	transcripts := c.eng.Transcripts()
	playbackEvents := c.player.Events()

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-c.cmds:
			c.handleCommand(cmd.kind)
			close(cmd.done)

		case f := <-frames:
			c.handleFrame(f)

		case lvl := <-levels:
			c.handleLevel(lvl)

		case tr, ok := <-c.partials:
			if !ok {
				c.recognizerEnded()
				continue
			}
			c.partial = strings.TrimSpace(tr.Text)
			c.handleUserText()

		case tr, ok := <-c.finals:
			if !ok {
				c.recognizerEnded()
				continue
			}
			c.committed = joinText(c.committed, tr.Text)
			c.partial = ""
			c.handleUserText()

		case <-c.retryC:
			c.retry, c.retryC = nil, nil
			c.openRecognizer()

		case tr, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			c.handleEngineTranscript(tr)

		case m := <-c.replies:
			c.handleReply(m)

		case m := <-c.synths:
			c.handleSynth(m)

		case ev, ok := <-playbackEvents:
			if !ok {
				playbackEvents = nil
				continue
			}
			c.handlePlayback(ev)

		case <-ticker.C:
			c.handleTick()
		}
	}
}

func (c *Controller) handleCommand(kind commandKind) {
	slog.Debug("turn: command", "command", kind.String(), "state", c.State().String())
	switch kind {
	case cmdStart:
		if c.State() != StateIdle {
			return
		}
		c.openRecognizer()
		c.mint()
		c.enterListening()

	case cmdResume:
		switch c.State() {
		case StateIdle:
			c.openRecognizer()
		case StateWaitingUser:
		default:
			return
		}
		c.mint()
		c.enterListening()

	case cmdInterrupt:
		st := c.State()
		if st != StateThinking && st != StateSpeaking {
			return
		}
		c.cancelReply("interrupted")
		c.capture.OpenForBargeIn()
		c.enterListening()

	case cmdStop:
		if c.State() == StateIdle {
			return
		}
		c.cancelReply("stopped")
		if err := c.eng.Discard(c.ctx); err != nil {
			slog.Warn("turn: discard on stop failed", "err", err)
		}
		c.capture.SetRenderGate(false)
		c.det.Reset()
		c.preroll, c.prerollDur = nil, 0
		c.closeRecognizer()
		c.setState(StateIdle)
	}
}

// mint starts a new turn and returns its id.
func (c *Controller) mint() ID {
	return ID(c.turn.Add(1))
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	slog.Debug("turn: state", "state", s.String(), "turn", c.TurnID())
	c.hub.publish(Notification{Kind: NotifyState, Turn: c.TurnID(), State: s, At: c.now()})
}

func (c *Controller) enterListening() {
	c.det.Reset()
	c.preroll, c.prerollDur = nil, 0
	c.resetUserText()
	c.listenStart = c.now()
	c.setState(StateListening)
}

// ── Capture ──────────────────────────────────────────────────────────────────

func (c *Controller) handleFrame(f audio.AudioFrame) {
	if c.State() != StateListening {
		return
	}
	if c.det.State() == VADSpeaking {
		c.appendFrame(f)
		return
	}
	c.preroll = append(c.preroll, f)
	c.prerollDur += f.Duration()
	for len(c.preroll) > 1 && c.prerollDur-c.preroll[0].Duration() >= c.tuning.PreRoll {
		c.prerollDur -= c.preroll[0].Duration()
		c.preroll = c.preroll[1:]
	}
}

func (c *Controller) appendFrame(f audio.AudioFrame) {
	if err := c.eng.Append(c.ctx, f); err != nil {
		slog.Warn("turn: append frame failed", "err", err)
	}
}

func (c *Controller) handleLevel(lvl capture.Level) {
	st := c.State()
	if st == StateIdle {
		return
	}
	if c.rec != nil && len(lvl.PCM) > 0 {
		if err := c.rec.SendAudio(lvl.PCM); err != nil {
			slog.Debug("turn: recognizer send failed", "err", err)
		}
	}
	r := Reading{At: lvl.At, RMS: lvl.RMS, Probability: lvl.Probability, Scored: lvl.Scored}
	switch st {
	case StateListening:
		c.handleDecision(c.det.Observe(r))
	case StateSpeaking:
		if !c.tuning.AcousticBargeIn {
			return
		}
		voiced := r.RMS >= c.tuning.RMSFloor
		if r.Scored {
			voiced = r.Probability >= c.tuning.SpeechThreshold
		}
		if c.bargeHold.update(r.At, voiced, c.tuning.BargeInDwell) {
			c.bargeIn("acoustic", "")
		}
	}
}

func (c *Controller) handleDecision(d Decision) {
	switch d.Kind {
	case DecisionSpeechStarted:
		slog.Debug("turn: speech started", "turn", c.TurnID(), "preroll", c.prerollDur)
		for _, f := range c.preroll {
			c.appendFrame(f)
		}
		c.preroll, c.prerollDur = nil, 0

	case DecisionEnded:
		if !d.Accepted {
			slog.Debug("turn: utterance discarded", "reason", d.Reason, "duration", d.Duration)
			if err := c.eng.Discard(c.ctx); err != nil {
				slog.Warn("turn: discard failed", "err", err)
			}
			c.discarded.Add(1)
			if c.metrics != nil {
				c.metrics.RecordDiscard(c.ctx, "too_short")
			}
			c.enterListening()
			return
		}
		c.accept(d)
	}
}

// ── Live transcription ───────────────────────────────────────────────────────

func (c *Controller) userText() string { return joinText(c.committed, c.partial) }

func (c *Controller) resetUserText() {
	c.committed, c.partial = "", ""
}

func joinText(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

func (c *Controller) handleUserText() {
	text := c.userText()
	now := c.now()
	switch c.State() {
	case StateListening:
		if text != "" {
			c.hub.publish(Notification{Kind: NotifyUserText, Turn: c.TurnID(), Text: text, At: now})
		}
		c.handleDecision(c.det.ObserveText(now, text))
	case StateSpeaking:
		if c.cur == nil {
			return
		}
		heard := sinceBaseline(text, c.baseline)
		if NewWords(heard, c.cur.text.String()) >= c.tuning.BargeInMinNewWords {
			c.bargeIn("transcript", strings.TrimSpace(heard))
		}
	}
}

func (c *Controller) handleEngineTranscript(tr engine.Transcript) {
	if tr.Text == "" {
		return
	}
	if c.cur != nil && tr.Final && c.cur.user == "" {
		c.cur.user = tr.Text
	}
	c.hub.publish(Notification{Kind: NotifyUserText, Turn: c.TurnID(), Text: tr.Text, At: tr.At})
}

func (c *Controller) openRecognizer() {
	if c.recognizer == nil || c.rec != nil {
		return
	}
	sess, err := c.recognizer.StartStream(c.ctx, c.streamCfg)
	if err != nil {
		slog.Warn("turn: recognizer start failed", "err", err, "retry_in", c.backoff)
		c.scheduleRetry()
		return
	}
	c.rec = sess
	c.partials = sess.Partials()
	c.finals = sess.Finals()
	c.backoff = c.backoffMin
}

func (c *Controller) closeRecognizer() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry, c.retryC = nil, nil
	}
	if c.rec == nil {
		return
	}
	sess := c.rec
	c.rec, c.partials, c.finals = nil, nil, nil
	if err := sess.Close(); err != nil {
		slog.Debug("turn: recognizer close failed", "err", err)
	}
}

func (c *Controller) recognizerEnded() {
	sess := c.rec
	if sess == nil {
		return
	}
	c.rec, c.partials, c.finals = nil, nil, nil
	err := sess.Err()
	_ = sess.Close()
	if c.State() == StateIdle {
		return
	}
	c.restarts.Add(1)
	if c.metrics != nil {
		c.metrics.RecognizerRestarts.Add(c.ctx, 1)
	}
	if stt.IsBenign(err) {
		slog.Debug("turn: recognizer ended, restarting", "err", err)
		c.openRecognizer()
		return
	}
	slog.Warn("turn: recognizer failed", "err", err, "retry_in", c.backoff)
	c.scheduleRetry()
}

func (c *Controller) scheduleRetry() {
	if c.retry != nil {
		return
	}
	c.retry = time.NewTimer(c.backoff)
	c.retryC = c.retry.C
	c.backoff = min(c.backoff*2, c.backoffMax)
}

// ── Replies ──────────────────────────────────────────────────────────────────

func (c *Controller) accept(d Decision) {
	now := c.now()
	id := c.mint()
	user := d.Text
	if user == "" {
		user = c.userText()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	ctx, span := observe.StartTurnSpan(ctx, uint64(id), c.mode)
	cur := &activeReply{
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		span:         span,
		user:         user,
		metrics:      Metrics{Turn: id},
		lastActivity: now,
	}
	cur.metrics.Mark(StageListenStart, c.listenStart)
	cur.metrics.Mark(StageSpeechEnd, now)
	c.cur = cur
	c.resetUserText()
	c.setState(StateThinking)
	c.playGen = c.player.PrepareForNextTurn()

	observe.Logger(ctx).Info("turn: utterance accepted",
		"turn", id, "reason", d.Reason, "duration", d.Duration, "transcript", user)
	if c.metrics != nil {
		c.metrics.UtteranceDuration.Record(c.ctx, d.Duration.Seconds())
		c.metrics.RepliesInFlight.Add(c.ctx, 1)
	}

	cur.metrics.Mark(StageRequestStart, c.now())
	go c.stream(ctx, engine.Request{Turn: uint64(id), Transcript: user}, id)
}

// stream forwards the events of one reply into the loop. Events keep flowing
// after cancellation; the loop drops them as stale.
func (c *Controller) stream(ctx context.Context, req engine.Request, id ID) {
	src, err := c.eng.Respond(ctx, req)
	if err != nil {
		c.post(replyMsg{turn: id, ev: reply.Event{Kind: reply.KindFailed, Reason: err.Error()}})
		return
	}
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.post(replyMsg{turn: id, ev: reply.Event{Kind: reply.KindFailed, Reason: err.Error()}})
			return
		}
		c.post(replyMsg{turn: id, ev: ev})
		if ev.Terminal() {
			return
		}
	}
}

func (c *Controller) post(m replyMsg) {
	select {
	case c.replies <- m:
	case <-c.done:
	}
}

func (c *Controller) dropStale(kind string, turn ID) {
	c.stale.Add(1)
	slog.Debug("turn: stale event dropped", "kind", kind, "turn", turn, "current", c.TurnID())
	if c.metrics != nil {
		c.metrics.RecordStale(c.ctx, kind)
	}
}

func (c *Controller) handleReply(m replyMsg) {
	cur := c.cur
	if cur == nil || m.turn != cur.id || m.turn != c.TurnID() {
		c.dropStale(m.ev.Kind.String(), m.turn)
		return
	}
	if cur.done {
		slog.Debug("turn: event after reply end ignored", "kind", m.ev.Kind.String(), "turn", cur.id)
		return
	}
	now := c.now()
	cur.lastActivity = now
	cur.metrics.Mark(StageFirstByte, now)

	switch m.ev.Kind {
	case reply.KindTextDelta:
		if m.ev.Text == "" {
			return
		}
		cur.metrics.Mark(StageFirstText, now)
		cur.text.WriteString(m.ev.Text)
		c.hub.publish(Notification{Kind: NotifyAssistantText, Turn: cur.id, Text: m.ev.Text, At: now})

	case reply.KindAudioDelta:
		if len(m.ev.Audio) == 0 {
			return
		}
		if !cur.audio {
			cur.audio = true
			cur.metrics.Mark(StageFirstAudio, now)
			c.enterSpeaking(now)
		}
		if err := c.player.Enqueue(m.ev.Audio, false); err != nil {
			slog.Warn("turn: enqueue reply audio failed", "turn", cur.id, "err", err)
		}

	case reply.KindCompleted:
		cur.metrics.Mark(StageStreamComplete, now)
		if cur.text.Len() == 0 && m.ev.Text != "" {
			cur.text.WriteString(m.ev.Text)
		}
		c.remember(cur)
		cur.done = true
		cur.outcome = "completed"
		switch {
		case cur.audio:
			if err := c.player.Flush(); err != nil {
				slog.Warn("turn: flush reply audio failed", "turn", cur.id, "err", err)
			}
		case cur.text.Len() > 0 && c.synth != nil:
			cur.synthesizing = true
			cur.outcome = "synthesized"
			go c.synthesize(cur.ctx, cur.id, cur.text.String())
		default:
			cur.outcome = "silent"
		}
		c.maybeFinish()

	case reply.KindFailed:
		cur.metrics.Mark(StageStreamComplete, now)
		err := fmt.Errorf("turn: reply failed: %s", m.ev.Reason)
		observe.Logger(cur.ctx).Warn("turn: reply failed", "turn", cur.id, "reason", m.ev.Reason)
		c.hub.publish(Notification{Kind: NotifyError, Turn: cur.id, Err: err, At: now})
		c.remember(cur)
		cur.done = true
		cur.outcome = "failed"
		if cur.audio {
			if ferr := c.player.Flush(); ferr != nil {
				slog.Warn("turn: flush reply audio failed", "turn", cur.id, "err", ferr)
			}
		}
		c.maybeFinish()

	default:
		slog.Debug("turn: reply event", "kind", m.ev.Kind.String(), "turn", cur.id, "response_id", m.ev.ResponseID)
	}
}

func (c *Controller) remember(cur *activeReply) {
	if cur.remembered {
		return
	}
	cur.remembered = true
	c.eng.Remember(cur.user, cur.text.String())
}

func (c *Controller) enterSpeaking(now time.Time) {
	c.capture.SetRenderGate(true)
	c.cur.speakingSince = now
	c.baseline = c.userText()
	c.bargeHold.reset()
	c.setState(StateSpeaking)
}

func (c *Controller) synthesize(ctx context.Context, id ID, text string) {
	start := time.Now()
	speech, err := c.synth.Synthesize(ctx, text, c.voice)
	var pcm []byte
	if err == nil {
		pcm, err = speech.PCM()
	}
	select {
	case c.synths <- synthMsg{turn: id, pcm: pcm, err: err, took: time.Since(start)}:
	case <-c.done:
	}
}

func (c *Controller) handleSynth(m synthMsg) {
	cur := c.cur
	if cur == nil || m.turn != cur.id || m.turn != c.TurnID() {
		c.dropStale("synthesis", m.turn)
		return
	}
	cur.synthesizing = false
	now := c.now()
	cur.lastActivity = now
	if c.metrics != nil {
		c.metrics.SynthesisDuration.Record(c.ctx, m.took.Seconds())
	}
	if m.err != nil {
		observe.Logger(cur.ctx).Warn("turn: fallback synthesis failed", "turn", cur.id, "err", m.err)
		c.hub.publish(Notification{Kind: NotifyError, Turn: cur.id, Err: fmt.Errorf("turn: synthesis: %w", m.err), At: now})
		cur.outcome = "failed"
		c.maybeFinish()
		return
	}
	c.fallbacks.Add(1)
	if c.metrics != nil {
		c.metrics.FallbackSyntheses.Add(c.ctx, 1)
	}
	if len(m.pcm) > 0 {
		cur.audio = true
		cur.metrics.Mark(StageFirstAudio, now)
		c.enterSpeaking(now)
		if err := c.player.Enqueue(m.pcm, true); err != nil {
			slog.Warn("turn: enqueue synthesized audio failed", "turn", cur.id, "err", err)
		}
	}
	c.maybeFinish()
}

func (c *Controller) handlePlayback(ev playback.Event) {
	cur := c.cur
	if cur == nil || ev.Generation != c.playGen {
		return
	}
	switch ev.Type {
	case playback.EventStarted:
		if c.State() == StateSpeaking && ev.At.After(cur.speakingSince) {
			cur.speakingSince = ev.At
		}
	case playback.EventEnded:
		c.maybeFinish()
	}
}

// maybeFinish ends the turn once the reply stream is done, no synthesis is
// outstanding and every scheduled buffer has rendered.
func (c *Controller) maybeFinish() {
	cur := c.cur
	if cur == nil || !cur.done || cur.synthesizing || c.player.Pending() > 0 {
		return
	}
	c.finishTurn()
}

func (c *Controller) finishTurn() {
	cur := c.cur
	now := c.now()
	if cur.audio {
		cur.metrics.Mark(StagePlaybackEnd, now)
	}
	c.closeReply(cur, cur.outcome)
	c.turns.Add(1)
	c.capture.SetRenderGate(false)
	if c.autoResume {
		c.enterListening()
		return
	}
	c.det.Reset()
	c.setState(StateWaitingUser)
}

// closeReply releases a reply's resources and exports its metrics.
func (c *Controller) closeReply(cur *activeReply, outcome string) {
	cur.cancel()
	cur.metrics.report(c.ctx, c.metrics)
	if c.metrics != nil {
		c.metrics.RecordTurn(c.ctx, outcome)
		c.metrics.RepliesInFlight.Add(c.ctx, -1)
	}
	cur.span.End()
	observe.Logger(cur.ctx).Info("turn: finished", "turn", cur.id, "outcome", outcome,
		"first_audio", cur.metrics.Between(StageSpeechEnd, StageFirstAudio))
	c.cur = nil
}

// cancelReply supersedes the current turn: mint a new id, cancel the reply
// request, cancel the engine and reset playback, in that order.
func (c *Controller) cancelReply(outcome string) {
	c.mint()
	cur := c.cur
	if cur != nil {
		cur.cancel()
		c.remember(cur)
	}
	if err := c.eng.Cancel(c.ctx); err != nil {
		slog.Warn("turn: engine cancel failed", "err", err)
	}
	c.playGen = c.player.PrepareForNextTurn()
	if cur != nil {
		c.closeReply(cur, outcome)
		c.turns.Add(1)
	}
}

// abandonReply drops the current reply without touching the engine.
func (c *Controller) abandonReply(outcome string) {
	if c.cur != nil {
		c.closeReply(c.cur, outcome)
	}
}

func (c *Controller) bargeIn(trigger, heard string) {
	cur := c.cur
	if cur == nil || c.State() != StateSpeaking {
		return
	}
	now := c.now()
	if !c.lastBargeIn.IsZero() && now.Sub(c.lastBargeIn) < c.tuning.BargeInCooldown {
		return
	}
	if now.Sub(cur.speakingSince) < c.tuning.BargeInPlaybackGrace {
		return
	}
	turn := cur.id
	c.cancelReply("interrupted")
	c.capture.OpenForBargeIn()
	c.lastBargeIn = now
	c.bargeIns.Add(1)
	if c.metrics != nil {
		c.metrics.RecordBargeIn(c.ctx, trigger)
	}
	slog.Info("turn: barge-in", "trigger", trigger, "interrupted", turn, "turn", c.TurnID(), "heard", heard)
	c.hub.publish(Notification{Kind: NotifyBargeIn, Turn: c.TurnID(), Text: heard, At: now})

	c.enterListening()
	c.det.ForceStart(now)
	if heard != "" {
		c.det.ObserveText(now, heard)
	}
}

// ── Timers ───────────────────────────────────────────────────────────────────

func (c *Controller) handleTick() {
	now := c.now()
	c.beat.Store(now.UnixNano())
	switch c.State() {
	case StateListening:
		c.handleDecision(c.det.Tick(now))
	case StateThinking, StateSpeaking:
		cur := c.cur
		if cur == nil {
			return
		}
		if !cur.done && now.Sub(cur.lastActivity) >= c.tuning.PlaybackStallTimeout {
			observe.Logger(cur.ctx).Warn("turn: reply stalled", "turn", cur.id, "idle", now.Sub(cur.lastActivity))
			cur.cancel()
			if err := c.eng.Cancel(c.ctx); err != nil {
				slog.Warn("turn: engine cancel failed", "err", err)
			}
			c.handleReply(replyMsg{turn: cur.id, ev: reply.Event{Kind: reply.KindFailed, Reason: "reply stalled"}})
			return
		}
		// Ended events can be dropped by a slow consumer.
		c.maybeFinish()
	}
}
