// Package openai implements the s2s.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection and exchanges JSON
// events. Audio is transmitted as base64-encoded PCM16 appends of at most
// 100 ms each. Server-side turn detection is disabled: the caller commits the
// input buffer and requests responses explicitly. Incoming frames are
// interpreted by a reply.Tracker so that deltas of cancelled or superseded
// responses never reach the caller.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/reply"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	// maxAppend is the largest input_audio_buffer.append payload, in wire
	// bytes.
	maxAppend = 100 * time.Millisecond

	writeTimeout = 5 * time.Second
)

// ErrSessionClosed is returned by session methods after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new OpenAI Realtime session. The session.update event
// is sent before Connect returns.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("openai: parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Audio deltas are large; lift the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		tracker: reply.NewTracker(),
		events:  make(chan reply.Event, 256),
		ctx:     sessCtx,
		cancel:  sessCancel,
		done:    make(chan struct{}),
	}

	if err := sess.writeEvent(sessionUpdateMessage{
		EventID: newEventID(),
		Type:    "session.update",
		Session: buildSessionParams(cfg),
	}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`

	// TurnDetection is always sent as null to disable server VAD.
	TurnDetection *struct{} `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"` // base64-encoded PCM16
}

type simpleMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

func buildSessionParams(cfg s2s.SessionConfig) sessionParams {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.InputTranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.InputTranscriptionModel}
	}
	return params
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn

	// trackerMu serialises Apply in the receive loop with Cancel.
	trackerMu sync.Mutex
	tracker   *reply.Tracker

	events chan reply.Event

	// writeMu keeps multi-frame sequences (split appends) contiguous.
	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// writeEvent marshals v and writes it as a text WebSocket message.
func (s *session) writeEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// newEventID returns a unique client event id.
func newEventID() string {
	return "evt_" + uuid.NewString()
}

func (s *session) sendSimple(typ string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeEvent(simpleMessage{EventID: newEventID(), Type: typ}); err != nil {
		return fmt.Errorf("openai: %s: %w", typ, err)
	}
	return nil
}

// receiveLoop reads frames from the WebSocket and forwards tracked events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("openai: read: %w", err))
			}
			return
		}

		s.trackerMu.Lock()
		evs := s.tracker.Apply(data)
		s.trackerMu.Unlock()

		for _, ev := range evs {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
		slog.Warn("openai: realtime session ended", "err", err)
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends PCM16 wire audio, split into chunks of at most 100 ms.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	limit := audio.BytesFor(maxAppend, audio.WireFormat)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(chunk) > 0 {
		n := min(len(chunk), limit)
		err := s.writeEvent(appendAudioMessage{
			EventID: newEventID(),
			Type:    "input_audio_buffer.append",
			Audio:   base64.StdEncoding.EncodeToString(chunk[:n]),
		})
		if err != nil {
			return fmt.Errorf("openai: append: %w", err)
		}
		chunk = chunk[n:]
	}
	return nil
}

// Commit sends input_audio_buffer.commit.
func (s *session) Commit() error { return s.sendSimple("input_audio_buffer.commit") }

// ClearInput sends input_audio_buffer.clear.
func (s *session) ClearInput() error { return s.sendSimple("input_audio_buffer.clear") }

// CreateResponse sends response.create.
func (s *session) CreateResponse() error { return s.sendSimple("response.create") }

// Cancel suppresses the active response and sends response.cancel.
func (s *session) Cancel() error {
	s.trackerMu.Lock()
	id := s.tracker.Cancel()
	s.trackerMu.Unlock()
	if id != "" {
		slog.Debug("openai: response cancelled", "response_id", id)
	}
	return s.sendSimple("response.cancel")
}

// Events returns the channel on which reply events arrive.
func (s *session) Events() <-chan reply.Event { return s.events }

// Err returns the first error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	<-s.done
	return nil
}
