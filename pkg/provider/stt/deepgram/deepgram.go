// Package deepgram streams wire audio to Deepgram's live transcription
// WebSocket and surfaces its interim and final results as an [stt.Provider].
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	listenURL         = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 24000
	defaultKeepAlive  = 8 * time.Second

	// Deepgram closes the socket with this code in the reason after it has
	// gone without audio for about ten seconds.
	idleTimeoutCode = "net-0001"

	msgKeepAlive   = `{"type":"KeepAlive"}`
	msgCloseStream = `{"type":"CloseStream"}`
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model, e.g. "nova-3".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the default language. A language in the stream config
// takes precedence.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate assumed when the stream config has none.
func WithSampleRate(hz int) Option { return func(p *Provider) { p.sampleRate = hz } }

// WithEndpoint points the provider at another listen URL.
func WithEndpoint(u string) Option { return func(p *Provider) { p.endpoint = u } }

// WithKeepAlive sets how long a session may send no audio before a KeepAlive
// frame goes out. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option { return func(p *Provider) { p.keepAlive = d } }

// WithEndpointing sets the trailing silence after which Deepgram finalizes a
// segment. Zero leaves Deepgram's default.
func WithEndpointing(d time.Duration) Option { return func(p *Provider) { p.endpointing = d } }

// Provider opens Deepgram live transcription sessions.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	sampleRate  int
	keepAlive   time.Duration
	endpointing time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   listenURL,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		keepAlive:  defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartStream dials a session. Audio sent to it must be 16-bit little-endian
// PCM at cfg.SampleRate.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: stream url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		audio:     make(chan []byte, 256),
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		closed:    make(chan struct{}),
	}
	s.wg.Go(func() { s.send(ctx) })
	s.wg.Go(func() { s.receive(ctx) })
	return s, nil
}

// streamURL returns the listen URL with the query for cfg.
func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := orDefault(cfg.Language, p.language)
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── Session ──────────────────────────────────────────────────────────────────

var errClosed = errors.New("deepgram: session closed")

type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	audio     chan []byte
	partials  chan stt.Transcript
	finals    chan stt.Transcript

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closed:
		return errClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Err returns why the session ended. It is nil after a local Close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes queued audio, asks Deepgram to finish and waits for both
// loops to exit.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(msgCloseStream))
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.wg.Wait()
	})
	return nil
}

// send forwards queued audio and keeps an idle socket alive.
func (s *session) send(ctx context.Context) {
	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		keepAlive = t.C
	}
	idleSince := time.Now()

	for {
		var err error
		select {
		case chunk := <-s.audio:
			err = s.conn.Write(ctx, websocket.MessageBinary, chunk)
			idleSince = time.Now()
		case now := <-keepAlive:
			if now.Sub(idleSince) >= s.keepAlive {
				err = s.conn.Write(ctx, websocket.MessageText, []byte(msgKeepAlive))
				idleSince = now
			}
		case <-s.closed:
			s.flush(ctx)
			return
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// flush writes whatever audio is still queued.
func (s *session) flush(ctx context.Context) {
	for {
		select {
		case chunk := <-s.audio:
			if s.conn.Write(ctx, websocket.MessageBinary, chunk) != nil {
				return
			}
		default:
			return
		}
	}
}

// receive routes results to the partial and final channels until the socket
// closes, then records why.
func (s *session) receive(ctx context.Context) {
	defer close(s.finals)
	defer close(s.partials)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.end(ctx, err)
			return
		}
		t, ok := parseResult(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.closed:
		}
	}
}

// end records the error that stopped the read loop, mapped onto the stt
// error kinds.
func (s *session) end(ctx context.Context, readErr error) {
	var err error
	var ce websocket.CloseError
	select {
	case <-s.closed:
	default:
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.As(readErr, &ce) && strings.Contains(strings.ToLower(ce.Reason), idleTimeoutCode):
			err = fmt.Errorf("deepgram: %s: %w", ce.Reason, stt.ErrNoSpeech)
		case errors.As(readErr, &ce) && ce.Code == websocket.StatusNormalClosure:
			err = fmt.Errorf("deepgram: %w", stt.ErrSessionEnded)
		default:
			slog.Warn("deepgram: session lost", "err", readErr)
			err = fmt.Errorf("deepgram: read: %w", readErr)
		}
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// parseResult extracts the best alternative of a Results message. Other
// message types and malformed JSON are skipped. An empty transcript is kept:
// it retracts an earlier partial.
func parseResult(msg []byte) (stt.Transcript, bool) {
	if !gjson.ValidBytes(msg) {
		return stt.Transcript{}, false
	}
	r := gjson.ParseBytes(msg)
	if r.Get("type").String() != "Results" {
		return stt.Transcript{}, false
	}
	alt := r.Get("channel.alternatives.0")
	if !alt.Exists() {
		return stt.Transcript{}, false
	}
	start := seconds(r.Get("start").Float())
	return stt.Transcript{
		Text:       alt.Get("transcript").String(),
		IsFinal:    r.Get("is_final").Bool(),
		Confidence: alt.Get("confidence").Float(),
		Start:      start,
		End:        start + seconds(r.Get("duration").Float()),
	}, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
