package reply

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	doneSentinel = "[DONE]"

	// defaultMaxLine bounds a single SSE line. Audio deltas are large but
	// comfortably below this.
	defaultMaxLine = 1 << 20

	errEndedEarly = "stream ended before completion"
)

// SSEOption configures an [SSESource].
type SSEOption func(*SSESource)

// WithMaxLineSize overrides the maximum accepted line length in bytes.
func WithMaxLineSize(n int) SSEOption {
	return func(s *SSESource) {
		if n > 0 {
			s.maxLine = n
		}
	}
}

// SSESource parses a line-delimited "data: {json}" stream. It is not safe for
// concurrent use; one consumer calls Next until io.EOF.
//
// Blocking reads are interrupted by cancelling the context of the request
// that produced the body, or by calling Close.
type SSESource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	maxLine int

	// tracker handles typed-event payloads ({"type":"response...."}).
	tracker *Tracker

	pending  []Event
	received bool
	finish   string
	id       string
	done     bool
}

var _ Source = (*SSESource)(nil)

// NewSSESource returns a Source reading from body. The source closes body
// once the terminal event has been produced.
func NewSSESource(body io.ReadCloser, opts ...SSEOption) *SSESource {
	s := &SSESource{
		body:    body,
		maxLine: defaultMaxLine,
		tracker: NewTracker(),
	}
	for _, o := range opts {
		o(s)
	}
	s.scanner = bufio.NewScanner(body)
	s.scanner.Buffer(make([]byte, 0, 64*1024), s.maxLine)
	return s
}

// Next returns the next event of the stream.
func (s *SSESource) Next(ctx context.Context) (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Terminal() {
				s.finishStream()
			}
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		if !s.scanner.Scan() {
			s.pending = append(s.pending, s.endOfInput(ctx))
			continue
		}
		payload, ok := dataPayload(s.scanner.Text())
		if !ok {
			continue
		}
		if payload == doneSentinel {
			s.pending = append(s.pending, Event{Kind: KindCompleted, ResponseID: s.id, Reason: s.finish})
			continue
		}
		s.pending = append(s.pending, s.decode(payload)...)
	}
}

// Close releases the underlying body. Subsequent calls to Next return io.EOF.
func (s *SSESource) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.pending = nil
	return s.body.Close()
}

func (s *SSESource) finishStream() {
	s.done = true
	s.pending = nil
	_ = s.body.Close()
}

// endOfInput produces the terminal event for a stream that stopped without
// the sentinel.
func (s *SSESource) endOfInput(ctx context.Context) Event {
	if err := s.scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return failed(s.id, ctx.Err().Error())
		}
		slog.Warn("reply: sse read failed", "err", err)
		return failed(s.id, err.Error())
	}
	if s.received {
		return Event{Kind: KindCompleted, ResponseID: s.id, Reason: s.finish}
	}
	return failed(s.id, errEndedEarly)
}

// dataPayload extracts the payload of a "data:" line. Comments, event names
// and blank separators are ignored.
func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

// decode converts one JSON payload into zero or more events.
func (s *SSESource) decode(payload string) []Event {
	if !gjson.Valid(payload) {
		slog.Warn("reply: skipping malformed sse payload", "bytes", len(payload))
		return nil
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return nil
	}

	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		s.received = true
		return []Event{failed(s.id, errorMessage(e))}
	}
	if root.Get("type").Exists() && !root.Get("choices").Exists() {
		evs := s.tracker.Apply([]byte(payload))
		if len(evs) > 0 {
			s.received = true
		}
		return evs
	}

	if id := root.Get("id").String(); id != "" {
		s.id = id
	}

	var out []Event
	for _, choice := range root.Get("choices").Array() {
		s.received = true
		delta := choice.Get("delta")
		if !delta.Exists() {
			delta = choice.Get("message")
		}
		text := contentText(delta.Get("content"))
		if text == "" {
			text = delta.Get("audio.transcript").String()
		}
		if text != "" {
			out = append(out, Event{Kind: KindTextDelta, Text: text, ResponseID: s.id})
		}
		if data := delta.Get("audio.data").String(); data != "" {
			pcm, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				slog.Warn("reply: skipping undecodable audio delta", "err", err)
			} else if len(pcm) > 0 {
				out = append(out, Event{Kind: KindAudioDelta, Audio: pcm, ResponseID: s.id})
			}
		}
		if fr := choice.Get("finish_reason").String(); fr != "" {
			s.finish = fr
		}
	}

	for _, item := range root.Get("output").Array() {
		s.received = true
		for _, block := range item.Get("content").Array() {
			if text := partText(block); text != "" {
				out = append(out, Event{Kind: KindTextDelta, Text: text, ResponseID: s.id})
			}
		}
	}
	return out
}

// contentText reads a content field that is either a plain string or an
// array of typed parts.
func contentText(c gjson.Result) string {
	switch {
	case !c.Exists():
		return ""
	case c.Type == gjson.String:
		return c.String()
	case c.IsArray():
		var b strings.Builder
		for _, part := range c.Array() {
			b.WriteString(partText(part))
		}
		return b.String()
	default:
		return ""
	}
}

func partText(part gjson.Result) string {
	if part.Type == gjson.String {
		return part.String()
	}
	if t := part.Get("text"); t.Type == gjson.String {
		return t.String()
	}
	if t := part.Get("content"); t.Type == gjson.String {
		return t.String()
	}
	return part.Get("transcript").String()
}

func errorMessage(e gjson.Result) string {
	if e.Type == gjson.String {
		return e.String()
	}
	if msg := e.Get("message").String(); msg != "" {
		return msg
	}
	if code := e.Get("code").String(); code != "" {
		return code
	}
	return e.Raw
}
