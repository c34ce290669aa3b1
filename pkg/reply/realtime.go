package reply

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

// cancelNotActive is the error code a realtime server returns when a cancel
// arrives after the response already finished.
const cancelNotActive = "response_cancel_not_active"

// Tracker interprets realtime socket frames. It keeps the accumulated text
// per response id and forwards deltas of the active response only.
//
// Tracker is not safe for concurrent use; the socket's receive loop owns it.
// Cancel may be called from another goroutine only if the caller serialises
// it with Apply.
type Tracker struct {
	active     string
	text       map[string]*strings.Builder
	suppressed map[string]struct{}
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		text:       make(map[string]*strings.Builder),
		suppressed: make(map[string]struct{}),
	}
}

// Active returns the id of the response currently being forwarded, or "".
func (t *Tracker) Active() string { return t.active }

// Cancel suppresses the active response: its remaining deltas and its
// completion are dropped. It returns the suppressed id, or "" when no
// response was active.
func (t *Tracker) Cancel() string {
	id := t.active
	if id == "" {
		return ""
	}
	t.suppressed[id] = struct{}{}
	delete(t.text, id)
	t.active = ""
	return id
}

// Apply consumes one JSON frame and returns the events it produces, in order.
// Unknown frame types and malformed frames produce no events.
func (t *Tracker) Apply(frame []byte) []Event {
	if !gjson.ValidBytes(frame) {
		slog.Warn("reply: skipping malformed realtime frame", "bytes", len(frame))
		return nil
	}
	root := gjson.ParseBytes(frame)

	switch typ := root.Get("type").String(); typ {
	case "response.created":
		return t.created(root.Get("response.id").String())

	case "response.output_text.delta", "response.text.delta",
		"response.output_audio_transcript.delta", "response.audio_transcript.delta":
		id, ok := t.accept(root.Get("response_id").String())
		if !ok {
			return nil
		}
		delta := root.Get("delta").String()
		if delta == "" {
			return nil
		}
		t.builder(id).WriteString(delta)
		return []Event{{Kind: KindTextDelta, Text: delta, ResponseID: id}}

	case "response.output_audio.delta", "response.audio.delta":
		id, ok := t.accept(root.Get("response_id").String())
		if !ok {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(root.Get("delta").String())
		if err != nil {
			slog.Warn("reply: skipping undecodable audio delta", "response_id", id, "err", err)
			return nil
		}
		if len(pcm) == 0 {
			return nil
		}
		return []Event{{Kind: KindAudioDelta, Audio: pcm, ResponseID: id}}

	case "response.done", "response.completed", "response.failed", "response.incomplete":
		return t.done(root.Get("response"))

	case "error":
		return t.failure(root.Get("error"))

	case "input_audio_buffer.speech_started":
		return []Event{{Kind: KindSpeechStarted}}

	case "input_audio_buffer.speech_stopped":
		return []Event{{Kind: KindSpeechStopped}}

	case "conversation.item.input_audio_transcription.delta":
		if d := root.Get("delta").String(); d != "" {
			return []Event{{Kind: KindInputTranscript, Text: d}}
		}
		return nil

	case "conversation.item.input_audio_transcription.completed":
		return []Event{{Kind: KindInputTranscript, Text: root.Get("transcript").String(), Final: true}}

	default:
		return nil
	}
}

func (t *Tracker) created(id string) []Event {
	if id == "" {
		return nil
	}
	if t.active != "" && t.active != id {
		slog.Debug("reply: response superseded", "old", t.active, "new", id)
		delete(t.text, t.active)
	}
	// A new response ends the suppression of every cancelled one; their
	// late frames no longer match the active id.
	clear(t.suppressed)
	t.active = id
	return []Event{{Kind: KindCreated, ResponseID: id}}
}

// accept decides whether a delta tagged with id belongs to the active
// response. Untagged deltas are attributed to the active response. A
// response is active only between its creation and its completion, so
// deltas outside that window are dropped.
func (t *Tracker) accept(id string) (string, bool) {
	if t.active == "" {
		return "", false
	}
	if id == "" {
		id = t.active
	}
	if id != t.active {
		return "", false
	}
	return id, true
}

func (t *Tracker) builder(id string) *strings.Builder {
	b, ok := t.text[id]
	if !ok {
		b = &strings.Builder{}
		t.text[id] = b
	}
	return b
}

func (t *Tracker) done(resp gjson.Result) []Event {
	id := resp.Get("id").String()
	if id == "" {
		id = t.active
	}
	if _, ok := t.suppressed[id]; ok {
		return nil
	}
	if t.active == "" || id != t.active {
		delete(t.text, id)
		return nil
	}

	var text string
	if b, ok := t.text[id]; ok {
		text = b.String()
	}
	delete(t.text, id)
	t.active = ""

	switch status := resp.Get("status").String(); status {
	case "failed", "cancelled", "incomplete":
		reason := resp.Get("status_details.error.message").String()
		if reason == "" {
			reason = resp.Get("status_details.reason").String()
		}
		if reason == "" {
			reason = status
		}
		return []Event{failed(id, reason)}
	default:
		return []Event{{Kind: KindCompleted, Text: text, ResponseID: id}}
	}
}

func (t *Tracker) failure(e gjson.Result) []Event {
	if e.Get("code").String() == cancelNotActive {
		return nil
	}
	id := t.active
	if id != "" {
		delete(t.text, id)
		t.active = ""
	}
	return []Event{failed(id, errorMessage(e))}
}
