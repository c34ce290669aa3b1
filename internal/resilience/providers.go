package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/reply"
)

// group is embedded by the typed fallbacks to share registration and health.
type group[T any] struct {
	fg *FallbackGroup[T]
}

// AddFallback registers p to be tried after every provider added before it.
func (g group[T]) AddFallback(name string, p T) { g.fg.AddFallback(name, p) }

// Health returns the breaker state of every provider in order.
func (g group[T]) Health() []EntryHealth { return g.fg.Health() }

// ── Chat ─────────────────────────────────────────────────────────────────────

// ChatFallback is a [chat.Provider] that fails over between chat backends.
type ChatFallback struct{ group[chat.Provider] }

var _ chat.Provider = (*ChatFallback)(nil)

// NewChatFallback returns a [ChatFallback] that prefers primary.
func NewChatFallback(primary chat.Provider, name string, cfg FallbackConfig) *ChatFallback {
	return &ChatFallback{group[chat.Provider]{NewFallbackGroup(primary, name, cfg)}}
}

// Stream posts the utterance to the first provider that accepts it. Only the
// request setup fails over; a reply that breaks mid-stream ends the turn.
func (f *ChatFallback) Stream(ctx context.Context, req chat.Request) (reply.Source, error) {
	return ExecuteWithResult(f.fg, func(p chat.Provider) (reply.Source, error) {
		return p.Stream(ctx, req)
	})
}

// ── Recognition ──────────────────────────────────────────────────────────────

// STTFallback is an [stt.Provider] that fails over between recognizers when a
// stream cannot be opened.
type STTFallback struct{ group[stt.Provider] }

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] that prefers primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group[stt.Provider]{NewFallbackGroup(primary, name, cfg)}}
}

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.fg, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// ── Synthesis ────────────────────────────────────────────────────────────────

// TTSFallback is a [tts.Provider] that fails over between synthesizers.
type TTSFallback struct {
	group[tts.Provider]
	primary tts.Provider
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a [TTSFallback] that prefers primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:   group[tts.Provider]{NewFallbackGroup(primary, name, cfg)},
		primary: primary,
	}
}

// Synthesize renders text with the first provider that succeeds. Voice IDs
// mean nothing across vendors, so only the primary receives voice; the others
// use their configured default.
func (f *TTSFallback) Synthesize(ctx context.Context, text, voice string) (*tts.Speech, error) {
	return ExecuteWithResult(f.fg, func(p tts.Provider) (*tts.Speech, error) {
		if p != f.primary {
			return p.Synthesize(ctx, text, "")
		}
		return p.Synthesize(ctx, text, voice)
	})
}
