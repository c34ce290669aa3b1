// Package tts defines the Provider interface for text-to-speech backends.
//
// Synthesis is the fallback path of the voice engine: when a reply completes
// with text but without audio, the text is synthesised in one request and the
// result is normalised to wire format before playback. Providers therefore
// return a whole utterance rather than a stream.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
)

// Speech is a synthesised utterance in the provider's native encoding.
type Speech struct {
	// Data is the encoded audio.
	Data []byte

	// Container describes how Data is encoded.
	Container audio.Container

	// SampleRate is the rate of raw PCM16 data. Containers that carry their
	// own header ignore it.
	SampleRate int
}

// PCM returns the speech as mono PCM16 at the wire sample rate.
func (s *Speech) PCM() ([]byte, error) {
	return audio.NormalizeSpeech(s.Data, s.Container, s.SampleRate)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice. An empty voice selects
	// the provider default. Returns an error if the request fails or ctx is
	// cancelled.
	Synthesize(ctx context.Context, text, voice string) (*Speech, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
