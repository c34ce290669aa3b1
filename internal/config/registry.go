package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name → constructor table of one provider kind.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (f factories[T]) names() []string {
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry maps provider names to constructors for each provider kind.
// Registering a name twice replaces the earlier factory. A Registry is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	chat  factories[chat.Provider]
	s2s   factories[s2s.Provider]
	stt   factories[stt.Provider]
	tts   factories[tts.Provider]
	vad   factories[vad.Engine]
	audio factories[audio.Backend]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		chat:  newFactories[chat.Provider]("chat"),
		s2s:   newFactories[s2s.Provider]("s2s"),
		stt:   newFactories[stt.Provider]("stt"),
		tts:   newFactories[tts.Provider]("tts"),
		vad:   newFactories[vad.Engine]("vad"),
		audio: newFactories[audio.Backend]("audio"),
	}
}

func register[T any](r *Registry, f factories[T], name string, factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.m[name] = factory
}

// create looks up the factory under the read lock and runs it without the
// lock, so factories may block on the network.
func create[T any](r *Registry, f factories[T], entry ProviderEntry) (T, error) {
	var zero T
	r.mu.RLock()
	factory, ok := f.m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return zero, fmt.Errorf("config: create %s/%q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// RegisterChat registers a chat provider factory under name.
func (r *Registry) RegisterChat(name string, f Factory[chat.Provider]) { register(r, r.chat, name, f) }

// RegisterS2S registers a realtime provider factory under name.
func (r *Registry) RegisterS2S(name string, f Factory[s2s.Provider]) { register(r, r.s2s, name, f) }

// RegisterSTT registers a live transcription factory under name.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) { register(r, r.stt, name, f) }

// RegisterTTS registers a synthesis factory under name.
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { register(r, r.tts, name, f) }

// RegisterVAD registers a voice activity scorer factory under name.
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine]) { register(r, r.vad, name, f) }

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, f Factory[audio.Backend]) {
	register(r, r.audio, name, f)
}

// CreateChat builds the chat provider named by entry.
func (r *Registry) CreateChat(entry ProviderEntry) (chat.Provider, error) {
	return create(r, r.chat, entry)
}

// CreateS2S builds the realtime provider named by entry.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	return create(r, r.s2s, entry)
}

// CreateSTT builds the live transcription provider named by entry.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, entry)
}

// CreateTTS builds the synthesis provider named by entry.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, entry)
}

// CreateVAD builds the voice activity scorer named by entry.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, entry)
}

// CreateAudio builds the audio backend named by entry.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Backend, error) {
	return create(r, r.audio, entry)
}

// Names returns the registered names of kind ("chat", "s2s", "stt", "tts",
// "vad" or "audio"), sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "chat":
		return r.chat.names()
	case "s2s":
		return r.s2s.names()
	case "stt":
		return r.stt.names()
	case "tts":
		return r.tts.names()
	case "vad":
		return r.vad.names()
	case "audio":
		return r.audio.names()
	}
	return nil
}
