package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list, which may belong to a provider
// registered by an embedding application.
var ValidProviderNames = map[string][]string{
	"chat": {"openai"},
	"s2s":  {"openai"},
	"stt":  {"deepgram"},
	"tts":  {"openai", "elevenlabs"},
	"vad":  {"silero", "energy"},
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = BackendMalgo
	}
	if a.BatchMs == 0 {
		a.BatchMs = toMs(capture.DefaultBatch)
	}
	if a.StartupGraceMs == 0 {
		a.StartupGraceMs = toMs(capture.DefaultStartupGrace)
	}
	if a.PrebufferMs == 0 {
		a.PrebufferMs = toMs(playback.DefaultPrebuffer)
	}

	c := &cfg.Conversation
	if c.Mode == "" {
		c.Mode = ModeBuffered
	}
	if c.HistoryTurns == 0 {
		c.HistoryTurns = engine.DefaultHistoryTurns
	}

	d := turn.DefaultTuning()
	t := &cfg.Tuning
	setF := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	setMs := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setF(&t.SpeechThreshold, d.SpeechThreshold)
	setF(&t.SilenceThreshold, d.SilenceThreshold)
	setF(&t.RMSFloor, d.RMSFloor)
	setMs(&t.SpeechDwellMs, toMs(d.SpeechDwell))
	setMs(&t.SilenceMs, toMs(d.SilenceDuration))
	setMs(&t.StagnationMs, toMs(d.StagnationWindow))
	setMs(&t.NoTextTimeoutMs, toMs(d.NoTextTimeout))
	setMs(&t.MinUtteranceMs, toMs(d.MinUtterance))
	setMs(&t.MaxUtteranceMs, toMs(d.MaxUtterance))
	setMs(&t.PreRollMs, toMs(d.PreRoll))
	setMs(&t.BargeInCooldownMs, toMs(d.BargeInCooldown))
	setMs(&t.BargeInPlaybackGraceMs, toMs(d.BargeInPlaybackGrace))
	setMs(&t.BargeInMinNewWords, d.BargeInMinNewWords)
	setMs(&t.BargeInDwellMs, toMs(d.BargeInDwell))
	setMs(&t.PlaybackStallTimeoutMs, toMs(d.PlaybackStallTimeout))
}

// Load reads the YAML file at path and returns a validated [Config] with
// defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults and validates the
// result. Unknown keys are rejected. An empty document yields [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem found in cfg, joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	a := cfg.Audio
	if a.Backend != BackendMalgo && a.Backend != BackendMock {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: malgo, mock", a.Backend))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.sample_rate", a.SampleRate},
		{"audio.period_ms", a.PeriodMs},
		{"audio.startup_grace_ms", a.StartupGraceMs},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.v))
		}
	}
	if a.BatchMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.batch_ms must be positive, got %d", a.BatchMs))
	}
	if a.PrebufferMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.prebuffer_ms must be positive, got %d", a.PrebufferMs))
	}

	c := cfg.Conversation
	switch {
	case !c.Mode.IsValid():
		errs = append(errs, fmt.Errorf("conversation.mode %q is invalid; valid values: buffered, realtime", c.Mode))
	case c.Mode == ModeBuffered && cfg.Providers.Chat.Name == "":
		errs = append(errs, errors.New("conversation.mode buffered requires providers.chat"))
	case c.Mode == ModeRealtime && cfg.Providers.S2S.Name == "":
		errs = append(errs, errors.New("conversation.mode realtime requires providers.s2s"))
	}
	if c.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_turns must not be negative, got %d", c.HistoryTurns))
	}

	if err := cfg.Tuning.Turn().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tuning: %w", err))
	}

	p := cfg.Providers
	validateProviderName("chat", p.Chat.Name)
	validateProviderName("s2s", p.S2S.Name)
	validateProviderName("stt", p.STT.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("vad", p.VAD.Name)
	for i, fb := range p.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("tts", fb.Name)
	}
	if len(p.TTSFallbacks) > 0 && p.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks requires providers.tts"))
	}
	if c.Mode == ModeBuffered && p.TTS.Name == "" {
		slog.Warn("no fallback tts provider configured; replies without audio will stay silent")
	}

	return errors.Join(errs...)
}

// validateProviderName warns when name is set but not a built-in provider.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
