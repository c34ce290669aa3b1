// Command parley runs the hands-free full-duplex voice loop against the
// local microphone and speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/malgo"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/chat"
	oachat "github.com/MrWong99/parley/pkg/provider/chat/openai"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	oais2s "github.com/MrWong99/parley/pkg/provider/s2s/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/parley/pkg/provider/tts/openai"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
	"github.com/MrWong99/parley/pkg/provider/vad/silero"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	recordDir := flag.String("record", "", "write every accepted utterance as a WAV file into this directory")
	listVoices := flag.Bool("voices", false, "list the voices of the configured tts provider and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	if *recordDir != "" {
		cfg.Audio.RecordDir = *recordDir
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Conversation.Mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listVoices {
		if err := printVoices(ctx, reg, cfg.Providers.TTS); err != nil {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("listening, speak any time; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}

	stats := application.Controller().Stats()
	slog.Info("goodbye",
		"turns", stats.Turns,
		"discarded", stats.Discarded,
		"barge_ins", stats.BargeIns,
		"stale_dropped", stats.Stale,
	)
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from its implementation package.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── Chat (buffered mode) ──────────────────────────────────────────────────

	reg.RegisterChat("openai", func(entry config.ProviderEntry) (chat.Provider, error) {
		var opts []oachat.Option
		if entry.BaseURL != "" {
			opts = append(opts, oachat.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, oachat.WithOrganization(org))
		}
		if cfg.Conversation.Voice != "" {
			opts = append(opts, oachat.WithVoice(cfg.Conversation.Voice))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oachat.WithMaxRetries(n))
		}
		if n, ok := optInt(entry.Options, "timeout_ms"); ok {
			opts = append(opts, oachat.WithTimeout(time.Duration(n)*time.Millisecond))
		}
		return oachat.New(entry.APIKey, entry.Model, opts...)
	})

	// ── S2S (realtime mode) ───────────────────────────────────────────────────

	reg.RegisterS2S("openai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.Option("language", cfg.Conversation.Language); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms, ok := optInt(entry.Options, "endpointing_ms"); ok {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if v := entry.Option("voice", ""); v != "" {
			opts = append(opts, oatts.WithVoice(v))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := entry.Option("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if v := entry.Option("voice", ""); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []silero.Option
		if lib := entry.Option("shared_library", ""); lib != "" {
			opts = append(opts, silero.WithSharedLibrary(lib))
		}
		return silero.New(entry.Model, opts...)
	})

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		floor, okFloor := optFloat(entry.Options, "floor_db")
		ceiling, okCeiling := optFloat(entry.Options, "ceiling_db")
		if okFloor && okCeiling {
			opts = append(opts, energy.WithRange(floor, ceiling))
		}
		return energy.New(opts...)
	})

	// ── Audio backends ────────────────────────────────────────────────────────

	reg.RegisterAudio(config.BackendMalgo, func(config.ProviderEntry) (audio.Backend, error) {
		return malgo.NewContext(malgo.Config{
			SampleRate: cfg.Audio.SampleRate,
			PeriodMs:   cfg.Audio.PeriodMs,
		})
	})

	// The mock backend opens silent wire-format devices whose buffers play
	// out instantly. Useful for exercising a config without hardware.
	reg.RegisterAudio(config.BackendMock, func(config.ProviderEntry) (audio.Backend, error) {
		format := audio.DeviceFormat{Format: audio.WireFormat, Encoding: audio.EncodingInt16}
		return &audiomock.Backend{
			Input:  &audiomock.InputDevice{FormatResult: format},
			Output: &audiomock.OutputDevice{FormatResult: format, AutoComplete: true},
		}, nil
	})

	for _, kind := range []string{"chat", "s2s", "stt", "tts", "vad", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Chat, recognizer and synthesis providers are wrapped in circuit-breaking
// fallback groups so readiness reflects their health.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	pc := cfg.Providers
	fb := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{Kind: kind, Metrics: observe.DefaultMetrics()}
	}

	if name := pc.Chat.Name; name != "" {
		p, err := reg.CreateChat(pc.Chat)
		if err != nil {
			return nil, err
		}
		ps.Chat = resilience.NewChatFallback(p, name, fb("chat"))
		slog.Info("provider created", "kind", "chat", "name", name, "model", pc.Chat.Model)
	}

	if name := pc.S2S.Name; name != "" {
		p, err := reg.CreateS2S(pc.S2S)
		if err != nil {
			return nil, err
		}
		ps.S2S = p
		slog.Info("provider created", "kind", "s2s", "name", name, "model", pc.S2S.Model)
	}

	if name := pc.STT.Name; name != "" {
		p, err := reg.CreateSTT(pc.STT)
		if err != nil {
			return nil, err
		}
		ps.STT = resilience.NewSTTFallback(p, name, fb("stt"))
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := pc.TTS.Name; name != "" {
		p, err := reg.CreateTTS(pc.TTS)
		if err != nil {
			return nil, err
		}
		group := resilience.NewTTSFallback(p, name, fb("tts"))
		for _, entry := range pc.TTSFallbacks {
			fp, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, err
			}
			group.AddFallback(entry.Name, fp)
			slog.Info("provider created", "kind", "tts_fallback", "name", entry.Name)
		}
		ps.TTS = group
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := pc.VAD.Name; name != "" {
		p, err := reg.CreateVAD(pc.VAD)
		if err != nil {
			return nil, err
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	backend, err := reg.CreateAudio(config.ProviderEntry{Name: cfg.Audio.Backend})
	if err != nil {
		return nil, err
	}
	ps.Audio = backend
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Backend)

	return ps, nil
}

// voiceLister is implemented by synthesis providers that can enumerate voices.
type voiceLister interface {
	ListVoices(ctx context.Context) ([]tts.VoiceProfile, error)
}

func printVoices(ctx context.Context, reg *config.Registry, entry config.ProviderEntry) error {
	if entry.Name == "" {
		return errors.New("providers.tts is not configured")
	}
	p, err := reg.CreateTTS(entry)
	if err != nil {
		return err
	}
	vl, ok := p.(voiceLister)
	if !ok {
		return fmt.Errorf("tts provider %q cannot list voices", entry.Name)
	}
	voices, err := vl.ListVoices(ctx)
	if err != nil {
		return err
	}
	for _, v := range voices {
		fmt.Printf("%-24s %s\n", v.ID, v.Name)
	}
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a numeric value from a provider Options map. YAML decodes
// numbers as int or float64; numeric strings are accepted too.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func optInt(opts map[string]any, key string) (int, bool) {
	f, ok := optFloat(opts, key)
	return int(f), ok
}
