// Package config provides the configuration schema, loader and provider
// registry of the parley voice engine.
package config

import (
	"time"

	"github.com/MrWong99/parley/internal/turn"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects how utterances reach the conversational service.
type Mode string

const (
	// ModeBuffered uploads each accepted utterance in one streaming chat
	// request.
	ModeBuffered Mode = "buffered"

	// ModeRealtime streams audio into a persistent realtime socket session.
	ModeRealtime Mode = "realtime"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeBuffered || m == ModeRealtime
}

// Audio backends.
const (
	BackendMalgo = "malgo"
	BackendMock  = "mock"
)

// Config is the root configuration, usually loaded with [Load].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Audio        AudioConfig        `yaml:"audio"`
	Conversation ConversationConfig `yaml:"conversation"`
	Tuning       TuningConfig       `yaml:"tuning"`
	Providers    ProvidersConfig    `yaml:"providers"`
}

// ServerConfig holds the diagnostics HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables the
	// server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects and tunes the audio hardware path.
type AudioConfig struct {
	// Backend is "malgo" for real devices or "mock" for a silent loopback.
	Backend string `yaml:"backend"`

	// SampleRate requests a hardware rate. Zero uses the device default.
	SampleRate int `yaml:"sample_rate"`

	// PeriodMs is the hardware callback period.
	PeriodMs int `yaml:"period_ms"`

	// BatchMs is the duration of each outbound frame.
	BatchMs int `yaml:"batch_ms"`

	// StartupGraceMs discards audio right after capture starts.
	StartupGraceMs int `yaml:"startup_grace_ms"`

	// PrebufferMs is the playback jitter buffer threshold.
	PrebufferMs int `yaml:"prebuffer_ms"`

	// HardReset recreates the render path between turns.
	HardReset bool `yaml:"hard_reset"`

	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`

	// RecordDir, when set, receives a WAV file per accepted utterance.
	RecordDir string `yaml:"record_dir"`
}

// Batch returns BatchMs as a duration.
func (a AudioConfig) Batch() time.Duration { return ms(a.BatchMs) }

// StartupGrace returns StartupGraceMs as a duration.
func (a AudioConfig) StartupGrace() time.Duration { return ms(a.StartupGraceMs) }

// Prebuffer returns PrebufferMs as a duration.
func (a AudioConfig) Prebuffer() time.Duration { return ms(a.PrebufferMs) }

// ConversationConfig describes the dialogue itself.
type ConversationConfig struct {
	Mode Mode `yaml:"mode"`

	// AutoResume listens again as soon as a reply has played.
	AutoResume bool `yaml:"auto_resume"`

	// Instructions is the system prompt sent with every request or session.
	Instructions string `yaml:"instructions"`

	// Voice is the reply voice of the conversational service and the
	// fallback synthesizer.
	Voice string `yaml:"voice"`

	// HistoryTurns bounds the exchanges sent with buffered requests.
	HistoryTurns int `yaml:"history_turns"`

	// Language is the BCP-47 tag passed to live transcription.
	Language string `yaml:"language"`

	// TranscriptionModel enables server-side input transcription in
	// realtime mode.
	TranscriptionModel string `yaml:"transcription_model"`
}

// TuningConfig is the YAML form of [turn.Tuning]. Durations are in
// milliseconds; zero values take the defaults.
type TuningConfig struct {
	SpeechThreshold        float64 `yaml:"speech_threshold"`
	SilenceThreshold       float64 `yaml:"silence_threshold"`
	RMSFloor               float64 `yaml:"rms_floor"`
	SpeechDwellMs          int     `yaml:"speech_dwell_ms"`
	SilenceMs              int     `yaml:"silence_ms"`
	StagnationMs           int     `yaml:"stagnation_ms"`
	NoTextTimeoutMs        int     `yaml:"no_text_timeout_ms"`
	MinUtteranceMs         int     `yaml:"min_utterance_ms"`
	MaxUtteranceMs         int     `yaml:"max_utterance_ms"`
	PreRollMs              int     `yaml:"pre_roll_ms"`
	BargeInCooldownMs      int     `yaml:"barge_in_cooldown_ms"`
	BargeInPlaybackGraceMs int     `yaml:"barge_in_playback_grace_ms"`
	BargeInMinNewWords     int     `yaml:"barge_in_min_new_words"`
	AcousticBargeIn        bool    `yaml:"acoustic_barge_in"`
	BargeInDwellMs         int     `yaml:"barge_in_dwell_ms"`
	PlaybackStallTimeoutMs int     `yaml:"playback_stall_timeout_ms"`
}

// Turn converts the configuration to a [turn.Tuning].
func (t TuningConfig) Turn() turn.Tuning {
	return turn.Tuning{
		SpeechThreshold:      t.SpeechThreshold,
		SilenceThreshold:     t.SilenceThreshold,
		RMSFloor:             t.RMSFloor,
		SpeechDwell:          ms(t.SpeechDwellMs),
		SilenceDuration:      ms(t.SilenceMs),
		StagnationWindow:     ms(t.StagnationMs),
		NoTextTimeout:        ms(t.NoTextTimeoutMs),
		MinUtterance:         ms(t.MinUtteranceMs),
		MaxUtterance:         ms(t.MaxUtteranceMs),
		PreRoll:              ms(t.PreRollMs),
		BargeInCooldown:      ms(t.BargeInCooldownMs),
		BargeInPlaybackGrace: ms(t.BargeInPlaybackGraceMs),
		BargeInMinNewWords:   t.BargeInMinNewWords,
		AcousticBargeIn:      t.AcousticBargeIn,
		BargeInDwell:         ms(t.BargeInDwellMs),
		PlaybackStallTimeout: ms(t.PlaybackStallTimeoutMs),
	}
}

// ProvidersConfig names the provider implementation for each role. Each
// entry is looked up in the [Registry] by name.
type ProvidersConfig struct {
	// Chat answers buffered uploads.
	Chat ProviderEntry `yaml:"chat"`

	// S2S serves realtime sessions.
	S2S ProviderEntry `yaml:"s2s"`

	// STT provides live transcription. Optional.
	STT ProviderEntry `yaml:"stt"`

	// TTS speaks replies that arrive without audio. Optional.
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallbacks are tried in order when TTS fails.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`

	// VAD scores speech probability. Optional; RMS is used without it.
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation, e.g. "openai".
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`
}

// Option returns the string option key, or def when unset.
func (e ProviderEntry) Option(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func toMs(d time.Duration) int { return int(d / time.Millisecond) }
