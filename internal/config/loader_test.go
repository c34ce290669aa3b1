package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
audio:
  backend: mock
  batch_ms: 60
  prebuffer_ms: 200
  hard_reset: true
  capture_device: "USB Mic"
conversation:
  mode: realtime
  auto_resume: true
  instructions: "Be brief."
  voice: verse
  language: de-DE
tuning:
  speech_threshold: 0.6
  silence_ms: 1000
  acoustic_barge_in: true
providers:
  s2s:
    name: openai
    api_key: sk-test
    model: gpt-4o-realtime-preview
  stt:
    name: deepgram
    options:
      endpointing_ms: 300
  tts:
    name: openai
  tts_fallbacks:
    - name: elevenlabs
      options:
        voice: rachel
  vad:
    name: energy
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.Batch() != 60*time.Millisecond || !cfg.Audio.HardReset || cfg.Audio.CaptureDevice != "USB Mic" {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.StartupGrace() != 300*time.Millisecond {
		t.Errorf("StartupGrace = %s, want default 300ms", cfg.Audio.StartupGrace())
	}
	if cfg.Conversation.Mode != config.ModeRealtime || !cfg.Conversation.AutoResume || cfg.Conversation.Voice != "verse" {
		t.Errorf("conversation = %+v", cfg.Conversation)
	}
	tun := cfg.Tuning.Turn()
	if tun.SpeechThreshold != 0.6 || tun.SilenceDuration != time.Second || !tun.AcousticBargeIn {
		t.Errorf("tuning = %+v", tun)
	}
	if cfg.Providers.S2S.APIKey != "sk-test" {
		t.Errorf("s2s = %+v", cfg.Providers.S2S)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].Option("voice", "") != "rachel" {
		t.Errorf("tts_fallbacks = %+v", cfg.Providers.TTSFallbacks)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("conversation:\n  push_to_talk: true\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
	if !strings.Contains(err.Error(), "push_to_talk") {
		t.Errorf("error %q does not name the field", err)
	}
}

func TestLoadFromReader_EmptyNeedsProvider(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "providers.chat") {
		t.Fatalf("err = %v, want missing chat provider", err)
	}
}

func TestLoadFromReader_MinimalBuffered(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  chat:\n    name: openai\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Conversation.Mode != config.ModeBuffered {
		t.Errorf("Mode = %q", cfg.Conversation.Mode)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("stt = %+v", cfg.Providers.STT)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conversation.Mode != config.ModeBuffered || cfg.Providers.Chat.Name != "openai" {
		t.Errorf("conversation = %+v, chat = %+v", cfg.Conversation, cfg.Providers.Chat)
	}
	if got := cfg.Tuning.Turn(); got.SilenceDuration != 800*time.Millisecond {
		t.Errorf("silence = %s, want 800ms", got.SilenceDuration)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].Name != "elevenlabs" {
		t.Errorf("tts fallbacks = %+v", cfg.Providers.TTSFallbacks)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: open") {
		t.Fatalf("err = %v, want open error", err)
	}
}
