package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

// ---- Synthesis ----

func TestSynthesize_PCM(t *testing.T) {
	var got synthesisRequest
	var gotPath, gotFormat, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFormat = r.URL.Query().Get("output_format")
		gotKey = r.Header.Get("xi-api-key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte{1, 0, 2, 0})
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL), WithVoice("default-voice"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	speech, err := p.Synthesize(context.Background(), "Hello there", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if gotPath != "/v1/text-to-speech/default-voice" {
		t.Errorf("path = %q", gotPath)
	}
	if gotFormat != "pcm_24000" {
		t.Errorf("output_format = %q, want pcm_24000", gotFormat)
	}
	if gotKey != "key" {
		t.Errorf("xi-api-key = %q", gotKey)
	}
	if got.Text != "Hello there" || got.ModelID != defaultModel {
		t.Errorf("request = %+v", got)
	}
	if got.VoiceSettings == nil || got.VoiceSettings.SimilarityBoost != 0.75 {
		t.Errorf("voice settings = %+v", got.VoiceSettings)
	}
	if speech.Container != audio.ContainerPCM16 || speech.SampleRate != 24000 {
		t.Errorf("speech = %v @ %d", speech.Container, speech.SampleRate)
	}
	if len(speech.Data) != 4 {
		t.Errorf("data length = %d, want 4", len(speech.Data))
	}
}

func TestSynthesize_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), "hi", "v")
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error %q does not quote the body", err)
	}
}

func TestSynthesize_RequiresVoiceAndText(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "hi", ""); err == nil {
		t.Error("expected error without voice")
	}
	if _, err := p.Synthesize(context.Background(), "   ", "v"); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in       string
		want     audio.Container
		wantRate int
		wantErr  bool
	}{
		{in: "pcm_16000", want: audio.ContainerPCM16, wantRate: 16000},
		{in: "pcm_24000", want: audio.ContainerPCM16, wantRate: 24000},
		{in: "mp3_44100_128", want: audio.ContainerMP3, wantRate: 44100},
		{in: "ulaw_8000", wantErr: true},
		{in: "pcm", wantErr: true},
		{in: "pcm_fast", wantErr: true},
	}
	for _, tt := range tests {
		c, rate, err := parseOutputFormat(tt.in)
		if tt.wantErr {
			if !errors.Is(err, audio.ErrUnsupportedFormat) {
				t.Errorf("%s: err = %v, want ErrUnsupportedFormat", tt.in, err)
			}
			continue
		}
		if err != nil || c != tt.want || rate != tt.wantRate {
			t.Errorf("%s: got %v %d %v", tt.in, c, rate, err)
		}
	}
}

func TestListVoices_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"a","name":"A"}]}`))
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL+"/"))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "a" {
		t.Errorf("voices = %+v", voices)
	}
}

// ---- Voice list response parsing ----

func TestParseVoicesResponse_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Provider != "elevenlabs" {
		t.Errorf("expected Provider 'elevenlabs', got %q", rachel.Provider)
	}
	if rachel.Metadata["gender"] != "female" {
		t.Errorf("expected gender 'female', got %q", rachel.Metadata["gender"])
	}
	if rachel.Metadata["category"] != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Metadata["category"])
	}

	adam := profiles[1]
	if adam.ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", adam.ID)
	}
}

func TestParseVoicesResponse_Empty(t *testing.T) {
	raw := []byte(`{"voices":[]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected 0 profiles, got %d", len(profiles))
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	_, err := parseVoicesResponse([]byte(`{invalid`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseVoicesResponse_NoLabels(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
		]
	}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	// category is empty, so it should not appear in metadata.
	if _, ok := profiles[0].Metadata["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_16000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_16000" || p.sampleRate != 16000 {
		t.Errorf("expected outputFormat 'pcm_16000' at 16000 Hz, got %q at %d", p.outputFormat, p.sampleRate)
	}
}

func TestNew_UnsupportedOutputFormat(t *testing.T) {
	if _, err := New("key", WithOutputFormat("opus_48000_64")); err == nil {
		t.Error("expected error for unsupported output format")
	}
}
