package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/reply"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", ""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.voice != defaultVoice {
		t.Errorf("voice = %q, want %q", p.voice, defaultVoice)
	}
}

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	p, _ := New("key", "m", WithVoice("verse"))
	req := p.buildRequest(chat.Request{
		Instructions: "be brief",
		History: []chat.Message{
			{Role: chat.RoleUser, Text: "hi"},
			{Role: chat.RoleAssistant, Text: "hello"},
			{Role: chat.RoleAssistant, Text: ""},
			{Role: "narrator", Text: "odd"},
		},
		Audio: make([]byte, 480),
	})

	if !req.Stream {
		t.Error("stream not requested")
	}
	if req.Audio.Voice != "verse" || req.Audio.Format != "pcm16" {
		t.Errorf("audio = %+v", req.Audio)
	}
	wantRoles := []string{"system", "user", "assistant", "user", "user"}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(req.Messages), len(wantRoles))
	}
	for i, r := range wantRoles {
		if req.Messages[i].Role != r {
			t.Errorf("message %d role = %q, want %q", i, req.Messages[i].Role, r)
		}
	}

	parts, ok := req.Messages[len(req.Messages)-1].Content.([]contentPart)
	if !ok || len(parts) != 1 || parts[0].InputAudio == nil {
		t.Fatalf("last message content = %#v", req.Messages[len(req.Messages)-1].Content)
	}
	wav, err := base64.StdEncoding.DecodeString(parts[0].InputAudio.Data)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(wav) != 44+480 || string(wav[:4]) != "RIFF" {
		t.Errorf("wav length %d, header %q", len(wav), wav[:4])
	}
}

func TestBuildRequest_VoiceOverride(t *testing.T) {
	t.Parallel()
	p, _ := New("key", "m")
	req := p.buildRequest(chat.Request{Audio: []byte{0, 0}, Voice: "sage"})
	if req.Audio.Voice != "sage" {
		t.Errorf("voice = %q, want %q", req.Audio.Voice, "sage")
	}
}

func TestStream_SSE(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"audio\":{\"data\":\"AQACAA==\"}}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("test-key", "gpt-test", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src, err := p.Stream(context.Background(), chat.Request{Audio: make([]byte, 96)})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got []reply.Kind
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, ev.Kind)
	}
	want := []reply.Kind{reply.KindTextDelta, reply.KindAudioDelta, reply.KindCompleted}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kind[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	body := gjson.ParseBytes(gotBody)
	if body.Get("model").String() != "gpt-test" {
		t.Errorf("model = %q", body.Get("model").String())
	}
	if !body.Get("stream").Bool() {
		t.Error("stream flag missing")
	}
	if body.Get("modalities.1").String() != "audio" {
		t.Errorf("modalities = %s", body.Get("modalities").Raw)
	}
	if f := body.Get("messages.0.content.0.input_audio.format").String(); f != "wav" {
		t.Errorf("input_audio format = %q, want wav", f)
	}
}

func TestStream_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	p, _ := New("test-key", "m", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if _, err := p.Stream(context.Background(), chat.Request{Audio: []byte{0, 0}}); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestStream_EmptyUtterance(t *testing.T) {
	t.Parallel()
	p, _ := New("key", "m")
	if _, err := p.Stream(context.Background(), chat.Request{}); err == nil {
		t.Error("expected error for empty audio")
	}
}
