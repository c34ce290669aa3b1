package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/chat"
	chatmock "github.com/MrWong99/parley/pkg/provider/chat/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/reply"
	replymock "github.com/MrWong99/parley/pkg/reply/mock"
)

var errDown = errors.New("provider down")

func TestChatFallback_Stream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		primaryErr     error
		secondaryErr   error
		wantErr        error
		wantSecondCall int
	}{
		{name: "primary serves"},
		{name: "fails over", primaryErr: errDown, wantSecondCall: 1},
		{name: "all fail", primaryErr: errDown, secondaryErr: errDown, wantErr: ErrAllFailed, wantSecondCall: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := replymock.NewSource(reply.Event{Kind: reply.KindCompleted})
			primary := &chatmock.Provider{StreamErr: tt.primaryErr, Sources: []reply.Source{src}}
			secondary := &chatmock.Provider{StreamErr: tt.secondaryErr}
			fb := NewChatFallback(primary, "primary", FallbackConfig{})
			fb.AddFallback("secondary", secondary)

			got, err := fb.Stream(context.Background(), chat.Request{Audio: []byte{0, 0}})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Stream() error = %v, want %v", err, tt.wantErr)
			}
			if tt.primaryErr == nil && got != reply.Source(src) {
				t.Error("Stream() did not return the primary's source")
			}
			if secondary.CallCount() != tt.wantSecondCall {
				t.Errorf("secondary calls = %d, want %d", secondary.CallCount(), tt.wantSecondCall)
			}
		})
	}
}

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	cfg := stt.StreamConfig{SampleRate: 24000, Channels: 1, Language: "de"}

	t.Run("fails over", func(t *testing.T) {
		t.Parallel()
		primary := &sttmock.Provider{StartStreamErr: errDown}
		secondary := &sttmock.Provider{Session: sttmock.NewSession()}
		fb := NewSTTFallback(primary, "primary", FallbackConfig{})
		fb.AddFallback("secondary", secondary)

		h, err := fb.StartStream(context.Background(), cfg)
		if err != nil {
			t.Fatalf("StartStream() error = %v", err)
		}
		defer h.Close()
		if len(secondary.StartStreamCalls) != 1 || secondary.StartStreamCalls[0].Cfg != cfg {
			t.Errorf("secondary calls = %+v, want one with %+v", secondary.StartStreamCalls, cfg)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		t.Parallel()
		fb := NewSTTFallback(&sttmock.Provider{StartStreamErr: errDown}, "primary", FallbackConfig{})
		fb.AddFallback("secondary", &sttmock.Provider{StartStreamErr: errDown})
		if _, err := fb.StartStream(context.Background(), cfg); !errors.Is(err, ErrAllFailed) {
			t.Fatalf("StartStream() error = %v, want ErrAllFailed", err)
		}
		if got := len(fb.Health()); got != 2 {
			t.Errorf("Health() entries = %d, want 2", got)
		}
	})
}

func TestTTSFallback_VoiceOnlyForPrimary(t *testing.T) {
	t.Parallel()

	speech := &tts.Speech{Data: []byte("pcm"), Container: audio.ContainerPCM16, SampleRate: 24000}

	t.Run("primary serves", func(t *testing.T) {
		t.Parallel()
		primary := &ttsmock.Provider{SynthesizeResult: speech}
		fb := NewTTSFallback(primary, "primary", FallbackConfig{})
		fb.AddFallback("secondary", &ttsmock.Provider{})

		if _, err := fb.Synthesize(context.Background(), "hello", "v1"); err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if got := primary.Calls()[0].Voice; got != "v1" {
			t.Errorf("primary voice = %q, want v1", got)
		}
	})

	t.Run("primary failed", func(t *testing.T) {
		t.Parallel()
		secondary := &ttsmock.Provider{SynthesizeResult: speech}
		fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errDown}, "primary", FallbackConfig{})
		fb.AddFallback("secondary", secondary)

		got, err := fb.Synthesize(context.Background(), "hello", "v1")
		if err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if string(got.Data) != "pcm" {
			t.Errorf("data = %q, want pcm", got.Data)
		}
		if v := secondary.Calls()[0].Voice; v != "" {
			t.Errorf("secondary voice = %q, want provider default", v)
		}
	})

	t.Run("primary circuit open", func(t *testing.T) {
		t.Parallel()
		secondary := &ttsmock.Provider{SynthesizeResult: speech}
		fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errDown}, "primary", FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Hour},
		})
		fb.AddFallback("secondary", secondary)

		for range 2 {
			if _, err := fb.Synthesize(context.Background(), "hello", "v1"); err != nil {
				t.Fatalf("Synthesize() error = %v", err)
			}
		}
		for i, c := range secondary.Calls() {
			if c.Voice != "" {
				t.Errorf("secondary call %d voice = %q, want provider default", i, c.Voice)
			}
		}
	})
}

func TestTTSFallback_CanceledDoesNotFailOver(t *testing.T) {
	t.Parallel()

	secondary := &ttsmock.Provider{}
	fb := NewTTSFallback(&ttsmock.Provider{Block: make(chan struct{})}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fb.Synthesize(ctx, "hello", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("Synthesize() error = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary calls = %d after cancellation, want 0", secondary.CallCount())
	}
}
