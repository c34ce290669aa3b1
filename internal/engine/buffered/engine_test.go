package buffered_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/engine/buffered"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/chat"
	chatmock "github.com/MrWong99/parley/pkg/provider/chat/mock"
	"github.com/MrWong99/parley/pkg/reply"
	replymock "github.com/MrWong99/parley/pkg/reply/mock"
)

func frame(b ...byte) audio.AudioFrame {
	return audio.AudioFrame{Data: b, SampleRate: audio.WireSampleRate, Channels: audio.WireChannels}
}

func TestRespond_UploadsBufferedUtterance(t *testing.T) {
	t.Parallel()
	src := replymock.NewSource(reply.Event{Kind: reply.KindCompleted})
	p := &chatmock.Provider{Sources: []reply.Source{src}}
	e := buffered.New(p, buffered.WithInstructions("be brief"), buffered.WithVoice("verse"))
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_ = e.Append(ctx, frame(1, 2))
	_ = e.Append(ctx, frame(3, 4))
	e.Remember("earlier question", "earlier answer")

	got, err := e.Respond(ctx, engine.Request{Turn: 1})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != src {
		t.Error("Respond did not return the provider's source")
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Stream calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if string(req.Audio) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("Audio = %v, want [1 2 3 4]", req.Audio)
	}
	if req.Instructions != "be brief" || req.Voice != "verse" {
		t.Errorf("Instructions/Voice = %q/%q", req.Instructions, req.Voice)
	}
	if len(req.History) != 2 || req.History[0].Role != chat.RoleUser {
		t.Errorf("History = %+v, want one exchange", req.History)
	}

	// The buffer is cleared by Respond.
	if _, err := e.Respond(ctx, engine.Request{Turn: 2}); !errors.Is(err, engine.ErrEmptyUtterance) {
		t.Errorf("second Respond err = %v, want ErrEmptyUtterance", err)
	}
}

func TestDiscard_SendsNothing(t *testing.T) {
	t.Parallel()
	p := &chatmock.Provider{}
	e := buffered.New(p)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_ = e.Append(ctx, frame(1, 2, 3, 4))
	if err := e.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := e.Respond(ctx, engine.Request{Turn: 1}); !errors.Is(err, engine.ErrEmptyUtterance) {
		t.Errorf("Respond err = %v, want ErrEmptyUtterance", err)
	}
	if n := p.CallCount(); n != 0 {
		t.Errorf("Stream calls = %d, want 0", n)
	}
}

func TestRespond_ProviderError(t *testing.T) {
	t.Parallel()
	boom := errors.New("http 500")
	e := buffered.New(&chatmock.Provider{StreamErr: boom})
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_ = e.Append(ctx, frame(1, 2))
	if _, err := e.Respond(ctx, engine.Request{Turn: 1}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped provider error", err)
	}
}

func TestAppend_MaxUtterance(t *testing.T) {
	t.Parallel()
	p := &chatmock.Provider{}
	e := buffered.New(p, buffered.WithMaxUtterance(4))
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_ = e.Append(ctx, frame(1, 2))
	_ = e.Append(ctx, frame(3, 4))
	_ = e.Append(ctx, frame(5, 6))
	if _, err := e.Respond(ctx, engine.Request{Turn: 1}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := p.Calls()[0].Audio; len(got) != 4 {
		t.Errorf("uploaded %d bytes, want 4", len(got))
	}
}

func TestCancel_ClosesSource(t *testing.T) {
	t.Parallel()
	src := &replymock.Source{Hold: make(chan struct{})}
	e := buffered.New(&chatmock.Provider{Sources: []reply.Source{src}})
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_ = e.Append(ctx, frame(1, 2))
	if _, err := e.Respond(ctx, engine.Request{Turn: 1}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := e.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !src.Closed() {
		t.Error("source not closed by Cancel")
	}
}

func TestRecordDir_WritesWAV(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "rec")
	e := buffered.New(&chatmock.Provider{}, buffered.WithRecordDir(dir))
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	pcm := make([]byte, 480)
	_ = e.Append(ctx, audio.AudioFrame{Data: pcm, SampleRate: audio.WireSampleRate, Channels: 1})
	if _, err := e.Respond(ctx, engine.Request{Turn: 7}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "utterance-0001-turn-7.wav"))
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	got, f, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != audio.WireFormat || len(got) != len(pcm) {
		t.Errorf("recording = %d bytes %s, want %d bytes %s", len(got), f, len(pcm), audio.WireFormat)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	e := buffered.New(&chatmock.Provider{})
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-e.Transcripts(); ok {
		t.Error("Transcripts channel still open after Close")
	}
	if err := e.Append(context.Background(), frame(1, 2)); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
}
