package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
)

type runner bool

func (r runner) Running() bool { return bool(r) }

type prober struct{ err error }

func (p prober) Alive(time.Duration) error { return p.err }

type breakers []resilience.EntryHealth

func (b breakers) Health() []resilience.EntryHealth { return b }

func TestRunning(t *testing.T) {
	t.Parallel()

	if err := Running("capture", runner(true)).Check(context.Background()); err != nil {
		t.Errorf("running: %v", err)
	}
	if err := Running("capture", runner(false)).Check(context.Background()); err == nil {
		t.Error("stopped: nil error")
	}
}

func TestAlive(t *testing.T) {
	t.Parallel()

	stalled := errors.New("loop stalled")
	c := Alive("controller", prober{err: stalled}, time.Second)
	if c.Name != "controller" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); !errors.Is(err, stalled) {
		t.Errorf("Check = %v, want %v", err, stalled)
	}
}

func TestBreakers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries breakers
		wantErr bool
	}{
		{"none registered", nil, false},
		{"primary closed", breakers{{Name: "openai", State: resilience.StateClosed}}, false},
		{"fallback half open", breakers{
			{Name: "openai", State: resilience.StateOpen},
			{Name: "elevenlabs", State: resilience.StateHalfOpen},
		}, false},
		{"all open", breakers{
			{Name: "openai", State: resilience.StateOpen},
			{Name: "elevenlabs", State: resilience.StateOpen},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Breakers("tts", tt.entries).Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "openai, elevenlabs") {
				t.Errorf("error %q does not name the providers", err)
			}
		})
	}
}
