package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
)

// Runner is implemented by components with a running state, such as the
// capture gateway.
type Runner interface {
	Running() bool
}

// Prober is implemented by components with a heartbeat, such as the turn
// controller.
type Prober interface {
	Alive(maxAge time.Duration) error
}

// BreakerReporter is implemented by the provider fallback groups.
type BreakerReporter interface {
	Health() []resilience.EntryHealth
}

// Running fails while r is not running.
func Running(name string, r Runner) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !r.Running() {
			return errors.New("not running")
		}
		return nil
	}}
}

// Alive fails when p has not shown a heartbeat within maxAge.
func Alive(name string, p Prober, maxAge time.Duration) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		return p.Alive(maxAge)
	}}
}

// Breakers fails when every circuit breaker of b is open.
func Breakers(name string, b BreakerReporter) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		entries := b.Health()
		open := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.State != resilience.StateOpen {
				return nil
			}
			open = append(open, e.Name)
		}
		if len(open) == 0 {
			return nil
		}
		return fmt.Errorf("all providers unavailable: %s", strings.Join(open, ", "))
	}}
}
