// Package mock provides a test double for chat.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/reply"
	replymock "github.com/MrWong99/parley/pkg/reply/mock"
)

// Provider is a mock implementation of chat.Provider.
type Provider struct {
	mu sync.Mutex

	// Sources are returned one per Stream call. When exhausted, Stream
	// returns a source that completes immediately.
	Sources []reply.Source

	// StreamErr, if non-nil, is returned by Stream.
	StreamErr error

	calls []chat.Request
}

var _ chat.Provider = (*Provider)(nil)

// Stream records req and returns the next scripted source.
func (p *Provider) Stream(_ context.Context, req chat.Request) (reply.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	if len(p.Sources) > 0 {
		src := p.Sources[0]
		p.Sources = p.Sources[1:]
		return src, nil
	}
	return replymock.NewSource(reply.Event{Kind: reply.KindCompleted}), nil
}

// Calls returns a copy of all recorded requests.
func (p *Provider) Calls() []chat.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chat.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Stream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
