//go:build !cgo

package silero

import (
	"errors"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrNoCgo is returned by [New] in builds without cgo.
var ErrNoCgo = errors.New("silero: onnx runtime requires a cgo build")

// Option configures an [Engine].
type Option func(*Engine)

// WithSharedLibrary is accepted for API compatibility and ignored.
func WithSharedLibrary(string) Option { return func(*Engine) {} }

// Engine is unavailable without cgo.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New always fails without cgo.
func New(string, ...Option) (*Engine, error) { return nil, ErrNoCgo }

// NewSession always fails without cgo.
func (*Engine) NewSession(vad.Config) (vad.SessionHandle, error) { return nil, ErrNoCgo }

// Close is a no-op.
func (*Engine) Close() error { return nil }
