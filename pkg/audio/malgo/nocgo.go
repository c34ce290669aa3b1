//go:build !cgo

package malgo

import (
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// Config controls how devices are opened.
type Config struct {
	SampleRate int
	PeriodMs   int
	Int16      bool
}

// ErrNoCgo is returned by [NewContext] in builds without cgo.
var ErrNoCgo = errors.New("malgo: hardware audio requires a cgo build")

// Context is unavailable without cgo.
type Context struct{}

var _ audio.Backend = (*Context)(nil)

// NewContext always fails without cgo.
func NewContext(Config) (*Context, error) { return nil, ErrNoCgo }

func (*Context) OpenInput(string) (audio.InputDevice, error)   { return nil, ErrNoCgo }
func (*Context) OpenOutput(string) (audio.OutputDevice, error) { return nil, ErrNoCgo }
func (*Context) Close() error                                  { return nil }
