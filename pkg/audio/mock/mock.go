// Package mock provides in-memory implementations of [audio.InputDevice],
// [audio.OutputDevice] and [audio.Backend] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{FormatResult: audio.DeviceFormat{Format: audio.WireFormat}}
//	out := &mock.OutputDevice{FormatResult: audio.DeviceFormat{Format: audio.WireFormat}}
//	// ... hand the devices to capture.New / playback.New ...
//	in.Emit(pcm)        // simulate a hardware buffer
//	out.CompleteAll()   // simulate the render path draining
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// FormatResult is returned by [InputDevice.Format].
	FormatResult audio.DeviceFormat

	// StartError is returned by [InputDevice.Start].
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onData func([]byte)
}

var _ audio.InputDevice = (*InputDevice)(nil)

// Format implements [audio.InputDevice].
func (d *InputDevice) Format() audio.DeviceFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.FormatResult
}

// Start implements [audio.InputDevice]. The callback is kept until Stop.
func (d *InputDevice) Start(onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	d.onData = onData
	return nil
}

// Stop implements [audio.InputDevice].
func (d *InputDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.onData = nil
	return nil
}

// Close implements [audio.InputDevice].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.onData = nil
	return nil
}

// Running reports whether a data callback is installed.
func (d *InputDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onData != nil
}

// Emit delivers buf to the installed callback as the hardware thread would.
// It reports false when the device is not started.
func (d *InputDevice) Emit(buf []byte) bool {
	d.mu.Lock()
	cb := d.onData
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(buf)
	return true
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [OutputDevice.Schedule] call.
type ScheduleCall struct {
	// Data is a copy of the scheduled buffer.
	Data []byte
}

type scheduled struct {
	data []byte
	done func()
}

// OutputDevice is a mock implementation of [audio.OutputDevice]. Scheduled
// buffers stay pending until the test completes them with [OutputDevice.Complete]
// or [OutputDevice.CompleteAll], unless AutoComplete is set.
type OutputDevice struct {
	mu sync.Mutex

	// FormatResult is returned by [OutputDevice.Format].
	FormatResult audio.DeviceFormat

	// StartErrors is consumed one entry per Start call; a nil entry or an
	// exhausted slice means success.
	StartErrors []error

	// ScheduleError is returned by [OutputDevice.Schedule] when non-nil.
	ScheduleError error

	// AutoComplete invokes each completion callback synchronously from
	// Schedule.
	AutoComplete bool

	// IgnoreReset keeps buffers pending across Reset and Stop, simulating a
	// render path that still delivers late completion callbacks.
	IgnoreReset bool

	// ScheduleCalls records every successful Schedule call in order.
	ScheduleCalls []ScheduleCall

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	running bool
	pending []scheduled
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// errNotRunning is returned by Schedule when the device was never started.
var errNotRunning = errors.New("mock: output device not running")

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.DeviceFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.FormatResult
}

// Start implements [audio.OutputDevice].
func (d *OutputDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if len(d.StartErrors) > 0 {
		err := d.StartErrors[0]
		d.StartErrors = d.StartErrors[1:]
		if err != nil {
			return err
		}
	}
	d.running = true
	return nil
}

// Stop implements [audio.OutputDevice]. Pending buffers are discarded.
func (d *OutputDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.running = false
	if !d.IgnoreReset {
		d.pending = nil
	}
	return nil
}

// Running implements [audio.OutputDevice].
func (d *OutputDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// SetRunning simulates the render path stopping behind the caller's back,
// for example after a route change.
func (d *OutputDevice) SetRunning(running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = running
}

// SetFormat changes the format reported by Format, simulating a render path
// that was re-created with a different native format.
func (d *OutputDevice) SetFormat(f audio.DeviceFormat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FormatResult = f
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(buf []byte, done func()) error {
	d.mu.Lock()
	if d.ScheduleError != nil {
		err := d.ScheduleError
		d.mu.Unlock()
		return err
	}
	if !d.running {
		d.mu.Unlock()
		return errNotRunning
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{Data: cp})
	auto := d.AutoComplete
	if !auto {
		d.pending = append(d.pending, scheduled{data: cp, done: done})
	}
	d.mu.Unlock()

	if auto && done != nil {
		done()
	}
	return nil
}

// Reset implements [audio.OutputDevice].
func (d *OutputDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountReset++
	if !d.IgnoreReset {
		d.pending = nil
	}
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.running = false
	d.pending = nil
	return nil
}

// Pending returns the number of scheduled buffers not yet completed.
func (d *OutputDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Complete invokes the completion callbacks of the n oldest pending
// buffers, outside the device lock. It returns how many were completed.
func (d *OutputDevice) Complete(n int) int {
	d.mu.Lock()
	n = min(n, len(d.pending))
	batch := d.pending[:n:n]
	d.pending = d.pending[n:]
	d.mu.Unlock()

	for _, s := range batch {
		if s.done != nil {
			s.done()
		}
	}
	return n
}

// CompleteAll completes every pending buffer.
func (d *OutputDevice) CompleteAll() int {
	return d.Complete(int(^uint(0) >> 1))
}

// Scheduled returns a copy of every buffer scheduled so far.
func (d *OutputDevice) Scheduled() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// Input is returned by [Backend.OpenInput].
	Input *InputDevice

	// Output is returned by [Backend.OpenOutput].
	Output *OutputDevice

	// OpenInputError is returned by [Backend.OpenInput] when non-nil.
	OpenInputError error

	// OpenOutputError is returned by [Backend.OpenOutput] when non-nil.
	OpenOutputError error

	// OpenedIDs records the device ids requested, in order.
	OpenedIDs []string

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.Backend = (*Backend)(nil)

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(id string) (audio.InputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenedIDs = append(b.OpenedIDs, id)
	if b.OpenInputError != nil {
		return nil, b.OpenInputError
	}
	return b.Input, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(id string) (audio.OutputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenedIDs = append(b.OpenedIDs, id)
	if b.OpenOutputError != nil {
		return nil, b.OpenOutputError
	}
	return b.Output, nil
}

// Close implements [audio.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return nil
}
