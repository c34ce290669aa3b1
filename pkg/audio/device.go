// Package audio defines the audio types, hardware device abstractions and
// format conversion used by the capture and playback paths.
//
// The two device abstractions are:
//
//   - [InputDevice]: a microphone tap delivering native-format buffers on the
//     hardware thread.
//   - [OutputDevice]: a render path accepting scheduled native-format buffers
//     with a completion callback per buffer.
//
// Implementations live in backend packages (audio/malgo for real hardware,
// audio/mock for tests).
//
// This package lives under pkg/ because external code is expected to provide
// additional backends.
package audio

// InputDevice is a capture endpoint.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Format returns the native format of the buffers handed to the data
	// callback. It is valid before Start is called.
	Format() DeviceFormat

	// Start installs onData as the data callback and starts the device.
	// onData is invoked on the hardware thread; it must not block and must
	// not retain buf after returning.
	Start(onData func(buf []byte)) error

	// Stop stops the device and removes the callback. Safe to call more than
	// once.
	Stop() error

	// Close releases the device. The device cannot be restarted afterwards.
	Close() error
}

// OutputDevice is a render endpoint.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Format returns the native format expected by Schedule. It may change
	// when Start re-creates a render path torn down by Stop.
	Format() DeviceFormat

	// Start starts (or restarts) the render path. Starting a running device
	// is a no-op.
	Start() error

	// Stop stops the render path. Buffers still scheduled are discarded
	// without invoking their completion callbacks.
	Stop() error

	// Running reports whether the render path is currently started.
	Running() bool

	// Schedule queues buf for rendering after any previously scheduled
	// buffers. done, if non-nil, is invoked exactly once when the last byte of
	// buf has been rendered. done is never invoked while the device holds an
	// internal lock, so it may call back into the device.
	Schedule(buf []byte, done func()) error

	// Reset discards every scheduled buffer without invoking their completion
	// callbacks. The device keeps running.
	Reset()

	// Close releases the device.
	Close() error
}

// Backend opens hardware devices. One backend usually wraps one native
// audio context.
type Backend interface {
	// OpenInput opens the capture device named id, or the system default
	// when id is empty.
	OpenInput(id string) (InputDevice, error)

	// OpenOutput opens the render device named id, or the system default
	// when id is empty.
	OpenOutput(id string) (OutputDevice, error)

	// Close releases the native context.
	Close() error
}
