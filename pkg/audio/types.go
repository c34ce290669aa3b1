package audio

import (
	"errors"
	"fmt"
	"time"
)

// Wire format used between the capture path, the reply services and the
// playback path: mono signed 16-bit little-endian PCM at 24 kHz.
const (
	WireSampleRate = 24000
	WireChannels   = 1
)

// WireFormat is the [Format] of every frame exchanged with the remote service.
var WireFormat = Format{SampleRate: WireSampleRate, Channels: WireChannels}

// ErrUnsupportedFormat is returned when a device format cannot be converted
// to or from the wire format.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a compact representation such as "24000Hz/mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// BytesPerSecond returns the PCM16 byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// SampleEncoding identifies how a hardware device lays out a single sample.
type SampleEncoding int

const (
	// EncodingInt16 is signed 16-bit little-endian PCM.
	EncodingInt16 SampleEncoding = iota

	// EncodingFloat32 is IEEE-754 32-bit little-endian float in [-1, 1].
	EncodingFloat32
)

// String returns the human-readable name of the encoding.
func (e SampleEncoding) String() string {
	switch e {
	case EncodingInt16:
		return "s16le"
	case EncodingFloat32:
		return "f32le"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// BytesPerSample returns the width of one sample, or 0 for unknown encodings.
func (e SampleEncoding) BytesPerSample() int {
	switch e {
	case EncodingInt16:
		return 2
	case EncodingFloat32:
		return 4
	default:
		return 0
	}
}

// DeviceFormat is the native format reported by a hardware device.
type DeviceFormat struct {
	Format
	Encoding SampleEncoding
}

// String returns e.g. "48000Hz/stereo/f32le".
func (f DeviceFormat) String() string {
	return f.Format.String() + "/" + f.Encoding.String()
}

// FrameBytes returns the number of bytes in one interleaved device frame.
func (f DeviceFormat) FrameBytes() int {
	return f.Channels * f.Encoding.BytesPerSample()
}

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are copied out of hardware buffers before they leave the capture path
// and are never shared mutably between stages.
type AudioFrame struct {
	// PCM16 little-endian audio data.
	Data []byte

	// SampleRate in Hz (24000 for wire frames).
	SampleRate int

	// Channels: 1 for wire frames.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames in the frame.
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	return Duration(len(f.Data), Format{SampleRate: f.SampleRate, Channels: f.Channels})
}

// Duration returns how long n bytes of PCM16 audio in format f play for.
func Duration(n int, f Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the PCM16 byte count covering d in format f, rounded down
// to a whole frame.
func BytesFor(d time.Duration, f Format) int {
	frame := 2 * f.Channels
	if frame <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return n * frame
}
