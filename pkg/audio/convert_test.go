package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// floatsToBytes converts float32 samples to little-endian bytes.
func floatsToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func bytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func assertSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	stereo := audio.MonoToStereo(samplesToBytes([]int16{7, -7, 300}))
	assertSamples(t, bytesToSamples(stereo), []int16{7, 7, -7, -7, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	mono := audio.StereoToMono(samplesToBytes([]int16{100, 300, -32768, -32768}))
	assertSamples(t, bytesToSamples(mono), []int16{200, -32768})
}

func TestResampleMono16_Rates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		src, dst int
		wantLen  int
	}{
		{name: "same rate", in: []int16{1, 2, 3}, src: 24000, dst: 24000, wantLen: 3},
		{name: "upsample 3x", in: []int16{1000, 2000}, src: 16000, dst: 48000, wantLen: 6},
		{name: "downsample 24k to 16k", in: make([]int16, 480), src: 24000, dst: 16000, wantLen: 320},
		{name: "zero source rate", in: []int16{1, 2}, src: 0, dst: 16000, wantLen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := audio.ResampleMono16(samplesToBytes(tt.in), tt.src, tt.dst)
			if got := len(out) / 2; got != tt.wantLen {
				t.Errorf("got %d samples, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestNewFormatConverter_Unsupported(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  audio.DeviceFormat
		dst  audio.Format
	}{
		{
			name: "unknown encoding",
			src:  audio.DeviceFormat{Format: audio.Format{SampleRate: 48000, Channels: 1}, Encoding: audio.SampleEncoding(9)},
			dst:  audio.WireFormat,
		},
		{
			name: "zero rate",
			src:  audio.DeviceFormat{Format: audio.Format{SampleRate: 0, Channels: 1}},
			dst:  audio.WireFormat,
		},
		{
			name: "no channels",
			src:  audio.DeviceFormat{Format: audio.Format{SampleRate: 48000, Channels: 0}},
			dst:  audio.WireFormat,
		},
		{
			name: "more device channels than supported",
			src:  audio.DeviceFormat{Format: audio.Format{SampleRate: 48000, Channels: 9}},
			dst:  audio.WireFormat,
		},
		{
			name: "surround target",
			src:  audio.DeviceFormat{Format: audio.Format{SampleRate: 48000, Channels: 2}},
			dst:  audio.Format{SampleRate: 48000, Channels: 6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.NewFormatConverter(tt.src, tt.dst)
			if !errors.Is(err, audio.ErrUnsupportedFormat) {
				t.Errorf("err = %v, want ErrUnsupportedFormat", err)
			}
		})
	}
}

func TestFormatConverter_Convert_Identity(t *testing.T) {
	t.Parallel()
	conv, err := audio.NewFormatConverter(audio.DeviceFormat{Format: audio.WireFormat}, audio.WireFormat)
	if err != nil {
		t.Fatalf("NewFormatConverter: %v", err)
	}
	raw := samplesToBytes([]int16{1, 2, 3, 4})
	out := conv.Convert(raw)
	assertSamples(t, bytesToSamples(out), []int16{1, 2, 3, 4})
	if &out[0] == &raw[0] {
		t.Error("Convert must not alias its input")
	}
}

func TestFormatConverter_Convert_StereoFloat48k(t *testing.T) {
	t.Parallel()
	src := audio.DeviceFormat{Format: audio.Format{SampleRate: 48000, Channels: 2}, Encoding: audio.EncodingFloat32}
	conv, err := audio.NewFormatConverter(src, audio.WireFormat)
	if err != nil {
		t.Fatalf("NewFormatConverter: %v", err)
	}

	// 10 ms of a constant half-scale signal on both channels.
	in := make([]float32, 480*2)
	for i := range in {
		in[i] = 0.5
	}
	out := bytesToSamples(conv.Convert(floatsToBytes(in)))
	if len(out) != 240 {
		t.Fatalf("got %d wire samples, want 240", len(out))
	}
	for i, s := range out {
		if s < 16300 || s > 16400 {
			t.Fatalf("sample %d = %d, want about 16384", i, s)
		}
	}
}

func TestFormatConverter_Convert_UnalignedTail(t *testing.T) {
	t.Parallel()
	src := audio.DeviceFormat{Format: audio.Format{SampleRate: 24000, Channels: 2}, Encoding: audio.EncodingInt16}
	conv, err := audio.NewFormatConverter(src, audio.WireFormat)
	if err != nil {
		t.Fatalf("NewFormatConverter: %v", err)
	}
	raw := append(samplesToBytes([]int16{100, 300}), 0xFF, 0x01)
	assertSamples(t, bytesToSamples(conv.Convert(raw)), []int16{200})

	if out := conv.Convert([]byte{1, 2, 3}); len(out) != 0 {
		t.Errorf("expected no output for a partial frame, got %d bytes", len(out))
	}
}

func TestFormatConverter_ConvertWire_ToStereoFloat(t *testing.T) {
	t.Parallel()
	dev := audio.DeviceFormat{Format: audio.Format{SampleRate: 48000, Channels: 2}, Encoding: audio.EncodingFloat32}
	conv, err := audio.NewFormatConverter(dev, audio.WireFormat)
	if err != nil {
		t.Fatalf("NewFormatConverter: %v", err)
	}
	wire := samplesToBytes(make([]int16, 240)) // 10 ms at 24 kHz
	out := bytesToFloats(conv.ConvertWire(wire))
	if len(out) != 480*2 {
		t.Fatalf("got %d float samples, want %d", len(out), 480*2)
	}
	if got := conv.OutputFrames(len(wire)); got != 480 {
		t.Errorf("OutputFrames = %d, want 480", got)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	full := samplesToBytes([]int16{-32768, -32768, -32768})
	if got := audio.RMS(full); math.Abs(got-1) > 1e-9 {
		t.Errorf("RMS(full scale) = %v, want 1", got)
	}
	half := samplesToBytes([]int16{16384, -16384})
	if got := audio.RMS(half); math.Abs(got-0.5) > 1e-3 {
		t.Errorf("RMS(half scale) = %v, want 0.5", got)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	if got := audio.Duration(4800, audio.WireFormat); got.Milliseconds() != 100 {
		t.Errorf("Duration(4800) = %v, want 100ms", got)
	}
	if got := audio.BytesFor(40e6, audio.WireFormat); got != 1920 {
		t.Errorf("BytesFor(40ms) = %d, want 1920", got)
	}
}
