package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// maxDeviceChannels bounds the channel count accepted from a device.
const maxDeviceChannels = 8

// FormatConverter converts between a hardware [DeviceFormat] and a PCM16
// target [Format] (normally [WireFormat]). Convert runs in the capture
// direction and ConvertWire in the render direction.
//
// The result of a conversion never aliases its input. Create one per stream;
// the one-time warnings are the only shared state.
type FormatConverter struct {
	src DeviceFormat
	dst Format

	warnedCorrupt     sync.Once
	warnedWireCorrupt sync.Once
}

// NewFormatConverter returns a converter between src and dst. It fails with
// an error wrapping [ErrUnsupportedFormat] when either side cannot be handled.
func NewFormatConverter(src DeviceFormat, dst Format) (*FormatConverter, error) {
	switch {
	case src.Encoding.BytesPerSample() == 0:
		return nil, fmt.Errorf("audio: converter: sample encoding %s: %w", src.Encoding, ErrUnsupportedFormat)
	case src.SampleRate <= 0:
		return nil, fmt.Errorf("audio: converter: device sample rate %d: %w", src.SampleRate, ErrUnsupportedFormat)
	case src.Channels < 1 || src.Channels > maxDeviceChannels:
		return nil, fmt.Errorf("audio: converter: device channels %d: %w", src.Channels, ErrUnsupportedFormat)
	case dst.SampleRate <= 0:
		return nil, fmt.Errorf("audio: converter: target sample rate %d: %w", dst.SampleRate, ErrUnsupportedFormat)
	case dst.Channels != 1 && dst.Channels != 2:
		return nil, fmt.Errorf("audio: converter: target channels %d: %w", dst.Channels, ErrUnsupportedFormat)
	}
	if src.Format != dst || src.Encoding != EncodingInt16 {
		slog.Debug("audio format converter created",
			"device", src.String(),
			"target", dst.String(),
		)
	}
	return &FormatConverter{src: src, dst: dst}, nil
}

// Source returns the device side of the converter.
func (c *FormatConverter) Source() DeviceFormat { return c.src }

// Target returns the PCM16 side of the converter.
func (c *FormatConverter) Target() Format { return c.dst }

// Convert turns a native device buffer into PCM16 in the target format.
// Conversion order: decode, downmix, resample, encode. A trailing partial
// device frame is dropped with a one-time warning.
func (c *FormatConverter) Convert(raw []byte) []byte {
	fb := c.src.FrameBytes()
	if rem := len(raw) % fb; rem != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: unaligned device buffer, dropping trailing bytes",
				"bytes", len(raw),
				"format", c.src.String(),
			)
		})
		raw = raw[:len(raw)-rem]
	}
	if len(raw) == 0 {
		return nil
	}

	if c.src.Encoding == EncodingInt16 && c.src.Channels <= 2 {
		return c.convertInt16(raw)
	}

	samples := decodeSamples(raw, c.src.Encoding)
	samples = remix(samples, c.src.Channels, c.dst.Channels)
	samples = resampleLinear(samples, c.dst.Channels, c.src.SampleRate, c.dst.SampleRate)
	return encodeSamples(samples, EncodingInt16)
}

// convertInt16 handles the common mono/stereo PCM16 devices with the
// integer helpers below. Resample first, so stereo input headed for a mono
// target is only resampled once per frame pair.
func (c *FormatConverter) convertInt16(raw []byte) []byte {
	if c.src.Format == c.dst {
		return bytes.Clone(raw)
	}
	pcm := raw
	if c.src.SampleRate != c.dst.SampleRate {
		if c.src.Channels == 1 {
			pcm = ResampleMono16(pcm, c.src.SampleRate, c.dst.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, c.src.SampleRate, c.dst.SampleRate)
		}
	}
	switch {
	case c.src.Channels == 1 && c.dst.Channels == 2:
		pcm = MonoToStereo(pcm)
	case c.src.Channels == 2 && c.dst.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// ConvertWire turns PCM16 in the target format into the native device
// format, for scheduling on an [OutputDevice].
func (c *FormatConverter) ConvertWire(pcm16 []byte) []byte {
	fb := 2 * c.dst.Channels
	if rem := len(pcm16) % fb; rem != 0 {
		c.warnedWireCorrupt.Do(func() {
			slog.Warn("audio format converter: unaligned wire chunk, dropping trailing bytes",
				"bytes", len(pcm16),
				"format", c.dst.String(),
			)
		})
		pcm16 = pcm16[:len(pcm16)-rem]
	}
	if len(pcm16) == 0 {
		return nil
	}
	if c.src.Encoding == EncodingInt16 && c.src.Format == c.dst {
		return bytes.Clone(pcm16)
	}
	samples := decodeSamples(pcm16, EncodingInt16)
	samples = resampleLinear(samples, c.dst.Channels, c.dst.SampleRate, c.src.SampleRate)
	samples = remix(samples, c.dst.Channels, c.src.Channels)
	return encodeSamples(samples, c.src.Encoding)
}

// OutputFrames estimates how many device frames wireBytes of target-format
// PCM16 expand to once converted with ConvertWire.
func (c *FormatConverter) OutputFrames(wireBytes int) int {
	in := wireBytes / (2 * c.dst.Channels)
	return int(int64(in) * int64(c.src.SampleRate) / int64(c.dst.SampleRate))
}

// ── Float sample path ────────────────────────────────────────────────────────

// decodeSamples decodes interleaved samples to float32 in [-1, 1].
func decodeSamples(raw []byte, enc SampleEncoding) []float32 {
	switch enc {
	case EncodingFloat32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	default:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
		}
		return out
	}
}

// encodeSamples encodes float32 samples, clamping to the valid range.
func encodeSamples(samples []float32, enc SampleEncoding) []byte {
	switch enc {
	case EncodingFloat32:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(clampUnit(s)))
		}
		return out
	default:
		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			v := int32(math.Round(float64(clampUnit(s)) * 32767))
			binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
		}
		return out
	}
}

func clampUnit(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	case s != s: // NaN
		return 0
	}
	return s
}

// remix maps interleaved samples from one channel count to another. Downmix
// to mono averages every channel; expansion copies channels cyclically.
func remix(in []float32, from, to int) []float32 {
	if from == to {
		return in
	}
	frames := len(in) / from
	out := make([]float32, frames*to)
	for f := range frames {
		src := in[f*from : f*from+from]
		dst := out[f*to : f*to+to]
		if to == 1 {
			var sum float32
			for _, s := range src {
				sum += s
			}
			dst[0] = sum / float32(from)
			continue
		}
		for ch := range dst {
			dst[ch] = src[ch%from]
		}
	}
	return out
}

// resampleLinear resamples interleaved float samples with linear
// interpolation, in the same manner as [ResampleMono16].
func resampleLinear(in []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(in) < channels {
		return in
	}
	srcFrames := len(in) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}
	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := in[idx*channels+ch]
			s1 := in[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// ── PCM16 helpers ────────────────────────────────────────────────────────────

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		// Left channel
		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		// Right channel
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz/stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", rate, ch)
}
