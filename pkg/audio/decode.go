package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
)

// Container identifies the encoding of a synthesized speech payload.
type Container int

const (
	// ContainerPCM16 is headerless mono PCM16 little-endian audio.
	ContainerPCM16 Container = iota

	// ContainerWAV is a RIFF/WAVE file.
	ContainerWAV

	// ContainerMP3 is an MPEG-1 layer III stream.
	ContainerMP3
)

// String returns the human-readable name of the container.
func (c Container) String() string {
	switch c {
	case ContainerPCM16:
		return "pcm16"
	case ContainerWAV:
		return "wav"
	case ContainerMP3:
		return "mp3"
	default:
		return fmt.Sprintf("container(%d)", int(c))
	}
}

// streamReadFrames is the number of stereo frames pulled from a beep decoder
// per read.
const streamReadFrames = 1024

// NormalizeSpeech decodes a synthesized speech payload and converts it to
// [WireFormat]. sampleRate is only consulted for [ContainerPCM16], whose
// payload carries no header; it is assumed to be mono.
func NormalizeSpeech(data []byte, c Container, sampleRate int) ([]byte, error) {
	var (
		pcm []byte
		f   Format
		err error
	)
	switch c {
	case ContainerPCM16:
		if sampleRate <= 0 {
			return nil, fmt.Errorf("audio: normalize speech: pcm16 sample rate %d: %w", sampleRate, ErrUnsupportedFormat)
		}
		pcm, f = data[:len(data)&^1], Format{SampleRate: sampleRate, Channels: 1}
	case ContainerWAV:
		pcm, f, err = DecodeWAV(data)
	case ContainerMP3:
		pcm, f, err = decodeMP3(data)
	default:
		return nil, fmt.Errorf("audio: normalize speech: %s: %w", c, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("audio: normalize speech: %w", err)
	}

	conv, err := NewFormatConverter(DeviceFormat{Format: f, Encoding: EncodingInt16}, WireFormat)
	if err != nil {
		return nil, fmt.Errorf("audio: normalize speech: %w", err)
	}
	return conv.Convert(pcm), nil
}

// decodeMP3 decodes an MP3 payload to interleaved PCM16.
func decodeMP3(data []byte) ([]byte, Format, error) {
	stream, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, Format{}, fmt.Errorf("mp3: %w", err)
	}
	defer stream.Close()

	channels := streamChannels(format.NumChannels)
	samples, err := drain(stream, channels, 1)
	if err != nil {
		return nil, Format{}, fmt.Errorf("mp3: %w", err)
	}
	f := Format{SampleRate: int(format.SampleRate), Channels: channels}
	return encodeSamples(samples, EncodingInt16), f, nil
}

// streamChannels maps a decoder's channel count onto the one or two channels
// a beep stream carries.
func streamChannels(n int) int {
	if n >= 2 {
		return 2
	}
	return 1
}

// drain reads s to its end and returns the samples interleaved for channels,
// each multiplied by gain. A stream that stops yielding frames ends the read
// even if it still reports more data.
func drain(s beep.Streamer, channels int, gain float64) ([]float32, error) {
	var samples []float32
	buf := make([][2]float64, streamReadFrames)
	for {
		n, ok := s.Stream(buf)
		for _, fr := range buf[:n] {
			if channels == 2 {
				samples = append(samples, float32(fr[0]*gain), float32(fr[1]*gain))
			} else {
				samples = append(samples, float32(fr[0]*gain))
			}
		}
		if !ok || n == 0 {
			break
		}
	}
	return samples, s.Err()
}
