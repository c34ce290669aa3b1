package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/faiface/beep/wav"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
// [EncodeWAV].
const WAVHeaderSize = 44

// wavFormatPCM is the WAVE_FORMAT tag written by [EncodeWAV].
const wavFormatPCM = 1

// EncodeWAV wraps PCM16 little-endian audio in a 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	const bps = 16
	byteRate := f.SampleRate * f.Channels * bps / 8
	blockAlign := f.Channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV decodes a RIFF/WAVE container holding 8-, 16- or 24-bit PCM and
// returns its samples as PCM16 together with their format. Files with more
// than two channels keep the first two.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	stream, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: wav: %w", err)
	}
	defer stream.Close()

	if format.SampleRate <= 0 {
		return nil, Format{}, fmt.Errorf("audio: wav: sample rate %d: %w", format.SampleRate, ErrUnsupportedFormat)
	}
	channels := streamChannels(format.NumChannels)
	samples, err := drain(stream, channels, wavGain(format.Precision))
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: wav: %w", err)
	}
	f := Format{SampleRate: int(format.SampleRate), Channels: channels}
	return encodeSamples(samples, EncodingInt16), f, nil
}

// wavGain rescales samples from beep's WAV decoder, which divides 16- and
// 24-bit samples by the unsigned range, back to full scale.
func wavGain(precision int) float64 {
	switch precision {
	case 2:
		return float64(1<<16-1) / float64(1<<15-1)
	case 3:
		return float64(1<<24-1) / float64(1<<23-1)
	default:
		return 1
	}
}

// WriteWAVFile writes PCM16 audio to path as a WAV file.
func WriteWAVFile(path string, pcm []byte, f Format) error {
	if err := os.WriteFile(path, EncodeWAV(pcm, f), 0o644); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	return nil
}
