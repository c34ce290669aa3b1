package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square level of PCM16 little-endian samples,
// normalised to [0, 1]. An empty or single-byte buffer has level 0.
func RMS(pcm16 []byte) float64 {
	n := len(pcm16) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm16[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DBFS converts a normalised RMS level to decibels relative to full scale.
// Silence maps to -120 dBFS.
func DBFS(rms float64) float64 {
	if rms <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(rms)
}

// Float32Samples decodes PCM16 little-endian samples to float32 in [-1, 1].
func Float32Samples(pcm16 []byte) []float32 {
	return decodeSamples(pcm16[:len(pcm16)&^1], EncodingInt16)
}
