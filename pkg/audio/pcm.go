// Package audio converts captured float samples into the 16 kHz mono PCM16
// frames the transcription service expects.
package audio

import (
	"encoding/binary"
	"math"
)

// SampleToPCM16 maps a float sample in [-1,1] to a signed 16-bit value as
// round(clamp(x,-1,1) * 32767). NaN maps to silence.
func SampleToPCM16(x float32) int16 {
	v := float64(x)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}

// ToPCM16 converts a block of float samples to PCM16.
func ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, x := range samples {
		out[i] = SampleToPCM16(x)
	}
	return out
}

// RMS is sqrt(mean(x^2)) over the block, clamped to [0,1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, x := range samples {
		v := float64(x)
		if math.IsNaN(v) {
			continue
		}
		sum += v * v
	}
	return clampUnit(math.Sqrt(sum / float64(len(samples))))
}

// RMS16 computes the same level over PCM16 samples, for sources that only
// deliver integer audio.
func RMS16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return clampUnit(math.Sqrt(sum / float64(len(samples))))
}

// EncodePCM16LE renders samples as little-endian bytes with no framing.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}

// DecodePCM16LE is the inverse of EncodePCM16LE. A trailing odd byte is ignored.
func DecodePCM16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
