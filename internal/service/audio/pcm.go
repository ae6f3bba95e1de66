package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// SampleRate is the fixed rate of both directions of the assistant channel.
	SampleRate = 24000
	// BlockSize is the number of samples per outbound frame.
	BlockSize = 4096
)

var ErrOddPayload = errors.New("pcm16 payload has odd length")

// EncodePCM16 converts normalized samples to little-endian signed 16-bit PCM.
// Values outside [-1, 1] are clipped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		var q int16
		if v < 0 {
			q = int16(math.Round(v * 0x8000))
		} else {
			q = int16(math.Round(v * 0x7fff))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(q))
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM to normalized samples in [-1, 1).
func DecodePCM16(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, ErrOddPayload
	}
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768.0
	}
	return out, nil
}

// EncodeFloat32 renders samples as little-endian IEEE floats, the format the playback device reads.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DecodeFloat32 is the inverse of EncodeFloat32; trailing partial samples are dropped.
func DecodeFloat32(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Duration returns how long samples take to play at SampleRate, in nanoseconds.
func Duration(samples int) int64 {
	return int64(samples) * 1e9 / SampleRate
}
