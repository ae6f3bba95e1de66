package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePCM16(t *testing.T) {
	raw := []byte{0x00, 0x80, 0x00, 0x00, 0xff, 0x7f, 0x00, 0x40}
	samples, err := DecodePCM16(raw)
	require.NoError(t, err)
	require.Len(t, samples, 4)

	assert.Equal(t, float32(-1), samples[0])
	assert.Equal(t, float32(0), samples[1])
	assert.InDelta(t, 32767.0/32768.0, samples[2], 1e-9)
	assert.Equal(t, float32(0.5), samples[3])
}

func TestDecodePCM16OddLength(t *testing.T) {
	_, err := DecodePCM16([]byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrOddPayload)
}

func TestEncodePCM16ClipsAndScales(t *testing.T) {
	pcm := EncodePCM16([]float32{1, -1, 0, 2, -3})
	require.Len(t, pcm, 10)

	values := make([]int16, 5)
	for i := range values {
		values[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	assert.Equal(t, []int16{32767, -32768, 0, 32767, -32768}, values)
}

func TestPCM16RoundTripKeepsPrecision(t *testing.T) {
	in := []float32{0.25, -0.25, 0.125, -0.75}
	out, err := DecodePCM16(EncodePCM16(in))
	require.NoError(t, err)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1.0/32768)
	}
}

func TestFloat32Codec(t *testing.T) {
	in := []float32{0.5, -0.25, 1}
	raw := EncodeFloat32(in)
	require.Len(t, raw, 12)
	assert.Equal(t, in, DecodeFloat32(append(raw, 0x01)))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, int64(1e9), Duration(SampleRate))
	assert.Equal(t, int64(5e8), Duration(SampleRate/2))
}
