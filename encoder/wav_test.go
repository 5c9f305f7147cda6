package encoder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVHeader(t *testing.T) {
	samples := []int16{100, 200, -100, -200, 0}
	data, err := EncodeWAV(samples, SampleRate)
	require.NoError(t, err)

	require.Greater(t, len(data), wavHeaderSize)
	assert.Equal(t, []byte("RIFF"), data[0:4])
	assert.Equal(t, []byte("WAVE"), data[8:12])
	assert.Equal(t, []byte("data"), data[36:40])

	dataSize := binary.LittleEndian.Uint32(data[40:44])
	assert.Equal(t, uint32(len(samples)*2), dataSize)

	rate := binary.LittleEndian.Uint32(data[24:28])
	assert.Equal(t, uint32(SampleRate), rate)
}

func TestEncodeWAVInvalidRate(t *testing.T) {
	_, err := EncodeWAV([]int16{1}, 0)
	assert.Error(t, err)
}

func TestWAVRoundTrip(t *testing.T) {
	samples := make([]int16, 16000+123) // just over a second, odd tail
	for i := range samples {
		samples[i] = int16((i*37)%65536 - 32768)
	}

	data, err := EncodeWAV(samples, SampleRate)
	require.NoError(t, err)

	decoded, rate, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, rate)
	assert.Equal(t, samples, decoded)
}

func TestWAVRoundTripEmpty(t *testing.T) {
	data, err := EncodeWAV(nil, SampleRate)
	require.NoError(t, err)
	assert.Len(t, data, wavHeaderSize)
}

func TestWavEncoderBlocks(t *testing.T) {
	enc := NewWav()

	first := make([]int16, BlockSize)
	second := make([]int16, BlockSize/2)
	for i := range first {
		first[i] = int16(i % 1000)
	}
	for i := range second {
		second[i] = int16(-i % 1000)
	}

	require.NoError(t, enc.EncodeBlock(first))
	require.NoError(t, enc.EncodeBlock(second))
	require.NoError(t, enc.Close())

	assert.Equal(t, uint64(len(first)+len(second)), enc.TotalFrames())

	decoded, _, err := DecodeWAV(enc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, append(append([]int16{}, first...), second...), decoded)
}

func TestWavEncoderRejectsAfterClose(t *testing.T) {
	enc := NewWav()
	require.NoError(t, enc.Close())
	assert.Error(t, enc.EncodeBlock([]int16{1}))
}

func TestNewEncoder(t *testing.T) {
	for _, format := range []string{"wav", "flac"} {
		t.Run(format, func(t *testing.T) {
			enc, err := New(format)
			require.NoError(t, err)
			require.NotNil(t, enc)
		})
	}
	t.Run("unknown", func(t *testing.T) {
		_, err := New("ogg")
		assert.Error(t, err)
	})
}
