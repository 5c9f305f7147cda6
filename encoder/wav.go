package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/wav"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM data.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WavEncoder accumulates PCM blocks and produces one standalone WAV file
// with a correct duration header on Close.
type WavEncoder struct {
	samples     []int16
	totalFrames uint64
	data        []byte
	closed      bool
}

func NewWav() *WavEncoder {
	return &WavEncoder{}
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	if e.closed {
		return fmt.Errorf("wav encoder closed")
	}
	e.samples = append(e.samples, block...)
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *WavEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	data, err := EncodeWAV(e.samples, SampleRate)
	if err != nil {
		return err
	}
	e.data = data
	return nil
}

func (e *WavEncoder) Bytes() []byte { return e.data }

func (e *WavEncoder) TotalFrames() uint64 { return e.totalFrames }

// EncodeWAV encodes 16-bit mono PCM samples into a complete WAV file.
// A zero-length sample slice yields a valid header-only file so that an
// empty trailing chunk still round-trips.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * Channels * BitsPerSample / 8,
		BlockAlign:    Channels * BitsPerSample / 8,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+int(dataSize)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("writing wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("writing wav samples: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV parses a WAV file produced by EncodeWAV (or any 16-bit mono
// PCM WAV) back into samples.
func DecodeWAV(data []byte) ([]int16, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding wav: %w", err)
	}
	if dec.BitDepth != BitsPerSample {
		return nil, 0, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}
	if dec.NumChans != Channels {
		return nil, 0, fmt.Errorf("unsupported channel count %d", dec.NumChans)
	}
	samples := make([]int16, len(pcm.Data))
	for i, s := range pcm.Data {
		samples[i] = int16(s)
	}
	return samples, int(dec.SampleRate), nil
}
