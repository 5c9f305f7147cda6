package audio

import (
	"encoding/binary"
	"math"
)

// Resampler converts mono PCM from a fixed input rate to a fixed output
// rate by linear interpolation. State (the fractional read position and
// the last input sample) is carried between calls so that buffer
// boundaries do not introduce discontinuities.
type Resampler struct {
	inRate  uint32
	outRate uint32

	pos  float64 // read position relative to prev
	prev int16
	primed bool
}

func NewResampler(inRate, outRate uint32) *Resampler {
	return &Resampler{inRate: inRate, outRate: outRate}
}

// Process resamples one buffer of mono samples. Passthrough when the
// rates match.
func (r *Resampler) Process(input []int16) []int16 {
	if len(input) == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}

	// Virtual input stream: prev sample at index 0, this buffer after it.
	// Before the first buffer there is no prev, so start inside the buffer.
	if !r.primed {
		r.prev = input[0]
		r.pos = 1
		r.primed = true
	}

	step := float64(r.inRate) / float64(r.outRate)
	at := func(i int) int16 {
		if i == 0 {
			return r.prev
		}
		return input[i-1]
	}

	limit := float64(len(input)) // highest interpolatable position
	out := make([]int16, 0, int(float64(len(input))*float64(r.outRate)/float64(r.inRate))+1)

	for ; r.pos <= limit; r.pos += step {
		idx := int(math.Floor(r.pos))
		frac := r.pos - float64(idx)
		s0 := float64(at(idx))
		var s1 float64
		if idx+1 <= len(input) {
			s1 = float64(at(idx + 1))
		} else {
			s1 = s0
		}
		out = append(out, int16(math.Round(s0+(s1-s0)*frac)))
	}

	// Shift the coordinate system so the last input sample becomes prev.
	r.prev = input[len(input)-1]
	r.pos -= float64(len(input))

	return out
}

// DownmixToMono averages interleaved frames into a single channel.
// Incomplete trailing frames are discarded.
func DownmixToMono(input []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}
	frames := len(input) / channels
	mono := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(input[f*channels+ch])
		}
		mono[f] = int16(sum / int32(channels))
	}
	return mono
}

// Int16FromF32LE converts little-endian float32 samples to clamped
// 16-bit PCM.
func Int16FromF32LE(data []byte) []int16 {
	n := len(data) / 4
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if f > 1.0 {
			f = 1.0
		} else if f < -1.0 {
			f = -1.0
		}
		out[i] = int16(f * math.MaxInt16)
	}
	return out
}
