package audio

import "parla/encoder"

// Chunk is a slice of 16 kHz mono 16-bit PCM with its offset into the
// capture session. Ownership transfers with the value: whichever stage
// receives a Chunk over a channel is its sole holder.
type Chunk struct {
	Samples     []int16
	TimestampMS uint64
}

// DurationMS is the chunk length in milliseconds at the fixed rate.
func (c Chunk) DurationMS() uint64 {
	return uint64(len(c.Samples)) * 1000 / encoder.SampleRate
}

// DataCallback receives raw interleaved samples from the platform audio
// layer. It runs on the real-time audio thread: it must not block.
type DataCallback func(data []byte, frameCount uint32)

// StopCallback fires when the device stops outside of an explicit Stop,
// e.g. the microphone was unplugged.
type StopCallback func()

type CaptureConfig struct {
	SampleRate uint32 // device-side rate; the Source resamples to 16 kHz
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(deviceName string, config CaptureConfig, data DataCallback, stopped StopCallback) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
}
