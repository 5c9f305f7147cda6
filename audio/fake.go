package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// FakeContext is an in-process capture backend for tests. It hands out
// FakeCapture devices whose input is scripted by the test via Feed.
type FakeContext struct {
	mu       sync.Mutex
	captures []*FakeCapture
}

func NewFakeContext() *FakeContext { return &FakeContext{} }

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ string, cfg CaptureConfig, data DataCallback, stopped StopCallback) (CaptureDevice, error) {
	c := &FakeCapture{cfg: cfg, data: data, stopped: stopped}
	f.mu.Lock()
	f.captures = append(f.captures, c)
	f.mu.Unlock()
	return c, nil
}

// Capture returns the most recently opened device.
func (f *FakeContext) Capture() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captures) == 0 {
		return nil
	}
	return f.captures[len(f.captures)-1]
}

type FakeCapture struct {
	cfg     CaptureConfig
	data    DataCallback
	stopped StopCallback

	mu      sync.Mutex
	running bool
}

func (c *FakeCapture) Start() error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *FakeCapture) Close() {}

// Feed invokes the data callback with one buffer of float32 samples,
// as the real backend would from its audio thread.
func (c *FakeCapture) Feed(samples []float32) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	c.data(buf, uint32(len(samples))/c.cfg.Channels)
}

// Lose simulates the device disappearing mid-capture.
func (c *FakeCapture) Lose() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.stopped()
}
