package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"parla/log"
)

const (
	rawQueueSize   = 64
	chunkQueueSize = 32
)

// SourceConfig controls capture and the processing applied before
// chunks are handed to a transcription session.
type SourceConfig struct {
	Device      string
	CaptureRate uint32
	Channels    uint32
	TargetRate  uint32
}

// Source owns a capture device and turns its callbacks into a stream of
// mono 16 kHz chunks. The device callback only copies bytes and never
// blocks; conversion, downmix and resampling happen on a separate
// goroutine. Every chunk is forwarded, silence included: providers need
// the full timeline to keep their timestamps right. Voice detection is
// the consumer's concern (see Gate).
type Source struct {
	cfg     SourceConfig
	device  CaptureDevice
	rawCh   chan []byte
	chunks  chan Chunk
	errCh   chan error
	bufPool sync.Pool
	dropped  atomic.Uint64
	stopping atomic.Bool

	closeOnce sync.Once
}

func NewSource(ctx Context, cfg SourceConfig) (*Source, error) {
	if cfg.CaptureRate == 0 {
		cfg.CaptureRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.TargetRate == 0 {
		cfg.TargetRate = 16000
	}

	s := &Source{
		cfg:    cfg,
		rawCh:  make(chan []byte, rawQueueSize),
		chunks: make(chan Chunk, chunkQueueSize),
		errCh:  make(chan error, 1),
	}

	dev, err := ctx.NewCapture(cfg.Device, CaptureConfig{
		SampleRate: cfg.CaptureRate,
		Channels:   cfg.Channels,
	}, s.onData, s.onStopped)
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	s.device = dev

	go s.process()
	return s, nil
}

// onData runs on the audio thread. It must not block: when the queue is
// full the buffer is dropped and counted. Buffers come from a pool so
// the steady state does not allocate per callback.
func (s *Source) onData(data []byte, frameCount uint32) {
	buf, _ := s.bufPool.Get().([]byte)
	if cap(buf) < len(data) {
		buf = make([]byte, len(data))
	}
	buf = buf[:len(data)]
	copy(buf, data)
	select {
	case s.rawCh <- buf:
	default:
		s.dropped.Add(1)
		s.bufPool.Put(buf[:0])
	}
}

func (s *Source) onStopped() {
	if s.stopping.Load() {
		return
	}
	select {
	case s.errCh <- fmt.Errorf("capture device stopped unexpectedly"):
	default:
	}
	s.closeRaw()
}

func (s *Source) closeRaw() {
	s.closeOnce.Do(func() { close(s.rawCh) })
}

func (s *Source) process() {
	defer close(s.chunks)

	resampler := NewResampler(s.cfg.CaptureRate, s.cfg.TargetRate)
	var outFrames uint64

	for buf := range s.rawCh {
		samples := Int16FromF32LE(buf)
		s.bufPool.Put(buf[:0])
		mono := DownmixToMono(samples, int(s.cfg.Channels))
		resampled := resampler.Process(mono)
		if len(resampled) == 0 {
			continue
		}

		ts := outFrames * 1000 / uint64(s.cfg.TargetRate)
		outFrames += uint64(len(resampled))

		s.chunks <- Chunk{Samples: resampled, TimestampMS: ts}
	}
}

// Chunks delivers processed audio. The channel is closed after Stop or
// on device loss, once in-flight buffers have drained. Callers must
// keep draining it after Stop.
func (s *Source) Chunks() <-chan Chunk { return s.chunks }

// Err reports asynchronous device failure. At most one error is sent.
func (s *Source) Err() <-chan error { return s.errCh }

// Dropped returns the number of capture buffers discarded because the
// processing stage fell behind.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

// Level computes the current amplitude of a chunk for UI feedback.
func Level(c Chunk) float64 { return RMS(c.Samples) }

// Start begins capture.
func (s *Source) Start() error { return s.device.Start() }

// Stop halts capture and releases the device. The chunk channel drains
// whatever was already queued and then closes.
func (s *Source) Stop() {
	s.stopping.Store(true)
	s.device.Stop()
	s.device.Close()
	s.closeRaw()
	if n := s.dropped.Load(); n > 0 {
		log.Warnf("dropped %d audio buffers during capture", n)
	}
}
