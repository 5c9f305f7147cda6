package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"parla/audio"
	"parla/encoder"
	"parla/log"
)

// transcribeFunc uploads one encoded audio chunk and returns its text.
type transcribeFunc func(ctx context.Context, audioData []byte, format string) (string, error)

// batchSession accumulates audio into fixed-duration chunks and uploads
// each one as an independent HTTP request. Uploads run concurrently and
// may complete out of order; committed events are always emitted in
// chunk submission order.
type batchSession struct {
	cfg        Config
	provider   string
	transcribe transcribeFunc
	ctx        context.Context
	cancel     context.CancelFunc

	events    chan Event
	collector *orderedCollector

	mu        sync.Mutex
	sampleBuf []int16
	startTS   uint64
	haveStart bool
	seq       int
	closed    bool

	wg        sync.WaitGroup
	stopOnce  sync.Once
	startedAt time.Time

	statsMu sync.Mutex
	stats   batchStats
}

type batchStats struct {
	UploadBytes uint64
	Retried     int
	Failed      int
	EncodeDur   time.Duration
}

func newBatchSession(ctx context.Context, cfg Config, provider string, transcribe transcribeFunc) (*batchSession, error) {
	if _, err := encoder.New(cfg.Format); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	bs := &batchSession{
		cfg:        cfg,
		provider:   provider,
		transcribe: transcribe,
		ctx:        sctx,
		cancel:     cancel,
		events:     make(chan Event, 16),
		startedAt:  time.Now(),
	}
	bs.collector = newOrderedCollector(func(text string, ts uint64) {
		bs.events <- Event{Kind: EventCommitted, Text: text, TimestampMS: ts}
	})

	log.SessionStart(provider, "batch")
	return bs, nil
}

func (bs *batchSession) SendAudio(chunk audio.Chunk) error {
	bs.mu.Lock()
	if bs.closed {
		bs.mu.Unlock()
		return ErrSessionClosed
	}

	if !bs.haveStart {
		bs.startTS = chunk.TimestampMS
		bs.haveStart = true
	}
	bs.sampleBuf = append(bs.sampleBuf, chunk.Samples...)

	endTS := chunk.TimestampMS + chunk.DurationMS()
	if endTS-bs.startTS >= uint64(bs.cfg.ChunkDuration.Milliseconds()) {
		bs.sealLocked()
	}
	bs.mu.Unlock()
	return nil
}

func (bs *batchSession) Events() <-chan Event { return bs.events }

// Stop flushes any trailing partial chunk, waits for all uploads to
// complete, and closes Events. A session that never saw audio completes
// immediately without a network call.
func (bs *batchSession) Stop() error {
	bs.stopOnce.Do(func() {
		bs.mu.Lock()
		bs.closed = true
		if len(bs.sampleBuf) > 0 {
			bs.sealLocked()
		}
		chunks := bs.seq
		bs.mu.Unlock()

		bs.wg.Wait()
		close(bs.events)
		bs.cancel()

		bs.statsMu.Lock()
		stats := bs.stats
		bs.statsMu.Unlock()
		log.BatchMetrics(log.BatchMetricsData{
			AudioS:   float64(bs.collector.emittedSamples()) / float64(encoder.SampleRate),
			Chunks:   chunks,
			Retried:  stats.Retried,
			Failed:   stats.Failed,
			UploadKB: float64(stats.UploadBytes) / 1024,
			TotalMs:  float64(time.Since(bs.startedAt).Milliseconds()),
			EncodeMs: float64(stats.EncodeDur.Milliseconds()),
		})
		log.SessionEnd(chunks)
	})
	return nil
}

// sealLocked snapshots the buffer as one sequenced chunk and starts its
// upload. Caller holds bs.mu.
func (bs *batchSession) sealLocked() {
	samples := make([]int16, len(bs.sampleBuf))
	copy(samples, bs.sampleBuf)
	bs.sampleBuf = bs.sampleBuf[:0]
	ts := bs.startTS
	bs.haveStart = false

	seq := bs.seq
	bs.seq++
	bs.collector.expect(seq)

	bs.wg.Add(1)
	go bs.upload(seq, samples, ts)
}

func (bs *batchSession) upload(seq int, samples []int16, ts uint64) {
	defer bs.wg.Done()

	text, err := bs.uploadOnce(samples)
	if err != nil {
		// One retry with the reconnect base delay, then the chunk is
		// given up as empty so later chunks are not blocked.
		bs.statsMu.Lock()
		bs.stats.Retried++
		bs.statsMu.Unlock()

		select {
		case <-time.After(bs.cfg.Reconnect.BaseDelay):
		case <-bs.ctx.Done():
		}
		text, err = bs.uploadOnce(samples)
	}
	if err != nil {
		bs.statsMu.Lock()
		bs.stats.Failed++
		bs.statsMu.Unlock()
		log.Warnf("%s chunk %d failed twice, dropping its text: %v", bs.provider, seq, err)
		bs.events <- Event{
			Kind:  EventError,
			Err:   fmt.Errorf("chunk %d transcription failed: %w", seq, err),
			Fatal: false,
		}
		text = ""
	}

	bs.collector.complete(seq, text, ts, uint64(len(samples)))
}

func (bs *batchSession) uploadOnce(samples []int16) (string, error) {
	encodeStart := time.Now()
	data, err := bs.encode(samples)
	if err != nil {
		return "", err
	}
	bs.statsMu.Lock()
	bs.stats.EncodeDur += time.Since(encodeStart)
	bs.stats.UploadBytes += uint64(len(data))
	bs.statsMu.Unlock()

	return bs.transcribe(bs.ctx, data, bs.cfg.Format)
}

func (bs *batchSession) encode(samples []int16) ([]byte, error) {
	enc, err := encoder.New(bs.cfg.Format)
	if err != nil {
		return nil, err
	}
	// Feed the encoder in container-sized blocks; a FLAC frame header
	// cannot describe more than encoder.BlockSize samples.
	for off := 0; off < len(samples); off += encoder.BlockSize {
		end := off + encoder.BlockSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := enc.EncodeBlock(samples[off:end]); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// orderedCollector reorders upload completions back into submission
// order: a chunk's text is only emitted once every earlier chunk has
// completed.
type orderedCollector struct {
	mu      sync.Mutex
	next    int
	pending map[int]collected
	emit    func(text string, ts uint64)
	samples uint64
}

type collected struct {
	text    string
	ts      uint64
	samples uint64
	done    bool
}

func newOrderedCollector(emit func(text string, ts uint64)) *orderedCollector {
	return &orderedCollector{pending: make(map[int]collected), emit: emit}
}

func (c *orderedCollector) expect(seq int) {
	c.mu.Lock()
	c.pending[seq] = collected{}
	c.mu.Unlock()
}

func (c *orderedCollector) complete(seq int, text string, ts uint64, samples uint64) {
	// Emitting under the lock keeps concurrent completions from
	// interleaving their ready runs out of order.
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[seq] = collected{text: text, ts: ts, samples: samples, done: true}

	for {
		entry, ok := c.pending[c.next]
		if !ok || !entry.done {
			return
		}
		delete(c.pending, c.next)
		c.next++
		c.samples += entry.samples
		if entry.text != "" {
			c.emit(entry.text, entry.ts)
		}
	}
}

func (c *orderedCollector) emittedSamples() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}
