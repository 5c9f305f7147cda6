package stt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mewkiz/flac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parla/audio"
	"parla/encoder"
)

// fakeUploader identifies each chunk by its first decoded sample value,
// so tests can script per-chunk latency, text and failures regardless of
// upload interleaving.
type fakeUploader struct {
	mu      sync.Mutex
	calls   int
	latency map[int16]time.Duration
	text    map[int16]string
	fails   map[int16]int // remaining failures for this chunk id
}

func (f *fakeUploader) transcribe(ctx context.Context, data []byte, format string) (string, error) {
	samples, _, err := encoder.DecodeWAV(data)
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}
	id := samples[0]

	f.mu.Lock()
	f.calls++
	delay := f.latency[id]
	remaining := f.fails[id]
	if remaining > 0 {
		f.fails[id] = remaining - 1
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if remaining > 0 {
		return "", errors.New("upload failed")
	}
	return f.text[id], nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func batchTestConfig() Config {
	return Config{
		Format:        "wav",
		ChunkDuration: 100 * time.Millisecond,
		Reconnect:     ReconnectConfig{MaxAttempts: 10, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}.withDefaults()
}

// idChunk is 100ms of audio whose samples all carry the chunk id, so one
// SendAudio call seals exactly one upload.
func idChunk(id int16, ts uint64) audio.Chunk {
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = id
	}
	return audio.Chunk{Samples: samples, TimestampMS: ts}
}

func TestBatchSubmissionOrderDespiteCompletionOrder(t *testing.T) {
	// Chunk 1 is slowest, chunks 2 and 3 complete first. The transcript
	// must still read in submission order.
	up := &fakeUploader{
		latency: map[int16]time.Duration{1: 120 * time.Millisecond, 2: 10 * time.Millisecond, 3: 50 * time.Millisecond},
		text:    map[int16]string{1: "one", 2: "two", 3: "three"},
	}
	s, err := newBatchSession(context.Background(), batchTestConfig(), "fake", up.transcribe)
	require.NoError(t, err)

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()

	require.NoError(t, s.SendAudio(idChunk(1, 0)))
	require.NoError(t, s.SendAudio(idChunk(2, 100)))
	require.NoError(t, s.SendAudio(idChunk(3, 200)))
	require.NoError(t, s.Stop())

	events := <-done
	assert.Equal(t, []string{"one", "two", "three"}, committedTexts(events))
	assert.Equal(t, 3, up.callCount())
}

func TestBatchRetriesOnceThenSucceeds(t *testing.T) {
	up := &fakeUploader{
		text:  map[int16]string{1: "recovered"},
		fails: map[int16]int{1: 1},
	}
	s, err := newBatchSession(context.Background(), batchTestConfig(), "fake", up.transcribe)
	require.NoError(t, err)

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()

	require.NoError(t, s.SendAudio(idChunk(1, 0)))
	require.NoError(t, s.Stop())

	events := <-done
	assert.Equal(t, []string{"recovered"}, committedTexts(events))
	assert.Equal(t, 2, up.callCount())
}

func TestBatchFailedChunkBecomesEmptyWithWarning(t *testing.T) {
	up := &fakeUploader{
		text:  map[int16]string{1: "one", 3: "three"},
		fails: map[int16]int{2: 2}, // fails the initial try and the retry
	}
	s, err := newBatchSession(context.Background(), batchTestConfig(), "fake", up.transcribe)
	require.NoError(t, err)

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()

	require.NoError(t, s.SendAudio(idChunk(1, 0)))
	require.NoError(t, s.SendAudio(idChunk(2, 100)))
	require.NoError(t, s.SendAudio(idChunk(3, 200)))
	require.NoError(t, s.Stop())

	events := <-done
	// The failed chunk contributes nothing but does not block later ones.
	assert.Equal(t, []string{"one", "three"}, committedTexts(events))

	var warnings int
	for _, ev := range events {
		if ev.Kind == EventError {
			assert.False(t, ev.Fatal)
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestBatchFlacChunkSpansManyBlocks(t *testing.T) {
	// A 4.5s sealed chunk needs more samples than one FLAC frame can
	// carry; the upload must still contain every sample.
	cfg := Config{
		Format:        "flac",
		ChunkDuration: 4500 * time.Millisecond,
		Reconnect:     ReconnectConfig{MaxAttempts: 10, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}.withDefaults()

	var mu sync.Mutex
	uploaded := 0
	upload := func(ctx context.Context, data []byte, format string) (string, error) {
		stream, err := flac.Parse(bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		n := 0
		for {
			f, err := stream.ParseNext()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return "", err
			}
			n += len(f.Subframes[0].Samples)
		}
		mu.Lock()
		uploaded = n
		mu.Unlock()
		return "long chunk", nil
	}

	s, err := newBatchSession(context.Background(), cfg, "fake", upload)
	require.NoError(t, err)

	// Three 1.5s sends reach the 4.5s seal point together.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SendAudio(audio.Chunk{
			Samples:     make([]int16, 24000),
			TimestampMS: uint64(i) * 1500,
		}))
	}
	require.NoError(t, s.Stop())

	assert.Equal(t, []string{"long chunk"}, committedTexts(collectEvents(s)))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 72000, uploaded)
}

func TestBatchTrailingPartialFlushedOnStop(t *testing.T) {
	up := &fakeUploader{text: map[int16]string{7: "tail"}}
	s, err := newBatchSession(context.Background(), batchTestConfig(), "fake", up.transcribe)
	require.NoError(t, err)

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()

	// 30ms of audio, well under the chunk duration.
	short := audio.Chunk{Samples: make([]int16, 480), TimestampMS: 0}
	for i := range short.Samples {
		short.Samples[i] = 7
	}
	require.NoError(t, s.SendAudio(short))
	require.NoError(t, s.Stop())

	events := <-done
	assert.Equal(t, []string{"tail"}, committedTexts(events))
	assert.Equal(t, 1, up.callCount())
}

func TestBatchZeroAudioCompletesPromptly(t *testing.T) {
	up := &fakeUploader{}
	s, err := newBatchSession(context.Background(), batchTestConfig(), "fake", up.transcribe)
	require.NoError(t, err)

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("empty session did not complete")
	}

	events := <-done
	assert.Empty(t, committedTexts(events))
	assert.Zero(t, up.callCount())
}

func TestBatchSendAfterStop(t *testing.T) {
	up := &fakeUploader{}
	s, err := newBatchSession(context.Background(), batchTestConfig(), "fake", up.transcribe)
	require.NoError(t, err)

	go collectEvents(s)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.SendAudio(idChunk(1, 0)), ErrSessionClosed)
}

func TestBatchUnknownFormatRejected(t *testing.T) {
	cfg := batchTestConfig()
	cfg.Format = "ogg"
	_, err := newBatchSession(context.Background(), cfg, "fake", (&fakeUploader{}).transcribe)
	assert.Error(t, err)
}
