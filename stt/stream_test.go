package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parla/audio"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []audio.Chunk
	failAfter int // Send fails once this many chunks have been accepted; -1 never

	updates   chan streamUpdate
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(failAfter int, preloaded ...streamUpdate) *fakeTransport {
	t := &fakeTransport{
		failAfter: failAfter,
		updates:   make(chan streamUpdate, 32),
		closed:    make(chan struct{}),
	}
	for _, u := range preloaded {
		t.updates <- u
	}
	return t
}

func (t *fakeTransport) Send(chunk audio.Chunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAfter >= 0 && len(t.sent) >= t.failAfter {
		return errors.New("broken pipe")
	}
	t.sent = append(t.sent, chunk)
	return nil
}

func (t *fakeTransport) Finalize() error {
	t.updates <- streamUpdate{FromFinalize: true}
	return nil
}

func (t *fakeTransport) Recv() (streamUpdate, error) {
	select {
	case u := <-t.updates:
		return u, nil
	case <-t.closed:
		return streamUpdate{}, errors.New("connection closed")
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) sentChunks() []audio.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audio.Chunk, len(t.sent))
	copy(out, t.sent)
	return out
}

func fastReconnect() ReconnectConfig {
	return ReconnectConfig{MaxAttempts: 10, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func testChunk(i int) audio.Chunk {
	samples := make([]int16, 160)
	for j := range samples {
		samples[j] = int16(i)
	}
	return audio.Chunk{Samples: samples, TimestampMS: uint64(i) * 10}
}

func collectEvents(s Session) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func committedTexts(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventCommitted {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestStreamFirstDialFailureIsFatal(t *testing.T) {
	dial := func(context.Context) (streamTransport, error) {
		return nil, errors.New("401 unauthorized")
	}
	cfg := Config{Reconnect: fastReconnect()}.withDefaults()
	_, err := newStreamSession(context.Background(), cfg, "fake", dial)
	require.Error(t, err)
	assert.ErrorContains(t, err, "401")
}

func TestStreamHappyPath(t *testing.T) {
	tr := newFakeTransport(-1,
		streamUpdate{Text: "hello", IsFinal: false},
		streamUpdate{Text: "hello world", IsFinal: true},
	)
	dial := func(context.Context) (streamTransport, error) { return tr, nil }

	cfg := Config{Reconnect: fastReconnect()}.withDefaults()
	s, err := newStreamSession(context.Background(), cfg, "fake", dial)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SendAudio(testChunk(i)))
	}

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()
	require.NoError(t, s.Stop())
	events := <-done

	assert.Equal(t, []string{"hello world"}, committedTexts(events))
	assert.Len(t, tr.sentChunks(), 3)
}

func TestStreamReconnectResendsUnsentAudio(t *testing.T) {
	// First connection accepts 2 chunks then breaks; the first redial is
	// refused; the second redial succeeds and must receive chunk 3 (the
	// failed send) followed by 4 and 5.
	t1 := newFakeTransport(2, streamUpdate{Text: "first part", IsFinal: true})
	t2 := newFakeTransport(-1, streamUpdate{Text: "second part", IsFinal: true})

	var mu sync.Mutex
	dials := 0
	dial := func(context.Context) (streamTransport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return t1, nil
		case 2:
			return nil, errors.New("connection refused")
		default:
			return t2, nil
		}
	}

	cfg := Config{Reconnect: fastReconnect()}.withDefaults()
	s, err := newStreamSession(context.Background(), cfg, "fake", dial)
	require.NoError(t, err)

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SendAudio(testChunk(i)))
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, s.Stop())
	events := <-done

	// Committed text from before the drop survives the reconnect.
	assert.Equal(t, []string{"first part", "second part"}, committedTexts(events))

	mu.Lock()
	assert.Equal(t, 3, dials)
	mu.Unlock()

	// All 5 chunks were delivered exactly once, in order.
	var delivered []int16
	for _, c := range append(t1.sentChunks(), t2.sentChunks()...) {
		delivered = append(delivered, c.Samples[0])
	}
	assert.Equal(t, []int16{1, 2, 3, 4, 5}, delivered)
}

func TestStreamGivesUpAfterMaxAttempts(t *testing.T) {
	t1 := newFakeTransport(0) // every send fails

	var mu sync.Mutex
	dials := 0
	dial := func(context.Context) (streamTransport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return t1, nil
		}
		return nil, errors.New("connection refused")
	}

	cfg := Config{Reconnect: ReconnectConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}}.withDefaults()
	s, err := newStreamSession(context.Background(), cfg, "fake", dial)
	require.NoError(t, err)

	done := make(chan []Event)
	go func() { done <- collectEvents(s) }()

	require.NoError(t, s.SendAudio(testChunk(1)))
	events := <-done

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.True(t, last.Fatal)

	// Exactly 10 reconnect dials after the initial connection, no 11th.
	mu.Lock()
	assert.Equal(t, 11, dials)
	mu.Unlock()

	assert.Error(t, s.Stop())
}

func TestStreamSendAfterStop(t *testing.T) {
	tr := newFakeTransport(-1)
	dial := func(context.Context) (streamTransport, error) { return tr, nil }

	cfg := Config{Reconnect: fastReconnect()}.withDefaults()
	s, err := newStreamSession(context.Background(), cfg, "fake", dial)
	require.NoError(t, err)

	go collectEvents(s)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.SendAudio(testChunk(1)), ErrSessionClosed)
}

func TestStreamStopCancelsReconnectBackoff(t *testing.T) {
	t1 := newFakeTransport(0)
	dial := func(context.Context) (streamTransport, error) { return t1, nil }

	// Huge backoff: Stop must cancel the sleep, not wait it out.
	cfg := Config{Reconnect: ReconnectConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	}}.withDefaults()

	dials := 0
	firstDial := func(ctx context.Context) (streamTransport, error) {
		dials++
		if dials == 1 {
			return dial(ctx)
		}
		return nil, errors.New("refused")
	}

	s, err := newStreamSession(context.Background(), cfg, "fake", firstDial)
	require.NoError(t, err)

	go collectEvents(s)
	require.NoError(t, s.SendAudio(testChunk(1)))
	time.Sleep(20 * time.Millisecond) // let the send fail and enter backoff

	stopped := make(chan error)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on reconnect backoff")
	}
}

func TestChunkRingDropsOldest(t *testing.T) {
	r := newChunkRing(3)
	for i := 1; i <= 5; i++ {
		r.Push(testChunk(i))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(2), r.Dropped())

	c, ok := r.PopFront()
	require.True(t, ok)
	assert.Equal(t, int16(3), c.Samples[0])
}
