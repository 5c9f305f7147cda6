package stt

import (
	"strings"
	"sync"

	"parla/audio"
)

// FakeSession is an offline Session for tests and dry runs: it swallows
// audio and commits a canned transcript when stopped.
type FakeSession struct {
	text   string
	events chan Event

	mu       sync.Mutex
	chunks   []audio.Chunk
	closed   bool
	stopOnce sync.Once
}

func NewFakeSession(text string) *FakeSession {
	return &FakeSession{
		text:   text,
		events: make(chan Event, 16),
	}
}

func (f *FakeSession) SendAudio(chunk audio.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSessionClosed
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *FakeSession) Events() <-chan Event { return f.events }

func (f *FakeSession) Stop() error {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		if text := strings.TrimSpace(f.text); text != "" {
			f.events <- Event{Kind: EventCommitted, Text: text}
		}
		close(f.events)
	})
	return nil
}

// Chunks returns the audio received so far.
func (f *FakeSession) Chunks() []audio.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audio.Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}
