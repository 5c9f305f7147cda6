package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"parla/audio"
	"parla/log"
)

const (
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
	streamDrainMax     = 2 * time.Second
	resendRingSize     = 64
)

// streamUpdate is one parsed inbound message from a streaming provider.
type streamUpdate struct {
	Text         string
	TimestampMS  uint64
	IsFinal      bool
	FromFinalize bool
}

// streamTransport is one live connection to a streaming provider.
type streamTransport interface {
	Send(chunk audio.Chunk) error
	Finalize() error
	Recv() (streamUpdate, error)
	Close() error
}

// dialFunc opens a fresh transport connection.
type dialFunc func(ctx context.Context) (streamTransport, error)

var errStopped = errors.New("stopped during reconnect")

// streamSession drives one transport connection at a time through the
// Connecting -> Streaming -> Reconnecting -> Closed lifecycle. The first
// dial happens synchronously in newStreamSession and its failure is
// fatal; later drops are retried with exponential backoff.
type streamSession struct {
	cfg      Config
	provider string
	dial     dialFunc
	ctx      context.Context
	cancel   context.CancelFunc

	audioCh chan audio.Chunk
	events  chan Event
	ring    *chunkRing

	stopOnce      sync.Once
	stopped       chan struct{}
	done          chan struct{}
	finalized     chan struct{}
	finalizedOnce sync.Once

	mu        sync.Mutex
	err       error
	startedAt time.Time
	stats     streamStats
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	RecvMessages int
	Reconnects   int
	CommitEvents int
	FinalizeWait time.Duration
}

func newStreamSession(ctx context.Context, cfg Config, provider string, dial dialFunc) (*streamSession, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamSession{
		cfg:       cfg,
		provider:  provider,
		dial:      dial,
		ctx:       sctx,
		cancel:    cancel,
		audioCh:   make(chan audio.Chunk, 128),
		events:    make(chan Event, 16),
		ring:      newChunkRing(resendRingSize),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
		finalized: make(chan struct{}),
		startedAt: time.Now(),
	}

	connectStart := time.Now()
	conn, err := dial(sctx)
	s.stats.ConnectDur = time.Since(connectStart)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s connect: %w", provider, err)
	}

	log.SessionStart(provider, "stream")
	go s.run(conn)
	return s, nil
}

func (s *streamSession) SendAudio(chunk audio.Chunk) error {
	select {
	case <-s.stopped:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.stopped:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *streamSession) Events() <-chan Event { return s.events }

// Stop finishes the session: remaining buffered audio is sent, the
// provider is asked to finalize, and Events closes once the last
// committed text has been delivered.
func (s *streamSession) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSession) run(conn streamTransport) {
	defer close(s.done)
	defer s.cancel()

	for {
		recvDone := make(chan struct{})
		recvErr := make(chan error, 1)
		go s.receive(conn, recvErr, recvDone)

		sendErr, finished := s.sendLoop(conn, recvErr)
		if finished {
			s.finalize(conn, recvDone)
			return
		}

		conn.Close()
		<-recvDone
		log.Warnf("%s stream dropped: %v", s.provider, sendErr)

		next, err := s.reconnect()
		if err != nil {
			if !errors.Is(err, errStopped) {
				s.setErr(err)
				s.events <- Event{Kind: EventError, Err: err, Fatal: true}
			}
			close(s.events)
			return
		}
		conn = next
	}
}

// sendLoop pushes audio to the transport until the session is stopped
// (finished=true) or the connection breaks.
func (s *streamSession) sendLoop(conn streamTransport, recvErr <-chan error) (error, bool) {
	for {
		select {
		case chunk := <-s.audioCh:
			if err := s.send(conn, chunk); err != nil {
				return err, false
			}
		case err := <-recvErr:
			return err, false
		case <-s.stopped:
			// Drain what is already queued before finalizing.
			for {
				select {
				case chunk := <-s.audioCh:
					if err := s.send(conn, chunk); err != nil {
						return err, false
					}
				default:
					return nil, true
				}
			}
		}
	}
}

func (s *streamSession) send(conn streamTransport, chunk audio.Chunk) error {
	if err := conn.Send(chunk); err != nil {
		s.ring.Push(chunk)
		return err
	}
	s.mu.Lock()
	s.stats.SentChunks++
	s.stats.SentBytes += uint64(len(chunk.Samples) * 2)
	s.mu.Unlock()
	return nil
}

// reconnect redials with exponential backoff: 1s, 2s, 4s, ... capped at
// MaxDelay, giving up after MaxAttempts dials. Audio arriving while
// disconnected is parked in the resend ring (oldest chunks are dropped
// past its capacity) and flushed in order once a dial succeeds.
func (s *streamSession) reconnect() (streamTransport, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Reconnect.BaseDelay
	bo.MaxInterval = s.cfg.Reconnect.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Reconnect.MaxAttempts; attempt++ {
		if err := s.wait(bo.NextBackOff()); err != nil {
			return nil, err
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			lastErr = err
			log.Warnf("%s reconnect attempt %d/%d failed: %v",
				s.provider, attempt, s.cfg.Reconnect.MaxAttempts, err)
			continue
		}

		if err := s.flushRing(conn); err != nil {
			lastErr = err
			conn.Close()
			log.Warnf("%s reconnect resend failed: %v", s.provider, err)
			continue
		}

		s.mu.Lock()
		s.stats.Reconnects++
		s.mu.Unlock()
		log.Infof("%s reconnected on attempt %d", s.provider, attempt)
		return conn, nil
	}
	return nil, fmt.Errorf("%s reconnect failed after %d attempts: %w",
		s.provider, s.cfg.Reconnect.MaxAttempts, lastErr)
}

// wait sleeps for the backoff delay while parking incoming audio in the
// resend ring. Stop cancels the sleep.
func (s *streamSession) wait(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case chunk := <-s.audioCh:
			s.ring.Push(chunk)
		case <-s.stopped:
			return errStopped
		case <-s.ctx.Done():
			return errStopped
		}
	}
}

func (s *streamSession) flushRing(conn streamTransport) error {
	for {
		chunk, ok := s.ring.PopFront()
		if !ok {
			return nil
		}
		if err := conn.Send(chunk); err != nil {
			s.ring.PushFront(chunk)
			return err
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk.Samples) * 2)
		s.mu.Unlock()
	}
}

func (s *streamSession) receive(conn streamTransport, recvErr chan<- error, done chan struct{}) {
	defer close(done)
	for {
		update, err := conn.Recv()
		if err != nil {
			recvErr <- err
			return
		}

		s.mu.Lock()
		s.stats.RecvMessages++
		s.mu.Unlock()

		if update.FromFinalize {
			s.finalizedOnce.Do(func() { close(s.finalized) })
		}

		text := strings.TrimSpace(update.Text)
		if text == "" {
			continue
		}

		if update.IsFinal {
			s.mu.Lock()
			s.stats.CommitEvents++
			s.mu.Unlock()
			s.events <- Event{Kind: EventCommitted, Text: text, TimestampMS: update.TimestampMS}
		} else {
			// Partials are advisory; drop rather than stall the receiver.
			select {
			case s.events <- Event{Kind: EventPartial, Text: text, TimestampMS: update.TimestampMS}:
			default:
			}
		}
	}
}

// finalize tells the provider no more audio is coming, waits briefly for
// its acknowledgment, then closes the connection and the event channel.
func (s *streamSession) finalize(conn streamTransport, recvDone chan struct{}) {
	finalizeStart := time.Now()
	if err := conn.Finalize(); err != nil {
		log.Warnf("%s finalize: %v", s.provider, err)
	}

	select {
	case <-s.finalized:
		time.Sleep(streamFinalizeIdle)
	case <-time.After(streamFinalizeMax):
	case <-recvDone:
	}

	conn.Close()
	select {
	case <-recvDone:
	case <-time.After(streamDrainMax):
		log.Warn("stream receiver drain timeout")
	}
	close(s.events)

	s.mu.Lock()
	stats := s.stats
	stats.FinalizeWait = time.Since(finalizeStart)
	s.mu.Unlock()

	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		FinalizeMs:   float64(stats.FinalizeWait.Milliseconds()),
		TotalMs:      float64(time.Since(s.startedAt).Milliseconds()),
		AudioS:       float64(stats.SentBytes) / 2 / 16000,
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		RecvMessages: stats.RecvMessages,
		Reconnects:   stats.Reconnects,
		CommitEvents: stats.CommitEvents,
	})
	log.SessionEnd(stats.CommitEvents)
}

func (s *streamSession) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// chunkRing holds audio that could not be delivered, bounded so a long
// outage cannot grow memory without limit. When full, the oldest chunk
// is discarded.
type chunkRing struct {
	mu      sync.Mutex
	buf     []audio.Chunk
	size    int
	dropped uint64
}

func newChunkRing(size int) *chunkRing {
	return &chunkRing{size: size}
}

func (r *chunkRing) Push(c audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.size {
		r.buf = r.buf[1:]
		r.dropped++
	}
	r.buf = append(r.buf, c)
}

func (r *chunkRing) PushFront(c audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.size {
		return
	}
	r.buf = append([]audio.Chunk{c}, r.buf...)
}

func (r *chunkRing) PopFront() (audio.Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return audio.Chunk{}, false
	}
	c := r.buf[0]
	r.buf = r.buf[1:]
	return c, true
}

func (r *chunkRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

func (r *chunkRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
