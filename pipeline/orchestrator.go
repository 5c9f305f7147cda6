package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"parla/audio"
	"parla/log"
	"parla/output"
	"parla/postproc"
	"parla/stt"
)

var (
	// ErrNotIdle is returned by Start while a recording is in progress.
	// The second start is rejected, never queued.
	ErrNotIdle = errors.New("pipeline is not idle")
	ErrClosed  = errors.New("pipeline is closed")
)

// AudioSource is the capture side of a recording, satisfied by
// *audio.Source.
type AudioSource interface {
	Start() error
	Stop()
	Chunks() <-chan audio.Chunk
	Err() <-chan error
}

type SourceFactory func() (AudioSource, error)

type SessionFactory func(ctx context.Context) (stt.Session, error)

type Config struct {
	// Processor cleans up the transcript; nil delivers raw text.
	Processor      postproc.Processor
	ProcessTimeout time.Duration
	// DictionaryTerms bias default cleanup toward the user's vocabulary.
	DictionaryTerms []string
	// VoiceThreshold and VoiceHoldMS classify audio-level events as
	// voiced. Annotation only; every chunk is forwarded regardless.
	VoiceThreshold float64
	VoiceHoldMS    uint64
	// Sink receives the final text; nil means events only.
	Sink output.Sink
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdFirstTranscript
	cmdFail
	cmdClose
)

type command struct {
	kind  cmdKind
	gen   int
	err   error
	reply chan error
}

// recording is the per-cycle ownership bundle: one source, one session,
// and the goroutines pumping between them.
type recording struct {
	gen     int
	id      string
	source  AudioSource
	session stt.Session
	g       *errgroup.Group

	quiet    chan struct{} // closed when teardown begins
	feedDone chan struct{}

	// Written only by the consume goroutine, read after g.Wait.
	committed   []string
	lastPartial string
}

// Orchestrator sequences Audio -> STT -> PostProcessor -> Sink for one
// recording at a time. All state transitions happen on a single run
// loop fed by a command channel, so they are serialized by
// construction.
type Orchestrator struct {
	cfg        Config
	newSource  SourceFactory
	newSession SessionFactory

	ctx    context.Context
	cancel context.CancelFunc

	cmds   chan command
	events chan Event
	state  atomic.Int32
	done   chan struct{}
}

func New(cfg Config, newSource SourceFactory, newSession SessionFactory) *Orchestrator {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = postproc.DefaultTimeout
	}
	if cfg.VoiceThreshold <= 0 {
		cfg.VoiceThreshold = 0.05
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		newSource:  newSource,
		newSession: newSession,
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan command, 16),
		events:     make(chan Event, 128),
		done:       make(chan struct{}),
	}
	go o.run()
	return o
}

// Events delivers state changes, transcript updates and the final
// result. The consumer must keep draining it; audio-level and partial
// events are dropped rather than stalling the pipeline, everything else
// is delivered reliably.
func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Start begins a recording. It fails with ErrNotIdle while another
// recording is active; a prior Done or Error state is reset to Idle
// first.
func (o *Orchestrator) Start() error { return o.send(cmdStart) }

// Stop ends the active recording and carries it through transcription,
// post-processing and delivery. Stopping an idle pipeline is a no-op.
func (o *Orchestrator) Stop() error { return o.send(cmdStop) }

// Close shuts the orchestrator down, tearing down any active recording
// and cancelling in-flight backoff or post-processing.
func (o *Orchestrator) Close() error {
	o.cancel()
	return o.send(cmdClose)
}

func (o *Orchestrator) send(kind cmdKind) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- command{kind: kind, reply: reply}:
	case <-o.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// post delivers an internal notification from a recording goroutine.
func (o *Orchestrator) post(cmd command) {
	select {
	case o.cmds <- cmd:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) run() {
	var active *recording
	gen := 0

	for cmd := range o.cmds {
		switch cmd.kind {
		case cmdStart:
			if active != nil {
				cmd.reply <- ErrNotIdle
				continue
			}
			if s := o.State(); s == StateDone || s == StateError {
				o.setState(StateIdle)
			}
			gen++
			r, err := o.begin(gen)
			if err != nil {
				cmd.reply <- err
				continue
			}
			active = r
			o.setState(StateRecording)
			cmd.reply <- nil

		case cmdStop:
			if active == nil {
				cmd.reply <- nil
				continue
			}
			o.finish(active)
			active = nil
			cmd.reply <- nil

		case cmdFirstTranscript:
			if active != nil && cmd.gen == active.gen && o.State() == StateRecording {
				o.setState(StateTranscribing)
			}

		case cmdFail:
			if active == nil || cmd.gen != active.gen {
				continue
			}
			o.abort(active, cmd.err)
			active = nil

		case cmdClose:
			if active != nil {
				o.teardown(active)
				active = nil
			}
			cmd.reply <- nil
			close(o.events)
			close(o.done)
			return
		}
	}
}

// begin opens the source and session and starts the per-recording
// goroutines. A failure here leaves the pipeline Idle and is returned
// straight to the caller; missing credentials should not burn a cycle
// through the Error state.
func (o *Orchestrator) begin(gen int) (*recording, error) {
	source, err := o.newSource()
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}

	session, err := o.newSession(o.ctx)
	if err != nil {
		o.discardSource(source)
		return nil, err
	}

	if err := source.Start(); err != nil {
		o.discardSource(source)
		o.discardSession(session)
		return nil, fmt.Errorf("start capture: %w", err)
	}

	r := &recording{
		gen:      gen,
		id:       uuid.NewString(),
		source:   source,
		session:  session,
		g:        new(errgroup.Group),
		quiet:    make(chan struct{}),
		feedDone: make(chan struct{}),
	}
	log.Infof("recording %s started", r.id)
	r.g.Go(func() error { o.feed(r); return nil })
	r.g.Go(func() error { o.consume(r); return nil })
	r.g.Go(func() error { o.watch(r); return nil })
	return r, nil
}

func (o *Orchestrator) discardSource(source AudioSource) {
	source.Stop()
	go func() {
		for range source.Chunks() {
		}
	}()
}

func (o *Orchestrator) discardSession(session stt.Session) {
	go func() {
		for range session.Events() {
		}
	}()
	session.Stop()
}

// feed pumps audio from the source into the session, emitting level
// events along the way. If the session dies it keeps draining so the
// source can shut down cleanly.
func (o *Orchestrator) feed(r *recording) {
	defer close(r.feedDone)
	gate := &audio.Gate{Threshold: o.cfg.VoiceThreshold, HoldMS: o.cfg.VoiceHoldMS}
	sending := true
	for chunk := range r.source.Chunks() {
		o.tryEmit(Event{
			Kind:        EventAudioLevel,
			RMS:         audio.Level(chunk),
			VoiceActive: gate.Open(chunk.Samples, chunk.TimestampMS),
			TimestampMS: chunk.TimestampMS,
		})
		if !sending {
			continue
		}
		if err := r.session.SendAudio(chunk); err != nil {
			sending = false
		}
	}
}

func (o *Orchestrator) consume(r *recording) {
	first := true
	markTranscribing := func() {
		if first {
			first = false
			o.post(command{kind: cmdFirstTranscript, gen: r.gen})
		}
	}

	for ev := range r.session.Events() {
		switch ev.Kind {
		case stt.EventPartial:
			r.lastPartial = ev.Text
			markTranscribing()
			o.tryEmit(Event{Kind: EventPartialTranscription, Text: ev.Text, TimestampMS: ev.TimestampMS})
		case stt.EventCommitted:
			r.committed = append(r.committed, ev.Text)
			markTranscribing()
			o.emit(Event{Kind: EventCommittedTranscription, Text: ev.Text, TimestampMS: ev.TimestampMS})
		case stt.EventError:
			if ev.Fatal {
				o.post(command{kind: cmdFail, gen: r.gen, err: ev.Err})
			} else {
				o.emit(Event{Kind: EventError, Err: ev.Err})
			}
		}
	}
}

func (o *Orchestrator) watch(r *recording) {
	select {
	case err := <-r.source.Err():
		o.post(command{kind: cmdFail, gen: r.gen, err: err})
	case <-r.quiet:
	}
}

// finish runs the close-drain-finalize sequence: stop capture, flush
// remaining audio into the session, close the session and drain its
// events, then post-process the assembled transcript and deliver it.
func (o *Orchestrator) finish(r *recording) {
	close(r.quiet)
	r.source.Stop()
	<-r.feedDone
	sessErr := r.session.Stop()
	r.g.Wait()

	if sessErr != nil {
		o.emit(Event{Kind: EventError, Err: sessErr, Fatal: true})
		o.setState(StateError)
		return
	}

	log.Infof("recording %s finished: %d committed segments", r.id, len(r.committed))

	transcript := strings.Join(r.committed, " ")
	if transcript == "" {
		// Some providers only ever send cumulative partials.
		transcript = strings.TrimSpace(r.lastPartial)
	}

	o.setState(StateProcessing)

	task, commandName := DetectCommand(transcript, o.cfg.DictionaryTerms)
	if commandName != "" {
		o.emit(Event{Kind: EventCommandDetected, Text: commandName})
	}

	final := transcript
	fallback := false
	if transcript != "" && o.cfg.Processor != nil {
		res := postproc.Run(o.ctx, o.cfg.Processor, task, o.cfg.ProcessTimeout)
		final, fallback = res.Text, res.Fallback
	}

	if final != "" {
		if o.cfg.Sink != nil {
			if err := o.cfg.Sink.Write(final); err != nil {
				o.emit(Event{Kind: EventError, Err: err})
			}
		}
		log.TranscriptionText(final)
	}

	o.emit(Event{Kind: EventFinalResult, Text: final, Fallback: fallback})
	o.setState(StateDone)
}

// abort releases the recording's resources on an unrecoverable error.
func (o *Orchestrator) abort(r *recording, cause error) {
	close(r.quiet)
	r.source.Stop()
	<-r.feedDone
	r.session.Stop()
	r.g.Wait()

	log.Errorf("recording %s aborted: %v", r.id, cause)
	o.emit(Event{Kind: EventError, Err: cause, Fatal: true})
	o.setState(StateError)
}

// teardown releases resources without emitting; used on Close.
func (o *Orchestrator) teardown(r *recording) {
	close(r.quiet)
	r.source.Stop()
	<-r.feedDone
	r.session.Stop()
	r.g.Wait()
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	log.Infof("pipeline state: %s", s)
	o.emit(Event{Kind: EventStateChanged, State: s})
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) tryEmit(ev Event) {
	select {
	case o.events <- ev:
	default:
	}
}
