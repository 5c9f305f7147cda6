package pipeline

// State is the single authoritative pipeline state, owned and mutated
// only by the orchestrator's run loop.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateTranscribing
	StateProcessing
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateTranscribing:
		return "transcribing"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventStateChanged EventKind = iota
	// EventAudioLevel drives waveform UI; delivered best-effort.
	EventAudioLevel
	EventPartialTranscription
	EventCommittedTranscription
	// EventCommandDetected fires when the transcript starts with a
	// recognized voice-command prefix.
	EventCommandDetected
	// EventFinalResult carries the delivered text. Fallback is set when
	// post-processing failed and the raw transcript was used instead.
	EventFinalResult
	EventError
)

type Event struct {
	Kind        EventKind
	State       State
	Text        string
	TimestampMS uint64
	RMS         float64
	VoiceActive bool
	Fallback    bool
	Err         error
	Fatal       bool
}
