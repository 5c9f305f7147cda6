package stt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"parla/audio"
)

type EventKind int

const (
	// EventPartial is speculative text, superseded by the next partial or
	// committed event.
	EventPartial EventKind = iota
	// EventCommitted is finalized text. Committed text is append-only and
	// never retracted.
	EventCommitted
	// EventError reports a failure. Fatal errors end the session; non-fatal
	// ones (a single dropped batch chunk) let it continue.
	EventError
)

type Event struct {
	Kind        EventKind
	Text        string
	TimestampMS uint64
	Err         error
	Fatal       bool
}

// ErrSessionClosed is returned by SendAudio after Stop.
var ErrSessionClosed = errors.New("stt session closed")

// Session is one recording's worth of transcription. Callers push audio
// with SendAudio, consume Events until the channel closes, and call Stop
// exactly once to finalize.
type Session interface {
	SendAudio(chunk audio.Chunk) error
	Events() <-chan Event
	Stop() error
}

type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Config struct {
	Provider      string // "deepgram"|"elevenlabs"|"groq"|"openai"
	Language      string
	Model         string
	Format        string        // batch container: "wav"|"flac"
	ChunkDuration time.Duration // batch upload interval
	Reconnect     ReconnectConfig
}

func (c Config) withDefaults() Config {
	if c.Format == "" {
		c.Format = "wav"
	}
	if c.ChunkDuration == 0 {
		c.ChunkDuration = 3 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 10
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	return c
}

// New opens a session for the configured provider. A missing API key or
// unknown provider is fatal and reported immediately, never retried.
func New(ctx context.Context, cfg Config) (Session, error) {
	cfg = cfg.withDefaults()

	switch cfg.Provider {
	case "deepgram":
		key := os.Getenv("DEEPGRAM_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY environment variable is not set")
		}
		return newStreamSession(ctx, cfg, "deepgram", deepgramDialer(cfg, key))
	case "elevenlabs":
		key := os.Getenv("ELEVENLABS_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ELEVENLABS_API_KEY environment variable is not set")
		}
		return newStreamSession(ctx, cfg, "elevenlabs", elevenLabsDialer(cfg, key))
	case "groq":
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GROQ_API_KEY environment variable is not set")
		}
		return newBatchSession(ctx, cfg, "groq", newGroqUploader(key, cfg.Language).transcribe)
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
		}
		return newBatchSession(ctx, cfg, "openai", newOpenAIUploader(key, cfg.Language).transcribe)
	case "":
		return newFromEnv(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

func newFromEnv(ctx context.Context, cfg Config) (Session, error) {
	for _, p := range []struct {
		env  string
		name string
	}{
		{"DEEPGRAM_API_KEY", "deepgram"},
		{"ELEVENLABS_API_KEY", "elevenlabs"},
		{"GROQ_API_KEY", "groq"},
		{"OPENAI_API_KEY", "openai"},
	} {
		if os.Getenv(p.env) != "" {
			cfg.Provider = p.name
			return New(ctx, cfg)
		}
	}
	return nil, fmt.Errorf("set DEEPGRAM_API_KEY, ELEVENLABS_API_KEY, GROQ_API_KEY or OPENAI_API_KEY environment variable")
}
