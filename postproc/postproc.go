package postproc

import (
	"context"
	"strings"
	"time"

	"parla/log"
)

// DefaultTimeout bounds a single post-processing call.
const DefaultTimeout = 30 * time.Second

type TaskKind int

const (
	// TaskPostProcess is the default cleanup pass over dictated text.
	TaskPostProcess TaskKind = iota
	TaskShorten
	TaskChangeTone
	TaskGenerateReply
	TaskTranslate
)

func (k TaskKind) String() string {
	switch k {
	case TaskPostProcess:
		return "post_process"
	case TaskShorten:
		return "shorten"
	case TaskChangeTone:
		return "change_tone"
	case TaskGenerateReply:
		return "generate_reply"
	case TaskTranslate:
		return "translate"
	default:
		return "unknown"
	}
}

// Task is one text transformation request. Tone is set for
// TaskChangeTone, Language for TaskTranslate, DictionaryTerms for
// TaskPostProcess.
type Task struct {
	Kind            TaskKind
	Text            string
	Tone            string
	Language        string
	DictionaryTerms []string
}

// Result is the outcome of Run: exactly one of the transformed text or
// the raw input, never both.
type Result struct {
	Text     string
	Fallback bool
}

// Processor transforms text through an external tool.
type Processor interface {
	Process(ctx context.Context, task Task) (string, error)
}

// Run invokes the processor under a hard timeout. Any failure — timeout,
// subprocess error, malformed response, empty output — falls back to the
// raw transcript so delivery is never blocked.
func Run(ctx context.Context, proc Processor, task Task, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := proc.Process(cctx, task)
	if err != nil {
		log.Warnf("post-processing (%s) failed, using raw transcript: %v", task.Kind, err)
		return Result{Text: task.Text, Fallback: true}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		log.Warnf("post-processing (%s) returned empty output, using raw transcript", task.Kind)
		return Result{Text: task.Text, Fallback: true}
	}
	return Result{Text: out}
}
