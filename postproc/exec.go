package postproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecProcessor runs an external command with the rendered prompt
// appended as the final argument and reads the result from stdout.
// The command string may include its own arguments, e.g.
// "llm -m claude-haiku".
type ExecProcessor struct {
	argv []string
}

func NewExecProcessor(command string) (*ExecProcessor, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse post-process command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("post-process command is empty")
	}
	return &ExecProcessor{argv: argv}, nil
}

func (p *ExecProcessor) Process(ctx context.Context, task Task) (string, error) {
	prompt := BuildPrompt(task)
	args := append(append([]string(nil), p.argv[1:]...), prompt)

	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s timed out: %w", p.argv[0], ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", p.argv[0], err, msg)
		}
		return "", fmt.Errorf("%s: %w", p.argv[0], err)
	}
	return stdout.String(), nil
}

// Available reports whether the configured tool can be found in PATH.
func (p *ExecProcessor) Available() bool {
	_, err := exec.LookPath(p.argv[0])
	return err == nil
}
