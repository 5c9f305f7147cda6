// Package output delivers final transcripts to their destination.
package output

import (
	"fmt"
	"sync"

	cb "github.com/atotto/clipboard"
)

// Sink consumes the final text of one dictation cycle.
type Sink interface {
	Write(text string) error
}

// Clipboard copies the text to the system clipboard.
type Clipboard struct{}

func (Clipboard) Write(text string) error {
	if err := cb.WriteAll(text); err != nil {
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	return nil
}

// Stdout prints the text, for headless use.
type Stdout struct{}

func (Stdout) Write(text string) error {
	_, err := fmt.Println(text)
	return err
}

// Memory records writes, for tests.
type Memory struct {
	mu    sync.Mutex
	texts []string
}

func (m *Memory) Write(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *Memory) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.texts))
	copy(out, m.texts)
	return out
}
