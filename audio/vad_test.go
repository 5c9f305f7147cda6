package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, RMS([]int16{0, 0, 0}))

	loud := []int16{32767, -32767, 32767, -32767}
	assert.InDelta(t, 1.0, RMS(loud), 0.001)

	quiet := []int16{100, -100, 100, -100}
	assert.Less(t, RMS(quiet), 0.01)
}

func TestGateDisabled(t *testing.T) {
	g := &Gate{}
	assert.True(t, g.Open([]int16{0, 0}, 0))
}

func TestGateSuppressesSilence(t *testing.T) {
	g := &Gate{Threshold: 0.05}
	assert.False(t, g.Open([]int16{10, -10}, 0))
}

func TestGateHold(t *testing.T) {
	g := &Gate{Threshold: 0.05, HoldMS: 300}

	loud := []int16{20000, -20000}
	silence := []int16{10, -10}

	assert.True(t, g.Open(loud, 0))
	// Within the hold window silence still passes.
	assert.True(t, g.Open(silence, 100))
	assert.True(t, g.Open(silence, 299))
	// Past the hold window it is suppressed again.
	assert.False(t, g.Open(silence, 300))
	// Loud audio reopens the gate.
	assert.True(t, g.Open(loud, 400))
	assert.True(t, g.Open(silence, 600))
}
