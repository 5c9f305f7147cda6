package audio

import "math"

// RMS returns the root-mean-square amplitude of a buffer, normalized
// to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Gate classifies buffers as voiced or silent against a level
// threshold, with a hold time so that trailing consonants still count
// as voiced. The verdict is advisory: it annotates level events and
// never keeps audio from the transcription session. A zero threshold
// reports everything as voiced.
type Gate struct {
	Threshold float64
	HoldMS    uint64

	openUntil uint64
}

// Open reports whether a buffer observed at the given timestamp counts
// as voice activity.
func (g *Gate) Open(samples []int16, timestampMS uint64) bool {
	if g.Threshold <= 0 {
		return true
	}
	if RMS(samples) >= g.Threshold {
		g.openUntil = timestampMS + g.HoldMS
		return true
	}
	return timestampMS < g.openUntil
}
