// Package beep plays the short audio cues around a recording.
package beep

import (
	"math"
	"sync/atomic"
)

var disabled atomic.Bool

// Disable silences every cue for the rest of the process.
func Disable() { disabled.Store(true) }

func Disabled() bool { return disabled.Load() }

const (
	sampleRate = 44100

	// Start beep: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End beep: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30

	// Success: two rising ticks after an accepted submission
	okFreq   = 1500
	okVolume = 0.4
	okDecay  = 50
)

// tone renders a decaying mono sine.
func tone(freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

// twice plays a then b with a gap of silence between them.
func twice(a, b []int16, gap float64) []int16 {
	silence := make([]int16, int(float64(sampleRate)*gap))
	out := make([]int16, 0, len(a)+len(silence)+len(b))
	out = append(out, a...)
	out = append(out, silence...)
	return append(out, b...)
}

type cues struct {
	start, end, fail, ok []int16
}

// newCues builds the cue set; tail pads each sound for backends that need
// their buffer filled before playback begins.
func newCues(tail float64) cues {
	return cues{
		start: tone(startFreq, 0.03+tail, startVolume, startDecay),
		end:   tone(endFreq, 0.05+tail, endVolume, endDecay),
		fail: twice(
			tone(errorFreq, 0.08, errorVolume, errorDecay),
			tone(errorFreq, 0.08+tail, errorVolume, errorDecay),
			0.05,
		),
		ok: twice(
			tone(endFreq, 0.04, okVolume, okDecay),
			tone(okFreq, 0.04+tail, okVolume, okDecay),
			0.03,
		),
	}
}

// PlayStart marks the beginning of a recording.
func PlayStart() { play(func(c *cues) []int16 { return c.start }) }

// PlayEnd marks the end of a recording.
func PlayEnd() { play(func(c *cues) []int16 { return c.end }) }

// PlayError signals a failure or a no-voice warning.
func PlayError() { play(func(c *cues) []int16 { return c.fail }) }

// PlaySuccess signals an accepted submission.
func PlaySuccess() { play(func(c *cues) []int16 { return c.ok }) }

func play(pick func(*cues) []int16) {
	if disabled.Load() {
		return
	}
	c := loadCues()
	if c == nil {
		return
	}
	playSamples(pick(c))
}
