package main

import (
	"time"

	"carbonlog/pipeline"
)

// EventSink abstracts the display layer so both the Bubble Tea TUI and the
// headless -test driver receive the same pipeline and recording events.
//
// Snapshot may be called from inside the display's own event loop, so
// implementations must not block on it.
type EventSink interface {
	Snapshot(s pipeline.Snapshot)
	RecordingTick(elapsed time.Duration)
	AudioLevel(level float64)
	NoVoiceWarning(on bool)
	DeviceLine(text string)
	AuthExpired(username string)
}
