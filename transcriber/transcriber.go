package transcriber

import (
	"context"
	"errors"

	"carbonlog/capture"
	"carbonlog/transport"
)

var (
	// ErrEmptyTranscript means the clip held no recognizable speech. It is
	// not fatal: the user simply records again or types.
	ErrEmptyTranscript = errors.New("no speech recognized")
	// ErrServiceUnavailable covers non-2xx replies, non-JSON replies and
	// bodies that do not decode.
	ErrServiceUnavailable = errors.New("transcription service unavailable")
)

type Result struct {
	Text      string
	Metrics   *transport.NetworkMetrics
	RequestID string
}

// Transcriber turns one finished clip into text with a single request.
type Transcriber interface {
	Transcribe(ctx context.Context, clip *capture.Clip) (Result, error)
}
