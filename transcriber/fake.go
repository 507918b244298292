package transcriber

import (
	"context"
	"sync"
	"sync/atomic"

	"carbonlog/capture"
	"carbonlog/transport"
)

// Fake returns a canned transcript. Release, when set, blocks each call until
// it is closed, which lets tests observe the in-flight state.
type Fake struct {
	Text    string
	Err     error
	Release chan struct{}

	calls atomic.Int32

	mu    sync.Mutex
	clips []*capture.Clip
}

func NewFake(text string, err error) *Fake {
	return &Fake{Text: text, Err: err}
}

func (f *Fake) Calls() int { return int(f.calls.Load()) }

func (f *Fake) Clips() []*capture.Clip {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*capture.Clip(nil), f.clips...)
}

func (f *Fake) Transcribe(ctx context.Context, clip *capture.Clip) (Result, error) {
	if clip.Empty() {
		return Result{}, ErrEmptyTranscript
	}
	f.calls.Add(1)
	f.mu.Lock()
	f.clips = append(f.clips, clip)
	f.mu.Unlock()

	if f.Release != nil {
		select {
		case <-f.Release:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.Err != nil {
		return Result{}, f.Err
	}
	if f.Text == "" {
		return Result{}, ErrEmptyTranscript
	}
	return Result{Text: f.Text, Metrics: &transport.NetworkMetrics{}, RequestID: clip.ID}, nil
}
