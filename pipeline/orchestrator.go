// Package pipeline ties capture, transcription and submission together. The
// Orchestrator owns the activity text and the most recent result, and is the
// only place that reacts to an expired session.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"carbonlog/capture"
	"carbonlog/estimator"
	"carbonlog/log"
	"carbonlog/session"
	"carbonlog/transcriber"
)

type State int

const (
	Editing State = iota
	Transcribing
	Submitting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Editing:
		return "editing"
	case Transcribing:
		return "transcribing"
	case Submitting:
		return "submitting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Busy reports whether a network call is in flight.
func (s State) Busy() bool {
	return s == Transcribing || s == Submitting
}

// Recorder is the part of capture.Controller the pipeline drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*capture.Clip, error)
	Cancel()
	State() capture.State
}

type Snapshot struct {
	State       State
	Text        string
	Recording   bool
	Result      *estimator.Result
	Notice      error
	Submissions int
}

type Options struct {
	Session     *session.Session
	Recorder    Recorder
	Transcriber transcriber.Transcriber
	Estimator   estimator.Estimator
	Format      string
	// MinClip drops recordings shorter than this before transcription.
	MinClip time.Duration

	// OnAuthExpired runs once each time the session token is dropped because
	// the service refused it.
	OnAuthExpired func(username string)
	// OnChange receives a snapshot after every state change. It is called
	// without any lock held.
	OnChange func(Snapshot)
	Now      func() time.Time
}

type Orchestrator struct {
	session     *session.Session
	rec         Recorder
	tr          transcriber.Transcriber
	est         estimator.Estimator
	format      string
	minClip     time.Duration
	onExpired   func(string)
	onChange    func(Snapshot)
	now         func() time.Time
	text        TextBuffer
	result      atomic.Pointer[estimator.Result]
	submissions atomic.Int32

	mu       sync.Mutex
	state    State
	notice   error
	starting bool
	stopping bool
}

func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		session:   opts.Session,
		rec:       opts.Recorder,
		tr:        opts.Transcriber,
		est:       opts.Estimator,
		format:    opts.Format,
		minClip:   opts.MinClip,
		onExpired: opts.OnAuthExpired,
		onChange:  opts.OnChange,
		now:       opts.Now,
	}
}

func (o *Orchestrator) Session() *session.Session { return o.session }

func (o *Orchestrator) Text() string { return o.text.Text() }

// Result is the outcome of the most recent successful submission, or nil.
func (o *Orchestrator) Result() *estimator.Result { return o.result.Load() }

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:       o.state,
		Text:        o.text.Text(),
		Recording:   o.recordingLocked(),
		Result:      o.result.Load(),
		Notice:      o.notice,
		Submissions: int(o.submissions.Load()),
	}
}

func (o *Orchestrator) recordingLocked() bool {
	return o.starting || o.stopping || o.rec.State().Active()
}

func (o *Orchestrator) changed() {
	if o.onChange != nil {
		o.onChange(o.Snapshot())
	}
}

// SetText replaces the activity text with what the user typed.
func (o *Orchestrator) SetText(text string) error {
	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot edit while %s", ErrPreconditionNotMet, o.state)
	}
	o.text.Set(text)
	if o.state == Succeeded || o.state == Failed {
		o.state = Editing
	}
	o.mu.Unlock()
	o.changed()
	return nil
}

// Dismiss clears the current notification.
func (o *Orchestrator) Dismiss() {
	o.mu.Lock()
	o.notice = nil
	if o.state == Succeeded || o.state == Failed {
		o.state = Editing
	}
	o.mu.Unlock()
	o.changed()
}

func (o *Orchestrator) StartRecording(ctx context.Context) error {
	o.mu.Lock()
	if o.state.Busy() {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot record while %s", ErrPreconditionNotMet, state)
	}
	if o.recordingLocked() {
		o.mu.Unlock()
		return capture.ErrAlreadyRecording
	}
	o.starting = true
	o.mu.Unlock()

	err := o.rec.Start(ctx)

	o.mu.Lock()
	o.starting = false
	if err != nil {
		o.notice = err
	}
	o.mu.Unlock()
	if err != nil {
		log.Failure("capture", KindOf(err).String(), err)
	}
	o.changed()
	return err
}

// Report shows an error raised outside the pipeline's own calls, such as a
// capture device disappearing mid-recording.
func (o *Orchestrator) Report(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	o.notice = err
	o.mu.Unlock()
	log.Failure("capture", KindOf(err).String(), err)
	o.changed()
}

// CancelRecording drops the active recording, if any.
func (o *Orchestrator) CancelRecording() {
	o.rec.Cancel()
	o.changed()
}

// StopRecording finishes the active recording and transcribes it. On success
// the transcript replaces the activity text and is returned. With no active
// recording it does nothing.
func (o *Orchestrator) StopRecording(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.stopping || o.state == Transcribing {
		o.mu.Unlock()
		return "", nil
	}
	o.stopping = true
	o.mu.Unlock()

	clip, err := o.rec.Stop(ctx)

	o.mu.Lock()
	o.stopping = false
	if err != nil || clip == nil {
		if err != nil {
			o.notice = err
		}
		o.mu.Unlock()
		if err != nil {
			log.Failure("capture", KindOf(err).String(), err)
		}
		o.changed()
		return "", err
	}
	o.state = Transcribing
	o.mu.Unlock()
	o.changed()

	var res transcriber.Result
	if clip.Duration < o.minClip {
		err = fmt.Errorf("%w: clip of %s is too short", transcriber.ErrEmptyTranscript, clip.Duration)
	} else {
		res, err = o.tr.Transcribe(ctx, clip)
	}

	o.mu.Lock()
	o.state = Editing
	if err != nil {
		o.notice = err
	} else {
		o.text.Set(res.Text)
		o.notice = nil
	}
	o.mu.Unlock()

	if err != nil {
		log.Failure("transcription", KindOf(err).String(), err)
	} else {
		logTranscription(clip, o.format, res)
	}
	o.changed()
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Submit sends the activity text for estimation. It never queues: if anything
// else is in flight it fails immediately with ErrPreconditionNotMet.
func (o *Orchestrator) Submit(ctx context.Context) (*estimator.Result, error) {
	o.mu.Lock()
	if err := o.submitAllowedLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	creds, _ := o.session.Credentials()
	text := strings.TrimSpace(o.text.Text())

	if o.session.Expired(o.now()) {
		o.state = Failed
		o.notice = ErrAuthExpired
		o.mu.Unlock()
		o.expire(creds.Username)
		o.changed()
		return nil, ErrAuthExpired
	}

	o.state = Submitting
	o.notice = nil
	o.mu.Unlock()
	o.changed()

	start := time.Now()
	out, err := o.est.Submit(ctx, creds, text)

	var (
		res     *estimator.Result
		expired bool
	)
	o.mu.Lock()
	switch out := out.(type) {
	case nil:
		if err == nil {
			err = fmt.Errorf("%w: no outcome", ErrSubmissionRejected)
		}
	case estimator.Accepted:
		r := out.Result
		res = &r
		o.result.Store(res)
		o.text.Clear()
		o.submissions.Add(1)
	case estimator.Unauthorized:
		expired = true
		err = ErrAuthExpired
	case estimator.Rejected:
		err = fmt.Errorf("%w: %w", ErrSubmissionRejected, out)
	case estimator.Malformed:
		err = fmt.Errorf("%w: malformed response: %w", ErrSubmissionRejected, out.Err)
	}
	if err != nil {
		o.state = Failed
		o.notice = err
	} else {
		o.state = Succeeded
	}
	o.mu.Unlock()

	if expired {
		o.expire(creds.Username)
	}
	if err != nil {
		log.Failure("submission", KindOf(err).String(), err)
	} else {
		log.ActivityText(text)
		log.Submission(log.SubmissionStats{
			RequestID:    res.RequestID,
			TotalKg:      res.TotalCO2eKg,
			Items:        len(res.Items),
			Unrecognized: len(res.Unrecognized),
			TotalMs:      float64(time.Since(start).Milliseconds()),
		})
	}
	o.changed()
	return res, err
}

func (o *Orchestrator) submitAllowedLocked() error {
	switch {
	case o.state.Busy():
		return fmt.Errorf("%w: %s in progress", ErrPreconditionNotMet, o.state)
	case o.recordingLocked():
		return fmt.Errorf("%w: recording in progress", ErrPreconditionNotMet)
	case o.text.Blank():
		return fmt.Errorf("%w: nothing to submit", ErrPreconditionNotMet)
	case !o.session.Authenticated():
		return fmt.Errorf("%w: not logged in", ErrPreconditionNotMet)
	}
	return nil
}

// expire drops the session token. Only the call that actually removed it
// runs the hook, so concurrent 401s produce one re-authentication.
func (o *Orchestrator) expire(username string) {
	if !o.session.Clear() {
		return
	}
	log.AuthExpired(username)
	if o.onExpired != nil {
		o.onExpired(username)
	}
}

func logTranscription(clip *capture.Clip, format string, res transcriber.Result) {
	stats := log.TranscriptionStats{
		ClipID: clip.ID,
		AudioS: clip.Duration.Seconds(),
		ClipKB: float64(len(clip.Data)) / 1024,
		Format: format,
	}
	if m := res.Metrics; m != nil {
		stats.DNSMs = float64(m.DNS.Milliseconds())
		stats.TLSMs = float64(m.TLS.Milliseconds())
		stats.TTFBMs = float64(m.TTFB.Milliseconds())
		stats.TotalMs = float64(m.Sum().Milliseconds())
		stats.ConnReused = m.ConnReused
		stats.TLSProtocol = m.TLSProtocol
	}
	log.Transcription(stats)
}
