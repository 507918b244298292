package main

import (
	"context"
	"sync"
	"time"

	"carbonlog/audio"
	"carbonlog/auth"
	"carbonlog/beep"
	"carbonlog/capture"
	"carbonlog/config"
	"carbonlog/estimator"
	"carbonlog/log"
	"carbonlog/pipeline"
	"carbonlog/session"
	"carbonlog/transcriber"
	"carbonlog/transport"
)

// recordTail keeps the device open briefly after a silence auto-close so the
// end cue does not get cut off.
const recordTail = 500 * time.Millisecond

// app is one interactive session: the capture controller, the pipeline and
// the clients behind it.
type app struct {
	cfg    *config.Config
	store  *session.Store
	sess   *session.Session
	events EventSink

	client *transport.TracedClient
	auth   *auth.Client
	tr     *transcriber.Client
	est    *estimator.Client
	ctrl   *capture.Controller
	orch   *pipeline.Orchestrator
	sink   *recorderSink
}

func newApp(cfg *config.Config, actx audio.Context, device *audio.DeviceInfo, store *session.Store, sess *session.Session, events EventSink) *app {
	a := &app{
		cfg:    cfg,
		store:  store,
		sess:   sess,
		events: events,
		client: transport.NewTracedClient(cfg.RequestTimeout),
	}
	a.auth = auth.New(a.client, cfg.AuthURL)
	a.tr = transcriber.New(a.client, cfg.APIURL)
	a.est = estimator.New(a.client, cfg.APIURL)

	a.sink = &recorderSink{
		events: events,
		onSilence: func(done <-chan struct{}) {
			select {
			case <-done:
				return
			case <-time.After(recordTail):
			}
			// The user may have stopped and started again during the tail.
			if a.sink.current(done) {
				a.orch.StopRecording(context.Background())
			}
		},
		onLost: func(err error) { a.orch.Report(err) },
	}
	a.ctrl = capture.New(actx, capture.Options{
		Format: cfg.Format,
		Device: device,
		Sink:   a.sink,
	})
	a.orch = pipeline.New(pipeline.Options{
		Session:       sess,
		Recorder:      a.ctrl,
		Transcriber:   a.tr,
		Estimator:     a.est,
		Format:        cfg.Format,
		MinClip:       cfg.MinClip,
		OnAuthExpired: events.AuthExpired,
		OnChange:      events.Snapshot,
	})
	return a
}

// warm opens connections to both services in the background so the first
// request skips the handshake.
func (a *app) warm() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.tr.Warm(ctx)
		a.client.Warm(ctx, a.cfg.AuthURL)
	}()
}

// login authenticates against the auth service and installs the new token in
// the shared session, so the pipeline picks it up on the next submission.
func (a *app) login(ctx context.Context, username, password string, register bool) error {
	var (
		fresh *session.Session
		err   error
	)
	if register {
		fresh, err = a.auth.Register(ctx, username, password)
	} else {
		fresh, err = a.auth.Login(ctx, username, password)
	}
	if err != nil {
		log.Warnf("login failed for %s: %v", username, err)
		return err
	}
	creds, _ := fresh.Credentials()
	a.sess.Set(creds.Username, creds.Token)
	if a.store != nil {
		if err := a.store.Save(a.sess); err != nil {
			log.Errorf("session save error: %v", err)
		}
	}
	log.Info("login: " + creds.Username)
	a.events.Snapshot(a.orch.Snapshot())
	return nil
}

func (a *app) close() {
	a.ctrl.Close()
	log.SessionEnd(a.orch.Snapshot().Submissions)
}

// recorderSink receives capture events. While the controller is Recording it
// runs the silence monitor, and it plays the start/end cues on the edges.
type recorderSink struct {
	events    EventSink
	onSilence func(done <-chan struct{})
	onLost    func(err error)
	gate      levelGate

	mu   sync.Mutex
	done chan struct{}
}

func (r *recorderSink) StateChanged(s capture.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case s == capture.Recording && r.done == nil:
		r.gate.Tick()
		r.done = make(chan struct{})
		go r.monitor(r.done)
		beep.PlayStart()
	case s != capture.Recording && r.done != nil:
		close(r.done)
		r.done = nil
		beep.PlayEnd()
	}
}

// current reports whether done belongs to the recording still in progress.
func (r *recorderSink) current(done <-chan struct{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil && r.done == done
}

func (r *recorderSink) Level(rms float64) {
	r.gate.Observe(rms)
	r.events.AudioLevel(rms)
}

func (r *recorderSink) ClipReady(*capture.Clip) {}

func (r *recorderSink) DeviceLost(err error) {
	beep.PlayError()
	if r.onLost != nil {
		go r.onLost(err)
	}
}

func (r *recorderSink) monitor(done <-chan struct{}) {
	mon := newSilenceMonitor()
	start := time.Now()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer r.events.NoVoiceWarning(false)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.events.RecordingTick(time.Since(start))
			switch mon.Tick(r.gate.Tick()) {
			case SilenceWarn:
				log.Info("no_voice_warning")
				r.events.NoVoiceWarning(true)
				beep.PlayError()
			case SilenceWarnClear:
				r.events.NoVoiceWarning(false)
			case SilenceRepeat:
				log.Info("silence_during_warning")
				beep.PlayError()
			case SilenceAutoClose:
				log.Info("silence_auto_close")
				if r.onSilence != nil {
					go r.onSilence(done)
				}
				return
			}
		}
	}
}
