package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"carbonlog/audio"
	"carbonlog/capture"
	"carbonlog/encoder"
	"carbonlog/estimator"
	"carbonlog/session"
	"carbonlog/transcriber"
	"carbonlog/transport"
)

const droveResponse = `{"status":"success","total_co2e_kg":2.55,"activities":[
	{"activity_type":"transport","key":"car_petrol","quantity":15,"unit":"km","co2e":2.55}],
	"failed_sentences":[],"message":"Processed: 1 activities recorded."}`

type harness struct {
	o       *Orchestrator
	sess    *session.Session
	dev     *audio.FakeContext
	tr      *transcriber.Fake
	calls   atomic.Int32
	expired atomic.Int32

	mu      sync.Mutex
	handler http.HandlerFunc
}

func (h *harness) respond(fn http.HandlerFunc) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func speech(ms int) []byte {
	n := encoder.SampleRate * ms / 1000
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16((i%200)*100-10000)))
	}
	return buf
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()
	h := &harness{
		sess:    session.New("alice", "tok-alice"),
		dev:     audio.NewFakePCM(speech(500)),
		tr:      transcriber.NewFake("I drove 15km", nil),
		handler: handler,
	}

	r := chi.NewRouter()
	r.Post("/api/log-activity/", func(w http.ResponseWriter, r *http.Request) {
		h.calls.Add(1)
		h.mu.Lock()
		fn := h.handler
		h.mu.Unlock()
		fn(w, r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctrl := capture.New(h.dev, capture.Options{Format: encoder.FormatWAV})
	t.Cleanup(ctrl.Close)

	h.o = New(Options{
		Session:       h.sess,
		Recorder:      ctrl,
		Transcriber:   h.tr,
		Estimator:     estimator.New(transport.NewTracedClient(5*time.Second), srv.URL),
		Format:        encoder.FormatWAV,
		OnAuthExpired: func(string) { h.expired.Add(1) },
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDroveScenario(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	ctx := context.Background()

	if err := h.o.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.o.Snapshot().Recording {
		t.Error("snapshot does not show recording")
	}
	text, err := h.o.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if text != "I drove 15km" || h.o.Text() != "I drove 15km" {
		t.Fatalf("text = %q, buffer = %q", text, h.o.Text())
	}
	if h.dev.Open() != 0 {
		t.Error("device not released after stop")
	}
	clips := h.tr.Clips()
	if len(clips) != 1 || clips[0].Frames != uint64(encoder.SampleRate/2) {
		t.Fatalf("transcribed clips = %+v", clips)
	}

	res, err := h.o.Submit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCO2eKg != 2.55 || len(res.Items) != 1 || res.Items[0].Key != "car_petrol" {
		t.Errorf("result = %+v", res)
	}
	snap := h.o.Snapshot()
	if snap.State != Succeeded || snap.Text != "" || snap.Result != res || snap.Submissions != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.calls.Load() != 1 {
		t.Errorf("backend calls = %d", h.calls.Load())
	}
}

func TestSubmitPreconditions(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	ctx := context.Background()

	for _, text := range []string{"", "   \n\t"} {
		h.o.SetText(text)
		if _, err := h.o.Submit(ctx); !errors.Is(err, ErrPreconditionNotMet) {
			t.Errorf("Submit(%q) err = %v", text, err)
		}
	}

	h.o.SetText("I drove 15km")
	h.sess.Clear()
	if _, err := h.o.Submit(ctx); !errors.Is(err, ErrPreconditionNotMet) {
		t.Errorf("Submit without token err = %v", err)
	}

	if h.calls.Load() != 0 {
		t.Errorf("rejected submissions reached the backend %d times", h.calls.Load())
	}
	if h.o.Snapshot().State != Editing {
		t.Errorf("precondition failure changed state to %s", h.o.Snapshot().State)
	}
}

func TestSubmitWhileRecording(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	ctx := context.Background()
	h.o.SetText("I drove 15km")

	if err := h.o.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.o.Submit(ctx); !errors.Is(err, ErrPreconditionNotMet) {
		t.Errorf("Submit while recording err = %v", err)
	}
	if err := h.o.StartRecording(ctx); !errors.Is(err, capture.ErrAlreadyRecording) {
		t.Errorf("second StartRecording err = %v", err)
	}
	h.o.CancelRecording()
	if h.o.Snapshot().Recording || h.dev.Open() != 0 {
		t.Error("cancel did not release the recording")
	}
	if h.calls.Load() != 0 {
		t.Errorf("calls = %d", h.calls.Load())
	}
}

func TestSubmitWhileTranscribing(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	h.tr.Release = make(chan struct{})
	ctx := context.Background()
	h.o.SetText("typed earlier")

	if err := h.o.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.o.StopRecording(ctx)
		done <- err
	}()
	waitFor(t, "transcribing", func() bool { return h.o.Snapshot().State == Transcribing })

	if _, err := h.o.Submit(ctx); !errors.Is(err, ErrPreconditionNotMet) {
		t.Errorf("Submit while transcribing err = %v", err)
	}
	if err := h.o.StartRecording(ctx); !errors.Is(err, ErrPreconditionNotMet) {
		t.Errorf("StartRecording while transcribing err = %v", err)
	}
	if err := h.o.SetText("edit"); !errors.Is(err, ErrPreconditionNotMet) {
		t.Errorf("SetText while transcribing err = %v", err)
	}

	close(h.tr.Release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if h.o.Text() != "I drove 15km" {
		t.Errorf("text = %q, want transcript to replace it", h.o.Text())
	}
	if h.calls.Load() != 0 {
		t.Errorf("calls = %d", h.calls.Load())
	}
	if h.tr.Calls() != 1 {
		t.Errorf("transcriber calls = %d", h.tr.Calls())
	}
}

func TestConcurrentSubmitMakesOneCall(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		reply(http.StatusCreated, droveResponse)(w, r)
	})
	h.o.SetText("I drove 15km")

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.Submit(context.Background())
			errs <- err
		}()
	}

	<-arrived
	for range n - 1 {
		if err := <-errs; !errors.Is(err, ErrPreconditionNotMet) {
			t.Errorf("concurrent Submit err = %v", err)
		}
	}
	close(release)
	wg.Wait()
	if err := <-errs; err != nil {
		t.Errorf("winning Submit err = %v", err)
	}
	if h.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", h.calls.Load())
	}
}

func TestFailedSubmissionKeepsResultAndText(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	ctx := context.Background()

	h.o.SetText("I drove 15km")
	first, err := h.o.Submit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	h.respond(reply(http.StatusBadRequest, `{"message":"Could not understand the activity"}`))
	h.o.SetText("blorp")
	_, err = h.o.Submit(ctx)
	if !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("err = %v", err)
	}
	snap := h.o.Snapshot()
	if snap.State != Failed || snap.Text != "blorp" || snap.Result != first {
		t.Errorf("snapshot = %+v", snap)
	}
	if KindOf(snap.Notice) != KindRejected {
		t.Errorf("notice kind = %s", KindOf(snap.Notice))
	}

	h.respond(reply(http.StatusOK, `{"total_co2e_kg":`))
	if _, err := h.o.Submit(ctx); !errors.Is(err, ErrSubmissionRejected) {
		t.Errorf("malformed err = %v", err)
	}
	if h.o.Result() != first {
		t.Error("malformed response replaced the result")
	}

	h.respond(reply(http.StatusCreated, `{"total_co2e_kg":0.4,"activities":[]}`))
	second, err := h.o.Submit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second == first || h.o.Result() != second || second.TotalCO2eKg != 0.4 {
		t.Error("successful submission did not replace the result")
	}

	h.o.Dismiss()
	if s := h.o.Snapshot(); s.State != Editing || s.Notice != nil {
		t.Errorf("after Dismiss = %+v", s)
	}
}

func TestUnauthorizedClearsSessionOnce(t *testing.T) {
	h := newHarness(t, reply(http.StatusUnauthorized, `{"total_co2e_kg":99,"activities":[]}`))
	ctx := context.Background()
	h.o.SetText("I drove 15km")

	res, err := h.o.Submit(ctx)
	if !errors.Is(err, ErrAuthExpired) || res != nil {
		t.Fatalf("Submit = %v, %v", res, err)
	}
	if h.sess.Authenticated() {
		t.Error("token survived a 401")
	}
	if h.expired.Load() != 1 {
		t.Errorf("re-auth hook ran %d times", h.expired.Load())
	}
	if h.o.Result() != nil {
		t.Error("401 body was published as a result")
	}
	if s := h.o.Snapshot(); s.State != Failed || s.Text != "I drove 15km" {
		t.Errorf("snapshot = %+v", s)
	}
	if KindOf(err).Dismissible() {
		t.Error("auth expiry must not be dismissible")
	}

	// A second attempt is stopped locally.
	if _, err := h.o.Submit(ctx); !errors.Is(err, ErrPreconditionNotMet) {
		t.Errorf("second Submit err = %v", err)
	}
	if h.calls.Load() != 1 || h.expired.Load() != 1 {
		t.Errorf("calls = %d, hook = %d", h.calls.Load(), h.expired.Load())
	}
}

func TestExpiredTokenSkipsNetwork(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("test-secret-test-secret-test-sec"))
	if err != nil {
		t.Fatal(err)
	}
	h.sess.Set("alice", tok)
	h.o.SetText("I drove 15km")

	if _, err := h.o.Submit(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v", err)
	}
	if h.calls.Load() != 0 {
		t.Errorf("expired token reached the backend")
	}
	if h.sess.Authenticated() || h.expired.Load() != 1 {
		t.Errorf("authenticated = %v, hook = %d", h.sess.Authenticated(), h.expired.Load())
	}
}

func TestConnectivityFailure(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	h.o.est = estimator.New(transport.NewTracedClient(2*time.Second), srv.URL)
	h.o.SetText("I drove 15km")

	_, err := h.o.Submit(context.Background())
	if !errors.Is(err, transport.ErrConnectivity) {
		t.Fatalf("err = %v", err)
	}
	if s := h.o.Snapshot(); s.State != Failed || s.Text != "I drove 15km" || !h.sess.Authenticated() {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestDeniedDevice(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	h.dev.Denied = true

	err := h.o.StartRecording(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	s := h.o.Snapshot()
	if s.Recording || s.State != Editing || KindOf(s.Notice) != KindDevice {
		t.Errorf("snapshot = %+v", s)
	}
	if _, err := h.o.StopRecording(context.Background()); err != nil {
		t.Errorf("StopRecording after denial err = %v", err)
	}
	if h.tr.Calls() != 0 {
		t.Error("a clip was transcribed")
	}
}

func TestTranscriptionFailureKeepsText(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		kind Kind
	}{
		{"service", transcriber.ErrServiceUnavailable, KindServiceUnavailable},
		{"empty", transcriber.ErrEmptyTranscript, KindEmptyTranscript},
		{"network", transport.ErrConnectivity, KindConnectivity},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, reply(http.StatusCreated, droveResponse))
			h.tr.Err = tt.err
			ctx := context.Background()
			h.o.SetText("typed by hand")

			if err := h.o.StartRecording(ctx); err != nil {
				t.Fatal(err)
			}
			_, err := h.o.StopRecording(ctx)
			if KindOf(err) != tt.kind {
				t.Fatalf("err = %v (kind %s), want %s", err, KindOf(err), tt.kind)
			}
			s := h.o.Snapshot()
			if s.Text != "typed by hand" || s.State != Editing || s.Notice == nil {
				t.Errorf("snapshot = %+v", s)
			}
		})
	}
}

func TestZeroLengthClip(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	h.dev = audio.NewFakePCM(nil)
	ctrl := capture.New(h.dev, capture.Options{Format: encoder.FormatFLAC})
	t.Cleanup(ctrl.Close)
	h.o.rec = ctrl

	if err := h.o.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := h.o.StopRecording(context.Background())
	if !errors.Is(err, transcriber.ErrEmptyTranscript) {
		t.Errorf("err = %v", err)
	}
	if h.tr.Calls() != 0 {
		t.Error("empty clip was sent for transcription")
	}
}

func TestShortClipDropped(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	h.o.minClip = time.Second
	h.o.SetText("typed by hand")

	if err := h.o.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := h.o.StopRecording(context.Background())
	if !errors.Is(err, transcriber.ErrEmptyTranscript) {
		t.Errorf("err = %v", err)
	}
	if h.tr.Calls() != 0 {
		t.Error("short clip was sent for transcription")
	}
	if h.o.Text() != "typed by hand" {
		t.Errorf("text = %q", h.o.Text())
	}
}

func TestReportDeviceLoss(t *testing.T) {
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	h.o.SetText("I drove 15km")
	if err := h.o.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.dev.Last().Lose(errors.New("unplugged"))
	waitFor(t, "controller idle", func() bool { return !h.o.Snapshot().Recording })

	h.o.Report(fmt.Errorf("%w: unplugged", capture.ErrDeviceUnavailable))
	s := h.o.Snapshot()
	if KindOf(s.Notice) != KindDevice || s.Text != "I drove 15km" || s.State != Editing {
		t.Errorf("snapshot = %+v", s)
	}
	if h.dev.Open() != 0 {
		t.Error("device not released after loss")
	}
	h.o.Dismiss()
	if h.o.Snapshot().Notice != nil {
		t.Error("notice survived Dismiss")
	}
}

func TestOnChange(t *testing.T) {
	var mu sync.Mutex
	var states []State
	h := newHarness(t, reply(http.StatusCreated, droveResponse))
	h.o.onChange = func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	}
	h.o.SetText("I drove 15km")
	if _, err := h.o.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{Editing, Submitting, Succeeded}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}
