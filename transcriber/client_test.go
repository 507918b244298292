package transcriber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"carbonlog/capture"
	"carbonlog/transport"
)

func testClip() *capture.Clip {
	return &capture.Clip{
		ID:       "clip-1",
		Data:     []byte("RIFF....WAVEfake"),
		MIMEType: "audio/wav",
		Ext:      "wav",
		Frames:   1600,
		Duration: 100 * time.Millisecond,
	}
}

type backend struct {
	calls   atomic.Int32
	handler http.HandlerFunc
}

func newBackend(t *testing.T, h http.HandlerFunc) (*backend, *Client) {
	t.Helper()
	b := &backend{handler: h}
	r := chi.NewRouter()
	r.Post("/api/speech-to-text/", func(w http.ResponseWriter, req *http.Request) {
		b.calls.Add(1)
		b.handler(w, req)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, New(transport.NewTracedClient(5*time.Second), srv.URL+"/")
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestTranscribeSuccess(t *testing.T) {
	b, c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		file, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "RIFF....WAVEfake" {
			t.Errorf("uploaded %q", data)
		}
		if hdr.Filename != "recording.wav" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("part content type = %q", ct)
		}
		if id := r.Header.Get("X-Request-ID"); id != "clip-1" {
			t.Errorf("X-Request-ID = %q", id)
		}
		writeJSON(w, http.StatusOK, `{"status":"success","transcript":"  I drove 15km today  "}`)
	})

	res, err := c.Transcribe(context.Background(), testClip())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "I drove 15km today" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Metrics == nil || res.RequestID != "clip-1" {
		t.Errorf("result = %+v", res)
	}
	if b.calls.Load() != 1 {
		t.Errorf("calls = %d", b.calls.Load())
	}
}

func TestTranscribeEmptyClipSkipsNetwork(t *testing.T) {
	b, c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"transcript":"x"}`)
	})
	for _, clip := range []*capture.Clip{nil, {ID: "empty", Data: make([]byte, 44), Ext: "wav"}} {
		if _, err := c.Transcribe(context.Background(), clip); !errors.Is(err, ErrEmptyTranscript) {
			t.Errorf("err = %v, want ErrEmptyTranscript", err)
		}
	}
	if b.calls.Load() != 0 {
		t.Errorf("empty clip hit the network %d times", b.calls.Load())
	}
}

func TestTranscribeFailures(t *testing.T) {
	for _, tt := range []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"blank transcript", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"transcript":"   "}`)
		}, ErrEmptyTranscript},
		{"server error with message", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"message":"Transcription failed: quota"}`)
		}, ErrServiceUnavailable},
		{"html error page", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, `<html>{"transcript":"not me"}</html>`)
		}, ErrServiceUnavailable},
		{"2xx but not json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, `{"transcript":"not me"}`)
		}, ErrServiceUnavailable},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"transcript":`)
		}, ErrServiceUnavailable},
		{"missing transcript", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"status":"success"}`)
		}, ErrServiceUnavailable},
		{"transcript on error status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"transcript":"should be ignored"}`)
		}, ErrServiceUnavailable},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newBackend(t, tt.handler)
			res, err := c.Transcribe(context.Background(), testClip())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if res.Text != "" {
				t.Errorf("Text = %q on failure", res.Text)
			}
		})
	}
}

func TestTranscribeMessageIsDetail(t *testing.T) {
	_, c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"message":"quota exceeded"}`)
	})
	_, err := c.Transcribe(context.Background(), testClip())
	if err == nil || err.Error() != "transcription service unavailable: quota exceeded" {
		t.Errorf("err = %v", err)
	}
}

func TestTranscribeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(transport.NewTracedClient(2*time.Second), url)
	_, err := c.Transcribe(context.Background(), testClip())
	if !errors.Is(err, transport.ErrConnectivity) {
		t.Errorf("err = %v, want ErrConnectivity", err)
	}
}

func TestFake(t *testing.T) {
	f := NewFake("hello", nil)
	res, err := f.Transcribe(context.Background(), testClip())
	if err != nil || res.Text != "hello" {
		t.Fatalf("Transcribe = %+v, %v", res, err)
	}
	if _, err := f.Transcribe(context.Background(), &capture.Clip{}); !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("empty clip err = %v", err)
	}
	if f.Calls() != 1 {
		t.Errorf("Calls = %d", f.Calls())
	}
}
