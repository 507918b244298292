package doctor

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"carbonlog/transport"
)

func pcm(amplitude int16, frames int) []byte {
	buf := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		s := amplitude
		if i%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestJudgeRecording(t *testing.T) {
	for _, tt := range []struct {
		name string
		pcm  []byte
		pass bool
		want string
	}{
		{"nothing", nil, false, "no audio captured"},
		{"silence", pcm(0, 16000), false, "silent"},
		{"voice", pcm(8000, 16000), true, "1.0s captured"},
		{"late voice", append(pcm(0, 32000), pcm(8000, 1600)...), true, "2.1s captured"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if got := judgeRecording(&out, tt.pcm); got != tt.pass {
				t.Errorf("judgeRecording = %v, want %v (%s)", got, tt.pass, out.String())
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output %q missing %q", out.String(), tt.want)
			}
		})
	}
}

func TestCheckService(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()
	client := transport.NewTracedClient(2 * time.Second)

	var out bytes.Buffer
	if !checkService(&out, client, srv.URL) {
		t.Errorf("reachable service failed: %s", out.String())
	}

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	out.Reset()
	if checkService(&out, client, dead.URL) {
		t.Error("closed service passed")
	}
	if !strings.Contains(out.String(), "FAIL") {
		t.Errorf("output = %q", out.String())
	}
}
