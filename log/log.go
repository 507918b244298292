package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog      zerolog.Logger
	diagFile     *os.File
	activityFile *os.File
	logMu        sync.Mutex
	logReady     bool
	pid          int
	dir          string
)

// TranscriptionStats is the per-call network breakdown of a transcription.
type TranscriptionStats struct {
	ClipID      string
	AudioS      float64
	ClipKB      float64
	Format      string
	DNSMs       float64
	TLSMs       float64
	TTFBMs      float64
	TotalMs     float64
	ConnReused  bool
	TLSProtocol string
}

// SubmissionStats describes one successful submission.
type SubmissionStats struct {
	RequestID    string
	TotalKg      float64
	Items        int
	Unrecognized int
	TotalMs      float64
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: CARBONLOG_LOG_PATH environment variable
	if envPath := os.Getenv("CARBONLOG_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	activityPath := filepath.Join(dir, "activity_log.txt")
	activityFile, err = os.OpenFile(activityPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if activityFile != nil {
		activityFile.Close()
		activityFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Transcription(s TranscriptionStats) {
	if !logReady {
		return
	}

	connStatus := "new"
	if s.ConnReused {
		connStatus = "reused"
	}

	ev := diagLog.Info().
		Str("clip", s.ClipID).
		Str("format", s.Format).
		Str("conn", connStatus)
	if s.TLSProtocol != "" {
		ev = ev.Str("tls_proto", s.TLSProtocol)
	}
	ev.Float64("audio_s", s.AudioS).
		Float64("clip_kb", s.ClipKB).
		Float64("dns_ms", s.DNSMs).
		Float64("tls_ms", s.TLSMs).
		Float64("ttfb_ms", s.TTFBMs).
		Float64("total_ms", s.TotalMs).
		Msg("transcription")
}

func Submission(s SubmissionStats) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("request_id", s.RequestID).
		Float64("total_kg", s.TotalKg).
		Int("items", s.Items).
		Int("unrecognized", s.Unrecognized).
		Float64("total_ms", s.TotalMs).
		Msg("submission")
}

// Failure records a pipeline error together with its taxonomy kind.
func Failure(stage, kind string, err error) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("stage", stage).
		Str("kind", kind).
		Err(err).
		Msg("pipeline_error")
}

func AuthExpired(username string) {
	if !logReady {
		return
	}
	diagLog.Warn().Str("username", username).Msg("auth_expired")
}

func ActivityText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	activityFile.WriteString(line)
}

func SessionStart(username, apiURL, format string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("username", username).
		Str("api", apiURL).
		Str("format", format).
		Msg("session_start")
}

func SessionEnd(submissions int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("submissions", submissions).
		Msg("session_end")
}

func RecordingStart(device string) {
	if !logReady {
		return
	}
	diagLog.Info().Str("device", device).Msg("recording_start")
}

func RecordingStop(clipID string, frames uint64, clipBytes int, encodeMs int64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("clip", clipID).
		Uint64("frames", frames).
		Int("bytes", clipBytes).
		Int64("encode_ms", encodeMs).
		Msg("recording_stop")
}

func RecordingAborted(reason string) {
	if !logReady {
		return
	}
	diagLog.Info().Str("reason", reason).Msg("recording_aborted")
}
