// Package doctor runs interactive checks of the microphone, the clipboard and
// the two remote services.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"carbonlog/audio"
	"carbonlog/capture"
	"carbonlog/clipboard"
	"carbonlog/config"
	"carbonlog/encoder"
	"carbonlog/shutdown"
	"carbonlog/transport"
)

const (
	micDuration = 3 * time.Second
	// Below this RMS the microphone is most likely muted.
	micFloor = 0.005
)

// Run executes the diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg *config.Config) int {
	resetTerminal()
	stop := shutdown.OnSignal(func(os.Signal) {
		fmt.Println("\nInterrupted")
		os.Exit(1)
	})
	defer stop()

	fmt.Println("carbonlog doctor - system diagnostics")
	fmt.Println("=====================================")

	client := transport.NewTracedClient(cfg.RequestTimeout)
	checks := []struct {
		title string
		run   func(w io.Writer) bool
	}{
		{"Activity service", func(w io.Writer) bool { return checkService(w, client, cfg.APIURL) }},
		{"Auth service", func(w io.Writer) bool { return checkService(w, client, cfg.AuthURL) }},
		{"Microphone", func(w io.Writer) bool { return checkMic(w, cfg.Device) }},
		{"Clipboard", checkClipboard},
	}

	allPass := true
	for i, c := range checks {
		fmt.Println()
		fmt.Printf("[%d/%d] %s\n", i+1, len(checks), c.title)
		if !c.run(os.Stdout) {
			allPass = false
		}
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkService(w io.Writer, client *transport.TracedClient, url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := client.Ping(ctx, url); err != nil {
		fmt.Fprintf(w, "  FAIL: %s: %v\n", url, err)
		return false
	}
	fmt.Fprintf(w, "  PASS: %s reachable (%dms)\n", url, time.Since(start).Milliseconds())
	return true
}

func checkMic(w io.Writer, deviceName string) bool {
	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Fprintf(w, "  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	device, err := audio.FindDevice(ctx, deviceName)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	name := "system default"
	if device != nil {
		name = device.Name
	}
	fmt.Fprintf(w, "Using device: %s\n", name)
	if audio.IsBluetooth(name) {
		fmt.Fprintln(w, "  Warning: Bluetooth microphones degrade to low-quality audio while recording")
	}

	fmt.Fprintf(w, "Speak for %d seconds", int(micDuration.Seconds()))
	stop := make(chan struct{})
	go func() {
		time.Sleep(micDuration)
		close(stop)
	}()

	pcm, err := recordAudio(w, ctx, device, stop)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: recording error: %v\n", err)
		return false
	}
	return judgeRecording(w, pcm)
}

// judgeRecording checks that audio arrived and that it is not silence.
func judgeRecording(w io.Writer, pcm []byte) bool {
	if len(pcm) == 0 {
		fmt.Fprintln(w, "  FAIL: no audio captured")
		return false
	}
	frames := len(pcm) / 2
	secs := float64(frames) / encoder.SampleRate
	level := peakRMS(pcm)
	if level < micFloor {
		fmt.Fprintf(w, "  FAIL: %.1fs captured but the signal is silent (peak RMS %.4f); is the mic muted?\n", secs, level)
		return false
	}
	fmt.Fprintf(w, "  PASS: %.1fs captured, peak RMS %.3f\n", secs, level)
	return true
}

// peakRMS is the loudest 100ms window of the recording.
func peakRMS(pcm []byte) float64 {
	const window = encoder.SampleRate / 10 * 2
	var peak float64
	for off := 0; off < len(pcm); off += window {
		end := min(off+window, len(pcm))
		peak = max(peak, capture.RMS(pcm[off:end]))
	}
	return peak
}

func recordAudio(w io.Writer, ctx audio.Context, device *audio.DeviceInfo, stop <-chan struct{}) ([]byte, error) {
	var pcmBuf []byte
	var bufMu sync.Mutex
	var stopped bool
	done := make(chan struct{})

	captureDevice, err := ctx.NewCapture(device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return nil, err
	}

	captureDevice.SetCallback(func(data []byte, frameCount uint32) {
		bufMu.Lock()
		if !stopped {
			pcmBuf = append(pcmBuf, data...)
		}
		bufMu.Unlock()
	})

	if err := captureDevice.Start(); err != nil {
		captureDevice.Close()
		return nil, err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fmt.Fprint(w, ".")
			}
		}
	}()

	<-stop
	close(done)

	captureDevice.Stop()
	captureDevice.ClearCallback()
	fmt.Fprintln(w, " done")
	captureDevice.Close()

	bufMu.Lock()
	stopped = true
	raw := pcmBuf
	bufMu.Unlock()
	return raw, nil
}

func checkClipboard(w io.Writer) bool {
	if !clipboard.Available() {
		fmt.Fprintf(w, "  FAIL: %v\n", clipboard.ErrUnsupported)
		return false
	}

	previous, _ := clipboard.Read()
	defer clipboard.Copy(previous)

	const sentinel = "carbonlog-doctor-test"
	if err := clipboard.Copy(sentinel); err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	got, err := clipboard.Read()
	if err != nil {
		fmt.Fprintf(w, "  FAIL: could not read clipboard: %v\n", err)
		return false
	}
	if strings.TrimSpace(got) != sentinel {
		fmt.Fprintf(w, "  FAIL: clipboard round trip (got %q, want %q)\n", got, sentinel)
		return false
	}
	fmt.Fprintln(w, "  PASS: copy and read back")
	return true
}
