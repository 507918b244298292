package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"carbonlog/audio"
	"carbonlog/encoder"
)

type recordingSink struct {
	mu     sync.Mutex
	states []State
	clips  []*Clip
	lost   chan error
	levels int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{lost: make(chan error, 1)}
}

func (s *recordingSink) StateChanged(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *recordingSink) Level(float64) {
	s.mu.Lock()
	s.levels++
	s.mu.Unlock()
}

func (s *recordingSink) ClipReady(c *Clip) {
	s.mu.Lock()
	s.clips = append(s.clips, c)
	s.mu.Unlock()
}

func (s *recordingSink) DeviceLost(err error) { s.lost <- err }

func ramp(n int, offset int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(i+offset)))
	}
	return buf
}

func TestStartStopKeepsEveryChunkInOrder(t *testing.T) {
	fake := audio.NewFakePCM(nil)
	sink := newRecordingSink()
	c := New(fake, Options{Format: encoder.FormatWAV, Sink: sink})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if c.State() != Recording {
		t.Fatalf("state = %s", c.State())
	}

	var want bytes.Buffer
	dev := fake.Last()
	for i := range 5 {
		chunk := ramp(3000, i*3000) // deliberately not a multiple of BlockSize
		want.Write(chunk)
		dev.Push(chunk)
	}

	clip, err := c.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != Idle {
		t.Errorf("state after Stop = %s", c.State())
	}
	if clip.Frames != 15000 {
		t.Errorf("Frames = %d, want 15000", clip.Frames)
	}
	if got := clip.Data[audio.WAVHeaderSize:]; !bytes.Equal(got, want.Bytes()) {
		t.Error("clip payload differs from pushed chunks")
	}
	if clip.MIMEType != "audio/wav" || clip.ID == "" {
		t.Errorf("clip = %+v", clip)
	}
	if fake.Open() != 0 {
		t.Error("device still open after Stop")
	}
	if len(sink.clips) != 1 || sink.clips[0] != clip {
		t.Error("sink did not receive the clip")
	}
	if sink.levels != 5 {
		t.Errorf("levels = %d, want 5", sink.levels)
	}

	wantStates := []State{RequestingDevice, Recording, Stopping, Encoded, Idle}
	if len(sink.states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", sink.states, wantStates)
	}
	for i := range wantStates {
		if sink.states[i] != wantStates[i] {
			t.Fatalf("states = %v, want %v", sink.states, wantStates)
		}
	}
}

func TestStopRightAfterStart(t *testing.T) {
	for _, format := range []string{encoder.FormatFLAC, encoder.FormatWAV} {
		t.Run(format, func(t *testing.T) {
			c := New(audio.NewFakePCM(nil), Options{Format: format})
			if err := c.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			clip, err := c.Stop(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if clip == nil || !clip.Empty() {
				t.Fatalf("clip = %+v, want empty clip", clip)
			}
			if len(clip.Data) == 0 {
				t.Error("empty clip should still carry a container header")
			}
		})
	}
}

func TestStopWhileIdle(t *testing.T) {
	c := New(audio.NewFakePCM(nil), Options{})
	clip, err := c.Stop(context.Background())
	if clip != nil || err != nil {
		t.Errorf("Stop in Idle = %v, %v", clip, err)
	}
}

func TestStartTwice(t *testing.T) {
	fake := audio.NewFakePCM(nil)
	c := New(fake, Options{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start err = %v", err)
	}
	if c.State() != Recording {
		t.Errorf("state = %s", c.State())
	}
	if fake.Open() != 1 {
		t.Errorf("open captures = %d, want 1", fake.Open())
	}
	c.Close()
}

func TestStartDenied(t *testing.T) {
	for _, tc := range []struct {
		name string
		ctx  func() *audio.FakeContext
	}{
		{"denied", func() *audio.FakeContext { f := audio.NewFakePCM(nil); f.Denied = true; return f }},
		{"no device", func() *audio.FakeContext { f := audio.NewFakePCM(nil); f.NoDevices = true; return f }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sink := newRecordingSink()
			c := New(tc.ctx(), Options{Sink: sink})
			err := c.Start(context.Background())
			if !errors.Is(err, ErrDeviceUnavailable) {
				t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
			}
			if c.State() != Idle {
				t.Errorf("state = %s, want idle", c.State())
			}
			if len(sink.clips) != 0 {
				t.Error("a clip was emitted")
			}
		})
	}
}

func TestCancelReleasesDevice(t *testing.T) {
	fake := audio.NewFakePCM(ramp(100, 0))
	sink := newRecordingSink()
	c := New(fake, Options{Sink: sink})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Cancel()
	if c.State() != Idle || fake.Open() != 0 {
		t.Errorf("state = %s, open = %d", c.State(), fake.Open())
	}
	if len(sink.clips) != 0 {
		t.Error("cancel emitted a clip")
	}

	// The next session opens a fresh device.
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fake.Open() != 1 {
		t.Errorf("open = %d, want 1", fake.Open())
	}
	c.Close()
	if fake.Open() != 0 {
		t.Error("Close did not release the device")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v", err)
	}
}

func TestDeviceLost(t *testing.T) {
	fake := audio.NewFakePCM(nil)
	sink := newRecordingSink()
	c := New(fake, Options{Sink: sink})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.Last().Lose(audio.ErrNoDevice)

	select {
	case err := <-sink.lost:
		if !errors.Is(err, ErrDeviceUnavailable) || !errors.Is(err, audio.ErrNoDevice) {
			t.Errorf("lost err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device loss not reported")
	}
	if c.State() != Idle || fake.Open() != 0 {
		t.Errorf("state = %s, open = %d", c.State(), fake.Open())
	}

	// A late report for a device that is already gone is ignored.
	c.DeviceLost(errors.New("late"))
	if c.State() != Idle {
		t.Errorf("state = %s", c.State())
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Error("RMS(nil) != 0")
	}
	if got := RMS(make([]byte, 64)); got != 0 {
		t.Errorf("RMS(silence) = %v", got)
	}
	loud := make([]byte, 4)
	binary.LittleEndian.PutUint16(loud, uint16(0x8000)) // -32768
	binary.LittleEndian.PutUint16(loud[2:], uint16(0x8000))
	if got := RMS(loud); got != 1 {
		t.Errorf("RMS(full scale) = %v", got)
	}
}
