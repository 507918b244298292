package audio

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDecodeKey(t *testing.T) {
	for _, tt := range []struct {
		in   []byte
		want pickerKey
	}{
		{[]byte{13}, keyEnter},
		{[]byte{3}, keyAbort},
		{[]byte("j"), keyDown},
		{[]byte("k"), keyUp},
		{[]byte{0x1b, '[', 'A'}, keyUp},
		{[]byte{0x1b, '[', 'B'}, keyDown},
		{[]byte{0x1b, '[', 'C'}, keyNone},
		{[]byte("x"), keyNone},
	} {
		if got := decodeKey(tt.in); got != tt.want {
			t.Errorf("decodeKey(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMoveCursorClamps(t *testing.T) {
	if got := moveCursor(0, 3, keyUp); got != 0 {
		t.Errorf("up at top = %d", got)
	}
	if got := moveCursor(2, 3, keyDown); got != 2 {
		t.Errorf("down at bottom = %d", got)
	}
	if got := moveCursor(1, 3, keyDown); got != 2 {
		t.Errorf("down = %d", got)
	}
}

// keys hands pick one keystroke per Read, like a raw terminal.
type keys [][]byte

func (k *keys) Read(p []byte) (int, error) {
	if len(*k) == 0 {
		return 0, io.EOF
	}
	n := copy(p, (*k)[0])
	*k = (*k)[1:]
	return n, nil
}

func TestPick(t *testing.T) {
	devices := []DeviceInfo{{ID: "1", Name: "Built-in"}, {ID: "2", Name: "AirPods Pro"}}

	in := &keys{{0x1b, '[', 'B'}, {13}}
	var out bytes.Buffer
	d, err := pick(in, &out, devices)
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "2" {
		t.Errorf("picked %q, want 2", d.ID)
	}
	if !bytes.Contains(out.Bytes(), []byte("Lower audio quality")) {
		t.Error("bluetooth device not tagged")
	}

	_, err = pick(&keys{{3}}, io.Discard, devices)
	if !errors.Is(err, ErrSelectionAborted) {
		t.Errorf("ctrl+c err = %v", err)
	}

	_, err = pick(&keys{}, io.Discard, devices)
	if err == nil {
		t.Error("EOF should be an error")
	}
}

func TestFakeContextFailures(t *testing.T) {
	f := NewFakePCM(nil)
	f.Denied = true
	if _, err := f.NewCapture(nil, CaptureConfig{}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("denied err = %v", err)
	}

	f = NewFakePCM(nil)
	f.NoDevices = true
	if _, err := f.NewCapture(nil, CaptureConfig{}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("no device err = %v", err)
	}
	if d, _ := FindDevice(f, "fake"); d != nil {
		t.Errorf("FindDevice = %+v, want nil", d)
	}
}
