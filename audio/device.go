package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrSelectionAborted is returned when the picker is dismissed with Ctrl+C.
var ErrSelectionAborted = errors.New("device selection aborted")

type pickerKey int

const (
	keyNone pickerKey = iota
	keyUp
	keyDown
	keyEnter
	keyAbort
)

func decodeKey(buf []byte) pickerKey {
	if len(buf) == 1 {
		switch buf[0] {
		case 13: // Enter
			return keyEnter
		case 3: // Ctrl+C
			return keyAbort
		case 'j': // vim down
			return keyDown
		case 'k': // vim up
			return keyUp
		}
	} else if len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[' {
		switch buf[2] {
		case 'A':
			return keyUp
		case 'B':
			return keyDown
		}
	}
	return keyNone
}

func moveCursor(cursor, n int, k pickerKey) int {
	switch k {
	case keyUp:
		if cursor > 0 {
			cursor--
		}
	case keyDown:
		if cursor < n-1 {
			cursor++
		}
	}
	return cursor
}

// SelectDevice presents an interactive device picker and returns the selected device.
// If only one device is available, it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, ErrNoDevice
	}

	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	return pick(os.Stdin, os.Stdout, devices)
}

func pick(in io.Reader, out io.Writer, devices []DeviceInfo) (*DeviceInfo, error) {
	cursor := 0
	renderList := func() {
		fmt.Fprint(out, "\r\x1b[J")
		fmt.Fprint(out, "Select input device (↑/↓, Enter to confirm):\r\n\r\n")
		for i, d := range devices {
			btTag := ""
			if IsBluetooth(d.Name) {
				btTag = " \x1b[33m[⚠ Lower audio quality]\x1b[0m"
			}
			if i == cursor {
				fmt.Fprintf(out, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, btTag)
			} else {
				fmt.Fprintf(out, "    %s%s\r\n", d.Name, btTag)
			}
		}
	}

	renderList()

	buf := make([]byte, 3)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		switch k := decodeKey(buf[:n]); k {
		case keyEnter:
			fmt.Fprint(out, "\r\n")
			return &devices[cursor], nil
		case keyAbort:
			fmt.Fprint(out, "\r\n")
			return nil, ErrSelectionAborted
		default:
			cursor = moveCursor(cursor, len(devices), k)
		}

		lines := len(devices) + 2
		fmt.Fprintf(out, "\x1b[%dA", lines)
		renderList()
	}
}
