// Package clipboard copies result summaries so they can be pasted elsewhere.
package clipboard

import (
	"errors"
	"fmt"

	cb "github.com/atotto/clipboard"
)

var ErrUnsupported = errors.New("no clipboard utility found (install xclip, xsel or wl-clipboard)")

// Available reports whether the platform clipboard can be reached.
func Available() bool {
	return !cb.Unsupported
}

func Copy(text string) error {
	if !Available() {
		return ErrUnsupported
	}
	if err := cb.WriteAll(text); err != nil {
		return fmt.Errorf("clipboard copy: %w", err)
	}
	return nil
}

func Read() (string, error) {
	if !Available() {
		return "", ErrUnsupported
	}
	return cb.ReadAll()
}
