package pipeline

import (
	"strings"
	"sync"
)

// TextBuffer holds the activity description being composed. It is only ever
// replaced as a whole.
type TextBuffer struct {
	mu   sync.Mutex
	text string
}

func (b *TextBuffer) Set(text string) {
	b.mu.Lock()
	b.text = text
	b.mu.Unlock()
}

func (b *TextBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *TextBuffer) Clear() {
	b.Set("")
}

// Blank reports whether the buffer holds nothing but whitespace.
func (b *TextBuffer) Blank() bool {
	return strings.TrimSpace(b.Text()) == ""
}
