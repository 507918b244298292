package encoder

import (
	"fmt"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	FormatFLAC = "flac"
	FormatWAV  = "wav"
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
	MIMEType() string
	Ext() string
}

// New returns an encoder for one of the supported clip formats.
func New(format string) (Encoder, error) {
	switch format {
	case FormatFLAC:
		return NewFlac()
	case FormatWAV:
		return NewWav(), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// Duration converts a frame count at SampleRate to wall time.
func Duration(frames uint64) time.Duration {
	return time.Duration(frames) * time.Second / SampleRate
}
