package capture

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"carbonlog/encoder"
)

// Clip is one finished recording. It is never mutated after Stop returns it.
type Clip struct {
	ID         string
	Data       []byte
	MIMEType   string
	Ext        string
	Frames     uint64
	Duration   time.Duration
	EncodeTime time.Duration
}

// Empty reports whether the clip carries no audio frames.
func (c *Clip) Empty() bool {
	return c == nil || c.Frames == 0
}

func (c *Clip) Filename() string {
	return "recording." + c.Ext
}

// recording buffers device PCM into encoder-sized blocks and encodes them
// on a separate goroutine while capture is still running.
type recording struct {
	enc        encoder.Encoder
	blockChan  chan []int16
	encodeDone chan struct{}

	mu        sync.Mutex
	sampleBuf []int16
	closed    bool

	errMu     sync.Mutex
	encodeErr error
}

func newRecording(format string) (*recording, error) {
	enc, err := encoder.New(format)
	if err != nil {
		return nil, err
	}
	r := &recording{
		enc:        enc,
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
	}
	go func() {
		defer close(r.encodeDone)
		for block := range r.blockChan {
			start := time.Now()
			if err := r.enc.EncodeBlock(block); err != nil {
				r.errMu.Lock()
				if r.encodeErr == nil {
					r.encodeErr = err
				}
				r.errMu.Unlock()
			}
			r.enc.AddEncodeTime(time.Since(start))
		}
	}()
	return r, nil
}

// feed runs on the audio backend goroutine. Chunks that arrive after the
// recording was closed are dropped.
func (r *recording) feed(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		r.sampleBuf = append(r.sampleBuf, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	for len(r.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, r.sampleBuf[:encoder.BlockSize])
		r.sampleBuf = r.sampleBuf[encoder.BlockSize:]
		r.blockChan <- block
	}
}

func (r *recording) close(flush bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.encodeDone
		return
	}
	r.closed = true
	if flush && len(r.sampleBuf) > 0 {
		partial := make([]int16, len(r.sampleBuf))
		copy(partial, r.sampleBuf)
		r.blockChan <- partial
	}
	r.sampleBuf = nil
	close(r.blockChan)
	r.mu.Unlock()
	<-r.encodeDone
}

// finish flushes the tail, waits for the encoder and returns the clip.
func (r *recording) finish() (*Clip, error) {
	r.close(true)

	r.errMu.Lock()
	err := r.encodeErr
	r.errMu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := r.enc.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, len(r.enc.Bytes()))
	copy(data, r.enc.Bytes())
	frames := r.enc.TotalFrames()
	return &Clip{
		ID:         uuid.NewString(),
		Data:       data,
		MIMEType:   r.enc.MIMEType(),
		Ext:        r.enc.Ext(),
		Frames:     frames,
		Duration:   encoder.Duration(frames),
		EncodeTime: r.enc.EncodeTime(),
	}, nil
}

func (r *recording) discard() {
	r.close(false)
}

// RMS returns the normalized (0..1) root mean square of 16-bit LE PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
