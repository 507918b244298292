package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const wavHeaderSize = 44

// WavEncoder buffers PCM and prepends a canonical RIFF header on Close.
type WavEncoder struct {
	pcm        bytes.Buffer
	out        []byte
	encodeTime time.Duration
	closed     bool
	mu         sync.Mutex
}

func NewWav() *WavEncoder {
	return &WavEncoder{}
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("wav encoder closed")
	}
	return binary.Write(&e.pcm, binary.LittleEndian, block)
}

func (e *WavEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	dataLen := uint32(e.pcm.Len())
	byteRate := uint32(SampleRate * Channels * BitsPerSample / 8)
	blockAlign := uint16(Channels * BitsPerSample / 8)

	out := make([]byte, wavHeaderSize, wavHeaderSize+int(dataLen))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], 36+dataLen)
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], Channels)
	binary.LittleEndian.PutUint32(out[24:], SampleRate)
	binary.LittleEndian.PutUint32(out[28:], byteRate)
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], BitsPerSample)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], dataLen)
	e.out = append(out, e.pcm.Bytes()...)
	return nil
}

// Bytes returns the finished file. Before Close it is nil.
func (e *WavEncoder) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out
}

func (e *WavEncoder) TotalFrames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(e.pcm.Len() / (BitsPerSample / 8))
}

func (e *WavEncoder) AddEncodeTime(d time.Duration) {
	e.mu.Lock()
	e.encodeTime += d
	e.mu.Unlock()
}

func (e *WavEncoder) EncodeTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encodeTime
}

func (e *WavEncoder) MIMEType() string { return "audio/wav" }

func (e *WavEncoder) Ext() string { return "wav" }
