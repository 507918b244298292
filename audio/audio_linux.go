//go:build linux

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

const (
	// Laptop mics through PulseAudio come in quiet; boost before the level
	// meter and the encoder see the samples.
	pulseGain = 8
	// How often a running stream is checked for having been killed.
	pulseWatchInterval = 200 * time.Millisecond
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("carbonlog"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

// Devices lists capture sources. Monitor sources (the loopback of every sink)
// are skipped since they never carry a microphone.
func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		if strings.HasSuffix(s.ID(), ".monitor") {
			continue
		}
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	return &pulseCapture{client: p.client, device: device, config: config}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client *pulse.Client
	device *DeviceInfo
	config CaptureConfig

	callback atomic.Pointer[DataCallback]
	lost     atomic.Pointer[LostCallback]

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// amplify converts a pulse buffer to little-endian PCM with pulseGain applied.
func amplify(buf []int16) []byte {
	data := make([]byte, len(buf)*2)
	for i, s := range buf {
		v := min(max(int32(s)*pulseGain, -32768), 32767)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(v)))
	}
	return data
}

func (c *pulseCapture) recordOptions() ([]pulse.RecordOption, error) {
	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm) * 3}
		}),
	}
	if c.device == nil {
		return opts, nil
	}
	source, err := c.client.SourceByID(c.device.ID)
	if err != nil || source == nil {
		return nil, fmt.Errorf("pulse source %q: %w", c.device.Name, ErrNoDevice)
	}
	return append(opts, pulse.RecordSource(source)), nil
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts, err := c.recordOptions()
	if err != nil {
		return err
	}
	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if cb := c.callback.Load(); cb != nil && len(buf) > 0 {
			(*cb)(amplify(buf), uint32(len(buf)))
		}
		return len(buf), nil
	})
	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(stream, c.stop, c.done)
	return nil
}

// run owns the stream until stop is closed. PulseAudio moves a stream to the
// fallback source when its own source goes away; only when the server kills
// the stream outright is the capture reported lost.
func (c *pulseCapture) run(stream *pulse.RecordStream, stop, done chan struct{}) {
	defer close(done)
	stream.Start()

	ticker := time.NewTicker(pulseWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			stream.Stop()
			stream.Close()
			return
		case <-ticker.C:
			if !stream.Closed() {
				continue
			}
			err := stream.Error()
			if err == nil {
				err = errors.New("record stream killed by server")
			}
			if cb := c.lost.Load(); cb != nil {
				(*cb)(err)
			}
			<-stop
			return
		}
	}
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *pulseCapture) SetLostCallback(cb LostCallback) {
	c.lost.Store(&cb)
}

func (c *pulseCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}
