package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"carbonlog/audio"
	"carbonlog/encoder"
	"carbonlog/log"
)

var ErrClosed = errors.New("capture controller closed")

// Sink receives controller events. Level is called on the audio goroutine
// and the other methods with the controller lock held, so implementations
// must not call back into the Controller.
type Sink interface {
	StateChanged(s State)
	Level(rms float64)
	ClipReady(clip *Clip)
	DeviceLost(err error)
}

type nopSink struct{}

func (nopSink) StateChanged(State) {}
func (nopSink) Level(float64)      {}
func (nopSink) ClipReady(*Clip)    {}
func (nopSink) DeviceLost(error)   {}

type Options struct {
	Format string
	Device *audio.DeviceInfo
	Sink   Sink
}

// Controller drives one capture device through the Next state machine.
// There is exactly one per process.
type Controller struct {
	actx   audio.Context
	format string
	device *audio.DeviceInfo
	sink   Sink

	state atomic.Int32

	mu      sync.Mutex
	dev     audio.CaptureDevice
	rec     *recording
	clip    *Clip
	lostErr error
	closed  bool
}

func New(actx audio.Context, opts Options) *Controller {
	if opts.Format == "" {
		opts.Format = encoder.FormatFLAC
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	return &Controller{
		actx:   actx,
		format: opts.Format,
		device: opts.Device,
		sink:   opts.Sink,
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) Recording() bool {
	return c.State() == Recording
}

func (c *Controller) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}

// SetDevice changes the device used by the next Start.
func (c *Controller) SetDevice(d *audio.DeviceInfo) {
	c.mu.Lock()
	c.device = d
	c.mu.Unlock()
}

// Start acquires the device and begins buffering audio.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.apply(ctx, InputStart)
}

// Stop ends the recording and returns the encoded clip. Outside Recording it
// does nothing and returns a nil clip.
func (c *Controller) Stop(ctx context.Context) (*Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.apply(ctx, InputStop); err != nil {
		return nil, err
	}
	if c.State() != Encoded {
		return nil, nil
	}
	clip := c.clip
	c.clip = nil
	if err := c.apply(ctx, InputConsumed); err != nil {
		return nil, err
	}
	return clip, nil
}

// Cancel abandons an active recording without producing a clip.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == Recording {
		log.RecordingAborted("cancelled")
	}
	c.apply(context.Background(), InputCancel)
}

// DeviceLost aborts an active recording because the device went away.
func (c *Controller) DeviceLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceLost(err)
}

func (c *Controller) deviceLost(err error) {
	if c.State() != Recording {
		return
	}
	c.lostErr = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	log.RecordingAborted("device_lost")
	c.apply(context.Background(), InputLost)
}

// Close releases the device if it is still held. Further Starts fail.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.apply(context.Background(), InputCancel)
	c.closed = true
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.sink.StateChanged(s)
	}
}

func (c *Controller) apply(ctx context.Context, in Input) error {
	next, effects, err := Next(c.State(), in)
	if err != nil {
		return err
	}
	c.setState(next)
	for _, e := range effects {
		if err := c.perform(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) perform(ctx context.Context, e Effect) error {
	switch e {
	case EffectAcquire:
		if err := c.acquire(ctx); err != nil {
			if aerr := c.apply(ctx, InputDenied); aerr != nil {
				return aerr
			}
			return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		log.RecordingStart(c.DeviceName())
		return c.apply(ctx, InputGranted)

	case EffectRelease:
		if c.dev != nil {
			c.dev.Stop()
			c.dev.ClearCallback()
			c.dev.Close()
			c.dev = nil
		}

	case EffectFlush:
		rec := c.rec
		c.rec = nil
		clip, err := rec.finish()
		if err != nil {
			if ferr := c.apply(ctx, InputFlushFailed); ferr != nil {
				return ferr
			}
			return fmt.Errorf("encoding clip: %w", err)
		}
		log.RecordingStop(clip.ID, clip.Frames, len(clip.Data), clip.EncodeTime.Milliseconds())
		c.clip = clip
		return c.apply(ctx, InputFlushed)

	case EffectEmit:
		c.sink.ClipReady(c.clip)

	case EffectDiscard:
		if c.rec != nil {
			c.rec.discard()
			c.rec = nil
		}
		c.clip = nil

	case EffectReportLost:
		c.sink.DeviceLost(c.lostErr)
	}
	return nil
}

func (c *Controller) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := newRecording(c.format)
	if err != nil {
		return err
	}
	c.rec = rec

	dev, err := c.actx.NewCapture(c.device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return err
	}
	c.dev = dev

	sink := c.sink
	dev.SetCallback(func(data []byte, _ uint32) {
		rec.feed(data)
		sink.Level(RMS(data))
	})
	// Backends may report loss from inside their own Stop path, so the
	// controller lock is taken on a fresh goroutine.
	dev.SetLostCallback(func(err error) {
		go func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.dev == dev {
				c.deviceLost(err)
			}
		}()
	})
	return dev.Start()
}
