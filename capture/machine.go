package capture

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	RequestingDevice
	Recording
	Stopping
	Encoded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingDevice:
		return "requesting_device"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Encoded:
		return "encoded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether the device is held or audio is still being turned
// into a clip.
func (s State) Active() bool {
	return s != Idle
}

type Input int

const (
	InputStart Input = iota
	InputGranted
	InputDenied
	InputStop
	InputFlushed
	InputFlushFailed
	InputConsumed
	InputCancel
	InputLost
)

func (in Input) String() string {
	return [...]string{
		"start", "granted", "denied", "stop", "flushed",
		"flush_failed", "consumed", "cancel", "lost",
	}[in]
}

type Effect int

const (
	// EffectAcquire opens the device and starts buffering.
	EffectAcquire Effect = iota
	// EffectRelease stops and closes the device.
	EffectRelease
	// EffectFlush drains buffered audio through the encoder into a clip.
	EffectFlush
	// EffectEmit hands the finished clip to the sink.
	EffectEmit
	// EffectDiscard drops buffered audio without producing a clip.
	EffectDiscard
	// EffectReportLost tells the sink the device went away mid-recording.
	EffectReportLost
)

func (e Effect) String() string {
	return [...]string{"acquire", "release", "flush", "emit", "discard", "report_lost"}[e]
}

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrAlreadyRecording  = errors.New("already recording")
	ErrInvalidTransition = errors.New("invalid capture transition")
)

// Next is the capture state machine. It has no side effects: the returned
// effects are performed by the Controller in order. Inputs that make no sense
// in the current state but are harmless (Stop while idle, a late device-loss
// report) leave the state alone and return no effects.
func Next(s State, in Input) (State, []Effect, error) {
	if in == InputStart {
		if s != Idle {
			return s, nil, ErrAlreadyRecording
		}
		return RequestingDevice, []Effect{EffectAcquire}, nil
	}

	switch s {
	case Idle:
		switch in {
		case InputStop, InputCancel, InputLost:
			return s, nil, nil
		}
	case RequestingDevice:
		switch in {
		case InputGranted:
			return Recording, nil, nil
		case InputDenied:
			return Idle, []Effect{EffectRelease, EffectDiscard}, nil
		case InputStop, InputLost:
			return s, nil, nil
		case InputCancel:
			return Idle, []Effect{EffectRelease, EffectDiscard}, nil
		}
	case Recording:
		switch in {
		case InputStop:
			return Stopping, []Effect{EffectRelease, EffectFlush}, nil
		case InputCancel:
			return Idle, []Effect{EffectRelease, EffectDiscard}, nil
		case InputLost:
			return Idle, []Effect{EffectRelease, EffectDiscard, EffectReportLost}, nil
		}
	case Stopping:
		switch in {
		case InputFlushed:
			return Encoded, []Effect{EffectEmit}, nil
		case InputFlushFailed:
			return Idle, []Effect{EffectDiscard}, nil
		case InputStop, InputCancel, InputLost:
			return s, nil, nil
		}
	case Encoded:
		switch in {
		case InputConsumed:
			return Idle, nil, nil
		case InputStop, InputCancel, InputLost:
			return s, nil, nil
		}
	}
	return s, nil, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, in, s)
}
