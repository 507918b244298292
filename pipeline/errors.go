package pipeline

import (
	"context"
	"errors"

	"carbonlog/capture"
	"carbonlog/transcriber"
	"carbonlog/transport"
)

var (
	ErrPreconditionNotMet = errors.New("precondition not met")
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrAuthExpired is the only error that leaves the pipeline: the caller
	// must send the user back to login.
	ErrAuthExpired = errors.New("session expired")
)

type Kind int

const (
	KindNone Kind = iota
	KindDevice
	KindEmptyTranscript
	KindServiceUnavailable
	KindPrecondition
	KindRejected
	KindConnectivity
	KindAuthExpired
	KindCancelled
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDevice:
		return "device"
	case KindEmptyTranscript:
		return "empty_transcript"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindPrecondition:
		return "precondition"
	case KindRejected:
		return "rejected"
	case KindConnectivity:
		return "connectivity"
	case KindAuthExpired:
		return "auth_expired"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Dismissible reports whether the error is shown as a notification the user
// can clear, as opposed to one that ends the authenticated session.
func (k Kind) Dismissible() bool {
	return k != KindAuthExpired
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return KindDevice
	case errors.Is(err, ErrPreconditionNotMet), errors.Is(err, capture.ErrAlreadyRecording):
		return KindPrecondition
	case errors.Is(err, transcriber.ErrEmptyTranscript):
		return KindEmptyTranscript
	case errors.Is(err, transcriber.ErrServiceUnavailable):
		return KindServiceUnavailable
	case errors.Is(err, ErrSubmissionRejected):
		return KindRejected
	case errors.Is(err, transport.ErrConnectivity), errors.Is(err, context.DeadlineExceeded):
		return KindConnectivity
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}
