// Package device drives the messaging app on an Android device and reports
// the device-side call state.
package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnreachable is returned when the device does not answer on the adb channel.
	ErrUnreachable = errors.New("device unreachable")
	// ErrAppNotRunning is returned when the messaging app is not in the foreground
	// or does not expose the call controls.
	ErrAppNotRunning = errors.New("messaging app not running")
	// ErrCommandTimeout is returned when a single device command exceeds its timeout.
	ErrCommandTimeout = errors.New("device command timeout")
	// ErrInvalidTarget is returned for malformed numbers and callees unknown to the app.
	ErrInvalidTarget = errors.New("invalid call target")
	// ErrCommandFailed is returned when a device command exits with an error.
	ErrCommandFailed = errors.New("device command failed")
)

// CallState is the device-side call state.
type CallState int

const (
	StateIdle CallState = iota
	StateDialing
	StateRinging
	StateConnected
	StateEnded
	StateError
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the leg can no longer reach Connected.
func (s CallState) IsTerminal() bool {
	return s == StateEnded || s == StateError
}

// Target identifies the callee on the messaging side.
type Target struct {
	Phone       string
	ContactName string
	Serial      string // empty = controller default
}

// Handle references one placed call.
type Handle struct {
	ID       string
	Serial   string
	Target   Target
	PlacedAt time.Time
}

// Controller places and ends calls on a device.
//
// PlaceCall may return a non-nil handle together with an error when the call
// was partially set up; the caller must still pass that handle to EndCall.
// PollState never blocks on the device; an Error state comes with the cause.
type Controller interface {
	PlaceCall(ctx context.Context, target Target) (*Handle, error)
	PollState(ctx context.Context, h *Handle) (CallState, error)
	EndCall(ctx context.Context, h *Handle) error
}
