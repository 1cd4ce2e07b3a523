// Package sip drives a SIP user agent through registration, dialing and hangup.
package sip

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAuthRejected        = errors.New("sip authentication rejected")
	ErrRegistrationTimeout = errors.New("sip registration timeout")
	ErrNoAnswer            = errors.New("sip no answer")
	ErrBusy                = errors.New("sip busy")
	ErrServerRejected      = errors.New("sip server rejected call")
	ErrDialTimeout         = errors.New("sip dial timeout")
	// ErrUnreachable means the user agent control channel cannot be reached.
	ErrUnreachable   = errors.New("sip user agent unreachable")
	ErrInvalidTarget = errors.New("invalid sip target")
)

// CallState is the SIP dialog state as seen by the user agent.
type CallState int

const (
	StateUnregistered CallState = iota
	StateRegistering
	StateRegistered
	StateDialing
	StateRinging
	StateConnected
	StateEnded
	StateError
)

func (s CallState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
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

// IsTerminal reports whether the dialog is over.
func (s CallState) IsTerminal() bool {
	return s == StateEnded || s == StateError
}

// Credentials identify the SIP account used for outgoing calls.
type Credentials struct {
	Username string
	AuthUser string
	Password string
	Server   string
	Port     int
}

// Handle references one outgoing call.
type Handle struct {
	CallID   string
	Target   string // normalized request URI
	DialedAt time.Time
}

// Controller is the SIP leg of a bridge session.
//
// Register is idempotent. Hangup is best effort and idempotent.
// PollState does not block; StateError and a pre-answer StateEnded carry the cause.
type Controller interface {
	Register(ctx context.Context, creds Credentials) error
	Dial(ctx context.Context, target string) (*Handle, error)
	PollState(ctx context.Context, h *Handle) (CallState, error)
	Hangup(ctx context.Context, h *Handle) error
}
