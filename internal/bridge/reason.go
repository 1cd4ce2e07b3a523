package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"firestige.xyz/callbridge/internal/audio"
	"firestige.xyz/callbridge/internal/device"
	"firestige.xyz/callbridge/internal/sip"
)

// ReasonKind is the session-level error taxonomy.
type ReasonKind string

const (
	ReasonNone        ReasonKind = ""
	ReasonUnreachable ReasonKind = "Unreachable"
	ReasonRejected    ReasonKind = "Rejected"
	ReasonTimeout     ReasonKind = "Timeout"
	ReasonConflict    ReasonKind = "Conflict"
	ReasonStopped     ReasonKind = "Stopped"
	ReasonInternal    ReasonKind = "Internal"
)

// Reason explains how a session ended. A completed session has Kind ReasonNone.
type Reason struct {
	Kind   ReasonKind `json:"kind,omitempty"`
	Leg    Leg        `json:"leg,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Retryable reports whether the supervisor may restart the session.
func (r Reason) Retryable() bool {
	return r.Kind == ReasonUnreachable || r.Kind == ReasonTimeout
}

// String renders the reason as "Kind: detail", e.g. "Rejected: sip busy".
func (r Reason) String() string {
	switch {
	case r.Kind == ReasonNone:
		return r.Detail
	case r.Detail == "":
		return string(r.Kind)
	default:
		return string(r.Kind) + ": " + r.Detail
	}
}

// MarshalJSON adds the rendered message next to the structured fields.
func (r Reason) MarshalJSON() ([]byte, error) {
	type plain Reason
	return json.Marshal(struct {
		plain
		Message string `json:"message,omitempty"`
	}{plain(r), r.String()})
}

type classified struct {
	err    error
	kind   ReasonKind
	detail string
}

var taxonomy = []classified{
	{device.ErrCommandTimeout, ReasonTimeout, "command timeout"},
	{device.ErrUnreachable, ReasonUnreachable, "unreachable"},
	{device.ErrAppNotRunning, ReasonUnreachable, "app not running"},
	{device.ErrInvalidTarget, ReasonRejected, "invalid target"},
	{sip.ErrRegistrationTimeout, ReasonTimeout, "registration timeout"},
	{sip.ErrDialTimeout, ReasonTimeout, "dial timeout"},
	{sip.ErrUnreachable, ReasonUnreachable, "unreachable"},
	{sip.ErrBusy, ReasonRejected, "busy"},
	{sip.ErrNoAnswer, ReasonRejected, "no answer"},
	{sip.ErrAuthRejected, ReasonRejected, "auth rejected"},
	{sip.ErrServerRejected, ReasonRejected, "server rejected"},
	{sip.ErrInvalidTarget, ReasonRejected, "invalid target"},
	{audio.ErrRouteConflict, ReasonConflict, "route conflict"},
	{audio.ErrEndpointNotFound, ReasonInternal, "endpoint not found"},
	{context.DeadlineExceeded, ReasonTimeout, "deadline exceeded"},
}

// Classify maps a leg controller error onto the session taxonomy.
// Errors outside the known sentinels are Internal.
func Classify(leg Leg, err error) Reason {
	if err == nil {
		return Reason{}
	}
	for _, c := range taxonomy {
		if errors.Is(err, c.err) {
			return Reason{Kind: c.kind, Leg: leg, Detail: fmt.Sprintf("%s %s", leg, c.detail)}
		}
	}
	return Reason{Kind: ReasonInternal, Leg: leg, Detail: fmt.Sprintf("%s: %v", leg, err)}
}
