// Package bridge implements the session state machine that sequences the
// device leg, the SIP leg and the audio route of one bridged call.
package bridge

import (
	"time"

	"firestige.xyz/callbridge/internal/audio"
	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/device"
	"firestige.xyz/callbridge/internal/sip"
)

// Phase is a named stage of the session lifecycle.
type Phase string

const (
	PhaseCreated        Phase = "created"
	PhaseAwaitingDevice Phase = "awaiting_device"
	PhaseAwaitingSIP    Phase = "awaiting_sip"
	PhaseBridging       Phase = "bridging"
	PhaseActive         Phase = "active"
	PhaseTearingDown    Phase = "tearing_down"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// IsTerminal reports whether the session has finished.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Leg names one side of the bridge.
type Leg string

const (
	LegDevice Leg = "device"
	LegSIP    Leg = "sip"
	LegAudio  Leg = "audio"
)

// Request carries everything a session needs to run one attempt.
// SessionID is assigned once per bridge request and stays the same across
// retry attempts; Attempt tells the attempts apart.
type Request struct {
	SessionID   string
	RequestID   string
	Attempt     int
	// MaxAttempts is the retry budget of the session. Zero means one attempt.
	MaxAttempts int
	Device      device.Target
	SIPTarget   string
	Credentials sip.Credentials
	DeviceAudio audio.Endpoint
	SIPAudio    audio.Endpoint
}

// Timing holds the polling interval and the per-phase deadlines.
type Timing struct {
	PollInterval   time.Duration
	AwaitingDevice time.Duration
	AwaitingSIP    time.Duration
	Bridging       time.Duration
	Teardown       time.Duration
}

// TimingFromConfig converts the session section of the configuration.
func TimingFromConfig(cfg config.SessionConfig) Timing {
	return Timing{
		PollInterval:   cfg.PollInterval,
		AwaitingDevice: cfg.AwaitingDeviceTimeout,
		AwaitingSIP:    cfg.AwaitingSIPTimeout,
		Bridging:       cfg.BridgingTimeout,
		Teardown:       cfg.TeardownTimeout,
	}
}

// Legs groups the three controllers a session drives.
type Legs struct {
	Device device.Controller
	SIP    sip.Controller
	Audio  audio.Router
}

// Snapshot is an immutable view of a session. ID is shared by every
// attempt of the same session.
type Snapshot struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id,omitempty"`
	Attempt     int       `json:"attempt"`
	Phase       Phase     `json:"phase"`
	Phone       string    `json:"phone"`
	ContactName string    `json:"contact_name,omitempty"`
	SIPTarget   string    `json:"sip_target"`
	DeviceState string    `json:"device_state"`
	SIPState    string    `json:"sip_state"`
	RouteActive bool      `json:"route_active"`
	Reason      Reason    `json:"reason"`
	// WillRetry marks a failed attempt that another attempt will follow.
	WillRetry   bool      `json:"will_retry,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Observer is told about every phase transition. Calls happen on the
// session goroutine, in order; implementations must not block.
type Observer interface {
	SessionTransition(s Snapshot, from Phase)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s Snapshot, from Phase)

func (f ObserverFunc) SessionTransition(s Snapshot, from Phase) { f(s, from) }
