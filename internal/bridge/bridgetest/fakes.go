// Package bridgetest provides in-memory leg controllers for exercising the
// session state machine and the supervisor without devices or processes.
package bridgetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/callbridge/internal/audio"
	"firestige.xyz/callbridge/internal/device"
	"firestige.xyz/callbridge/internal/sip"
)

// Never disables automatic connection of a fake leg.
const Never time.Duration = -1

type forced[S any] struct {
	state S
	err   error
}

// Device is a fake device.Controller. A placed call connects ConnectAfter
// after PlaceCall returns unless Force overrides the state.
type Device struct {
	// PlaceErrs are returned by successive PlaceCall invocations before PlaceErr applies.
	PlaceErrs    []error
	PlaceErr     error
	PlaceDelay   time.Duration
	ConnectAfter time.Duration
	EndErr       error
	EndDelay     time.Duration
	// IgnoreEnd keeps the call alive after EndCall.
	IgnoreEnd bool

	mu       sync.Mutex
	placedAt time.Time
	seq      int
	ended    bool
	force    *forced[device.CallState]
	places   int
	ends     int
}

func (d *Device) PlaceCall(ctx context.Context, target device.Target) (*device.Handle, error) {
	d.mu.Lock()
	d.places++
	d.seq++
	seq := d.seq
	delay := d.PlaceDelay
	placeErr := d.PlaceErr
	if len(d.PlaceErrs) > 0 {
		placeErr = d.PlaceErrs[0]
		d.PlaceErrs = d.PlaceErrs[1:]
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if placeErr != nil {
		return nil, placeErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.placedAt = time.Now()
	d.ended = false
	return &device.Handle{ID: fmt.Sprintf("fake-%d", seq), Target: target, PlacedAt: d.placedAt}, nil
}

func (d *Device) PollState(_ context.Context, h *device.Handle) (device.CallState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case h == nil || d.ended:
		return device.StateEnded, nil
	case d.force != nil:
		return d.force.state, d.force.err
	case d.ConnectAfter >= 0 && time.Since(d.placedAt) >= d.ConnectAfter:
		return device.StateConnected, nil
	}
	return device.StateDialing, nil
}

func (d *Device) EndCall(_ context.Context, h *device.Handle) error {
	d.mu.Lock()
	delay := d.EndDelay
	d.mu.Unlock()
	time.Sleep(delay)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.ends++
	if !d.IgnoreEnd {
		d.ended = true
	}
	return d.EndErr
}

// Force pins the reported state, e.g. to simulate a remote hangup.
func (d *Device) Force(st device.CallState, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.force = &forced[device.CallState]{st, err}
}

// Places returns how many times PlaceCall was invoked.
func (d *Device) Places() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.places
}

// Ends returns how many times EndCall was invoked.
func (d *Device) Ends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ends
}

// SIP is a fake sip.Controller.
type SIP struct {
	RegisterErr  error
	DialErr      error
	ConnectAfter time.Duration
	HangupErr    error
	// FailAfter, when set with FailErr, reports StateEnded with FailErr after the delay.
	FailAfter time.Duration
	FailErr   error

	mu        sync.Mutex
	dialedAt  time.Time
	seq       int
	hungUp    bool
	force     *forced[sip.CallState]
	registers int
	dials     int
	hangups   int
}

func (s *SIP) Register(ctx context.Context, _ sip.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers++
	return s.RegisterErr
}

func (s *SIP) Dial(_ context.Context, target string) (*sip.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	s.seq++
	s.dialedAt = time.Now()
	s.hungUp = false
	return &sip.Handle{CallID: fmt.Sprintf("call-%d", s.seq), Target: target, DialedAt: s.dialedAt}, nil
}

func (s *SIP) PollState(_ context.Context, h *sip.Handle) (sip.CallState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := time.Since(s.dialedAt)
	switch {
	case h == nil || s.hungUp:
		return sip.StateEnded, nil
	case s.force != nil:
		return s.force.state, s.force.err
	case s.FailErr != nil && since >= s.FailAfter:
		return sip.StateEnded, s.FailErr
	case s.ConnectAfter >= 0 && since >= s.ConnectAfter:
		return sip.StateConnected, nil
	}
	return sip.StateRinging, nil
}

func (s *SIP) Hangup(_ context.Context, _ *sip.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups++
	s.hungUp = true
	return s.HangupErr
}

// Force pins the reported state.
func (s *SIP) Force(st sip.CallState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.force = &forced[sip.CallState]{st, err}
}

// Registers returns how many times Register was invoked.
func (s *SIP) Registers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers
}

// Dials returns how many times Dial was invoked.
func (s *SIP) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Hangups returns how many times Hangup was invoked.
func (s *SIP) Hangups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangups
}

// Audio is a fake audio.Router enforcing one route per session.
type Audio struct {
	ConnectErr   error
	ConnectDelay time.Duration
	// IgnoreCancel makes Connect finish its delay even after ctx ends,
	// like a pactl invocation that is already running.
	IgnoreCancel bool
	// Leak keeps routes registered after Disconnect, as a buggy router would.
	Leak bool

	mu          sync.Mutex
	routes      map[string]*audio.Route
	connects    int
	disconnects int
}

func (a *Audio) Connect(ctx context.Context, sessionID string, dev, sipEP audio.Endpoint) (*audio.Route, error) {
	a.mu.Lock()
	a.connects++
	delay, ignoreCancel := a.ConnectDelay, a.IgnoreCancel
	a.mu.Unlock()

	if delay > 0 {
		if ignoreCancel {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	if a.routes == nil {
		a.routes = make(map[string]*audio.Route)
	}
	if _, ok := a.routes[sessionID]; ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, audio.ErrRouteConflict)
	}
	r := &audio.Route{ID: fmt.Sprintf("route-%d", a.connects), SessionID: sessionID, Device: dev, SIP: sipEP, CreatedAt: time.Now()}
	a.routes[sessionID] = r
	return r, nil
}

func (a *Audio) Disconnect(_ context.Context, r *audio.Route) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	if r == nil || a.Leak {
		return
	}
	if a.routes[r.SessionID] == r {
		delete(a.routes, r.SessionID)
	}
}

// Preload registers a route for sessionID that nobody will disconnect.
func (a *Audio) Preload(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.routes == nil {
		a.routes = make(map[string]*audio.Route)
	}
	a.routes[sessionID] = &audio.Route{ID: "stale", SessionID: sessionID}
}

// Routes returns the number of live routes.
func (a *Audio) Routes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.routes)
}

// Connects returns how many times Connect was invoked.
func (a *Audio) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Disconnects returns how many times Disconnect was invoked.
func (a *Audio) Disconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects
}
