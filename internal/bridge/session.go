package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"firestige.xyz/callbridge/internal/audio"
	"firestige.xyz/callbridge/internal/device"
	"firestige.xyz/callbridge/internal/metrics"
	"firestige.xyz/callbridge/internal/sip"
)

// Session runs one bridging attempt. Run is the single writer of the
// session state; Snapshot and Stop are safe from any goroutine.
type Session struct {
	req    Request
	legs   Legs
	timing Timing
	obs    Observer

	mu        sync.RWMutex
	snap      Snapshot
	enteredAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// owned by the Run goroutine
	devInvoked   bool
	sipInvoked   bool
	audioInvoked bool
	devHandle    *device.Handle
	sipHandle    *sip.Handle
	route        *audio.Route
	reachedLive  bool
}

// NewSession creates a session in the Created phase. obs may be nil.
func NewSession(req Request, legs Legs, timing Timing, obs Observer) *Session {
	now := time.Now()
	return &Session{
		req:    req,
		legs:   legs,
		timing: timing,
		obs:    obs,
		snap: Snapshot{
			ID:          req.SessionID,
			RequestID:   req.RequestID,
			Attempt:     req.Attempt,
			Phase:       PhaseCreated,
			Phone:       req.Device.Phone,
			ContactName: req.Device.ContactName,
			SIPTarget:   req.SIPTarget,
			DeviceState: device.StateIdle.String(),
			SIPState:    sip.StateUnregistered.String(),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		enteredAt: now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Warnings = slices.Clone(s.snap.Warnings)
	return snap
}

// Stop requests teardown from whatever phase the session is in.
// It returns immediately; calling it more than once has no further effect.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the session to a terminal phase and returns the final snapshot.
// Cancelling ctx has the same effect as Stop.
func (s *Session) Run(ctx context.Context) Snapshot {
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	reason := s.establish(runCtx)
	if reason == nil {
		reason = s.hold(runCtx)
	}
	s.teardown(ctx, *reason)
	return s.Snapshot()
}

// establish walks AwaitingDevice → AwaitingSIP → Bridging → Active.
// A nil result means the session is Active.
func (s *Session) establish(ctx context.Context) *Reason {
	if s.stopRequested() || ctx.Err() != nil {
		return s.interrupted(ctx, ctx.Err())
	}

	s.transition(PhaseAwaitingDevice)
	if r := s.awaitDevice(ctx); r != nil {
		return r
	}
	s.transition(PhaseAwaitingSIP)
	if r := s.awaitSIP(ctx); r != nil {
		return r
	}
	s.transition(PhaseBridging)
	if r := s.connectAudio(ctx); r != nil {
		return r
	}
	s.reachedLive = true
	s.transition(PhaseActive)
	return nil
}

func (s *Session) awaitDevice(ctx context.Context) *Reason {
	pctx, cancel := context.WithTimeout(ctx, s.timing.AwaitingDevice)
	defer cancel()

	s.devInvoked = true
	h, err := s.legs.Device.PlaceCall(pctx, s.req.Device)
	if h != nil {
		s.devHandle = h
	}
	if err != nil {
		return s.legFailure(pctx, LegDevice, err)
	}
	s.setDeviceState(device.StateDialing)

	return s.poll(pctx, LegDevice, func(ctx context.Context) (bool, *Reason) {
		st, r := s.checkDevice(ctx)
		return st == device.StateConnected, r
	})
}

func (s *Session) awaitSIP(ctx context.Context) *Reason {
	pctx, cancel := context.WithTimeout(ctx, s.timing.AwaitingSIP)
	defer cancel()

	s.sipInvoked = true
	s.setSIPState(sip.StateRegistering)
	if err := s.legs.SIP.Register(pctx, s.req.Credentials); err != nil {
		s.setSIPState(sip.StateError)
		return s.legFailure(pctx, LegSIP, err)
	}
	s.setSIPState(sip.StateRegistered)

	// the device call may have dropped while registering
	if _, r := s.checkDevice(pctx); r != nil {
		return r
	}

	h, err := s.legs.SIP.Dial(pctx, s.req.SIPTarget)
	if h != nil {
		s.sipHandle = h
	}
	if err != nil {
		s.setSIPState(sip.StateError)
		return s.legFailure(pctx, LegSIP, err)
	}
	s.setSIPState(sip.StateDialing)

	return s.poll(pctx, LegSIP, func(ctx context.Context) (bool, *Reason) {
		if _, r := s.checkDevice(ctx); r != nil {
			return false, r
		}
		st, r := s.checkSIP(ctx)
		return st == sip.StateConnected, r
	})
}

func (s *Session) connectAudio(ctx context.Context) *Reason {
	pctx, cancel := context.WithTimeout(ctx, s.timing.Bridging)
	defer cancel()

	if r := s.checkLegs(pctx); r != nil {
		return r
	}

	s.audioInvoked = true
	route, err := s.legs.Audio.Connect(pctx, s.req.SessionID, s.req.DeviceAudio, s.req.SIPAudio)
	if err != nil {
		return s.legFailure(pctx, LegAudio, err)
	}
	s.route = route
	s.update(func(snap *Snapshot) { snap.RouteActive = true })
	if s.stopRequested() || pctx.Err() != nil {
		return s.legFailure(pctx, LegAudio, pctx.Err())
	}

	// a leg that dropped while connecting must not leave the route behind
	return s.checkLegs(pctx)
}

func (s *Session) checkLegs(ctx context.Context) *Reason {
	if _, r := s.checkDevice(ctx); r != nil {
		return r
	}
	_, r := s.checkSIP(ctx)
	return r
}

// hold waits in Active until a leg ends or a stop arrives. The returned
// reason has Kind ReasonNone and records what ended the call.
func (s *Session) hold(ctx context.Context) *Reason {
	ticker := time.NewTicker(s.timing.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.stopRequested() {
				return &Reason{Detail: "stopped"}
			}
			return &Reason{Detail: "shutdown"}
		case <-ticker.C:
		}

		devState, devErr := s.legs.Device.PollState(ctx, s.devHandle)
		s.setDeviceState(devState)
		if devState.IsTerminal() {
			return &Reason{Leg: LegDevice, Detail: endedDetail(LegDevice, devErr)}
		}
		sipState, sipErr := s.legs.SIP.PollState(ctx, s.sipHandle)
		s.setSIPState(sipState)
		if sipState.IsTerminal() {
			return &Reason{Leg: LegSIP, Detail: endedDetail(LegSIP, sipErr)}
		}
	}
}

func endedDetail(leg Leg, err error) string {
	if err != nil {
		return fmt.Sprintf("%s call ended: %v", leg, err)
	}
	return fmt.Sprintf("%s call ended", leg)
}

// poll runs step every poll interval until it reports done, fails, or ctx ends.
func (s *Session) poll(ctx context.Context, leg Leg, step func(context.Context) (bool, *Reason)) *Reason {
	ticker := time.NewTicker(s.timing.PollInterval)
	defer ticker.Stop()
	for {
		done, r := step(ctx)
		if r != nil {
			return r
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return s.legFailure(ctx, leg, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Session) checkDevice(ctx context.Context) (device.CallState, *Reason) {
	st, err := s.legs.Device.PollState(ctx, s.devHandle)
	s.setDeviceState(st)
	switch st {
	case device.StateError:
		if err == nil {
			err = device.ErrUnreachable
		}
		r := s.legFailure(ctx, LegDevice, err)
		return st, r
	case device.StateEnded:
		if err != nil {
			return st, s.legFailure(ctx, LegDevice, err)
		}
		return st, &Reason{Kind: ReasonRejected, Leg: LegDevice, Detail: "device call ended before bridging"}
	}
	return st, nil
}

func (s *Session) checkSIP(ctx context.Context) (sip.CallState, *Reason) {
	st, err := s.legs.SIP.PollState(ctx, s.sipHandle)
	s.setSIPState(st)
	switch st {
	case sip.StateError:
		if err == nil {
			err = sip.ErrUnreachable
		}
		return st, s.legFailure(ctx, LegSIP, err)
	case sip.StateEnded:
		if err != nil {
			return st, s.legFailure(ctx, LegSIP, err)
		}
		return st, &Reason{Kind: ReasonRejected, Leg: LegSIP, Detail: "sip call ended before bridging"}
	}
	return st, nil
}

// legFailure classifies err, giving precedence to an operator stop and to
// the phase deadline carried by ctx.
func (s *Session) legFailure(ctx context.Context, leg Leg, err error) *Reason {
	var r Reason
	switch {
	case s.stopRequested():
		r = Reason{Kind: ReasonStopped, Detail: "stopped by operator"}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		phase := s.Snapshot().Phase
		r = Reason{Kind: ReasonTimeout, Leg: leg, Detail: fmt.Sprintf("%s deadline %s exceeded", phase, s.phaseTimeout(phase))}
	case ctx.Err() != nil:
		r = Reason{Kind: ReasonStopped, Detail: "shutdown"}
	default:
		r = Classify(leg, err)
	}
	if r.Kind != ReasonStopped {
		metrics.LegErrorsTotal.WithLabelValues(string(leg), string(r.Kind)).Inc()
		slog.Warn("session leg failed",
			"session_id", s.req.SessionID,
			"attempt", s.req.Attempt,
			"leg", leg,
			"reason", r.String(),
			"error", err)
	}
	return &r
}

func (s *Session) interrupted(ctx context.Context, err error) *Reason {
	return s.legFailure(ctx, "", err)
}

func (s *Session) phaseTimeout(p Phase) time.Duration {
	switch p {
	case PhaseAwaitingDevice:
		return s.timing.AwaitingDevice
	case PhaseAwaitingSIP:
		return s.timing.AwaitingSIP
	case PhaseBridging:
		return s.timing.Bridging
	}
	return 0
}

// teardown releases every leg that was invoked and moves the session to its
// terminal phase. It runs once. A session that never went live is Failed as
// soon as its route is gone; hanging up the calls and waiting for the legs
// to confirm happen afterwards and only add warnings.
func (s *Session) teardown(parent context.Context, reason Reason) {
	s.update(func(snap *Snapshot) { snap.Reason = reason })
	s.transition(PhaseTearingDown)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.timing.Teardown)
	defer cancel()

	if s.audioInvoked {
		s.legs.Audio.Disconnect(ctx, s.route)
		s.route = nil
		s.update(func(snap *Snapshot) { snap.RouteActive = false })
	}

	if !s.reachedLive {
		s.update(func(snap *Snapshot) { snap.WillRetry = s.willRetry(reason) })
		s.transition(PhaseFailed)
	}

	if s.sipInvoked {
		if err := s.legs.SIP.Hangup(ctx, s.sipHandle); err != nil {
			s.warn(LegSIP, fmt.Sprintf("hangup: %v", err))
		}
	}
	if s.devInvoked {
		if err := s.legs.Device.EndCall(ctx, s.devHandle); err != nil {
			s.warn(LegDevice, fmt.Sprintf("end call: %v", err))
		}
	}
	s.awaitLegsEnded(ctx)

	if s.reachedLive {
		s.transition(PhaseCompleted)
	}
}

func (s *Session) willRetry(reason Reason) bool {
	return reason.Retryable() && s.req.Attempt < s.req.MaxAttempts
}

func (s *Session) awaitLegsEnded(ctx context.Context) {
	devPending := s.devHandle != nil
	sipPending := s.sipHandle != nil

	ticker := time.NewTicker(s.timing.PollInterval)
	defer ticker.Stop()
	for {
		if devPending {
			st, _ := s.legs.Device.PollState(ctx, s.devHandle)
			s.setDeviceState(st)
			devPending = !st.IsTerminal()
		}
		if sipPending {
			st, _ := s.legs.SIP.PollState(ctx, s.sipHandle)
			s.setSIPState(st)
			sipPending = !st.IsTerminal()
		}
		if !devPending && !sipPending {
			return
		}
		select {
		case <-ctx.Done():
			if devPending {
				s.warn(LegDevice, "device call not confirmed ended")
			}
			if sipPending {
				s.warn(LegSIP, "sip call not confirmed ended")
			}
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) warn(leg Leg, msg string) {
	metrics.TeardownWarningsTotal.WithLabelValues(string(leg)).Inc()
	slog.Warn("session teardown warning", "session_id", s.req.SessionID, "leg", leg, "warning", msg)
	s.update(func(snap *Snapshot) {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("%s: %s", leg, msg))
	})
}

func (s *Session) setDeviceState(st device.CallState) {
	s.update(func(snap *Snapshot) { snap.DeviceState = st.String() })
}

func (s *Session) setSIPState(st sip.CallState) {
	s.update(func(snap *Snapshot) { snap.SIPState = st.String() })
}

func (s *Session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *Session) transition(to Phase) {
	s.mu.Lock()
	from := s.snap.Phase
	now := time.Now()
	elapsed := now.Sub(s.enteredAt)
	s.snap.Phase = to
	s.snap.UpdatedAt = now
	s.enteredAt = now
	s.mu.Unlock()

	metrics.PhaseDurationSeconds.WithLabelValues(string(from)).Observe(elapsed.Seconds())
	metrics.PhaseTransitionsTotal.WithLabelValues(string(to)).Inc()

	snap := s.Snapshot()
	attrs := []any{"session_id", snap.ID, "attempt", snap.Attempt, "phase", to, "from", from}
	if to.IsTerminal() || to == PhaseTearingDown {
		attrs = append(attrs, "reason", snap.Reason.String())
	}
	slog.Info("session phase changed", attrs...)

	if s.obs != nil {
		s.obs.SessionTransition(snap, from)
	}
}
