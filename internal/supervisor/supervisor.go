// Package supervisor owns the bridge sessions of the daemon: it starts them,
// retries transient failures and answers status queries.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/callbridge/internal/audio"
	"firestige.xyz/callbridge/internal/bridge"
	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/device"
	"firestige.xyz/callbridge/internal/metrics"
	"firestige.xyz/callbridge/internal/sip"
)

var (
	// ErrNotFound is returned for unknown or evicted session IDs.
	ErrNotFound = errors.New("session not found")
	// ErrCapacity is returned when max_concurrent_sessions sessions are running.
	ErrCapacity = errors.New("too many concurrent sessions")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")
)

// Policy controls retries, concurrency and retention.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxConcurrent  int // <= 0 means unlimited
	Retention      time.Duration
}

// PolicyFromConfig converts the supervisor section of the configuration.
func PolicyFromConfig(cfg config.SupervisorConfig) Policy {
	return Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxConcurrent:  cfg.MaxConcurrentSessions,
		Retention:      cfg.Retention,
	}
}

// Backoff returns the delay before attempt+1, doubling from InitialBackoff
// and capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Defaults fill the parts of a bridge request that come from the daemon
// configuration rather than from the caller.
type Defaults struct {
	Credentials sip.Credentials
	DeviceAudio audio.Endpoint
	SIPAudio    audio.Endpoint
}

// Status is a session snapshot as seen from the supervisor.
type Status struct {
	bridge.Snapshot
	// Retrying is set while waiting out the backoff before the next attempt.
	Retrying   bool      `json:"retrying,omitempty"`
	Finished   bool      `json:"finished"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type entry struct {
	id string

	mu         sync.Mutex
	current    *bridge.Session
	last       bridge.Snapshot
	retrying   bool
	finishedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.last
	if e.current != nil && !e.retrying && e.finishedAt.IsZero() {
		snap = e.current.Snapshot()
	}
	return Status{
		Snapshot:   snap,
		Retrying:   e.retrying,
		Finished:   !e.finishedAt.IsZero(),
		FinishedAt: e.finishedAt,
	}
}

func (e *entry) stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		cur := e.current
		e.mu.Unlock()
		if cur != nil {
			cur.Stop()
		}
	})
}

func (e *entry) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *entry) finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.finishedAt.IsZero()
}

// Supervisor runs sessions, one goroutine each.
type Supervisor struct {
	legs     bridge.Legs
	defaults Defaults
	observer bridge.Observer

	mu       sync.RWMutex
	timing   bridge.Timing
	policy   Policy
	sessions map[string]*entry
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. observer may be nil.
func New(legs bridge.Legs, timing bridge.Timing, policy Policy, defaults Defaults, observer bridge.Observer) *Supervisor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		legs:     legs,
		defaults: defaults,
		observer: observer,
		timing:   timing,
		policy:   policy,
		sessions: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartSession validates req and starts a new session in the background.
func (s *Supervisor) StartSession(req config.SessionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.policy.MaxConcurrent > 0 {
		running := 0
		for _, e := range s.sessions {
			if !e.finished() {
				running++
			}
		}
		if running >= s.policy.MaxConcurrent {
			return "", fmt.Errorf("%w (limit %d)", ErrCapacity, s.policy.MaxConcurrent)
		}
	}

	id := uuid.NewString()
	e := &entry{
		id:     id,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	br := s.buildRequest(id, req)
	e.last = bridge.NewSession(br, s.legs, s.timing, nil).Snapshot()
	s.sessions[id] = e

	timing, policy := s.timing, s.policy
	s.wg.Add(1)
	metrics.ActiveSessions.Inc()
	go s.run(e, br, timing, policy)

	slog.Info("session started",
		"session_id", id,
		"request_id", req.RequestID,
		"phone", req.Phone,
		"sip_target", req.SIPTarget)
	return id, nil
}

func (s *Supervisor) buildRequest(id string, req config.SessionRequest) bridge.Request {
	return bridge.Request{
		SessionID: id,
		RequestID: req.RequestID,
		Attempt:   1,
		Device: device.Target{
			Phone:       req.Phone,
			ContactName: req.ContactName,
			Serial:      req.DeviceSerial,
		},
		SIPTarget:   req.SIPTarget,
		Credentials: s.defaults.Credentials,
		DeviceAudio: s.defaults.DeviceAudio,
		SIPAudio:    s.defaults.SIPAudio,
	}
}

// run executes attempts until one is not retryable or the budget is spent.
func (s *Supervisor) run(e *entry, req bridge.Request, timing bridge.Timing, policy Policy) {
	defer s.wg.Done()
	defer close(e.done)

	req.MaxAttempts = policy.MaxAttempts
	var last bridge.Snapshot
	for attempt := 1; ; attempt++ {
		req.Attempt = attempt
		sess := bridge.NewSession(req, s.legs, timing, s.observer)

		e.mu.Lock()
		e.current = sess
		e.retrying = false
		e.mu.Unlock()
		if e.stopRequested() {
			sess.Stop()
		}

		metrics.SessionsStartedTotal.Inc()
		last = sess.Run(s.ctx)

		e.mu.Lock()
		e.last = last
		e.mu.Unlock()

		if !last.WillRetry {
			break
		}

		wait := policy.Backoff(attempt)
		metrics.SessionRetriesTotal.WithLabelValues(string(last.Reason.Kind)).Inc()
		slog.Warn("session attempt failed, retrying",
			"session_id", e.id,
			"attempt", attempt,
			"reason", last.Reason.String(),
			"backoff", wait)

		e.mu.Lock()
		e.retrying = true
		e.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			continue
		case <-e.stopCh:
		case <-s.ctx.Done():
		}
		timer.Stop()
		from := last.Phase
		last.Reason = bridge.Reason{Kind: bridge.ReasonStopped, Detail: "stopped while waiting to retry: " + last.Reason.String()}
		last.WillRetry = false
		last.UpdatedAt = time.Now()
		e.mu.Lock()
		e.last = last
		e.mu.Unlock()
		// the attempt's own failure was published as non-final
		if s.observer != nil {
			s.observer.SessionTransition(last, from)
		}
		break
	}

	e.mu.Lock()
	e.retrying = false
	e.finishedAt = time.Now()
	e.mu.Unlock()

	metrics.ActiveSessions.Dec()
	metrics.SessionsFinishedTotal.WithLabelValues(string(last.Phase), string(last.Reason.Kind)).Inc()
	slog.Info("session finished",
		"session_id", e.id,
		"phase", last.Phase,
		"attempts", last.Attempt,
		"reason", last.Reason.String())
}

func (s *Supervisor) get(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return e, nil
}

// GetStatus returns the current snapshot of a session.
func (s *Supervisor) GetStatus(id string) (Status, error) {
	e, err := s.get(id)
	if err != nil {
		return Status{}, err
	}
	return e.status(), nil
}

// StopSession forces teardown of a session from any phase. It does not
// wait; use Wait to observe the terminal state.
func (s *Supervisor) StopSession(id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	slog.Info("stopping session", "session_id", id)
	e.stop()
	return nil
}

// Wait blocks until the session has finished or ctx ends.
func (s *Supervisor) Wait(ctx context.Context, id string) (Status, error) {
	e, err := s.get(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-e.done:
		return e.status(), nil
	case <-ctx.Done():
		return e.status(), ctx.Err()
	}
}

// List returns all known sessions, oldest first.
func (s *Supervisor) List() []Status {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Running returns the number of sessions that have not finished.
func (s *Supervisor) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.sessions {
		if !e.finished() {
			n++
		}
	}
	return n
}

// StopAll stops every session and waits for them until ctx ends.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	slog.Info("stopping all sessions", "count", len(entries))
	for _, e := range entries {
		e.stop()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %s: %w", e.id, ctx.Err())
		}
	}
	return nil
}

// GC evicts finished sessions older than the retention period and returns
// how many were removed.
func (s *Supervisor) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	retention := s.policy.Retention
	removed := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		expired := !e.finishedAt.IsZero() && time.Since(e.finishedAt) >= retention
		e.mu.Unlock()
		if expired {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("evicted finished sessions", "count", removed, "retention", retention)
	}
	return removed
}

// Update applies new timing and policy to sessions started afterwards.
func (s *Supervisor) Update(timing bridge.Timing, policy Policy) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	s.mu.Lock()
	s.timing = timing
	s.policy = policy
	s.mu.Unlock()
	slog.Info("supervisor settings updated",
		"max_attempts", policy.MaxAttempts,
		"max_concurrent", policy.MaxConcurrent,
		"poll_interval", timing.PollInterval)
}

// Close stops all sessions, waits for their goroutines and rejects new ones.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
