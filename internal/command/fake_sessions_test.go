package command

import (
	"context"
	"fmt"
	"sync"

	"firestige.xyz/callbridge/internal/bridge"
	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

// fakeSessions is an in-memory SessionManager.
type fakeSessions struct {
	mu       sync.Mutex
	seq      int
	started  []config.SessionRequest
	stopped  []string
	sessions map[string]supervisor.Status
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]supervisor.Status)}
}

func (f *fakeSessions) StartSession(req config.SessionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.seq++
	id := fmt.Sprintf("sess-%d", f.seq)
	f.started = append(f.started, req)
	f.sessions[id] = supervisor.Status{Snapshot: bridge.Snapshot{
		ID:        id,
		RequestID: req.RequestID,
		Attempt:   1,
		Phase:     bridge.PhaseAwaitingDevice,
		Phone:     req.Phone,
		SIPTarget: req.SIPTarget,
	}}
	return id, nil
}

func (f *fakeSessions) GetStatus(id string) (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sessions[id]
	if !ok {
		return supervisor.Status{}, fmt.Errorf("session %q: %w", id, supervisor.ErrNotFound)
	}
	return st, nil
}

func (f *fakeSessions) StopSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, supervisor.ErrNotFound)
	}
	f.stopped = append(f.stopped, id)
	st.Phase = bridge.PhaseFailed
	st.Reason = bridge.Reason{Kind: bridge.ReasonStopped, Detail: "stopped by operator"}
	st.Finished = true
	f.sessions[id] = st
	return nil
}

func (f *fakeSessions) Wait(_ context.Context, id string) (supervisor.Status, error) {
	return f.GetStatus(id)
}

func (f *fakeSessions) List() []supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.Status, 0, len(f.sessions))
	for i := 1; i <= f.seq; i++ {
		if st, ok := f.sessions[fmt.Sprintf("sess-%d", i)]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (f *fakeSessions) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.sessions {
		if !st.Finished {
			n++
		}
	}
	return n
}

func request() config.SessionRequest {
	return config.SessionRequest{Phone: "+4915112345678", SIPTarget: "sip:200@pbx.example.com"}
}
