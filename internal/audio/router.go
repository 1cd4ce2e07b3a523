package audio

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"firestige.xyz/callbridge/internal/metrics"
)

// conflictTTL bounds how long a session's conflict count is remembered.
const conflictTTL = 10 * time.Minute

// PulseRouter implements Router on top of a Backend with two loopback
// modules per route, one per direction.
type PulseRouter struct {
	backend Backend

	mu        sync.Mutex
	routes    map[string]*Route      // sessionID → route (reserved while connecting)
	bound     map[string]string      // endpoint name → owning sessionID
	conflicts *cache.Cache           // sessionID → conflicts seen
	pairLocks map[string]*sync.Mutex // endpoint pair → serializes backend work
}

// NewPulseRouter creates a router over backend.
func NewPulseRouter(backend Backend) *PulseRouter {
	return &PulseRouter{
		backend:   backend,
		routes:    make(map[string]*Route),
		bound:     make(map[string]string),
		conflicts: cache.New(conflictTTL, conflictTTL),
		pairLocks: make(map[string]*sync.Mutex),
	}
}

func pairKey(device, sip Endpoint) string {
	return device.Source + "|" + device.Sink + "|" + sip.Source + "|" + sip.Sink
}

func (r *PulseRouter) pairLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.pairLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.pairLocks[key] = l
	}
	return l
}

// Connect bridges device and sip for sessionID.
func (r *PulseRouter) Connect(ctx context.Context, sessionID string, device, sip Endpoint) (*Route, error) {
	route := &Route{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Device:    device,
		SIP:       sip,
	}
	if err := r.reserve(route); err != nil {
		return nil, err
	}

	lock := r.pairLock(pairKey(device, sip))
	lock.Lock()
	defer lock.Unlock()

	if err := r.validate(ctx, device, sip); err != nil {
		r.release(route)
		return nil, err
	}

	up, err := r.backend.LoadLoopback(ctx, device.Source, sip.Sink)
	if err != nil {
		r.release(route)
		return nil, fmt.Errorf("route device→sip: %w", err)
	}
	down, err := r.backend.LoadLoopback(ctx, sip.Source, device.Sink)
	if err != nil {
		if uerr := r.backend.UnloadModule(context.WithoutCancel(ctx), up); uerr != nil {
			slog.Warn("failed to unload half route", "session_id", sessionID, "module", up, "error", uerr)
		}
		r.release(route)
		return nil, fmt.Errorf("route sip→device: %w", err)
	}

	r.mu.Lock()
	route.modules = []string{up, down}
	route.CreatedAt = time.Now()
	r.mu.Unlock()

	metrics.AudioRoutesActive.Inc()
	slog.Info("audio route connected", "session_id", sessionID, "route", route.ID, "modules", route.modules)
	return route, nil
}

// reserve claims the session slot and endpoint names, or reports a conflict.
func (r *PulseRouter) reserve(route *Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid := route.SessionID
	if _, ok := r.routes[sid]; ok {
		return r.conflictLocked(sid, fmt.Errorf("session %s already has a route: %w", sid, ErrRouteConflict))
	}
	names := append(route.Device.names(), route.SIP.names()...)
	for _, name := range names {
		if owner, ok := r.bound[name]; ok && owner != sid {
			return r.conflictLocked(sid, fmt.Errorf("endpoint %s bound by session %s: %w", name, owner, ErrRouteConflict))
		}
	}

	r.routes[sid] = route
	for _, name := range names {
		r.bound[name] = sid
	}
	return nil
}

func (r *PulseRouter) conflictLocked(sid string, err error) error {
	count := 1
	if r.conflicts.Add(sid, count, cache.DefaultExpiration) != nil {
		count, _ = r.conflicts.IncrementInt(sid, 1)
	}
	if count > 1 {
		slog.Error("repeated audio route conflict", "session_id", sid, "count", count, "error", err)
	} else {
		slog.Warn("audio route conflict", "session_id", sid, "error", err)
	}
	return err
}

// release drops the session slot and endpoint bindings held by route.
func (r *PulseRouter) release(route *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[route.SessionID] != route {
		return
	}
	delete(r.routes, route.SessionID)
	for name, owner := range r.bound {
		if owner == route.SessionID {
			delete(r.bound, name)
		}
	}
	r.conflicts.Delete(route.SessionID)
}

func (r *PulseRouter) validate(ctx context.Context, device, sip Endpoint) error {
	sources, err := r.backend.Sources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	sinks, err := r.backend.Sinks(ctx)
	if err != nil {
		return fmt.Errorf("list sinks: %w", err)
	}
	for _, name := range []string{device.Source, sip.Source} {
		if name == "" || !slices.Contains(sources, name) {
			return fmt.Errorf("source %q: %w", name, ErrEndpointNotFound)
		}
	}
	for _, name := range []string{device.Sink, sip.Sink} {
		if name == "" || !slices.Contains(sinks, name) {
			return fmt.Errorf("sink %q: %w", name, ErrEndpointNotFound)
		}
	}
	return nil
}

// Disconnect removes the route's modules and frees its endpoints.
func (r *PulseRouter) Disconnect(ctx context.Context, route *Route) {
	if route == nil {
		return
	}
	r.mu.Lock()
	owned := r.routes[route.SessionID] == route
	modules := route.modules
	route.modules = nil
	r.mu.Unlock()
	if !owned {
		return
	}

	lock := r.pairLock(pairKey(route.Device, route.SIP))
	lock.Lock()
	for _, id := range modules {
		if err := r.backend.UnloadModule(ctx, id); err != nil {
			slog.Warn("failed to unload audio module", "session_id", route.SessionID, "module", id, "error", err)
		}
	}
	lock.Unlock()

	r.release(route)

	if len(modules) > 0 {
		metrics.AudioRoutesActive.Dec()
	}
	slog.Info("audio route disconnected", "session_id", route.SessionID, "route", route.ID)
}

// Active returns the number of routes held, including ones being connected.
func (r *PulseRouter) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
