// Package audio connects device call audio and SIP user agent audio through
// the software audio bus.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEndpointNotFound = errors.New("audio endpoint not found")
	ErrRouteConflict    = errors.New("audio route conflict")
)

// Endpoint is one side of a bridge: the source its audio is captured from
// and the sink audio for it is played to.
type Endpoint struct {
	Source string `json:"source"`
	Sink   string `json:"sink"`
}

func (e Endpoint) names() []string {
	return []string{e.Source, e.Sink}
}

// Route is one active bidirectional bridge owned by a session.
type Route struct {
	ID        string
	SessionID string
	Device    Endpoint
	SIP       Endpoint
	CreatedAt time.Time

	modules []string
}

// Router manages audio routes. Disconnect is idempotent and never fails
// for the caller; problems are logged.
type Router interface {
	Connect(ctx context.Context, sessionID string, device, sip Endpoint) (*Route, error)
	Disconnect(ctx context.Context, r *Route)
}

// Backend is the audio server primitive set a Router is built on.
type Backend interface {
	Sources(ctx context.Context) ([]string, error)
	Sinks(ctx context.Context) ([]string, error)
	LoadLoopback(ctx context.Context, source, sink string) (string, error)
	UnloadModule(ctx context.Context, id string) error
}
