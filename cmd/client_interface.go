package cmd

import (
	"context"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

// ClientInterface is the daemon surface used by the control commands.
type ClientInterface interface {
	StartSession(ctx context.Context, req config.SessionRequest) (string, error)
	SessionStatus(ctx context.Context, id string) (*supervisor.Status, error)
	// StopSession returns the terminal status when wait is set, nil otherwise.
	StopSession(ctx context.Context, id string, wait bool) (*supervisor.Status, error)
	ListSessions(ctx context.Context) ([]supervisor.Status, error)
	DaemonStatus(ctx context.Context) (map[string]any, error)
	Shutdown(ctx context.Context) error
	Reload(ctx context.Context) error
	Close() error
}
