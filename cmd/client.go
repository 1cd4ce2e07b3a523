package cmd

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/callbridge/internal/command"
	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

// udsClient adapts command.UDSClient to ClientInterface, decoding results.
type udsClient struct {
	c *command.UDSClient
}

// NewUDSClient returns a ClientInterface backed by the daemon control socket.
func NewUDSClient(socket string, timeout time.Duration) ClientInterface {
	return &udsClient{c: command.NewUDSClient(socket, timeout)}
}

func decode[T any](resp *command.Response, err error, method string) (T, error) {
	var v T
	if err != nil {
		return v, fmt.Errorf("%s: %w", method, err)
	}
	if err := command.DecodeResult(resp, &v); err != nil {
		return v, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}

func (u *udsClient) StartSession(ctx context.Context, req config.SessionRequest) (string, error) {
	resp, err := u.c.SessionStart(ctx, req)
	res, err := decode[command.SessionStartResult](resp, err, "session_start")
	return res.SessionID, err
}

func (u *udsClient) SessionStatus(ctx context.Context, id string) (*supervisor.Status, error) {
	resp, err := u.c.SessionStatus(ctx, id)
	st, err := decode[supervisor.Status](resp, err, "session_status")
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (u *udsClient) StopSession(ctx context.Context, id string, wait bool) (*supervisor.Status, error) {
	resp, err := u.c.SessionStop(ctx, id, wait)
	if !wait {
		_, err = decode[map[string]any](resp, err, "session_stop")
		return nil, err
	}
	st, err := decode[supervisor.Status](resp, err, "session_stop")
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (u *udsClient) ListSessions(ctx context.Context) ([]supervisor.Status, error) {
	resp, err := u.c.SessionList(ctx)
	res, err := decode[command.SessionListResult](resp, err, "session_list")
	return res.Sessions, err
}

func (u *udsClient) DaemonStatus(ctx context.Context) (map[string]any, error) {
	resp, err := u.c.DaemonStatus(ctx)
	return decode[map[string]any](resp, err, "daemon_status")
}

func (u *udsClient) Shutdown(ctx context.Context) error {
	resp, err := u.c.DaemonShutdown(ctx)
	_, err = decode[map[string]any](resp, err, "daemon_shutdown")
	return err
}

func (u *udsClient) Reload(ctx context.Context) error {
	resp, err := u.c.ConfigReload(ctx)
	_, err = decode[map[string]any](resp, err, "config_reload")
	return err
}

func (u *udsClient) Close() error { return nil }
