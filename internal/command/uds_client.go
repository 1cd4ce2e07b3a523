// Package command implements command channels.
package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

var requestSeq atomic.Uint64

// UDSClient is a JSON-RPC client over Unix Domain Socket.
// Each call opens its own connection.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response. The result is left as raw
// JSON in Response.Result; use DecodeResult to unpack it.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("cli-%d-%d", time.Now().UnixNano(), requestSeq.Add(1))
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *ErrorInfo      `json:"error,omitempty"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", rpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	resp := &Response{ID: respID, Error: rpcResp.Error}
	if len(rpcResp.Result) > 0 {
		resp.Result = rpcResp.Result
	}
	return resp, nil
}

// DecodeResult unmarshals a successful response result into v, or returns
// the response error.
func DecodeResult(resp *Response, v any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if v == nil {
		return nil
	}
	var data []byte
	switch r := resp.Result.(type) {
	case json.RawMessage:
		data = r
	case nil:
		return fmt.Errorf("empty result")
	default:
		var err error
		if data, err = json.Marshal(r); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

// SessionStartResult is the result of session_start.
type SessionStartResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionListResult is the result of session_list.
type SessionListResult struct {
	Sessions []supervisor.Status `json:"sessions"`
	Count    int                 `json:"count"`
}

// SessionStart starts a session.
func (c *UDSClient) SessionStart(ctx context.Context, req config.SessionRequest) (*Response, error) {
	return c.Call(ctx, "session_start", req)
}

// SessionStatus queries one session.
func (c *UDSClient) SessionStatus(ctx context.Context, sessionID string) (*Response, error) {
	return c.Call(ctx, "session_status", SessionParams{SessionID: sessionID})
}

// SessionStop stops a session, optionally waiting for its terminal state.
func (c *UDSClient) SessionStop(ctx context.Context, sessionID string, wait bool) (*Response, error) {
	return c.Call(ctx, "session_stop", SessionParams{SessionID: sessionID, Wait: wait})
}

// SessionList lists all known sessions.
func (c *UDSClient) SessionList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "session_list", nil)
}

// DaemonStatus queries daemon status.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_status", nil)
}

// DaemonShutdown asks the daemon to stop.
func (c *UDSClient) DaemonShutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_shutdown", nil)
}

// ConfigReload asks the daemon to reload its configuration file.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "config_reload", nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	resp, err := c.DaemonStatus(ctx)
	if err != nil {
		return err
	}
	return DecodeResult(resp, nil)
}
