// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/supervisor"
)

// Version is reported by daemon_status.
var Version = "0.1.0"

// SessionManager is the part of the supervisor the command channels use.
type SessionManager interface {
	StartSession(req config.SessionRequest) (string, error)
	GetStatus(id string) (supervisor.Status, error)
	StopSession(id string) error
	Wait(ctx context.Context, id string) (supervisor.Status, error)
	List() []supervisor.Status
	Running() int
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	sessions       SessionManager
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      int64  // Unix timestamp of daemon start for uptime calc
	hostname       string
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(sessions SessionManager, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		sessions:       sessions,
		configReloader: reloader,
		startTime:      time.Now().Unix(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetHostname sets the node name reported by daemon_status.
func (h *CommandHandler) SetHostname(hostname string) {
	h.hostname = hostname
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "session_start", "session_stop"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`               // matches request ID
	Result any        `json:"result,omitempty"` // success result
	Error  *ErrorInfo `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeNotFound = -32001 // Unknown session
	ErrCodeCapacity = -32002 // max_concurrent_sessions reached
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "session_start":
		return h.handleSessionStart(ctx, cmd)
	case "session_status":
		return h.handleSessionStatus(ctx, cmd)
	case "session_stop":
		return h.handleSessionStop(ctx, cmd)
	case "session_list":
		return h.handleSessionList(ctx, cmd)
	case "config_reload":
		return h.handleConfigReload(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(ctx, cmd)
	case "daemon_status":
		return h.handleDaemonStatus(ctx, cmd)
	case "":
		return errorResponse(cmd.ID, ErrCodeInvalidRequest, "method is required")
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// sessionError maps supervisor errors onto response codes.
func sessionError(id string, err error) Response {
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		return errorResponse(id, ErrCodeNotFound, err.Error())
	case errors.Is(err, supervisor.ErrCapacity):
		return errorResponse(id, ErrCodeCapacity, err.Error())
	case errors.Is(err, config.ErrInvalidRequest):
		return errorResponse(id, ErrCodeInvalidParams, err.Error())
	default:
		return errorResponse(id, ErrCodeInternalError, err.Error())
	}
}

// SessionStartParams carries a session request; request_id defaults to the command ID.
type SessionStartParams = config.SessionRequest

// SessionParams identifies a session. Wait applies to session_stop only.
type SessionParams struct {
	SessionID string `json:"session_id"`
	Wait      bool   `json:"wait,omitempty"`
}

// handleSessionStart handles session_start command.
func (h *CommandHandler) handleSessionStart(_ context.Context, cmd Command) Response {
	var params SessionStartParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if params.RequestID == "" {
		params.RequestID = cmd.ID
	}

	id, err := h.sessions.StartSession(params)
	if err != nil {
		return sessionError(cmd.ID, err)
	}

	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"session_id": id,
			"status":     "started",
		},
	}
}

func (h *CommandHandler) sessionParams(cmd Command) (SessionParams, *Response) {
	var params SessionParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		return params, &resp
	}
	if params.SessionID == "" {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, "session_id is required")
		return params, &resp
	}
	return params, nil
}

// handleSessionStatus handles session_status command.
func (h *CommandHandler) handleSessionStatus(_ context.Context, cmd Command) Response {
	params, errResp := h.sessionParams(cmd)
	if errResp != nil {
		return *errResp
	}

	status, err := h.sessions.GetStatus(params.SessionID)
	if err != nil {
		return sessionError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: status}
}

// handleSessionStop handles session_stop command. With wait set it returns
// the terminal status, otherwise it returns as soon as the stop is requested.
func (h *CommandHandler) handleSessionStop(ctx context.Context, cmd Command) Response {
	params, errResp := h.sessionParams(cmd)
	if errResp != nil {
		return *errResp
	}

	if err := h.sessions.StopSession(params.SessionID); err != nil {
		return sessionError(cmd.ID, err)
	}
	if !params.Wait {
		return Response{
			ID: cmd.ID,
			Result: map[string]any{
				"session_id": params.SessionID,
				"status":     "stopping",
			},
		}
	}

	status, err := h.sessions.Wait(ctx, params.SessionID)
	if err != nil {
		return sessionError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: status}
}

// handleSessionList handles session_list command.
func (h *CommandHandler) handleSessionList(_ context.Context, cmd Command) Response {
	list := h.sessions.List()
	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"sessions": list,
			"count":    len(list),
		},
	}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}

	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}

	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"status": "reloaded",
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"status": "shutting_down",
		},
	}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	list := h.sessions.List()
	uptimeSeconds := time.Now().Unix() - h.startTime

	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"version":          Version,
			"hostname":         h.hostname,
			"uptime_sec":       uptimeSeconds,
			"sessions_running": h.sessions.Running(),
			"sessions_total":   len(list),
		},
	}
}
