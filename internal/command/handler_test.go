package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"firestige.xyz/callbridge/internal/supervisor"
)

// mockConfigReloader is a mock implementation of ConfigReloader.
type mockConfigReloader struct {
	reloadFunc func() error
}

func (m *mockConfigReloader) Reload() error {
	if m.reloadFunc != nil {
		return m.reloadFunc()
	}
	return nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}
	return data
}

func TestCommandHandler_HandleSessionStart(t *testing.T) {
	sessions := newFakeSessions()
	handler := NewCommandHandler(sessions, nil)

	cmd := Command{
		Method: "session_start",
		Params: mustJSON(t, map[string]string{"phone": "+4915112345678", "sip_target": "200"}),
		ID:     "req-1",
	}
	resp := handler.Handle(context.Background(), cmd)

	if resp.ID != "req-1" {
		t.Errorf("response ID = %s, want req-1", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map", resp.Result)
	}
	if result["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", result["session_id"])
	}
	if len(sessions.started) != 1 || sessions.started[0].RequestID != "req-1" {
		t.Errorf("request_id not defaulted to command ID: %+v", sessions.started)
	}
}

func TestCommandHandler_HandleSessionStartErrors(t *testing.T) {
	tests := []struct {
		name     string
		params   json.RawMessage
		startErr error
		wantCode int
	}{
		{"bad json", json.RawMessage(`{"phone":`), nil, ErrCodeInvalidParams},
		{"missing sip target", json.RawMessage(`{"phone":"+4915112345678"}`), nil, ErrCodeInvalidParams},
		{"capacity", json.RawMessage(`{"phone":"+4915112345678","sip_target":"200"}`), fmt.Errorf("%w (limit 1)", supervisor.ErrCapacity), ErrCodeCapacity},
		{"closed", json.RawMessage(`{"phone":"+4915112345678","sip_target":"200"}`), supervisor.ErrClosed, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newFakeSessions()
			sessions.startErr = tt.startErr
			handler := NewCommandHandler(sessions, nil)

			resp := handler.Handle(context.Background(), Command{Method: "session_start", Params: tt.params, ID: "x"})
			if resp.Error == nil {
				t.Fatal("expected error")
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d (%s)", resp.Error.Code, tt.wantCode, resp.Error.Message)
			}
		})
	}
}

func TestCommandHandler_HandleSessionStatusAndStop(t *testing.T) {
	sessions := newFakeSessions()
	handler := NewCommandHandler(sessions, nil)
	id, _ := sessions.StartSession(request())

	resp := handler.Handle(context.Background(), Command{Method: "session_status", Params: mustJSON(t, SessionParams{SessionID: id}), ID: "1"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	st, ok := resp.Result.(supervisor.Status)
	if !ok {
		t.Fatalf("result type = %T, want supervisor.Status", resp.Result)
	}
	if st.ID != id || st.Phase != "awaiting_device" {
		t.Errorf("unexpected status %+v", st)
	}

	resp = handler.Handle(context.Background(), Command{Method: "session_stop", Params: mustJSON(t, SessionParams{SessionID: id}), ID: "2"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if resp.Result.(map[string]any)["status"] != "stopping" {
		t.Errorf("unexpected stop result %v", resp.Result)
	}

	resp = handler.Handle(context.Background(), Command{Method: "session_stop", Params: mustJSON(t, SessionParams{SessionID: id, Wait: true}), ID: "3"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if st := resp.Result.(supervisor.Status); !st.Finished {
		t.Errorf("expected finished status, got %+v", st)
	}
}

func TestCommandHandler_UnknownSession(t *testing.T) {
	handler := NewCommandHandler(newFakeSessions(), nil)
	for _, method := range []string{"session_status", "session_stop"} {
		resp := handler.Handle(context.Background(), Command{Method: method, Params: mustJSON(t, SessionParams{SessionID: "nope"}), ID: "1"})
		if resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
			t.Errorf("%s: expected not found error, got %+v", method, resp.Error)
		}
		resp = handler.Handle(context.Background(), Command{Method: method, Params: json.RawMessage(`{}`), ID: "2"})
		if resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
			t.Errorf("%s: expected invalid params, got %+v", method, resp.Error)
		}
	}
}

func TestCommandHandler_HandleSessionList(t *testing.T) {
	sessions := newFakeSessions()
	handler := NewCommandHandler(sessions, nil)
	sessions.StartSession(request())
	sessions.StartSession(request())

	resp := handler.Handle(context.Background(), Command{Method: "session_list", ID: "l"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	result := resp.Result.(map[string]any)
	if result["count"] != 2 {
		t.Errorf("count = %v, want 2", result["count"])
	}
}

func TestCommandHandler_HandleConfigReload(t *testing.T) {
	handler := NewCommandHandler(newFakeSessions(), nil)
	resp := handler.Handle(context.Background(), Command{Method: "config_reload", ID: "1"})
	if resp.Error == nil {
		t.Error("expected error without reloader")
	}

	reloaded := false
	handler = NewCommandHandler(newFakeSessions(), &mockConfigReloader{reloadFunc: func() error {
		reloaded = true
		return nil
	}})
	resp = handler.Handle(context.Background(), Command{Method: "config_reload", ID: "2"})
	if resp.Error != nil || !reloaded {
		t.Errorf("reload failed: %+v", resp.Error)
	}

	handler = NewCommandHandler(newFakeSessions(), &mockConfigReloader{reloadFunc: func() error {
		return errors.New("bad yaml")
	}})
	resp = handler.Handle(context.Background(), Command{Method: "config_reload", ID: "3"})
	if resp.Error == nil || resp.Error.Code != ErrCodeInternalError {
		t.Errorf("expected internal error, got %+v", resp.Error)
	}
}

func TestCommandHandler_HandleDaemonShutdown(t *testing.T) {
	handler := NewCommandHandler(newFakeSessions(), nil)
	resp := handler.Handle(context.Background(), Command{Method: "daemon_shutdown", ID: "1"})
	if resp.Error == nil {
		t.Error("expected error without shutdown func")
	}

	called := make(chan struct{})
	handler.SetShutdownFunc(func() { close(called) })
	resp = handler.Handle(context.Background(), Command{Method: "daemon_shutdown", ID: "2"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown func not called")
	}
}

func TestCommandHandler_HandleDaemonStatus(t *testing.T) {
	sessions := newFakeSessions()
	handler := NewCommandHandler(sessions, nil)
	handler.SetHostname("bridge-01")
	sessions.StartSession(request())

	resp := handler.Handle(context.Background(), Command{Method: "daemon_status", ID: "1"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	result := resp.Result.(map[string]any)
	if result["hostname"] != "bridge-01" {
		t.Errorf("hostname = %v", result["hostname"])
	}
	if result["sessions_running"] != 1 || result["sessions_total"] != 1 {
		t.Errorf("unexpected session counts: %v", result)
	}
	if result["version"] != Version {
		t.Errorf("version = %v", result["version"])
	}
}

func TestCommandHandler_UnknownMethod(t *testing.T) {
	handler := NewCommandHandler(newFakeSessions(), nil)

	resp := handler.Handle(context.Background(), Command{Method: "task_create", ID: "1"})
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
	resp = handler.Handle(context.Background(), Command{ID: "2"})
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("expected invalid request, got %+v", resp.Error)
	}
}
