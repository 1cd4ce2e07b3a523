package daemon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"firestige.xyz/callbridge/internal/command"
)

// writeConfig writes a minimal config into dir. extra is appended under the root key.
func writeConfig(t *testing.T, dir, level, extra string) string {
	t.Helper()
	content := `
callbridge:
  node:
    hostname: test-bridge-001
  log:
    level: ` + level + `
    format: text
  metrics:
    enabled: true
    listen: 127.0.0.1:0
  sip:
    server: pbx.example.com
    ctrl_addr: 127.0.0.1:1
  session:
    teardown_timeout: 1s
` + extra
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "debug", `
  http:
    enabled: true
    listen: 127.0.0.1:0
    mode: test
`)
	socketPath := filepath.Join(tmpDir, "cb.sock")
	pidFile := filepath.Join(tmpDir, "cb.pid")

	d, err := New(configPath, socketPath, pidFile)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		t.Errorf("PID file was not created: %s", pidFile)
	}
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Errorf("UDS socket was not created: %s", socketPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := command.NewUDSClient(socketPath, time.Second)
	resp, err := client.DaemonStatus(ctx)
	if err != nil {
		t.Fatalf("daemon_status: %v", err)
	}
	var status map[string]any
	if err := command.DecodeResult(resp, &status); err != nil {
		t.Fatalf("decode daemon_status: %v", err)
	}
	if status["hostname"] != "test-bridge-001" {
		t.Errorf("hostname = %v", status["hostname"])
	}

	var list command.SessionListResult
	resp, err = client.SessionList(ctx)
	if err != nil {
		t.Fatalf("session_list: %v", err)
	}
	if err := command.DecodeResult(resp, &list); err != nil {
		t.Fatalf("decode session_list: %v", err)
	}
	if list.Count != 0 {
		t.Errorf("expected no sessions, got %d", list.Count)
	}

	httpResp, err := http.Get("http://" + d.httpServer.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", httpResp.StatusCode)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run()
	}()

	// daemon_shutdown goes through the same path as an operator command
	if _, err := client.DaemonShutdown(ctx); err != nil {
		t.Fatalf("daemon_shutdown: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("daemon.Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file was not removed after shutdown: %s", pidFile)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("UDS socket was not removed after shutdown: %s", socketPath)
	}

	// a second Stop is a no-op
	d.Stop()
}

func TestDaemon_RefusesLivePIDFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "info", "")
	pidFile := filepath.Join(tmpDir, "cb.pid")

	// the parent process (go test) is alive and is not us
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getppid())+"\n"), 0644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	d, err := New(configPath, filepath.Join(tmpDir, "cb.sock"), pidFile)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.Stop()

	if err := d.Start(); err == nil {
		t.Fatal("expected start to fail with a live PID file")
	}
}

func TestDaemon_StartFailsOnBadCredentials(t *testing.T) {
	tmpDir := t.TempDir()
	creds := filepath.Join(tmpDir, "sip.env")
	if err := os.WriteFile(creds, []byte("SIP_USERNAME=alice\n"), 0600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	configPath := writeConfig(t, tmpDir, "info", "")

	d, err := New(configPath, filepath.Join(tmpDir, "cb.sock"), filepath.Join(tmpDir, "cb.pid"))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.Stop()
	d.config.SIP.CredentialsFile = creds

	if err := d.Start(); err == nil {
		t.Fatal("expected start to fail without SIP_PASSWORD")
	}
}

func TestDaemon_LoadCredentials(t *testing.T) {
	tmpDir := t.TempDir()
	creds := filepath.Join(tmpDir, "sip.env")
	if err := os.WriteFile(creds, []byte("SIP_USERNAME=alice\nSIP_PASSWORD=secret\n"), 0600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}

	d, err := New(writeConfig(t, tmpDir, "info", ""), "", "")
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	d.config.SIP.CredentialsFile = creds

	got, err := d.loadCredentials()
	if err != nil {
		t.Fatalf("loadCredentials: %v", err)
	}
	if got.Username != "alice" || got.AuthUser != "alice" || got.Password != "secret" {
		t.Errorf("unexpected credentials: %+v", got)
	}
	if got.Server != "pbx.example.com" || got.Port != 5060 {
		t.Errorf("server not taken from config: %s:%d", got.Server, got.Port)
	}
}
