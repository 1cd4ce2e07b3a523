package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDaemon_ReloadLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "info", "")

	d, err := New(configPath, filepath.Join(tmpDir, "cb.sock"), filepath.Join(tmpDir, "cb.pid"))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	if d.Config().Log.Level != "info" {
		t.Fatalf("expected initial level info, got %s", d.Config().Log.Level)
	}

	writeConfig(t, tmpDir, "debug", "")
	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if d.Config().Log.Level != "debug" {
		t.Errorf("expected level debug after reload, got %s", d.Config().Log.Level)
	}
}

func TestDaemon_ReloadSupervisorPolicy(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "info", "")

	d, err := New(configPath, filepath.Join(tmpDir, "cb.sock"), filepath.Join(tmpDir, "cb.pid"))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	writeConfig(t, tmpDir, "info", `
  supervisor:
    max_attempts: 5
    max_concurrent_sessions: 4
`)
	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	cfg := d.Config()
	if cfg.Supervisor.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Supervisor.MaxAttempts)
	}
	if cfg.Supervisor.MaxConcurrentSessions != 4 {
		t.Errorf("max_concurrent_sessions = %d, want 4", cfg.Supervisor.MaxConcurrentSessions)
	}
	if d.Sessions().Running() != 0 {
		t.Errorf("reload must not start sessions")
	}
}

func TestDaemon_ReloadInvalidConfigKeepsOld(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "info", "")

	d, err := New(configPath, filepath.Join(tmpDir, "cb.sock"), filepath.Join(tmpDir, "cb.pid"))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	if err := os.WriteFile(configPath, []byte("callbridge:\n  log:\n    level: loud\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := d.Reload(); err == nil {
		t.Fatal("expected reload to fail on invalid log level")
	}
	if d.Config().Log.Level != "info" {
		t.Errorf("config replaced by invalid reload: level %s", d.Config().Log.Level)
	}
}
