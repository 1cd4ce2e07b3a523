package sip

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"firestige.xyz/callbridge/internal/config"
)

// AccountLine renders a baresip accounts entry for creds.
func AccountLine(creds Credentials, regint time.Duration) string {
	authUser := creds.AuthUser
	if authUser == "" {
		authUser = creds.Username
	}
	secs := int(regint.Seconds())
	if secs <= 0 {
		secs = 60
	}
	return fmt.Sprintf("<sip:%s@%s>;auth_user=%s;auth_pass=%s;answermode=manual;regint=%d",
		creds.Username, hostPort(creds.Server, creds.Port), authUser, creds.Password, secs)
}

// Provision writes the baresip accounts file and sets the listener and audio
// keys in its config file, keeping every other config line untouched.
func Provision(home string, creds Credentials, sipCfg config.SIPConfig, audioCfg config.AudioConfig) error {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return fmt.Errorf("create baresip home: %w", err)
	}

	accounts := AccountLine(creds, sipCfg.RegisterInterval) + "\n"
	if err := os.WriteFile(filepath.Join(home, "accounts"), []byte(accounts), 0o600); err != nil {
		return fmt.Errorf("write accounts: %w", err)
	}

	cfgPath := filepath.Join(home, "config")
	existing, err := os.ReadFile(cfgPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read baresip config: %w", err)
	}

	keys := []struct{ key, value string }{
		{"sip_listen", fmt.Sprintf("0.0.0.0:%d", sipCfg.LocalPort)},
		{"ctrl_tcp_listen", sipCfg.CtrlAddr},
	}
	if audioCfg.SIPSource != "" {
		keys = append(keys, struct{ key, value string }{"audio_source", "pulse," + audioCfg.SIPSource})
	}
	if audioCfg.SIPSink != "" {
		keys = append(keys, struct{ key, value string }{"audio_player", "pulse," + audioCfg.SIPSink})
	}

	lines := splitLines(existing)
	for _, kv := range keys {
		lines = setConfigKey(lines, kv.key, kv.value)
	}
	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(cfgPath, []byte(out), 0o600); err != nil {
		return fmt.Errorf("write baresip config: %w", err)
	}
	return nil
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// setConfigKey replaces the first "<key><whitespace>" line or appends one.
func setConfigKey(lines []string, key, value string) []string {
	entry := key + "\t" + value
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == key {
			lines[i] = entry
			return lines
		}
	}
	return append(lines, entry)
}
