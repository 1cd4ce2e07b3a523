package sip

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/callbridge/internal/config"
)

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		in   string
		port int
		want string
	}{
		{"2000", 5060, "sip:2000@pbx.example.com"},
		{"2000", 5080, "sip:2000@pbx.example.com:5080"},
		{"+15551234567", 5060, "sip:+15551234567@pbx.example.com"},
		{"2000@other.example.com", 5060, "sip:2000@other.example.com"},
		{"sip:2000@other.example.com:5070", 5060, "sip:2000@other.example.com:5070"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeTarget(tt.in, "pbx.example.com", tt.port)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeTargetInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "alice smith", "sip:@pbx.example.com"} {
		_, err := NormalizeTarget(in, "pbx.example.com", 5060)
		assert.True(t, errors.Is(err, ErrInvalidTarget), "%q: %v", in, err)
	}
	_, err := NormalizeTarget("2000", "", 5060)
	assert.True(t, errors.Is(err, ErrInvalidTarget))
}

func TestProvision(t *testing.T) {
	home := filepath.Join(t.TempDir(), "baresip")
	require.NoError(t, os.MkdirAll(home, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, "config"),
		[]byte("poll_method\tepoll\nsip_listen\t0.0.0.0:5060\n"), 0o600))

	sipCfg := config.SIPConfig{CtrlAddr: "127.0.0.1:4444", LocalPort: 5062, RegisterInterval: 60 * time.Second}
	audioCfg := config.AudioConfig{SIPSource: "bridge_sip.monitor", SIPSink: "bridge_sip"}
	creds := Credentials{Username: "1001", Password: "pw", Server: "pbx.example.com", Port: 5060}

	require.NoError(t, Provision(home, creds, sipCfg, audioCfg))

	accounts, err := os.ReadFile(filepath.Join(home, "accounts"))
	require.NoError(t, err)
	assert.Equal(t, "<sip:1001@pbx.example.com>;auth_user=1001;auth_pass=pw;answermode=manual;regint=60\n", string(accounts))

	cfg, err := os.ReadFile(filepath.Join(home, "config"))
	require.NoError(t, err)
	text := string(cfg)
	assert.Contains(t, text, "poll_method\tepoll")
	assert.Contains(t, text, "sip_listen\t0.0.0.0:5062")
	assert.Equal(t, 1, strings.Count(text, "sip_listen"))
	assert.Contains(t, text, "ctrl_tcp_listen\t127.0.0.1:4444")
	assert.Contains(t, text, "audio_source\tpulse,bridge_sip.monitor")
	assert.Contains(t, text, "audio_player\tpulse,bridge_sip")
}
