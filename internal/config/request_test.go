package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionRequestAuto_JSON(t *testing.T) {
	req, err := ParseSessionRequestAuto([]byte(`{"phone":"+15551234567","sip_target":"1001"}`))
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", req.Phone)
	assert.Equal(t, "1001", req.SIPTarget)
	assert.Equal(t, "+15551234567", req.ContactName, "contact name defaults to phone")
}

func TestParseSessionRequestAuto_YAML(t *testing.T) {
	data := []byte(`
request_id: req-7
phone: "+4915112345678"
contact_name: Alice
sip_target: sip:2000@pbx.example.com
`)
	req, err := ParseSessionRequestAuto(data)
	require.NoError(t, err)
	assert.Equal(t, "req-7", req.RequestID)
	assert.Equal(t, "Alice", req.ContactName)
	assert.Equal(t, "sip:2000@pbx.example.com", req.SIPTarget)
}

func TestParseSessionRequestAuto_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "  "},
		{"missing phone", `{"sip_target":"1001"}`},
		{"missing sip target", "phone: '+15551234567'\n"},
		{"bad json", `{"phone":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSessionRequestAuto([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	require.NoError(t, os.WriteFile(path, []byte("SIP_USERNAME=1001\nSIP_PASSWORD=s3cret\n"), 0600))

	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "1001", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)
	assert.Equal(t, "1001", creds.AuthUser)
}

func TestLoadCredentials_MissingPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	require.NoError(t, os.WriteFile(path, []byte("SIP_USERNAME=1001\n"), 0600))

	t.Setenv("SIP_PASSWORD", "from-env")
	_, err := LoadCredentials(path)
	assert.Error(t, err, "process environment must not fill missing file keys")
}

func TestLoadCredentials_MissingFile(t *testing.T) {
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
