package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRequest is wrapped by every SessionRequest validation error.
var ErrInvalidRequest = errors.New("invalid session request")

// SessionRequest describes one bridge session to be started.
type SessionRequest struct {
	RequestID    string `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Phone        string `json:"phone" yaml:"phone"`                                 // messaging-side callee, E.164
	ContactName  string `json:"contact_name,omitempty" yaml:"contact_name,omitempty"` // defaults to Phone
	SIPTarget    string `json:"sip_target" yaml:"sip_target"`                       // URI or bare extension
	DeviceSerial string `json:"device_serial,omitempty" yaml:"device_serial,omitempty"`
}

// Validate checks required fields and fills in defaults.
// Number format is left to the device controller, which reports it as a rejected target.
func (r *SessionRequest) Validate() error {
	r.Phone = strings.TrimSpace(r.Phone)
	r.SIPTarget = strings.TrimSpace(r.SIPTarget)
	if r.Phone == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidRequest)
	}
	if r.SIPTarget == "" {
		return fmt.Errorf("%w: sip_target is required", ErrInvalidRequest)
	}
	if r.ContactName == "" {
		r.ContactName = r.Phone
	}
	return nil
}

// ParseSessionRequest parses a session request from JSON.
func ParseSessionRequest(data []byte) (*SessionRequest, error) {
	var req SessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse session request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseSessionRequestAuto parses a session request from JSON or YAML,
// choosing the decoder by the first non-blank byte.
func ParseSessionRequestAuto(data []byte) (*SessionRequest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty session request")
	}
	if trimmed[0] == '{' {
		return ParseSessionRequest(trimmed)
	}

	var req SessionRequest
	if err := yaml.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("failed to parse session request yaml: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
