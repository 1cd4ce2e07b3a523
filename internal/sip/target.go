package sip

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var extensionPattern = regexp.MustCompile(`^\+?[0-9*#]{1,32}$`)

// NormalizeTarget turns a SIP URI or a bare extension into a request URI.
// Bare extensions are routed through server.
func NormalizeTarget(target, server string, port int) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty target: %w", ErrInvalidTarget)
	}

	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(target, "@") {
			if !extensionPattern.MatchString(target) {
				return "", fmt.Errorf("extension %q: %w", target, ErrInvalidTarget)
			}
			if server == "" {
				return "", fmt.Errorf("extension %q without sip server: %w", target, ErrInvalidTarget)
			}
			target = target + "@" + hostPort(server, port)
		}
		target = "sip:" + target
	}

	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return "", fmt.Errorf("parse %q: %w: %v", target, ErrInvalidTarget, err)
	}
	if uri.User == "" || uri.Host == "" {
		return "", fmt.Errorf("%q needs user and host: %w", target, ErrInvalidTarget)
	}
	return uri.String(), nil
}

func hostPort(host string, port int) string {
	if port == 0 || port == 5060 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}
