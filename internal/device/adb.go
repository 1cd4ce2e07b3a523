package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"firestige.xyz/callbridge/internal/utils"
)

// unreachableMarkers are adb client messages meaning the device is gone.
var unreachableMarkers = []string{
	"device not found",
	"no devices/emulators found",
	"device offline",
	"device unauthorized",
	"cannot connect to",
	"error: closed",
}

// adbClient wraps the adb binary for a single device.
type adbClient struct {
	runner  utils.Runner
	path    string
	serial  string
	timeout time.Duration
}

func (a *adbClient) args(args ...string) []string {
	if a.serial == "" {
		return args
	}
	return append([]string{"-s", a.serial}, args...)
}

// run executes one adb invocation under the per-command timeout and maps
// failures onto the package sentinel errors.
func (a *adbClient) run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := utils.Cmd{Name: a.path, Args: a.args(args...), Stdin: stdin}
	out, err := a.runner.Run(cmdCtx, cmd)
	if err == nil {
		return out, nil
	}

	switch {
	case ctx.Err() != nil:
		return out, ctx.Err()
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return out, fmt.Errorf("adb %s: %w", args[0], ErrCommandTimeout)
	case isUnreachable(out):
		return out, fmt.Errorf("adb %s: %w: %s", args[0], ErrUnreachable, strings.TrimSpace(out))
	default:
		return out, fmt.Errorf("adb %s: %w: %v: %s", args[0], ErrCommandFailed, err, strings.TrimSpace(out))
	}
}

func (a *adbClient) shell(ctx context.Context, args ...string) (string, error) {
	return a.run(ctx, "", append([]string{"shell"}, args...)...)
}

func (a *adbClient) shellScript(ctx context.Context, script string) (string, error) {
	return a.run(ctx, script, "shell")
}

func (a *adbClient) stream(ctx context.Context, args ...string) (utils.LineStream, error) {
	s, err := a.runner.Stream(ctx, utils.Cmd{Name: a.path, Args: a.args(args...)})
	if err != nil {
		return nil, fmt.Errorf("adb %s: %w: %v", args[0], ErrUnreachable, err)
	}
	return s, nil
}

func isUnreachable(out string) bool {
	lower := strings.ToLower(out)
	for _, m := range unreachableMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
