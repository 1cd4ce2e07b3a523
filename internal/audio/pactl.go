package audio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/utils"
)

const pactlTimeout = 5 * time.Second

// PactlBackend drives PulseAudio (or pipewire-pulse) through pactl.
type PactlBackend struct {
	path    string
	latency int
	runner  utils.Runner
}

// NewPactlBackend creates a backend. A nil runner selects ExecRunner.
func NewPactlBackend(cfg config.AudioConfig, runner utils.Runner) *PactlBackend {
	if runner == nil {
		runner = utils.ExecRunner{}
	}
	path := cfg.PactlPath
	if path == "" {
		path = "pactl"
	}
	return &PactlBackend{path: path, latency: cfg.LatencyMsec, runner: runner}
}

func (b *PactlBackend) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pactlTimeout)
	defer cancel()
	out, err := b.runner.Run(ctx, utils.Cmd{Name: b.path, Args: args})
	if err != nil {
		return out, fmt.Errorf("pactl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	return out, nil
}

// Sources lists source names from `pactl list short sources`.
func (b *PactlBackend) Sources(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, "list", "short", "sources")
	if err != nil {
		return nil, err
	}
	return shortListNames(out), nil
}

// Sinks lists sink names from `pactl list short sinks`.
func (b *PactlBackend) Sinks(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, "list", "short", "sinks")
	if err != nil {
		return nil, err
	}
	return shortListNames(out), nil
}

// LoadLoopback loads module-loopback from source to sink and returns the module index.
func (b *PactlBackend) LoadLoopback(ctx context.Context, source, sink string) (string, error) {
	args := []string{"load-module", "module-loopback", "source=" + source, "sink=" + sink}
	if b.latency > 0 {
		args = append(args, "latency_msec="+strconv.Itoa(b.latency))
	}
	out, err := b.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if _, err := strconv.Atoi(id); err != nil {
		return "", fmt.Errorf("unexpected load-module output %q", id)
	}
	return id, nil
}

// UnloadModule unloads a module by index.
func (b *PactlBackend) UnloadModule(ctx context.Context, id string) error {
	_, err := b.run(ctx, "unload-module", id)
	return err
}

// shortListNames extracts the name column of `pactl list short` output.
func shortListNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) >= 2 && fields[1] != "" {
			names = append(names, fields[1])
		}
	}
	return names
}
