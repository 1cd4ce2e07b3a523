// Package utils holds helpers shared by the leg adapters.
package utils

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Cmd is one external command invocation.
type Cmd struct {
	Name  string
	Args  []string
	Stdin string
}

func (c Cmd) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// LineStream is a long-running command whose stdout is consumed line by line.
// Lines is closed when the process exits or the stream is closed.
type LineStream interface {
	Lines() <-chan string
	Close() error
}

// Runner executes external commands. The exec-backed implementation is used in
// production; tests substitute a scripted one.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (string, error)
	Stream(ctx context.Context, cmd Cmd) (LineStream, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes cmd and returns combined stdout/stderr.
func (ExecRunner) Run(ctx context.Context, cmd Cmd) (string, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	err := c.Run()
	return out.String(), err
}

// Stream starts cmd and delivers its stdout lines until Close or process exit.
func (ExecRunner) Stream(ctx context.Context, cmd Cmd) (LineStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	stdout, err := c.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe for %s: %w", cmd.Name, err)
	}
	if err := c.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", cmd.Name, err)
	}

	s := &execStream{
		cmd:    c,
		cancel: cancel,
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
	}
	go s.pump(ctx, stdout)
	return s, nil
}

type execStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	lines  chan string
	done   chan struct{}

	closeOnce sync.Once
	waitErr   error
}

func (s *execStream) pump(ctx context.Context, r io.Reader) {
	defer close(s.done)
	defer close(s.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case s.lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func (s *execStream) Lines() <-chan string { return s.lines }

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.waitErr = s.cmd.Wait()
	})
	if s.waitErr != nil && !isKilled(s.waitErr) {
		return s.waitErr
	}
	return nil
}

func isKilled(err error) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		return !ee.Exited()
	}
	return false
}
