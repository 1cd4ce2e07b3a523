package device

import (
	"context"
	"strings"
	"sync"

	"firestige.xyz/callbridge/internal/utils"
)

// fakeRunner answers commands through respond and records every invocation.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	respond func(ctx context.Context, args string) (string, error)
	stream  *fakeStream
}

func (f *fakeRunner) Run(ctx context.Context, cmd utils.Cmd) (string, error) {
	args := strings.Join(cmd.Args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	return f.respond(ctx, args)
}

func (f *fakeRunner) Stream(_ context.Context, cmd utils.Cmd) (utils.LineStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(cmd.Args, " "))
	if f.stream == nil {
		f.stream = newFakeStream()
	}
	return f.stream, nil
}

func (f *fakeRunner) called(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakeStream struct {
	lines chan string
	once  sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{lines: make(chan string, 16)}
}

func (s *fakeStream) Lines() <-chan string { return s.lines }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.lines) })
	return nil
}
