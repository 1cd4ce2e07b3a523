package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/utils"
)

type fakeBackend struct {
	mu       sync.Mutex
	sources  []string
	sinks    []string
	next     int
	loaded   map[string][2]string
	failLoad int // fail the n-th load (1-based), 0 = never
	loads    int
	unloads  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sources: []string{"dev.monitor", "sip.monitor", "other.monitor"},
		sinks:   []string{"dev_sink", "sip_sink", "other_sink"},
		loaded:  make(map[string][2]string),
	}
}

func (f *fakeBackend) Sources(context.Context) ([]string, error) { return f.sources, nil }
func (f *fakeBackend) Sinks(context.Context) ([]string, error)   { return f.sinks, nil }

func (f *fakeBackend) LoadLoopback(_ context.Context, source, sink string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.failLoad == f.loads {
		return "", errors.New("module initialization failed")
	}
	f.next++
	id := fmt.Sprint(f.next)
	f.loaded[id] = [2]string{source, sink}
	return id, nil
}

func (f *fakeBackend) UnloadModule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads = append(f.unloads, id)
	if _, ok := f.loaded[id]; !ok {
		return errors.New("no such module")
	}
	delete(f.loaded, id)
	return nil
}

func (f *fakeBackend) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loaded)
}

var (
	devEP = Endpoint{Source: "dev.monitor", Sink: "dev_sink"}
	sipEP = Endpoint{Source: "sip.monitor", Sink: "sip_sink"}
)

func TestConnectDisconnect(t *testing.T) {
	b := newFakeBackend()
	r := NewPulseRouter(b)

	route, err := r.Connect(context.Background(), "s1", devEP, sipEP)
	require.NoError(t, err)
	assert.Equal(t, "s1", route.SessionID)
	assert.NotEmpty(t, route.ID)
	assert.False(t, route.CreatedAt.IsZero())
	assert.Equal(t, 2, b.active())
	assert.Contains(t, b.loaded, "1")
	assert.Equal(t, [2]string{"dev.monitor", "sip_sink"}, b.loaded["1"])
	assert.Equal(t, [2]string{"sip.monitor", "dev_sink"}, b.loaded["2"])
	assert.Equal(t, 1, r.Active())

	r.Disconnect(context.Background(), route)
	assert.Equal(t, 0, b.active())
	assert.Equal(t, 0, r.Active())

	// idempotent
	r.Disconnect(context.Background(), route)
	r.Disconnect(context.Background(), nil)
	assert.Len(t, b.unloads, 2)
}

func TestConnectTwiceSameSession(t *testing.T) {
	r := NewPulseRouter(newFakeBackend())
	_, err := r.Connect(context.Background(), "s1", devEP, sipEP)
	require.NoError(t, err)

	_, err = r.Connect(context.Background(), "s1", devEP, sipEP)
	assert.ErrorIs(t, err, ErrRouteConflict)
	_, err = r.Connect(context.Background(), "s1", devEP, sipEP)
	assert.ErrorIs(t, err, ErrRouteConflict)
	assert.Equal(t, 1, r.Active())
}

func TestEndpointBoundByOtherSession(t *testing.T) {
	r := NewPulseRouter(newFakeBackend())
	route, err := r.Connect(context.Background(), "s1", devEP, sipEP)
	require.NoError(t, err)

	other := Endpoint{Source: "other.monitor", Sink: "other_sink"}
	_, err = r.Connect(context.Background(), "s2", devEP, other)
	assert.ErrorIs(t, err, ErrRouteConflict)

	r.Disconnect(context.Background(), route)
	_, err = r.Connect(context.Background(), "s2", devEP, other)
	assert.NoError(t, err)
}

func TestConflictCountsAreForgotten(t *testing.T) {
	r := NewPulseRouter(newFakeBackend())
	r.conflicts = cache.New(50*time.Millisecond, 10*time.Millisecond)

	route, err := r.Connect(context.Background(), "s1", devEP, sipEP)
	require.NoError(t, err)
	_, err = r.Connect(context.Background(), "s1", devEP, sipEP)
	assert.ErrorIs(t, err, ErrRouteConflict)
	_, err = r.Connect(context.Background(), "s2", devEP, sipEP)
	assert.ErrorIs(t, err, ErrRouteConflict)
	assert.Equal(t, 2, r.conflicts.ItemCount())

	// released with the session's own route
	r.Disconnect(context.Background(), route)
	_, found := r.conflicts.Get("s1")
	assert.False(t, found)

	// s2 never held a route; its count expires
	assert.Eventually(t, func() bool {
		return r.conflicts.ItemCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEndpointNotFound(t *testing.T) {
	b := newFakeBackend()
	r := NewPulseRouter(b)

	_, err := r.Connect(context.Background(), "s1", Endpoint{Source: "missing", Sink: "dev_sink"}, sipEP)
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	_, err = r.Connect(context.Background(), "s1", devEP, Endpoint{Source: "sip.monitor"})
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	assert.Equal(t, 0, r.Active())

	// reservation released after failure
	_, err = r.Connect(context.Background(), "s1", devEP, sipEP)
	assert.NoError(t, err)
}

func TestConnectRollsBackHalfRoute(t *testing.T) {
	b := newFakeBackend()
	b.failLoad = 2
	r := NewPulseRouter(b)

	_, err := r.Connect(context.Background(), "s1", devEP, sipEP)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRouteConflict)
	assert.Equal(t, 0, b.active())
	assert.Equal(t, []string{"1"}, b.unloads)
	assert.Equal(t, 0, r.Active())
}

func TestConcurrentSessionsSameEndpoints(t *testing.T) {
	r := NewPulseRouter(newFakeBackend())

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Connect(context.Background(), fmt.Sprintf("s%d", i), devEP, sipEP)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrRouteConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, conflicts)
}

type scriptRunner struct {
	calls []string
	out   map[string]string
}

func (s *scriptRunner) Run(_ context.Context, cmd utils.Cmd) (string, error) {
	args := strings.Join(cmd.Args, " ")
	s.calls = append(s.calls, args)
	for prefix, out := range s.out {
		if strings.HasPrefix(args, prefix) {
			return out, nil
		}
	}
	return "Failure: No such entity", errors.New("exit status 1")
}

func (s *scriptRunner) Stream(context.Context, utils.Cmd) (utils.LineStream, error) {
	return nil, errors.New("not supported")
}

func TestPactlBackend(t *testing.T) {
	runner := &scriptRunner{out: map[string]string{
		"list short sources": "0\talsa_input.pci\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n1\tsip.monitor\tmodule-null-sink.c\ts16le 2ch 48000Hz\tIDLE\n",
		"list short sinks":   "1\tsip_sink\tmodule-null-sink.c\ts16le 2ch 48000Hz\tIDLE\n",
		"load-module":        "27\n",
		"unload-module 27":   "",
	}}
	b := NewPactlBackend(configFor(30), runner)

	sources, err := b.Sources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alsa_input.pci", "sip.monitor"}, sources)

	sinks, err := b.Sinks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sip_sink"}, sinks)

	id, err := b.LoadLoopback(context.Background(), "alsa_input.pci", "sip_sink")
	require.NoError(t, err)
	assert.Equal(t, "27", id)
	assert.Contains(t, runner.calls, "load-module module-loopback source=alsa_input.pci sink=sip_sink latency_msec=30")

	require.NoError(t, b.UnloadModule(context.Background(), "27"))
	err = b.UnloadModule(context.Background(), "99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such entity")
}

func TestPactlBackendBadModuleIndex(t *testing.T) {
	runner := &scriptRunner{out: map[string]string{"load-module": "oops"}}
	b := NewPactlBackend(configFor(0), runner)
	_, err := b.LoadLoopback(context.Background(), "a", "b")
	assert.Error(t, err)
	assert.Equal(t, "load-module module-loopback source=a sink=b", runner.calls[0])
}

func configFor(latency int) config.AudioConfig {
	return config.AudioConfig{PactlPath: "pactl", LatencyMsec: latency}
}
