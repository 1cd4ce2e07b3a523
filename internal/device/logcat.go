package device

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"firestige.xyz/callbridge/internal/utils"
)

// logcatTags limits the logcat stream to the VoIP-relevant tags.
var logcatTags = []string{
	"tgvoip:V",
	"MediaFocusControl:I",
	"Telecom:V",
	"VoIPService:D",
	"VoIPBaseService:D",
	"VoIPController:D",
	"AudioFlinger:D",
	"ActivityTaskManager:I",
}

// logcatNoise marks lines that match the patterns below but are unrelated to the call.
var logcatNoise = []string{"android.hardware.audio", "com.android.systemui"}

type logcatEvent int

const (
	eventNone logcatEvent = iota
	eventRinging
	eventConnecting
	eventAnswered
	eventDisconnected
)

// logcatPatterns are tried in order; the first match wins.
var logcatPatterns = []struct {
	event logcatEvent
	re    *regexp.Regexp
}{
	{eventRinging, regexp.MustCompile(`(?i)ActivityTaskManager.*START\s+u0\s+\{act=voip.*cmp=org\.telegram\.messenger/org\.telegram\.ui\.LaunchActivity\}|tgvoip.*(Initiating call|Call ringing)`)},
	{eventConnecting, regexp.MustCompile(`(?i)MediaFocusControl.*requestAudioFocus.*USAGE_VOICE_COMMUNICATION.*callingPack=org\.telegram\.messenger|tgvoip.*(Connecting|Call state changed to 2|Starting connection)|Telecom.*NEW_OUTGOING_CALL`)},
	{eventAnswered, regexp.MustCompile(`(?i)tgvoip.*(First audio packet - setting state to ESTABLISHED|Call state changed to 3|Call established|Call connected)|AudioFlinger.*thread.*ready to run`)},
	{eventDisconnected, regexp.MustCompile(`(?i)MediaFocusControl.*abandonAudioFocus.*callingPack=org\.telegram\.messenger|tgvoip.*(Call ended|Call rejected|Call terminated|User-Initiated Abort)|Telecom.*(CALL_DISCONNECTED|CALL_REJECTED)`)},
}

// classifyLogcat maps a logcat line to a call event.
func classifyLogcat(line string) logcatEvent {
	for _, n := range logcatNoise {
		if strings.Contains(line, n) {
			return eventNone
		}
	}
	for _, p := range logcatPatterns {
		if p.re.MatchString(line) {
			return p.event
		}
	}
	return eventNone
}

// nextState applies an event to the current state. States only move forward.
func nextState(cur CallState, ev logcatEvent) CallState {
	switch ev {
	case eventRinging, eventConnecting:
		if cur == StateIdle || cur == StateDialing {
			return StateRinging
		}
	case eventAnswered:
		if cur == StateDialing || cur == StateRinging {
			return StateConnected
		}
	case eventDisconnected:
		if !cur.IsTerminal() {
			return StateEnded
		}
	}
	return cur
}

// callMonitor folds a logcat stream into the state of one call.
type callMonitor struct {
	stream   utils.LineStream
	handleID string

	mu    sync.RWMutex
	state CallState
	err   error

	done chan struct{}
	once sync.Once
}

func newCallMonitor(handleID string, stream utils.LineStream) *callMonitor {
	m := &callMonitor{
		stream:   stream,
		handleID: handleID,
		state:    StateDialing,
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *callMonitor) run() {
	defer close(m.done)
	for line := range m.stream.Lines() {
		ev := classifyLogcat(line)
		if ev == eventNone {
			continue
		}
		m.mu.Lock()
		prev := m.state
		m.state = nextState(prev, ev)
		cur := m.state
		m.mu.Unlock()
		if cur != prev {
			slog.Debug("device call state changed", "handle", m.handleID, "from", prev, "to", cur)
		}
	}

	// stream ended on its own: the device or adb went away
	m.mu.Lock()
	if !m.state.IsTerminal() {
		m.state = StateError
		m.err = fmt.Errorf("logcat stream closed: %w", ErrUnreachable)
	}
	m.mu.Unlock()
}

// State returns the latest state and, for StateError, its cause.
func (m *callMonitor) State() (CallState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.err
}

// Close stops the stream. The state observed so far is kept.
func (m *callMonitor) Close() error {
	var err error
	m.once.Do(func() {
		// mark ended first so the closing stream is not read as a lost device
		m.mu.Lock()
		if !m.state.IsTerminal() {
			m.state = StateEnded
		}
		m.mu.Unlock()
		err = m.stream.Close()
		<-m.done
	})
	return err
}
