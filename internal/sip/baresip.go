package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"firestige.xyz/callbridge/internal/config"
)

var statusCodePattern = regexp.MustCompile(`\b([1-6]\d\d)\b`)

const abandonTimeout = 2 * time.Second

// callTrack is the state of one baresip call folded from its events.
type callTrack struct {
	id      string
	peer    string
	state   CallState
	err     error
	claimed bool // owned by a Handle
	hungUp  bool
}

// BaresipController implements Controller over baresip ctrl_tcp.
type BaresipController struct {
	cfg    config.SIPConfig
	client *ctrlClient

	regMu        sync.Mutex // serializes Register
	mu           sync.Mutex // guards everything below
	regState     CallState
	regErr       error
	registeredAt time.Time
	regAOR       string
	calls        map[string]*callTrack
	changed      chan struct{} // closed and replaced on every state change
}

// NewBaresipController creates a controller for the baresip instance at cfg.CtrlAddr.
func NewBaresipController(cfg config.SIPConfig) *BaresipController {
	c := &BaresipController{
		cfg:      cfg,
		regState: StateUnregistered,
		calls:    make(map[string]*callTrack),
		changed:  make(chan struct{}),
	}
	c.client = newCtrlClient(cfg.CtrlAddr, 2*time.Second, c.handleEvent, c.handleLost)
	return c
}

// Close drops the ctrl_tcp connection.
func (c *BaresipController) Close() error {
	return c.client.Close()
}

// notifyLocked wakes all waiters. Caller holds c.mu.
func (c *BaresipController) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *BaresipController) handleEvent(ev ctrlEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case EventRegisterOK:
		if c.regAOR == "" || strings.Contains(ev.AccountAOR, c.regAOR) {
			c.regState = StateRegistered
			c.regErr = nil
			c.registeredAt = time.Now()
		}
	case EventRegisterFail:
		if c.regAOR == "" || strings.Contains(ev.AccountAOR, c.regAOR) {
			c.regState = StateError
			c.regErr = classifyRegisterFailure(ev.Param)
		}
	case EventUnregistering:
		if strings.Contains(ev.AccountAOR, c.regAOR) {
			c.regState = StateUnregistered
		}
	case EventCallOutgoing:
		if _, ok := c.calls[ev.ID]; !ok {
			c.calls[ev.ID] = &callTrack{id: ev.ID, peer: ev.PeerURI, state: StateDialing}
		}
	default:
		t, ok := c.calls[ev.ID]
		if !ok {
			return
		}
		switch ev.Type {
		case EventCallRinging, EventCallProgress:
			if t.state == StateDialing {
				t.state = StateRinging
			}
		case EventCallAnswered, EventCallEstablished:
			if !t.state.IsTerminal() {
				t.state = StateConnected
			}
		case EventCallClosed:
			if t.hungUp {
				delete(c.calls, ev.ID)
				break
			}
			if t.state == StateConnected {
				t.state = StateEnded
			} else if !t.state.IsTerminal() {
				t.state = StateError
				t.err = classifyCallClosed(ev.Param)
			}
		default:
			return
		}
	}
	c.notifyLocked()
}

func (c *BaresipController) handleLost(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.calls {
		if t.hungUp {
			delete(c.calls, id)
			continue
		}
		if !t.state.IsTerminal() {
			t.state = StateError
			t.err = fmt.Errorf("%w: %v", ErrUnreachable, cause)
		}
	}
	if c.regState != StateError {
		c.regState = StateUnregistered
	}
	c.notifyLocked()
}

// waitFor blocks until cond holds (checked under c.mu), ctx ends or timeout expires.
func (c *BaresipController) waitFor(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if cond() {
			c.mu.Unlock()
			return true
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Register makes sure the account is registered. With registration caching
// a registration younger than register_interval is reused.
func (c *BaresipController) Register(ctx context.Context, creds Credentials) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	aor := fmt.Sprintf("sip:%s@%s", creds.Username, creds.Server)

	c.mu.Lock()
	c.regAOR = aor
	fresh := c.regState == StateRegistered && time.Since(c.registeredAt) < c.cfg.RegisterInterval
	c.mu.Unlock()
	if c.cfg.RegistrationCache && fresh {
		slog.Debug("reusing cached sip registration", "aor", aor)
		return nil
	}

	resp, err := c.client.call(ctx, "reginfo", "")
	if err != nil {
		return err
	}
	command, params := "uareg", strconv.Itoa(int(c.cfg.RegisterInterval.Seconds()))
	if !strings.Contains(resp.Data, aor) {
		command, params = "uanew", AccountLine(creds, c.cfg.RegisterInterval)
	}

	c.mu.Lock()
	c.regState = StateRegistering
	c.regErr = nil
	c.mu.Unlock()

	resp, err = c.client.call(ctx, command, params)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s rejected: %s: %w", command, resp.Data, ErrRegistrationTimeout)
	}

	ok := c.waitFor(ctx, c.cfg.RegisterTimeout, func() bool {
		return c.regState == StateRegistered || c.regState == StateError
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !ok:
		c.regState = StateUnregistered
		return fmt.Errorf("%s not registered within %s: %w", aor, c.cfg.RegisterTimeout, ErrRegistrationTimeout)
	case c.regState == StateError:
		return c.regErr
	}
	slog.Info("sip account registered", "aor", aor)
	return nil
}

// Dial places an outgoing call. The call id is taken from the command response
// or, for baresip versions that do not return it, from the CALL_OUTGOING event.
func (c *BaresipController) Dial(ctx context.Context, target string) (*Handle, error) {
	uri, err := NormalizeTarget(target, c.cfg.Server, c.cfg.Port)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	known := make(map[string]bool, len(c.calls))
	for id := range c.calls {
		known[id] = true
	}
	c.mu.Unlock()

	resp, err := c.client.call(ctx, "dial", uri)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("dial %s: %s: %w", uri, resp.Data, classifyDialFailure(resp.Data))
	}

	var id string
	ok := c.waitFor(ctx, c.cfg.DialTimeout, func() bool {
		if t, found := c.calls[strings.TrimSpace(resp.Data)]; found && !t.claimed {
			id = t.id
		} else {
			id = c.unclaimedCallLocked(uri)
		}
		if id != "" {
			c.calls[id].claimed = true
			return true
		}
		return false
	})
	if ctx.Err() != nil || !ok {
		c.abandonCalls(ctx, uri, strings.TrimSpace(resp.Data), known)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("no call for %s within %s: %w", uri, c.cfg.DialTimeout, ErrDialTimeout)
	}

	slog.Info("sip call dialed", "call_id", id, "target", uri)
	return &Handle{CallID: id, Target: uri, DialedAt: time.Now()}, nil
}

// unclaimedCallLocked finds a call to uri that no handle owns yet.
func (c *BaresipController) unclaimedCallLocked(uri string) string {
	for id, t := range c.calls {
		if !t.claimed && samePeer(t.peer, uri) {
			return id
		}
	}
	return ""
}

// abandonCalls hangs up the calls a failed Dial left behind: calls that were
// not known before the dial, that no handle owns, and that carry the id from
// the dial response or dial the same user as uri.
func (c *BaresipController) abandonCalls(ctx context.Context, uri, respID string, known map[string]bool) {
	c.mu.Lock()
	var ids []string
	for id, t := range c.calls {
		if known[id] || t.claimed || (id != respID && peerUser(t.peer) != peerUser(uri)) {
			continue
		}
		t.claimed = true
		if t.state.IsTerminal() {
			delete(c.calls, id)
			continue
		}
		t.hungUp = true
		ids = append(ids, id)
	}
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	for _, id := range ids {
		slog.Warn("hanging up unmatched sip call", "call_id", id, "target", uri)
		if _, err := c.client.call(hctx, "hangup", id); err != nil {
			slog.Warn("failed to hang up unmatched sip call", "call_id", id, "error", err)
		}
	}
}

// PollState returns the folded state of the call.
func (c *BaresipController) PollState(_ context.Context, h *Handle) (CallState, error) {
	if h == nil {
		return StateUnregistered, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.calls[h.CallID]
	if !ok {
		return StateEnded, nil
	}
	return t.state, t.err
}

// Hangup ends the call. Repeated calls and calls for finished dialogs are no-ops.
func (c *BaresipController) Hangup(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	t, ok := c.calls[h.CallID]
	switch {
	case !ok || t.hungUp:
		c.mu.Unlock()
		return nil
	case t.state.IsTerminal():
		delete(c.calls, h.CallID)
		c.mu.Unlock()
		return nil
	}
	t.hungUp = true
	c.mu.Unlock()

	resp, err := c.client.call(ctx, "hangup", h.CallID)
	if err != nil {
		return fmt.Errorf("hangup %s: %w", h.CallID, err)
	}
	if !resp.OK {
		// the dialog may have closed between the check above and the command
		slog.Debug("baresip refused hangup", "call_id", h.CallID, "data", resp.Data)
	}
	return nil
}

// samePeer compares two SIP URIs by user, host and port, ignoring
// parameters. A missing port equals 5060.
func samePeer(a, b string) bool {
	return uriKey(a) == uriKey(b)
}

func uriKey(u string) string {
	u = strings.Trim(strings.TrimSpace(u), "<>")
	var uri sip.Uri
	if err := sip.ParseUri(u, &uri); err == nil && uri.Host != "" {
		port := uri.Port
		if port == 0 {
			port = 5060
		}
		return strings.ToLower(fmt.Sprintf("%s@%s:%d", uri.User, uri.Host, port))
	}

	u = strings.TrimPrefix(strings.TrimPrefix(u, "sip:"), "sips:")
	if i := strings.IndexAny(u, ";?>"); i >= 0 {
		u = u[:i]
	}
	u = strings.ToLower(u)
	if !strings.Contains(u[strings.LastIndex(u, "@")+1:], ":") {
		u += ":5060"
	}
	return u
}

func peerUser(u string) string {
	key := uriKey(u)
	if i := strings.LastIndex(key, "@"); i >= 0 {
		return key[:i]
	}
	return ""
}

// statusCode extracts the first SIP status code in a reason string.
func statusCode(reason string) int {
	m := statusCodePattern.FindStringSubmatch(reason)
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// classifyCallClosed maps a CALL_CLOSED reason onto the package errors.
func classifyCallClosed(reason string) error {
	lower := strings.ToLower(reason)
	code := statusCode(reason)
	var kind error
	switch {
	case code == 486 || code == 600 || strings.Contains(lower, "busy"):
		kind = ErrBusy
	case code == 408 || code == 480 || code == 487 ||
		strings.Contains(lower, "no answer") || strings.Contains(lower, "timeout"):
		kind = ErrNoAnswer
	case code == 401 || code == 403 || code == 407:
		kind = ErrAuthRejected
	case code >= 400:
		kind = ErrServerRejected
	default:
		kind = ErrServerRejected
	}
	if reason == "" {
		reason = "closed before answer"
	}
	return fmt.Errorf("%w: %s", kind, reason)
}

func classifyRegisterFailure(reason string) error {
	switch statusCode(reason) {
	case 401, 403, 407:
		return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
	default:
		return fmt.Errorf("%w: %s", ErrRegistrationTimeout, reason)
	}
}

func classifyDialFailure(data string) error {
	err := classifyCallClosed(data)
	if errors.Is(err, ErrServerRejected) && statusCode(data) == 0 {
		return ErrInvalidTarget
	}
	return errors.Unwrap(err)
}
