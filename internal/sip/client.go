package sip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by baresip on ctrl_tcp.
const (
	EventCallIncoming    = "CALL_INCOMING"
	EventCallOutgoing    = "CALL_OUTGOING"
	EventCallRinging     = "CALL_RINGING"
	EventCallProgress    = "CALL_PROGRESS"
	EventCallAnswered    = "CALL_ANSWERED"
	EventCallEstablished = "CALL_ESTABLISHED"
	EventCallClosed      = "CALL_CLOSED"
	EventRegisterOK      = "REGISTER_OK"
	EventRegisterFail    = "REGISTER_FAIL"
	EventUnregistering   = "UNREGISTERING"
)

// ctrlEvent is an asynchronous baresip event.
type ctrlEvent struct {
	Event      bool   `json:"event"`
	Class      string `json:"class"`
	Type       string `json:"type"`
	AccountAOR string `json:"accountaor"`
	Direction  string `json:"direction"`
	PeerURI    string `json:"peeruri"`
	ID         string `json:"id"`
	Param      string `json:"param"`
}

// ctrlResponse answers one command; Token matches the command's token.
type ctrlResponse struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type ctrlCommand struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token"`
}

// errConnLost is delivered to the event handler when the connection drops.
var errConnLost = errors.New("ctrl_tcp connection lost")

// ctrlClient speaks the baresip ctrl_tcp protocol. It connects lazily and
// reconnects on the next command after the connection drops.
type ctrlClient struct {
	addr       string
	cmdTimeout time.Duration
	onEvent    func(ctrlEvent)
	onLost     func(error)

	tokens atomic.Uint64

	mu      sync.Mutex // guards conn and pending
	conn    net.Conn
	pending map[string]chan ctrlResponse
	writeMu sync.Mutex
}

func newCtrlClient(addr string, cmdTimeout time.Duration, onEvent func(ctrlEvent), onLost func(error)) *ctrlClient {
	if cmdTimeout <= 0 {
		cmdTimeout = 2 * time.Second
	}
	return &ctrlClient{
		addr:       addr,
		cmdTimeout: cmdTimeout,
		onEvent:    onEvent,
		onLost:     onLost,
		pending:    make(map[string]chan ctrlResponse),
	}
}

// ensureConn returns the live connection, dialing if needed.
func (c *ctrlClient) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect baresip at %s: %w: %v", c.addr, ErrUnreachable, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	slog.Info("connected to baresip ctrl_tcp", "addr", c.addr)
	return conn, nil
}

func (c *ctrlClient) readLoop(conn net.Conn) {
	r := newNetstringReader(conn)
	for {
		payload, err := r.Next()
		if err != nil {
			c.dropConn(conn, err)
			return
		}

		var probe struct {
			Event    *bool `json:"event"`
			Response *bool `json:"response"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			slog.Warn("invalid ctrl_tcp message", "error", err)
			continue
		}

		switch {
		case probe.Event != nil:
			var ev ctrlEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				slog.Warn("invalid ctrl_tcp event", "error", err)
				continue
			}
			slog.Debug("baresip event", "type", ev.Type, "id", ev.ID, "peer", ev.PeerURI, "param", ev.Param)
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		case probe.Response != nil:
			var resp ctrlResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				slog.Warn("invalid ctrl_tcp response", "error", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.Token]
			delete(c.pending, resp.Token)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

func (c *ctrlClient) dropConn(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan ctrlResponse)
	closing := errors.Is(cause, net.ErrClosed)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if !closing {
		slog.Warn("baresip ctrl_tcp connection lost", "addr", c.addr, "error", cause)
	}
	if c.onLost != nil {
		c.onLost(fmt.Errorf("%w: %v", errConnLost, cause))
	}
}

// call sends one command and waits for the response carrying its token.
func (c *ctrlClient) call(ctx context.Context, command, params string) (*ctrlResponse, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	token := "cb" + strconv.FormatUint(c.tokens.Add(1), 10)
	data, err := json.Marshal(ctrlCommand{Command: command, Params: params, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	ch := make(chan ctrlResponse, 1)
	c.mu.Lock()
	c.pending[token] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, token)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	err = writeNetstring(conn, data)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		c.dropConn(conn, err)
		return nil, fmt.Errorf("send %s: %w: %v", command, ErrUnreachable, err)
	}

	timer := time.NewTimer(c.cmdTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w: connection closed", command, ErrUnreachable)
		}
		return &resp, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%s: no response within %s: %w", command, c.cmdTimeout, ErrUnreachable)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Close drops the connection. A later command reconnects.
func (c *ctrlClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.dropConn(conn, net.ErrClosed)
	return nil
}
