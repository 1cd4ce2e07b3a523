package sip

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
)

// fakeBaresip is a minimal ctrl_tcp peer. handle decides the response and
// any events to push right after it.
type fakeBaresip struct {
	t      *testing.T
	ln     net.Listener
	handle func(cmd ctrlCommand) (ctrlResponse, []ctrlEvent)

	mu       sync.Mutex
	conn     net.Conn
	commands []ctrlCommand
}

func newFakeBaresip(t *testing.T, handle func(cmd ctrlCommand) (ctrlResponse, []ctrlEvent)) *fakeBaresip {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeBaresip{t: t, ln: ln, handle: handle}
	go f.serve()
	t.Cleanup(func() { f.Close() })
	return f
}

func (f *fakeBaresip) Addr() string { return f.ln.Addr().String() }

func (f *fakeBaresip) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		go f.serveConn(conn)
	}
}

func (f *fakeBaresip) serveConn(conn net.Conn) {
	r := newNetstringReader(conn)
	for {
		payload, err := r.Next()
		if err != nil {
			return
		}
		var cmd ctrlCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		resp, events := f.handle(cmd)
		resp.Response = true
		resp.Token = cmd.Token
		f.send(conn, resp)
		for _, ev := range events {
			ev.Event = true
			f.send(conn, ev)
		}
	}
}

func (f *fakeBaresip) send(conn net.Conn, v any) {
	data, _ := json.Marshal(v)
	f.mu.Lock()
	defer f.mu.Unlock()
	writeNetstring(conn, data)
}

// Emit pushes an unsolicited event on the current connection.
func (f *fakeBaresip) Emit(ev ctrlEvent) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	ev.Event = true
	f.send(conn, ev)
}

// DropConn closes the current connection from the server side.
func (f *fakeBaresip) DropConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *fakeBaresip) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c.Command)
	}
	return out
}

func (f *fakeBaresip) Close() {
	f.ln.Close()
	f.DropConn()
}
