// Package events publishes session lifecycle notifications.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/serialx/hashring"

	"firestige.xyz/callbridge/internal/bridge"
	"firestige.xyz/callbridge/internal/metrics"
)

// Response codes carried by events, borrowed from SIP.
const (
	CodeRinging           = 180
	CodeOK                = 200
	CodeAddressIncomplete = 484
	CodeBusyHere          = 486
	CodeBadGateway        = 502
)

// Event is one session phase transition.
type Event struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id,omitempty"`
	Node      string    `json:"node"`
	Attempt   int       `json:"attempt"`
	Phase     string    `json:"phase"`
	From      string    `json:"from"`
	Code      int       `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Retrying  bool      `json:"retrying,omitempty"`
	Phone     string    `json:"phone"`
	SIPTarget string    `json:"sip_target"`
	Warnings  []string  `json:"warnings,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseCode maps a snapshot onto the response code reported to the
// requester. Phases without a code return 0, and so does a failed attempt
// that will be retried: each session reports one final code.
func ResponseCode(s bridge.Snapshot) int {
	switch s.Phase {
	case bridge.PhaseAwaitingSIP:
		return CodeRinging
	case bridge.PhaseActive:
		return CodeOK
	case bridge.PhaseFailed:
		switch {
		case s.WillRetry:
			return 0
		case s.Reason.Kind == bridge.ReasonRejected && s.Reason.Leg == bridge.LegDevice:
			return CodeAddressIncomplete
		case s.Reason.Kind == bridge.ReasonRejected && s.Reason.Detail == "sip busy":
			return CodeBusyHere
		}
		return CodeBadGateway
	}
	return 0
}

// NewEvent builds the event for a transition.
func NewEvent(node string, s bridge.Snapshot, from bridge.Phase) Event {
	return Event{
		SessionID: s.ID,
		RequestID: s.RequestID,
		Node:      node,
		Attempt:   s.Attempt,
		Phase:     string(s.Phase),
		From:      string(from),
		Code:      ResponseCode(s),
		Reason:    s.Reason.String(),
		Retrying:  s.WillRetry,
		Phone:     s.Phone,
		SIPTarget: s.SIPTarget,
		Warnings:  s.Warnings,
		Timestamp: s.UpdatedAt,
	}
}

// Publisher delivers events.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// ErrQueueFull is reported when the notifier drops an event.
var ErrQueueFull = errors.New("event queue full")

const (
	defaultPartitions     = 4
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// Notifier adapts a Publisher to bridge.Observer. Events are spread over
// partitions by a consistent hash of the session ID, so each session's
// transitions are published in order from one goroutine while different
// sessions publish concurrently. When a partition queue is full the event
// is dropped.
type Notifier struct {
	node       string
	publisher  Publisher
	partitions []chan Event
	ring       *hashring.HashRing
	index      map[string]int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier starts one publishing goroutine per partition.
func NewNotifier(node string, publisher Publisher, partitions, queueSize int) *Notifier {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	n := &Notifier{
		node:       node,
		publisher:  publisher,
		partitions: make([]chan Event, partitions),
		index:      make(map[string]int, partitions),
	}
	names := make([]string, partitions)
	for i := range partitions {
		names[i] = "partition-" + strconv.Itoa(i)
		n.index[names[i]] = i
		n.partitions[i] = make(chan Event, queueSize)
	}
	n.ring = hashring.New(names)

	n.wg.Add(partitions)
	for _, q := range n.partitions {
		go n.loop(q)
	}
	return n
}

func (n *Notifier) partitionFor(sessionID string) chan Event {
	name, ok := n.ring.GetNode(sessionID)
	if !ok {
		return n.partitions[0]
	}
	return n.partitions[n.index[name]]
}

// SessionTransition implements bridge.Observer.
func (n *Notifier) SessionTransition(s bridge.Snapshot, from bridge.Phase) {
	ev := NewEvent(n.node, s, from)
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.partitionFor(s.ID) <- ev:
	default:
		metrics.EventsPublishedTotal.WithLabelValues(n.publisher.Name(), "dropped").Inc()
		slog.Warn("dropping session event", "session_id", s.ID, "phase", s.Phase, "error", ErrQueueFull)
	}
}

func (n *Notifier) loop(queue <-chan Event) {
	defer n.wg.Done()
	for ev := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		err := n.publisher.Publish(ctx, ev)
		cancel()
		if err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(n.publisher.Name(), "error").Inc()
			slog.Warn("failed to publish session event",
				"publisher", n.publisher.Name(),
				"session_id", ev.SessionID,
				"phase", ev.Phase,
				"error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(n.publisher.Name(), "ok").Inc()
	}
}

// Close drains the queues and closes the publisher. Later transitions are ignored.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for _, q := range n.partitions {
		close(q)
	}
	n.mu.Unlock()

	n.wg.Wait()
	return n.publisher.Close()
}

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

func (LogPublisher) Name() string { return "log" }

func (LogPublisher) Publish(_ context.Context, ev Event) error {
	attrs := []any{
		"session_id", ev.SessionID,
		"attempt", ev.Attempt,
		"phase", ev.Phase,
		"from", ev.From,
	}
	if ev.RequestID != "" {
		attrs = append(attrs, "request_id", ev.RequestID)
	}
	if ev.Code != 0 {
		attrs = append(attrs, "code", ev.Code)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	slog.Info("session event", attrs...)
	return nil
}

func (LogPublisher) Close() error { return nil }
