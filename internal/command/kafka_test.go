package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/callbridge/internal/config"
)

func TestNewKafkaCommandConsumer(t *testing.T) {
	handler := NewCommandHandler(newFakeSessions(), nil)

	tests := []struct {
		name    string
		config  config.CommandKafkaConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: config.CommandKafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "callbridge.commands",
				GroupID: "callbridge-group",
			},
		},
		{
			name: "missing brokers",
			config: config.CommandKafkaConfig{
				Topic:   "callbridge.commands",
				GroupID: "callbridge-group",
			},
			wantErr: true,
		},
		{
			name: "missing topic",
			config: config.CommandKafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "callbridge-group",
			},
			wantErr: true,
		},
		{
			name: "missing group_id",
			config: config.CommandKafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "callbridge.commands",
			},
			wantErr: true,
		},
		{
			name: "invalid auto_offset_reset",
			config: config.CommandKafkaConfig{
				Brokers:         []string{"localhost:9092"},
				Topic:           "callbridge.commands",
				GroupID:         "callbridge-group",
				AutoOffsetReset: "middle",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer, err := NewKafkaCommandConsumer(config.CommandChannelConfig{Kafka: tt.config}, "bridge-01", handler)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKafkaCommandConsumer() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && consumer == nil {
				t.Error("expected non-nil consumer")
			}
			if consumer != nil {
				if consumer.ttl != defaultCommandTTL {
					t.Errorf("ttl = %v, want default", consumer.ttl)
				}
				_ = consumer.Stop()
				_ = consumer.Stop()
			}
		})
	}
}

// fakeReader feeds queued messages and then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	closed    bool
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.fetchErr = nil
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func commandMessage(t *testing.T, cmd KafkaCommand) kafka.Message {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: "callbridge.commands", Value: data}
}

func TestKafkaCommandConsumer_Dispatch(t *testing.T) {
	sessions := newFakeSessions()
	handler := NewCommandHandler(sessions, nil)
	payload := json.RawMessage(`{"phone":"+4915112345678","sip_target":"200"}`)

	reader := &fakeReader{msgs: []kafka.Message{
		commandMessage(t, KafkaCommand{Version: "v1", Target: "bridge-01", Command: "session_start", Timestamp: time.Now(), RequestID: "r-1", Payload: payload}),
		commandMessage(t, KafkaCommand{Version: "v1", Target: "other-node", Command: "session_start", Timestamp: time.Now(), RequestID: "r-2", Payload: payload}),
		commandMessage(t, KafkaCommand{Version: "v1", Target: "*", Command: "session_start", Timestamp: time.Now().Add(-time.Hour), RequestID: "r-3", Payload: payload}),
		commandMessage(t, KafkaCommand{Version: "v1", Target: "*", Command: "session_start", RequestID: "r-4", Payload: payload}),
		{Value: []byte("not json")},
		commandMessage(t, KafkaCommand{Version: "v1", Target: "", Command: "bogus", RequestID: "r-5"}),
		// redelivery of r-1 after a rebalance
		commandMessage(t, KafkaCommand{Version: "v1", Target: "bridge-01", Command: "session_start", Timestamp: time.Now(), RequestID: "r-1", Payload: payload}),
	}}
	consumer := newKafkaCommandConsumer(config.CommandChannelConfig{CommandTTL: time.Minute}, "bridge-01", handler, reader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for reader.commits() < 7 {
		select {
		case <-deadline:
			t.Fatalf("only %d messages committed", reader.commits())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start returned %v", err)
	}

	if len(sessions.started) != 2 {
		t.Fatalf("started %d sessions, want 2 (targeted + untimed broadcast, redelivery dropped)", len(sessions.started))
	}
	if sessions.started[0].RequestID != "r-1" || sessions.started[1].RequestID != "r-4" {
		t.Errorf("unexpected requests %+v", sessions.started)
	}
}

func TestKafkaCommandConsumer_StopEndsStart(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker gone")}
	consumer := newKafkaCommandConsumer(config.CommandChannelConfig{}, "n", NewCommandHandler(newFakeSessions(), nil), reader)
	if err := consumer.Stop(); err != nil {
		t.Fatal(err)
	}
	if !reader.closed {
		t.Error("reader not closed")
	}
	if err := consumer.Start(context.Background()); err != nil {
		t.Errorf("Start after Stop returned %v", err)
	}
}
