package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/callbridge/internal/config"
)

const (
	kafkaBatchTimeout = 50 * time.Millisecond
	kafkaMaxAttempts  = 3
)

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by session ID
// so that all events of a session land on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher creates a publisher. No connection is made until the first Publish.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic is required")
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchTimeout:     kafkaBatchTimeout,
		MaxAttempts:      kafkaMaxAttempts,
		CompressionCodec: compress.Snappy.Codec(),
	})

	slog.Info("kafka event publisher created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

func (p *KafkaPublisher) Name() string { return "kafka" }

// Publish sends one event synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s failed: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}
	return nil
}

func encodeMessage(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event failed: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "phase", Value: []byte(ev.Phase)},
			{Key: "node", Value: []byte(ev.Node)},
		},
	}
	if ev.Code != 0 {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "code", Value: []byte(strconv.Itoa(ev.Code))})
	}
	return msg, nil
}

// NewPublisher builds the publisher selected by cfg.
func NewPublisher(cfg config.EventsConfig) (Publisher, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka)
	case "log", "":
		return LogPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown events type %q", cfg.Type)
	}
}
