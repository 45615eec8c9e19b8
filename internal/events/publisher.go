package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/segmentio/kafka-go"
)

// Publisher emits session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt protocol.SessionEvent) error
	Close() error
}

// New returns the publisher selected by cfg.Driver.
func New(cfg config.EventsConfig, busClient *bus.Client, logger *slog.Logger) (Publisher, error) {
	logger = logger.With(slog.String("component", "events"))
	switch cfg.Driver {
	case "", "none":
		return Noop{}, nil
	case "nats":
		if busClient == nil {
			return nil, errors.New("nats event driver requires a bus connection")
		}
		logger.Info("publishing events to NATS", slog.String("prefix", cfg.SubjectPrefix))
		return &natsPublisher{client: busClient, prefix: cfg.SubjectPrefix}, nil
	case "kafka":
		return newKafkaPublisher(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, protocol.SessionEvent) error { return nil }
func (Noop) Close() error                                         { return nil }

// Subject joins prefix and event type into a NATS subject.
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

type natsPublisher struct {
	client *bus.Client
	prefix string
}

func (p *natsPublisher) Publish(_ context.Context, evt protocol.SessionEvent) error {
	return p.client.PublishJSON(Subject(p.prefix, evt.Type), evt)
}

func (p *natsPublisher) Close() error { return nil }

type kafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	logger *slog.Logger
}

func newKafkaPublisher(cfg config.EventsConfig, logger *slog.Logger) *kafkaPublisher {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("publishing events to Kafka",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic))
	return &kafkaPublisher{writer: writer, topic: cfg.KafkaTopic, logger: logger}
}

func (p *kafkaPublisher) Publish(ctx context.Context, evt protocol.SessionEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	// keyed by session so one session's events stay ordered on a partition
	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(evt.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to kafka: %w", evt.Type, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}
