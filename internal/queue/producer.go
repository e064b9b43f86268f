package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/voicekit/callrelay/internal/domain"
)

// Enqueuer is the narrow interface ingestion and workers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "callrelay.tasks",
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Producer publishes tasks to Kafka. Writes are synchronous and wait for all
// replicas: a task acknowledged to the webhook path must not be lost.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(config ProducerConfig) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: config.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
		},
	}
}

func (p *Producer) Enqueue(ctx context.Context, task Task) error {
	value, err := task.marshal()
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(task.Key()),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
