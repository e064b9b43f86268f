package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// TaskHandler processes one task. A returned error leaves the offset
// uncommitted so the task is redelivered; handlers must therefore be
// idempotent and must mark permanent failures themselves before returning nil.
type TaskHandler interface {
	HandleTask(ctx context.Context, task Task) error
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	CommitTimeout time.Duration
	// Workers is how many readers share the consumer group in this
	// process. Per-event ordering is unaffected: tasks are keyed by
	// tenant+event, so one event's tasks stay on one partition and
	// therefore one reader.
	Workers int
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "callrelay.tasks",
		GroupID:       "callrelay-workers",
		CommitTimeout: 5 * time.Second,
		Workers:       4,
	}
}

// Consumer reads tasks and fans them out to the handler. Offsets are
// committed manually after the handler returns, giving at-least-once
// processing. Concurrency comes from running several readers in the same
// group; the broker assigns each a disjoint set of partitions.
type Consumer struct {
	config  ConsumerConfig
	readers []*kafka.Reader
	handler TaskHandler
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewConsumer(config ConsumerConfig, handler TaskHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = 5 * time.Second
	}
	readers := make([]*kafka.Reader, config.Workers)
	for i := range readers {
		readers[i] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        config.Brokers,
			Topic:          config.Topic,
			GroupID:        config.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // manual commits only
			StartOffset:    kafka.FirstOffset,
		})
	}

	return &Consumer{
		config:  config,
		readers: readers,
		handler: handler,
		logger:  logger,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, reader := range c.readers {
		c.wg.Add(1)
		go c.consumeLoop(ctx, reader)
	}
	c.logger.Info("task consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
		"workers", len(c.readers),
	)
}

// Stop drains in-flight tasks before returning.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			c.logger.Error("failed to close kafka reader", "error", err)
		}
	}
	c.logger.Info("task consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context, reader *kafka.Reader) {
	defer c.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		task, err := unmarshalTask(msg.Value)
		if err != nil {
			// Poison message: log and commit past it.
			c.logger.Error("malformed task message, skipping",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			c.commit(ctx, reader, msg)
			continue
		}

		if err := c.handler.HandleTask(ctx, task); err != nil {
			c.logger.Error("task handler failed, leaving offset uncommitted",
				"error", err,
				"task_type", task.Type,
				"tenant_id", task.TenantID,
				"event_id", task.EventID,
			)
			continue
		}

		c.commit(ctx, reader, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, reader *kafka.Reader, msg kafka.Message) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()
	if err := reader.CommitMessages(commitCtx, msg); err != nil {
		c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
	}
}
