package kafka

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/BearBump/TrackLedger/internal/logger"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig describes the job queue subscription. Without a GroupID the
// reader reads the topic directly and offsets are not committed to a group.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxWait bounds how long one fetch waits for new data.
	MaxWait    time.Duration
	// FetchRetry is the pause after a failed fetch.
	FetchRetry time.Duration
}

// Consumer hands job queue messages to a handler one at a time.
type Consumer struct {
	r          messageReader
	fetchRetry time.Duration
	log        *slog.Logger
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	rc := kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		MaxWait:           cfg.MaxWait,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if cfg.GroupID != "" {
		rc.GroupTopics = []string{cfg.Topic}
	} else {
		rc.Topic = cfg.Topic
	}
	return newConsumerWithReader(kafka.NewReader(rc), cfg.FetchRetry)
}

func newConsumerWithReader(r messageReader, fetchRetry time.Duration) *Consumer {
	if fetchRetry <= 0 {
		fetchRetry = time.Second
	}
	return &Consumer{r: r, fetchRetry: fetchRetry, log: logger.WithComponent("kafka-consumer")}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume feeds messages to handler until ctx ends, the reader is closed or
// handler fails. A failed fetch is retried after a pause. A message is
// committed only after its handler returned nil, so a failed one is
// redelivered to the next member of the group.
func (c *Consumer) Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errors.Wrap(err, "fetch message")
			}
			c.log.Warn("fetch message", "error", err.Error(), "retry_in", c.fetchRetry.String())
			if err := pause(ctx, c.fetchRetry); err != nil {
				return err
			}
			continue
		}

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			c.log.Error("handle message",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err.Error())
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrapf(err, "commit offset %d", msg.Offset)
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
