package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/tripwire/internal/clock"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka consumer.
type KafkaConfig struct {
	Brokers string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// NewKafkaReader builds a consumer-group reader. Offsets are committed
// explicitly after each message is submitted.
func NewKafkaReader(c KafkaConfig) (*kafka.Reader, error) {
	if c.Brokers == "" {
		return nil, errors.New("kafka: brokers cannot be empty")
	}
	if c.Topic == "" {
		return nil, errors.New("kafka: topic cannot be empty")
	}
	if c.GroupID == "" {
		return nil, errors.New("kafka: group id cannot be empty")
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	var brokers []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       c.Topic,
		GroupID:     c.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     c.MaxWait,
		StartOffset: kafka.FirstOffset,
	}), nil
}

// KafkaConsumer reads event documents from a topic and submits them.
type KafkaConsumer struct {
	reader Reader
	h      *handler
	logger log.Logger
}

// NewKafkaConsumer wraps reader. clk and logger may be nil.
func NewKafkaConsumer(reader Reader, sub Submitter, clk clock.Clock, logger log.Logger, hooks Hooks) *KafkaConsumer {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &KafkaConsumer{
		reader: reader,
		h:      &handler{transport: "kafka", sub: sub, clock: clk, hooks: hooks},
		logger: logger.With("transport", "kafka"),
	}
}

// Run consumes until ctx is done. A message whose submit fails is not
// committed; Run returns so the group rebalances and redelivers it.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if _, err := c.h.handle(ctx, msg.Value); err != nil {
			if !Rejected(err) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("topic %s partition %d offset %d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			c.logger.Warn(ctx, "dropping malformed event",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
