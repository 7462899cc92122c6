package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // 0 = commit synchronously
	MaxWait        time.Duration // default 250ms
}

// Consumer is a thin wrapper around a consumer-group kafka.Reader with
// explicit commits.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumerFromConfig(c Config) *Consumer {
	minBytes := c.MinBytes
	if minBytes <= 0 {
		minBytes = 1 << 10
	}
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	maxWait := c.MaxWait
	if maxWait <= 0 {
		maxWait = 250 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		CommitInterval: c.CommitInterval,
		MaxWait:        maxWait,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{r: r}
}

type (
	Message = kafka.Message
	Header  = kafka.Header
)

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, msgs ...Message) error {
	return c.r.CommitMessages(ctx, msgs...)
}

func (c *Consumer) Lag() int64 { return c.r.Lag() }

func (c *Consumer) Close() error { return c.r.Close() }
