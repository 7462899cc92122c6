package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	BatchSize    int           // default 100
	BatchTimeout time.Duration // default 50ms
	WriteTimeout time.Duration // default 10s
}

// Producer writes to any topic; each message names its own.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(c ProducerConfig) *Producer {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return &Producer{w: &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              c.BatchSize,
		BatchTimeout:           c.BatchTimeout,
		WriteTimeout:           c.WriteTimeout,
		AllowAutoTopicCreation: false,
	}}
}

// Publish blocks until every message is acknowledged by all in-sync replicas.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }
