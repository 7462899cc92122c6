package worker

import (
	"context"

	"github.com/jmehdipour/credits-gateway/internal/kafka"
)

// Source is the fetch/commit half of a Kafka consumer.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes messages to Kafka.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}
