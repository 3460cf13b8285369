package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer publishes message bodies to a stream.
type Producer struct {
	client *redis.Client
	stream string
}

// NewProducer creates a producer for stream.
func NewProducer(client *redis.Client, stream string) *Producer {
	return &Producer{client: client, stream: stream}
}

// Publish appends body to the stream and returns the entry ID.
func (p *Producer) Publish(ctx context.Context, body []byte) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{BodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.stream, err)
	}

	slog.DebugContext(ctx, "message published", "stream", p.stream, "message_id", id)
	return id, nil
}
