// Package queue provides a Redis Streams message source with manual acknowledgment.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BodyField is the stream entry field holding the message body.
const BodyField = "body"

// Message is one delivery of a stream entry.
type Message struct {
	ID         string
	Body       []byte
	Deliveries int64
}

// ConsumerConfig contains consumer configuration.
type ConsumerConfig struct {
	Stream          string        // stream holding sync messages
	Group           string        // consumer group name
	Consumer        string        // consumer name within the group
	DLQStream       string        // stream receiving dead-lettered messages
	Block           time.Duration // how long one read waits for new messages
	MinIdle         time.Duration // pending time after which a message is redelivered
	ReclaimInterval time.Duration // how often stale pending messages are looked up
}

// RedisConsumer reads one message at a time from a consumer group.
// Stale pending messages, left unacknowledged by a failed attempt or a
// crashed consumer, are claimed back between reads.
type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig

	mu          sync.Mutex
	lastReclaim time.Time
	draining    bool // stale messages were found on the last lookup
}

// NewRedisConsumer creates a consumer and makes sure its group exists.
func NewRedisConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}

	c := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Start from "0" so entries published before the group existed are not lost.
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Next returns a stale pending message if one is due for redelivery, otherwise
// blocks for up to Block waiting for a new one. It returns nil, nil on timeout.
// Once a lookup finds stale messages, every call reclaims until none are left.
func (c *RedisConsumer) Next(ctx context.Context) (*Message, error) {
	if c.reclaimDue() {
		msg, stale, err := c.reclaim(ctx)
		c.reclaimDone(stale && err == nil)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    1,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup (stream=%s): %w", c.cfg.Stream, err)
	}

	for _, stream := range streams {
		for _, entry := range stream.Messages {
			return newMessage(entry, 1), nil
		}
	}
	return nil, nil
}

func (c *RedisConsumer) reclaimDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.draining || time.Since(c.lastReclaim) >= c.cfg.ReclaimInterval
}

// reclaimDone records a lookup. The interval restarts only when the lookup
// came back empty.
func (c *RedisConsumer) reclaimDone(stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.draining = stale
	if !stale {
		c.lastReclaim = time.Now()
	}
}

// reclaim claims the oldest pending message idle for at least MinIdle.
// stale reports whether such a message existed, even if another consumer
// claimed it first.
func (c *RedisConsumer) reclaim(ctx context.Context) (msg *Message, stale bool, err error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, false, nil
	}

	p := pending[0]
	entries, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle,
		Messages: []string{p.ID},
	}).Result()
	if err != nil {
		return nil, true, fmt.Errorf("xclaim: %w", err)
	}
	if len(entries) == 0 {
		// Claimed by another consumer in the meantime.
		return nil, true, nil
	}

	slog.Info("reclaimed stale message",
		"message_id", p.ID,
		"original_consumer", p.Consumer,
		"idle", p.Idle,
		"retry_count", p.RetryCount,
	)

	// XCLAIM increments the delivery counter reported by XPENDING.
	return newMessage(entries[0], p.RetryCount+1), true, nil
}

// Ack acknowledges a message so it is never delivered again.
func (c *RedisConsumer) Ack(ctx context.Context, msg *Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

// DeadLetter copies the message to the dead letter stream, then acknowledges it.
func (c *RedisConsumer) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: map[string]any{
			BodyField:     string(msg.Body),
			"original_id": msg.ID,
			"deliveries":  msg.Deliveries,
			"error":       reason,
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("ack dead-lettered message: %w", err)
	}

	slog.Warn("message sent to dead letter stream",
		"message_id", msg.ID,
		"dlq_stream", c.cfg.DLQStream,
		"reason", reason,
	)
	return nil
}

// Stats is a point-in-time view of the consumer's streams.
type Stats struct {
	Length       int64 // entries in the stream
	Pending      int64 // delivered but not acknowledged within the group
	DeadLettered int64 // entries in the dead letter stream
}

// Stats reports stream length, group backlog and dead letter count.
func (c *RedisConsumer) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error

	if st.Length, err = c.client.XLen(ctx, c.cfg.Stream).Result(); err != nil {
		return st, fmt.Errorf("xlen (stream=%s): %w", c.cfg.Stream, err)
	}

	pending, err := c.client.XPending(ctx, c.cfg.Stream, c.cfg.Group).Result()
	if err != nil {
		return st, fmt.Errorf("xpending summary: %w", err)
	}
	st.Pending = pending.Count

	if st.DeadLettered, err = c.client.XLen(ctx, c.cfg.DLQStream).Result(); err != nil {
		return st, fmt.Errorf("xlen (stream=%s): %w", c.cfg.DLQStream, err)
	}
	return st, nil
}

func newMessage(entry redis.XMessage, deliveries int64) *Message {
	msg := &Message{
		ID:         entry.ID,
		Deliveries: deliveries,
	}
	if raw, ok := entry.Values[BodyField]; ok {
		msg.Body = []byte(fmt.Sprint(raw))
	}
	return msg
}
