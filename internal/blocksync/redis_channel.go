package blocksync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/mrashdan/portalwatch/internal/storage"
)

// signalChannel is the pub/sub channel shared by all sessions.
const signalChannel = "portalwatch:block_signals"

// RedisChannel carries block signals over redis pub/sub, the shared
// change-notification analog of a browser storage event.
type RedisChannel struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisChannel wraps an existing redis connection.
func NewRedisChannel(client *redis.Client, logger *slog.Logger) *RedisChannel {
	return &RedisChannel{client: client, logger: logger}
}

// Publish broadcasts sig to every subscribed session and records it as
// the last-known signal, so a session that starts after the broadcast
// can still pick it up.
func (c *RedisChannel) Publish(ctx context.Context, sig Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode block signal: %w", err)
	}
	if err := c.client.Publish(ctx, signalChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish block signal: %w", err)
	}
	if err := c.client.Set(ctx, storage.KeyBlockSignal, raw, 0).Err(); err != nil {
		c.logger.Warn("recording last block signal failed", "error", err)
	}
	return nil
}

// Subscribe delivers signals to h until cancel runs or ctx ends.
// Malformed payloads are logged and skipped.
func (c *RedisChannel) Subscribe(ctx context.Context, h Handler) (func(), error) {
	sub := c.client.Subscribe(ctx, signalChannel)
	// Force the subscription to be established before returning so a
	// Publish immediately after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe block signals: %w", err)
	}

	go func() {
		for msg := range sub.Channel() {
			var sig Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				c.logger.Warn("dropping malformed block signal", "error", err)
				continue
			}
			h(sig)
		}
	}()

	return func() { _ = sub.Close() }, nil
}
