// Package storage provides the durable key-value state shared by portal
// sessions: device identifier, offline event queue, and the last block
// signal. Backends: in-memory (tests), a local JSON file (single host),
// and redis (state shared across session processes).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("storage: key not found")

// Well-known keys.
const (
	KeyDeviceID    = "portalwatch:device_id"
	KeyEventQueue  = "portalwatch:event_queue"
	KeyBlockSignal = "portalwatch:block_signal"
)

// KV is a small durable key-value store. Writes are last-writer-wins
// across concurrent sessions; callers must tolerate that (queue entries
// are additive and idempotent, block state is re-derived from the
// server on the next request).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
