// Package queue is the bounded, persisted FIFO buffer of undelivered
// telemetry envelopes. Delivery is at-least-once: entries survive page
// reloads and are retried until delivered or evicted under capacity
// pressure.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/metrics"
	"github.com/mrashdan/portalwatch/internal/storage"
)

// DefaultCapacity bounds the queue; the oldest entry is evicted first.
const DefaultCapacity = 100

// Entry is one queued envelope plus its enqueue time.
type Entry struct {
	Envelope event.Envelope
	QueuedAt string
}

// MarshalJSON stores the entry as the flattened envelope with a
// queued_at field alongside, the same shape the envelope has on the
// wire.
func (e Entry) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Envelope)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	qa, err := json.Marshal(e.QueuedAt)
	if err != nil {
		return nil, err
	}
	m["queued_at"] = qa
	return json.Marshal(m)
}

// UnmarshalJSON splits queued_at back out of the flattened form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if qa, ok := m["queued_at"]; ok {
		if err := json.Unmarshal(qa, &e.QueuedAt); err != nil {
			return err
		}
		delete(m, "queued_at")
	}
	rest, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(rest, &e.Envelope)
}

// Sender delivers one envelope; the emitter's transport implements it.
type Sender interface {
	Send(ctx context.Context, env event.Envelope) error
}

// FlushResult summarizes one flush cycle.
type FlushResult struct {
	Attempted int
	Delivered int
	Remaining int
}

// Queue persists entries under a single KV key. All failures are soft:
// a queue that cannot be read or written degrades to dropping events,
// never to crashing the host.
type Queue struct {
	store    storage.KV
	capacity int
	logger   *slog.Logger
	mu       sync.Mutex
}

// New creates a queue backed by store. capacity <= 0 uses the default.
func New(store storage.KV, capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{store: store, capacity: capacity, logger: logger}
}

// Enqueue appends env with the current queue timestamp, evicting the
// oldest entry if the queue is full.
func (q *Queue) Enqueue(ctx context.Context, env event.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}

	entries = append(entries, Entry{Envelope: env, QueuedAt: event.Now()})
	for len(entries) > q.capacity {
		entries = entries[1:]
		metrics.QueueEvictionsTotal.Inc()
		q.logger.Warn("offline queue full, evicted oldest entry", "capacity", q.capacity)
	}

	if err := q.save(ctx, entries); err != nil {
		return err
	}
	q.logger.Info("event queued for retry", "event_id", env.EventID, "queue_depth", len(entries))
	return nil
}

// Len returns the current number of queued entries.
func (q *Queue) Len(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load(ctx)
	if err != nil {
		return 0
	}
	return len(entries)
}

// Entries returns a snapshot of the queued entries in order.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Flush attempts delivery of every entry sequentially, in enqueue
// order. Entries that fail stay queued in their original relative
// order; the persisted list is rewritten once from the survivors.
func (q *Queue) Flush(ctx context.Context, send Sender) FlushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil || len(entries) == 0 {
		return FlushResult{}
	}

	q.logger.Info("flushing offline queue", "entries", len(entries))

	var remaining []Entry
	delivered := 0
	for _, entry := range entries {
		if err := send.Send(ctx, entry.Envelope); err != nil {
			q.logger.Warn("queued event delivery failed, keeping for retry",
				"event_id", entry.Envelope.EventID, "error", err)
			remaining = append(remaining, entry)
			continue
		}
		delivered++
	}

	if err := q.save(ctx, remaining); err != nil {
		q.logger.Error("failed to rewrite offline queue after flush", "error", err)
	}

	result := FlushResult{
		Attempted: len(entries),
		Delivered: delivered,
		Remaining: len(remaining),
	}
	if result.Remaining == 0 {
		metrics.QueueFlushesTotal.WithLabelValues("drained").Inc()
	} else {
		metrics.QueueFlushesTotal.WithLabelValues("partial").Inc()
	}
	return result
}

// load reads the persisted list. Caller holds q.mu.
func (q *Queue) load(ctx context.Context) ([]Entry, error) {
	raw, err := q.store.Get(ctx, storage.KeyEventQueue)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		q.logger.Error("offline queue read failed", "error", err)
		return nil, fmt.Errorf("read offline queue: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A corrupt queue is unrecoverable; start fresh rather than
		// wedging every future enqueue.
		q.logger.Error("offline queue corrupt, resetting", "error", err)
		return nil, nil
	}
	return entries, nil
}

// save rewrites the persisted list atomically. Caller holds q.mu.
func (q *Queue) save(ctx context.Context, entries []Entry) error {
	metrics.QueueDepth.Set(float64(len(entries)))

	if len(entries) == 0 {
		if err := q.store.Delete(ctx, storage.KeyEventQueue); err != nil {
			q.logger.Error("offline queue clear failed", "error", err)
			return fmt.Errorf("clear offline queue: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.store.Set(ctx, storage.KeyEventQueue, raw); err != nil {
		q.logger.Error("offline queue write failed", "error", err)
		return fmt.Errorf("write offline queue: %w", err)
	}
	return nil
}
