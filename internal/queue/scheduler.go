package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval is the cadence of periodic retry flushes.
const DefaultFlushInterval = 10 * time.Second

// Scheduler drives the periodic flush loop. It has exactly two states:
//
//	Idle:  no ticker running; any OnEnqueue arms it.
//	Armed: ticker running; a flush that leaves the queue empty disarms.
//
// Re-arming is explicit through OnEnqueue, so a drained queue costs no
// timer until the next delivery failure.
type Scheduler struct {
	q        *Queue
	sender   Sender
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	armed bool
	stop  chan struct{}
}

// NewScheduler creates an Idle scheduler.
func NewScheduler(q *Queue, sender Sender, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Scheduler{q: q, sender: sender, interval: interval, logger: logger}
}

// Armed reports whether the flush loop is currently running.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// OnEnqueue arms the flush loop if it is Idle. Safe to call on every
// enqueue; an Armed scheduler ignores it.
func (s *Scheduler) OnEnqueue(ctx context.Context) {
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = true
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	s.logger.Info("flush scheduler armed", "interval", s.interval)
	go s.loop(ctx, stop)
}

// Stop halts an armed loop. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.disarm()
			return
		case <-stop:
			s.disarm()
			return
		case <-ticker.C:
			res := s.q.Flush(ctx, s.sender)
			if res.Remaining > 0 {
				s.logger.Info("flush cycle incomplete",
					"delivered", res.Delivered, "remaining", res.Remaining)
				continue
			}
			if s.disarmIfDrained(ctx) {
				s.logger.Info("offline queue drained, flush scheduler disarmed",
					"delivered", res.Delivered)
				return
			}
			// An enqueue landed between the flush and the disarm; stay
			// armed so the new entry gets its retry on the next tick.
		}
	}
}

// disarmIfDrained moves the scheduler to Idle only if the queue is
// still empty. The length check happens under the same lock OnEnqueue
// uses, so an entry enqueued after the flush either keeps the loop
// armed here or arms a fresh one through OnEnqueue. Without the check
// an entry could land between the drain and the disarm and persist
// with no timer ever firing for it.
func (s *Scheduler) disarmIfDrained(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Len(ctx) > 0 {
		return false
	}
	s.armed = false
	s.stop = nil
	return true
}

func (s *Scheduler) disarm() {
	s.mu.Lock()
	s.armed = false
	s.stop = nil
	s.mu.Unlock()
}
