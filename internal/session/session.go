// Package session assembles one instrumented portal session: durable
// state, identity, the emitter pipeline, the offline queue with its
// flush scheduler, block-state synchronization, and the click-rate
// detector. One Session corresponds to one open portal page.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mrashdan/portalwatch/internal/blocksync"
	"github.com/mrashdan/portalwatch/internal/circuitbreaker"
	"github.com/mrashdan/portalwatch/internal/config"
	"github.com/mrashdan/portalwatch/internal/detector"
	"github.com/mrashdan/portalwatch/internal/emitter"
	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/identity"
	"github.com/mrashdan/portalwatch/internal/queue"
	"github.com/mrashdan/portalwatch/internal/riskapi"
	"github.com/mrashdan/portalwatch/internal/simulate"
	"github.com/mrashdan/portalwatch/internal/storage"
)

// Session is one wired telemetry session.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	store   storage.KV
	channel blocksync.Channel
	ident   *identity.Resolver
	sync    *blocksync.Synchronizer
	queue   *queue.Queue
	sched   *queue.Scheduler
	emitter *emitter.Emitter
	monitor *detector.Monitor
	runner  *simulate.Runner

	backlog     *queueBacklog
	unsubscribe func()
}

// New wires a session. With REDIS_ADDR set, state and block signals are
// shared across every session process through redis; otherwise state
// lives in a local file and block signals stay in-process.
func New(ctx context.Context, cfg *config.Config, overlay blocksync.Overlay, adminPage bool, logger *slog.Logger) (*Session, error) {
	var (
		store   storage.KV
		channel blocksync.Channel
	)
	if cfg.RedisAddr != "" {
		rs, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect session state: %w", err)
		}
		store = rs
		channel = blocksync.NewRedisChannel(rs.Client(), logger)
	} else {
		fs, err := storage.NewFileStore(cfg.StateFile)
		if err != nil {
			return nil, fmt.Errorf("open session state: %w", err)
		}
		store = fs
		channel = blocksync.NewMemoryBus()
	}

	ident := identity.New(store, cfg.UserID, cfg.DeviceClass, cfg.PagePath, logger)
	sync := blocksync.NewSynchronizer(cfg.UserID, adminPage, overlay, logger)
	q := queue.New(store, cfg.QueueCapacity, logger)
	breaker := circuitbreaker.New(0, 0) // defaults
	api := riskapi.New(cfg.APIBaseURL)

	bl := &queueBacklog{logger: logger}
	em := emitter.New(api, ident, sync, bl, breaker, logger)
	sched := queue.NewScheduler(q, em, cfg.FlushInterval, logger)
	bl.queue = q
	bl.sched = sched

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		channel: channel,
		ident:   ident,
		sync:    sync,
		queue:   q,
		sched:   sched,
		emitter: em,
		backlog: bl,
		monitor: detector.NewMonitor(detector.Config{
			ShortWindow:    cfg.ShortWindow,
			ShortThreshold: cfg.ShortThreshold,
			LongWindow:     cfg.LongWindow,
			LongThreshold:  cfg.LongThreshold,
			Cooldown:       cfg.Cooldown,
		}, em, cfg.PagePath),
	}
	s.runner = simulate.NewRunner(em, logger)
	return s, nil
}

// Start brings the session online: it attaches the synchronizer to the
// block-signal channel, replays the last recorded signal, flushes any
// backlog left over from a previous run, and emits the opening
// page_view. A block verdict on that page_view is expected for blocked
// users and handled by the synchronizer, not surfaced as an error.
func (s *Session) Start(ctx context.Context) error {
	s.backlog.rootCtx = ctx

	unsubscribe, err := s.sync.Attach(ctx, s.channel)
	if err != nil {
		return fmt.Errorf("subscribe block signals: %w", err)
	}
	s.unsubscribe = unsubscribe
	s.replayLastSignal(ctx)

	if n := s.queue.Len(ctx); n > 0 {
		s.logger.Info("recovering offline queue from previous session", "entries", n)
		res := s.queue.Flush(ctx, s.emitter)
		if res.Remaining > 0 {
			s.sched.OnEnqueue(ctx)
		}
	}

	extra := event.Extra{"page_path": s.cfg.PagePath}
	if s.cfg.Referrer != "" {
		extra["referrer"] = s.cfg.Referrer
	}
	out := s.emitter.Emit(ctx, event.TypePageView, "", extra)

	s.logger.Info("session started",
		"device_id", s.ident.DeviceID(ctx),
		"platform", string(s.ident.Platform()),
		"page_view_blocked", out.Blocked,
		"page_view_queued", out.Queued)
	return nil
}

// replayLastSignal applies the last block signal recorded in the state
// backend, covering a session that was offline when the broadcast went
// out. A missing key means no signal has ever been published.
func (s *Session) replayLastSignal(ctx context.Context) {
	raw, err := s.store.Get(ctx, storage.KeyBlockSignal)
	if err != nil {
		return
	}
	var sig blocksync.Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		s.logger.Warn("discarding malformed recorded block signal", "error", err)
		return
	}
	s.sync.HandleSignal(sig)
}

// Close detaches from the signal channel, stops the flush loop, and
// releases the state backend. Queued events stay persisted for the next
// session.
func (s *Session) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.sched.Stop()
	return s.store.Close()
}

// Emitter returns the session's event emitter.
func (s *Session) Emitter() *emitter.Emitter { return s.emitter }

// Monitor returns the click-rate detector.
func (s *Session) Monitor() *detector.Monitor { return s.monitor }

// Runner returns the attack-scenario runner.
func (s *Session) Runner() *simulate.Runner { return s.runner }

// Queue returns the offline queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// BlockState returns the current block state.
func (s *Session) BlockState() blocksync.State { return s.sync.State() }

// DeviceID returns the session's stable device identifier.
func (s *Session) DeviceID(ctx context.Context) string { return s.ident.DeviceID(ctx) }

// queueBacklog routes failed emissions into the offline queue and arms
// the flush scheduler. The scheduler loop runs on the session's root
// context, not the per-event one.
type queueBacklog struct {
	queue   *queue.Queue
	sched   *queue.Scheduler
	logger  *slog.Logger
	rootCtx context.Context
}

func (b *queueBacklog) Add(ctx context.Context, env event.Envelope) {
	if err := b.queue.Enqueue(ctx, env); err != nil {
		b.logger.Error("failed to queue undelivered event", "event_id", env.EventID, "error", err)
		return
	}
	root := b.rootCtx
	if root == nil {
		root = context.Background()
	}
	b.sched.OnEnqueue(root)
}
