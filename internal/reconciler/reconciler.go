// Package reconciler keeps the operator console's fingerprint view in
// step with the risk engine. It polls the full fingerprint list, swaps
// the rendered snapshot wholesale, and raises a notification for each
// fingerprint it has not seen before.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mrashdan/portalwatch/internal/metrics"
	"github.com/mrashdan/portalwatch/internal/riskapi"
)

// DefaultPollInterval is the console refresh cadence.
const DefaultPollInterval = 5 * time.Second

// Source lists the current fingerprints; the risk API client implements it.
type Source interface {
	Fingerprints(ctx context.Context) ([]riskapi.Fingerprint, error)
}

// Notifier receives one call per newly observed fingerprint. The first
// completed poll never notifies: fingerprints that existed before the
// console opened are history, not news.
type Notifier interface {
	FingerprintDetected(fp riskapi.Fingerprint)
}

// Renderer receives the full snapshot after every successful poll.
type Renderer interface {
	Render(s Snapshot)
}

// Snapshot is one complete view of the engine's fingerprints.
type Snapshot struct {
	Fingerprints []riskapi.Fingerprint `json:"fingerprints"`
	HighRisk     int                   `json:"high_risk"`
	FetchedAt    time.Time             `json:"fetched_at"`
}

// Reconciler polls the fingerprint source and publishes snapshots.
type Reconciler struct {
	source   Source
	notifier Notifier
	renderer Renderer
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	known  map[string]bool
	primed bool // a poll has completed; notifications are live
	last   Snapshot

	stop chan struct{}
	done chan struct{}
}

// New creates a reconciler. interval <= 0 uses the default.
func New(source Source, notifier Notifier, renderer Renderer, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reconciler{
		source:   source,
		notifier: notifier,
		renderer: renderer,
		interval: interval,
		logger:   logger,
		known:    make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start polls once immediately, then on the interval until Stop or ctx
// cancellation.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("fingerprint reconciler started", "interval", r.interval)
	go r.pollLoop(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

// Last returns the most recent snapshot; zero before the first
// successful poll.
func (r *Reconciler) Last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	defer close(r.done)

	r.poll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll fetches the fingerprint list and reconciles it against the known
// set. A failed fetch keeps the previous snapshot; the stale view beats
// a flickering empty one.
func (r *Reconciler) poll(ctx context.Context) {
	fps, err := r.source.Fingerprints(ctx)
	if err != nil {
		metrics.ReconcilerPollsTotal.WithLabelValues("error").Inc()
		r.logger.Error("fingerprint poll failed", "error", err)
		return
	}
	metrics.ReconcilerPollsTotal.WithLabelValues("ok").Inc()

	snapshot := Snapshot{
		Fingerprints: fps,
		FetchedAt:    time.Now().UTC(),
	}
	for _, fp := range fps {
		if fp.HighRisk() {
			snapshot.HighRisk++
		}
	}

	var fresh []riskapi.Fingerprint
	r.mu.Lock()
	next := make(map[string]bool, len(fps))
	for _, fp := range fps {
		next[fp.FingerprintID] = true
		if r.primed && !r.known[fp.FingerprintID] {
			fresh = append(fresh, fp)
		}
	}
	// Full replace: fingerprints deleted on the engine drop out of the
	// known set and would notify again if they ever reappear.
	r.known = next
	r.primed = true
	r.last = snapshot
	r.mu.Unlock()

	for _, fp := range fresh {
		metrics.NewFingerprintsTotal.Inc()
		r.logger.Warn("new threat fingerprint detected",
			"fingerprint_id", fp.FingerprintID,
			"user_id", fp.UserID,
			"risk_score", fp.RiskScore)
		if r.notifier != nil {
			r.notifier.FingerprintDetected(fp)
		}
	}

	if r.renderer != nil {
		r.renderer.Render(snapshot)
	}
}
