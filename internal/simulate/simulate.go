// Package simulate drives scripted attack traffic through a live
// session. The scenarios exist for demos and for exercising the risk
// engine's velocity rules end to end; they emit through the same
// pipeline as organic events.
package simulate

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mrashdan/portalwatch/internal/emitter"
	"github.com/mrashdan/portalwatch/internal/event"
)

// downloadServices is the document catalog the mass-download scenario
// cycles through.
var downloadServices = []string{
	"lab_report_1",
	"lab_report_2",
	"xray_1",
	"full_history",
	"insurance_report",
	"vaccination_certificate",
	"medical_report_1",
	"medical_report_2",
}

// Signaler emits scenario events; the session's emitter implements it.
type Signaler interface {
	Emit(ctx context.Context, eventType event.Type, serviceName string, extra event.Extra) emitter.Outcome
}

// Runner executes attack scenarios against one session.
type Runner struct {
	sig    Signaler
	logger *slog.Logger

	// Scenario pacing, overridable in tests.
	eventInterval time.Duration
	burstInterval time.Duration
	duration      time.Duration
}

// NewRunner creates a runner with production pacing.
func NewRunner(sig Signaler, logger *slog.Logger) *Runner {
	return &Runner{
		sig:           sig,
		logger:        logger,
		eventInterval: 100 * time.Millisecond,
		burstInterval: 50 * time.Millisecond,
		duration:      2 * time.Second,
	}
}

// MassDownload emits 20 rapid document downloads cycling through the
// catalog, then the explicit mass_download pattern event so the engine
// does not have to infer the burst from timing alone.
func (r *Runner) MassDownload(ctx context.Context) {
	const total = 20

	r.logger.Info("starting mass-download scenario", "events", total)

	for i := 0; i < total; i++ {
		service := downloadServices[i%len(downloadServices)]
		r.sig.Emit(ctx, event.TypeDownloadFile, service, event.Extra{
			"file_size":      rand.IntN(5_000_000) + 100_000,
			"download_speed": rand.IntN(10_000) + 1_000,
		})
		if i < total-1 && !sleep(ctx, r.eventInterval) {
			return
		}
	}

	r.sig.Emit(ctx, event.TypeSuspiciousPattern, "", event.Extra{
		"pattern":         "mass_download",
		"estimated_files": total,
		"time_window_ms":  r.duration.Milliseconds(),
	})
	r.logger.Info("mass-download scenario complete")
}

// HighSpeed emits 20 high-risk update_mobile_attempt events across two
// seconds, a view_digital_id on every third for variety, and a 5-event
// burst overlapping the tail for extra intensity.
func (r *Runner) HighSpeed(ctx context.Context) {
	const total = 20

	r.logger.Info("starting high-speed scenario", "events", total, "duration", r.duration)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !sleep(ctx, r.duration-5*r.burstInterval) {
			return
		}
		for i := 0; i < 5; i++ {
			r.sig.Emit(ctx, event.TypeUpdateMobile, "", nil)
			if !sleep(ctx, r.burstInterval) {
				return
			}
		}
	}()

	for i := 1; i <= total; i++ {
		r.sig.Emit(ctx, event.TypeUpdateMobile, "", nil)
		if i%3 == 0 {
			r.sig.Emit(ctx, event.TypeViewDigitalID, "", nil)
		}
		if i < total && !sleep(ctx, r.duration/total) {
			break
		}
	}

	wg.Wait()
	r.logger.Info("high-speed scenario complete", "events", total)
}

// sleep waits for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
