// Package detector watches interaction streams for automation
// signatures. Detection happens at the edge: the session reports a
// ui_suspicious_pattern event the moment a threshold is crossed instead
// of waiting for the risk engine to infer the pattern from raw clicks.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/mrashdan/portalwatch/internal/emitter"
	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/metrics"
)

// PatternRapidClicks is the pattern label for click-rate detections.
const PatternRapidClicks = "rapid_clicks"

// Config holds the click-rate thresholds. Two windows run together: a
// short one for burst automation and a long one for sustained scripted
// clicking that stays under the burst rate.
type Config struct {
	ShortWindow    time.Duration
	ShortThreshold int
	LongWindow     time.Duration
	LongThreshold  int
	// Cooldown is the minimum gap between signals for one element, so a
	// held-down auto-clicker produces one report per breach, not one
	// per click.
	Cooldown time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ShortWindow:    time.Second,
		ShortThreshold: 5,
		LongWindow:     5 * time.Second,
		LongThreshold:  15,
		Cooldown:       2 * time.Second,
	}
}

// Signaler emits the detection event; the session's emitter implements it.
type Signaler interface {
	Emit(ctx context.Context, eventType event.Type, serviceName string, extra event.Extra) emitter.Outcome
}

// elementState tracks recent clicks on one element.
type elementState struct {
	clicks     []time.Time
	lastSignal time.Time
}

// Monitor is the per-session click-rate detector. Each interactive
// element gets its own window; clicking two buttons quickly is not the
// same as hammering one.
type Monitor struct {
	cfg      Config
	signaler Signaler
	page     string

	mu       sync.Mutex
	elements map[string]*elementState

	now func() time.Time
}

// NewMonitor creates a monitor reporting through signaler. Zero-valued
// config fields fall back to defaults.
func NewMonitor(cfg Config, signaler Signaler, page string) *Monitor {
	def := DefaultConfig()
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = def.ShortWindow
	}
	if cfg.ShortThreshold <= 0 {
		cfg.ShortThreshold = def.ShortThreshold
	}
	if cfg.LongWindow <= 0 {
		cfg.LongWindow = def.LongWindow
	}
	if cfg.LongThreshold <= 0 {
		cfg.LongThreshold = def.LongThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Monitor{
		cfg:      cfg,
		signaler: signaler,
		page:     page,
		elements: make(map[string]*elementState),
		now:      time.Now,
	}
}

// Observe records one click on elementID and reports whether it crossed
// a threshold. At most one signal fires per element per cooldown window.
func (m *Monitor) Observe(ctx context.Context, elementID string) bool {
	m.mu.Lock()

	now := m.now()
	st, ok := m.elements[elementID]
	if !ok {
		st = &elementState{}
		m.elements[elementID] = st
	}

	st.clicks = append(st.clicks, now)
	st.clicks = prune(st.clicks, now.Add(-m.cfg.LongWindow))

	shortCount := countSince(st.clicks, now.Add(-m.cfg.ShortWindow))
	longCount := len(st.clicks)

	breached := shortCount >= m.cfg.ShortThreshold || longCount >= m.cfg.LongThreshold
	if !breached {
		m.mu.Unlock()
		return false
	}
	if !st.lastSignal.IsZero() && now.Sub(st.lastSignal) < m.cfg.Cooldown {
		m.mu.Unlock()
		return false
	}
	st.lastSignal = now
	m.mu.Unlock()

	metrics.PatternsDetectedTotal.WithLabelValues(PatternRapidClicks).Inc()
	m.signaler.Emit(ctx, event.TypeSuspiciousPattern, "", event.Extra{
		"pattern":         PatternRapidClicks,
		"element_id":      elementID,
		"page":            m.page,
		"clicks_short":    shortCount,
		"window_short_ms": m.cfg.ShortWindow.Milliseconds(),
		"clicks_long":     longCount,
		"window_long_ms":  m.cfg.LongWindow.Milliseconds(),
	})
	return true
}

// prune drops clicks at or before cutoff. Clicks arrive in time order,
// so the survivors are a suffix.
func prune(clicks []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(clicks) && !clicks[i].After(cutoff) {
		i++
	}
	return clicks[i:]
}

func countSince(clicks []time.Time, cutoff time.Time) int {
	n := 0
	for _, c := range clicks {
		if c.After(cutoff) {
			n++
		}
	}
	return n
}
