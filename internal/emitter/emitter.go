// Package emitter builds telemetry envelopes and delivers them to the
// risk engine. Emit never fails its caller: a block verdict is an
// expected outcome, and a transport failure hands the envelope to the
// offline queue. Instrumented host pages must not be crashable by
// their own telemetry.
package emitter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mrashdan/portalwatch/internal/circuitbreaker"
	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/idgen"
	"github.com/mrashdan/portalwatch/internal/identity"
	"github.com/mrashdan/portalwatch/internal/metrics"
	"github.com/mrashdan/portalwatch/internal/riskapi"
	"github.com/mrashdan/portalwatch/internal/traces"
)

// breakerKey identifies the risk engine in the circuit breaker.
const breakerKey = "risk-engine"

// defaultTimeout bounds a single delivery attempt.
const defaultTimeout = 15 * time.Second

// Outcome is the non-throwing result of an emission.
type Outcome struct {
	OK                   bool
	Blocked              bool
	Queued               bool
	FingerprintGenerated bool
	FingerprintID        string
	RiskScore            float64
	Message              string
}

// BlockSink receives block verdicts; the block-state synchronizer
// implements it.
type BlockSink interface {
	VerdictReceived(message string)
}

// Backlog receives envelopes that could not be delivered; the session
// wires it to the offline queue and its scheduler.
type Backlog interface {
	Add(ctx context.Context, env event.Envelope)
}

// Emitter is the telemetry sender for one session.
type Emitter struct {
	api     *riskapi.Client
	ident   *identity.Resolver
	sink    BlockSink
	backlog Backlog
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	timeout time.Duration
}

// New creates an emitter. sink and backlog may be nil (verdicts and
// failures are then only logged), which keeps wiring flexible in tests.
func New(api *riskapi.Client, ident *identity.Resolver, sink BlockSink, backlog Backlog, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Emitter {
	return &Emitter{
		api:     api,
		ident:   ident,
		sink:    sink,
		backlog: backlog,
		breaker: breaker,
		logger:  logger,
		timeout: defaultTimeout,
	}
}

// Emit captures and delivers one event. The returned Outcome is always
// valid; Emit never panics or errors.
func (e *Emitter) Emit(ctx context.Context, eventType event.Type, serviceName string, extra event.Extra) Outcome {
	env := event.Envelope{
		EventID:     idgen.Event(),
		EventType:   eventType,
		UserID:      e.ident.UserID(),
		DeviceID:    e.ident.DeviceID(ctx),
		Timestamp:   event.Now(),
		ServiceName: serviceName,
		Platform:    e.ident.Platform(),
		Extra:       extra,
	}

	ctx, span := traces.StartSpan(ctx, "emitter.emit",
		traces.EventType(string(eventType)), traces.UserID(env.UserID))
	defer span.End()

	e.logger.Debug("emitting event",
		"event_id", env.EventID, "event_type", string(eventType), "service", serviceName)

	if e.breaker != nil && !e.breaker.Allow(breakerKey) {
		e.logger.Warn("risk engine circuit open, queueing event directly", "event_id", env.EventID)
		e.queue(ctx, env)
		metrics.EventsEmittedTotal.WithLabelValues(string(eventType), "queued").Inc()
		return Outcome{Queued: true}
	}

	resp, status, err := e.post(ctx, env)
	if err != nil {
		if e.breaker != nil {
			e.breaker.RecordFailure(breakerKey)
		}
		e.logger.Warn("event delivery failed, queueing for retry",
			"event_id", env.EventID, "error", err)
		e.queue(ctx, env)
		metrics.EventsEmittedTotal.WithLabelValues(string(eventType), "queued").Inc()
		return Outcome{Queued: true}
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess(breakerKey)
	}

	if status == http.StatusForbidden || resp.Blocked() {
		// Expected for page views by blocked users; a verdict, not a failure.
		e.logger.Info("block verdict on event post",
			"event_id", env.EventID, "event_type", string(eventType))
		if e.sink != nil {
			e.sink.VerdictReceived(resp.Message)
		}
		metrics.EventsEmittedTotal.WithLabelValues(string(eventType), "blocked").Inc()
		return Outcome{Blocked: true, Message: resp.Message}
	}

	if status < 200 || status >= 300 {
		e.logger.Warn("unexpected event response status, queueing for retry",
			"event_id", env.EventID, "status", status)
		e.queue(ctx, env)
		metrics.EventsEmittedTotal.WithLabelValues(string(eventType), "queued").Inc()
		return Outcome{Queued: true}
	}

	out := Outcome{OK: true}
	if resp.FingerprintGenerated {
		out.FingerprintGenerated = true
		out.FingerprintID = resp.FingerprintID
		out.RiskScore = resp.RiskScore
		e.logger.Warn("threat fingerprint generated",
			"fingerprint_id", resp.FingerprintID, "risk_score", resp.RiskScore)
	}
	metrics.EventsEmittedTotal.WithLabelValues(string(eventType), "ok").Inc()
	return out
}

// Send delivers an already-captured envelope for the offline queue.
// Unlike Emit it reports failure so the queue can keep the entry; it
// never re-enqueues. A block verdict counts as delivered: the server
// has seen the event and made a decision.
func (e *Emitter) Send(ctx context.Context, env event.Envelope) error {
	resp, status, err := e.post(ctx, env)
	if err != nil {
		if e.breaker != nil {
			e.breaker.RecordFailure(breakerKey)
		}
		return err
	}
	if e.breaker != nil {
		e.breaker.RecordSuccess(breakerKey)
	}

	if status == http.StatusForbidden || resp.Blocked() {
		if e.sink != nil {
			e.sink.VerdictReceived(resp.Message)
		}
		return nil
	}
	if status < 200 || status >= 300 {
		return &statusError{status: status}
	}
	return nil
}

// post performs the transport step on a context detached from the
// caller's cancellation, so an emission in flight survives session
// teardown (the keepalive contract).
func (e *Emitter) post(ctx context.Context, env event.Envelope) (*riskapi.EventResponse, int, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	return e.api.PostEvent(sendCtx, env)
}

func (e *Emitter) queue(ctx context.Context, env event.Envelope) {
	if e.backlog == nil {
		e.logger.Error("no backlog configured, event lost", "event_id", env.EventID)
		return
	}
	e.backlog.Add(ctx, env)
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return http.StatusText(e.status)
}
