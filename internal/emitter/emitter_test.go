package emitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrashdan/portalwatch/internal/circuitbreaker"
	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/identity"
	"github.com/mrashdan/portalwatch/internal/logging"
	"github.com/mrashdan/portalwatch/internal/queue"
	"github.com/mrashdan/portalwatch/internal/riskapi"
	"github.com/mrashdan/portalwatch/internal/storage"
)

type fakeSink struct {
	mu       sync.Mutex
	verdicts []string
}

func (f *fakeSink) VerdictReceived(message string) {
	f.mu.Lock()
	f.verdicts = append(f.verdicts, message)
	f.mu.Unlock()
}

type queueBacklog struct {
	q *queue.Queue
}

func (b *queueBacklog) Add(ctx context.Context, env event.Envelope) {
	_ = b.q.Enqueue(ctx, env)
}

type fixture struct {
	emitter *Emitter
	sink    *fakeSink
	queue   *queue.Queue
	breaker *circuitbreaker.Breaker
}

func newFixture(t *testing.T, baseURL string) *fixture {
	t.Helper()
	logger := logging.New("error", "text")
	store := storage.NewMemoryStore()
	q := queue.New(store, 100, logger)
	sink := &fakeSink{}
	breaker := circuitbreaker.New(5, 30*time.Second)
	ident := identity.New(store, "user-8456123848", "desktop", "/health-portal", logger)
	em := New(riskapi.New(baseURL), ident, sink, &queueBacklog{q: q}, breaker, logger)
	return &fixture{emitter: em, sink: sink, queue: q, breaker: breaker}
}

func TestEmit_Delivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	out := f.emitter.Emit(context.Background(), event.TypePageView, "", nil)

	assert.True(t, out.OK)
	assert.False(t, out.Blocked)
	assert.False(t, out.Queued)
	assert.Zero(t, f.queue.Len(context.Background()))
}

func TestEmit_SurfacesFingerprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","fingerprint_generated":true,"fingerprint_id":"fp_42","risk_score":91}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	out := f.emitter.Emit(context.Background(), event.TypeUpdateMobile, "", nil)

	assert.True(t, out.OK)
	assert.True(t, out.FingerprintGenerated)
	assert.Equal(t, "fp_42", out.FingerprintID)
	assert.InDelta(t, 91.0, out.RiskScore, 0.001)
}

func TestEmit_BlockVerdictReachesSinkNotQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"blocked","message":"access restricted"}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	out := f.emitter.Emit(context.Background(), event.TypePageView, "", nil)

	assert.True(t, out.Blocked)
	assert.Equal(t, "access restricted", out.Message)
	assert.False(t, out.Queued, "a verdict is a delivery, never queued")
	assert.Zero(t, f.queue.Len(context.Background()))
	require.Len(t, f.sink.verdicts, 1)
	assert.Equal(t, "access restricted", f.sink.verdicts[0])
}

func TestEmit_BlockVerdictWithHTMLBodyStillBlocks(t *testing.T) {
	// A proxy fronting the engine answers the 403 with its own error
	// page. The verdict must still reach the sink, not the queue.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html>Forbidden</html>`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	out := f.emitter.Emit(context.Background(), event.TypePageView, "", nil)

	assert.True(t, out.Blocked)
	assert.False(t, out.Queued)
	assert.Zero(t, f.queue.Len(context.Background()))
	require.Len(t, f.sink.verdicts, 1)
	assert.Empty(t, f.sink.verdicts[0], "no engine message; the sink falls back to its default")
}

func TestEmit_ServerErrorQueuesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)
	ctx := context.Background()

	out := f.emitter.Emit(ctx, event.TypeDownloadFile, "lab_report_1", event.Extra{"file_size": 100})

	assert.True(t, out.Queued)
	require.Equal(t, 1, f.queue.Len(ctx))

	entries, err := f.queue.Entries(ctx)
	require.NoError(t, err)
	env := entries[0].Envelope
	assert.Equal(t, event.TypeDownloadFile, env.EventType)
	assert.Equal(t, "lab_report_1", env.ServiceName)
	assert.NotEmpty(t, env.EventID, "event id is minted before the delivery attempt")
	assert.NotEmpty(t, entries[0].QueuedAt)
}

func TestEmit_TransportFailureQueuesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused
	f := newFixture(t, srv.URL)

	out := f.emitter.Emit(context.Background(), event.TypePageView, "", nil)

	assert.True(t, out.Queued)
	assert.Equal(t, 1, f.queue.Len(context.Background()))
}

func TestEmit_OpenCircuitShortCircuitsToQueue(t *testing.T) {
	var (
		hitsMu sync.Mutex
		hits   int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsMu.Lock()
		hits++
		hitsMu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	// Trip the circuit manually.
	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure("risk-engine")
	}
	require.False(t, f.breaker.Allow("risk-engine"))

	out := f.emitter.Emit(context.Background(), event.TypePageView, "", nil)

	assert.True(t, out.Queued)
	assert.Equal(t, 1, f.queue.Len(context.Background()))
	hitsMu.Lock()
	assert.Zero(t, hits, "open circuit must not touch the transport")
	hitsMu.Unlock()
}

func TestSend_ReportsFailureWithoutRequeue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	err := f.emitter.Send(context.Background(), event.Envelope{
		EventID: "evt_1", EventType: event.TypePageView, UserID: "u",
		DeviceID: "d", Timestamp: event.Now(), Platform: event.PlatformUnknown,
	})

	assert.Error(t, err)
	assert.Zero(t, f.queue.Len(context.Background()), "Send never enqueues; the queue owns the entry")
}

func TestSend_BlockVerdictCountsAsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"blocked","message":"access restricted"}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	err := f.emitter.Send(context.Background(), event.Envelope{
		EventID: "evt_1", EventType: event.TypePageView, UserID: "u",
		DeviceID: "d", Timestamp: event.Now(), Platform: event.PlatformUnknown,
	})

	assert.NoError(t, err, "the engine saw the event and decided; retrying would change nothing")
	assert.Len(t, f.sink.verdicts, 1)
}

func TestEmit_SurvivesCancelledCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already torn down, like a page unload

	out := f.emitter.Emit(ctx, event.TypePageView, "", nil)
	assert.True(t, out.OK, "delivery must not be aborted by caller cancellation")
}
