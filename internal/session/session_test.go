package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrashdan/portalwatch/internal/blocksync"
	"github.com/mrashdan/portalwatch/internal/config"
	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/logging"
	"github.com/mrashdan/portalwatch/internal/storage"
)

type nullOverlay struct {
	mu      sync.Mutex
	visible bool
}

func (o *nullOverlay) Show(string) {
	o.mu.Lock()
	o.visible = true
	o.mu.Unlock()
}

func (o *nullOverlay) Hide() {
	o.mu.Lock()
	o.visible = false
	o.mu.Unlock()
}

// recordingEngine captures every event posted to the risk engine.
type recordingEngine struct {
	mu     sync.Mutex
	events []map[string]any
	srv    *httptest.Server
}

func newRecordingEngine() *recordingEngine {
	e := &recordingEngine{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		e.mu.Lock()
		e.events = append(e.events, body)
		e.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	return e
}

func (e *recordingEngine) posted() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]map[string]any(nil), e.events...)
}

func testConfig(t *testing.T, engineURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Env:            "development",
		APIBaseURL:     engineURL,
		UserID:         config.DefaultUserID,
		DeviceClass:    "desktop",
		PagePath:       "/health-portal",
		StateFile:      filepath.Join(t.TempDir(), "state.json"),
		QueueCapacity:  100,
		FlushInterval:  time.Hour, // tests flush explicitly
		ShortWindow:    time.Second,
		ShortThreshold: 5,
		LongWindow:     5 * time.Second,
		LongThreshold:  15,
		Cooldown:       2 * time.Second,
	}
}

func TestStart_EmitsPageView(t *testing.T) {
	engine := newRecordingEngine()
	defer engine.srv.Close()
	ctx := context.Background()

	cfg := testConfig(t, engine.srv.URL)
	cfg.Referrer = "https://intranet.example/portal"
	s, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(ctx))

	posted := engine.posted()
	require.Len(t, posted, 1)
	assert.Equal(t, "page_view", posted[0]["event_type"])
	assert.Equal(t, "/health-portal", posted[0]["page_path"])
	assert.Equal(t, "https://intranet.example/portal", posted[0]["referrer"])
	assert.NotEmpty(t, posted[0]["device_id"])
}

func TestStart_RecoversBacklogFromPreviousRun(t *testing.T) {
	ctx := context.Background()
	down := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	down.Close() // connection refused

	cfg := testConfig(t, down.URL)
	first, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)

	out := first.Emitter().Emit(ctx, event.TypeDownloadFile, "lab_results", nil)
	assert.True(t, out.Queued)
	require.Equal(t, 1, first.Queue().Len(ctx))
	require.NoError(t, first.Close())

	// Next run, same state file, engine back up.
	engine := newRecordingEngine()
	defer engine.srv.Close()
	cfg.APIBaseURL = engine.srv.URL
	second, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.Start(ctx))

	posted := engine.posted()
	require.Len(t, posted, 2, "one recovered event plus the opening page_view")
	assert.Equal(t, "download_file", posted[0]["event_type"], "backlog drains before the page_view")
	assert.Equal(t, "page_view", posted[1]["event_type"])
	assert.Zero(t, second.Queue().Len(ctx))
}

func TestStart_BlockVerdictShowsOverlay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"blocked","message":"access restricted"}`))
	}))
	defer srv.Close()
	ctx := context.Background()

	ov := &nullOverlay{}
	s, err := New(ctx, testConfig(t, srv.URL), ov, false, logging.New("error", "text"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(ctx), "a verdict on the opening page_view is not a startup error")

	assert.Equal(t, blocksync.Blocked, s.BlockState())
	ov.mu.Lock()
	assert.True(t, ov.visible)
	ov.mu.Unlock()
}

// seedLastSignal records sig in the state file before any session
// opens it, the way a broadcast received by an earlier run would.
func seedLastSignal(t *testing.T, cfg *config.Config, sig blocksync.Signal) {
	t.Helper()
	fs, err := storage.NewFileStore(cfg.StateFile)
	require.NoError(t, err)
	raw, err := json.Marshal(sig)
	require.NoError(t, err)
	require.NoError(t, fs.Set(context.Background(), storage.KeyBlockSignal, raw))
	require.NoError(t, fs.Close())
}

func TestStart_ReplaysRecordedBlockSignal(t *testing.T) {
	engine := newRecordingEngine()
	defer engine.srv.Close()
	ctx := context.Background()

	cfg := testConfig(t, engine.srv.URL)
	seedLastSignal(t, cfg, blocksync.Signal{
		Action:    blocksync.ActionBlock,
		UserID:    cfg.UserID,
		Timestamp: event.Now(),
	})

	ov := &nullOverlay{}
	s, err := New(ctx, cfg, ov, false, logging.New("error", "text"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(ctx))

	assert.Equal(t, blocksync.Blocked, s.BlockState(),
		"a session that missed the broadcast catches up from the recorded signal")
	ov.mu.Lock()
	assert.True(t, ov.visible)
	ov.mu.Unlock()
}

func TestStart_IgnoresRecordedSignalForOtherUser(t *testing.T) {
	engine := newRecordingEngine()
	defer engine.srv.Close()
	ctx := context.Background()

	cfg := testConfig(t, engine.srv.URL)
	seedLastSignal(t, cfg, blocksync.Signal{
		Action:    blocksync.ActionBlock,
		UserID:    "user-someone-else",
		Timestamp: event.Now(),
	})

	s, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, blocksync.Unblocked, s.BlockState())
}

func TestDeviceID_StableAcrossSessions(t *testing.T) {
	engine := newRecordingEngine()
	defer engine.srv.Close()
	ctx := context.Background()
	cfg := testConfig(t, engine.srv.URL)

	first, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)
	id := first.DeviceID(ctx)
	require.NotEmpty(t, id)
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, id, second.DeviceID(ctx))
}

func TestClose_KeepsQueuedEventsForNextRun(t *testing.T) {
	ctx := context.Background()
	down := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	down.Close()

	cfg := testConfig(t, down.URL)
	s, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)

	s.Emitter().Emit(ctx, event.TypePageView, "", nil)
	require.NoError(t, s.Close())

	reopened, err := New(ctx, cfg, &nullOverlay{}, false, logging.New("error", "text"))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Queue().Len(ctx))
}
