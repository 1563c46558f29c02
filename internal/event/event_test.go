package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_MarshalFlattensExtra(t *testing.T) {
	env := Envelope{
		EventID:     "evt_abc123",
		EventType:   TypeDownloadFile,
		UserID:      "user-8456123848",
		DeviceID:    "desktop-a1b2c3",
		Timestamp:   "2026-03-01T10:00:00Z",
		ServiceName: "lab_report_1",
		Platform:    PlatformHealthPortal,
		Extra:       Extra{"file_size": 123456, "download_speed": 2000},
	}

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	assert.Equal(t, "evt_abc123", m["event_id"])
	assert.Equal(t, "download_file", m["event_type"])
	assert.Equal(t, "lab_report_1", m["service_name"])
	assert.Equal(t, float64(123456), m["file_size"])
	assert.Equal(t, float64(2000), m["download_speed"])
	_, nested := m["Extra"]
	assert.False(t, nested, "extra fields must be flattened, not nested")
}

func TestEnvelope_FixedFieldsWinOnCollision(t *testing.T) {
	env := Envelope{
		EventID:   "evt_real",
		EventType: TypePageView,
		UserID:    "user-8456123848",
		DeviceID:  "desktop-a1b2c3",
		Timestamp: "2026-03-01T10:00:00Z",
		Platform:  PlatformUnknown,
		Extra:     Extra{"event_id": "evt_spoofed", "user_id": "someone-else"},
	}

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "evt_real", m["event_id"])
	assert.Equal(t, "user-8456123848", m["user_id"])
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := Envelope{
		EventID:   "evt_abc123",
		EventType: TypeSuspiciousPattern,
		UserID:    "user-8456123848",
		DeviceID:  "mobile-f00db4",
		Timestamp: "2026-03-01T10:00:00Z",
		Platform:  PlatformTawakkalna,
		Extra:     Extra{"pattern": "rapid_clicks", "clicks_short": float64(5)},
	}

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, env, got)
}

func TestEnvelope_OmitsEmptyServiceName(t *testing.T) {
	raw, err := json.Marshal(Envelope{
		EventID:   "evt_1",
		EventType: TypePageView,
		UserID:    "u",
		DeviceID:  "d",
		Timestamp: "2026-03-01T10:00:00Z",
		Platform:  PlatformAbsher,
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	_, ok := m["service_name"]
	assert.False(t, ok)
}

func TestNow_IsUTCAndParseable(t *testing.T) {
	ts, err := time.Parse(time.RFC3339Nano, Now())
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}
