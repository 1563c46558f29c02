package riskapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrashdan/portalwatch/internal/event"
)

func testEnvelope() event.Envelope {
	return event.Envelope{
		EventID:   "evt_test1",
		EventType: event.TypePageView,
		UserID:    "user-8456123848",
		DeviceID:  "desktop-a1b2c3",
		Timestamp: "2026-03-01T10:00:00Z",
		Platform:  event.PlatformHealthPortal,
	}
}

func TestPostEvent_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/event", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "evt_test1", got["event_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","fingerprint_generated":true,"fingerprint_id":"fp_9","risk_score":85.5}`))
	}))
	defer srv.Close()

	resp, status, err := New(srv.URL).PostEvent(context.Background(), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Blocked())
	assert.True(t, resp.FingerprintGenerated)
	assert.Equal(t, "fp_9", resp.FingerprintID)
	assert.InDelta(t, 85.5, resp.RiskScore, 0.001)
}

func TestPostEvent_BlockedVerdictIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"blocked","message":"access restricted"}`))
	}))
	defer srv.Close()

	resp, status, err := New(srv.URL).PostEvent(context.Background(), testEnvelope())
	require.NoError(t, err, "a 403 verdict is a response, not a transport failure")
	assert.Equal(t, http.StatusForbidden, status)
	assert.True(t, resp.Blocked())
	assert.Equal(t, "access restricted", resp.Message)
}

func TestPostEvent_ForbiddenWithNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html>Forbidden</html>`))
	}))
	defer srv.Close()

	resp, status, err := New(srv.URL).PostEvent(context.Background(), testEnvelope())
	require.NoError(t, err, "the verdict is in the status code, not the body")
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Message)
}

func TestPostEvent_ForbiddenWithEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	resp, status, err := New(srv.URL).PostEvent(context.Background(), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp)
}

func TestPostEvent_MalformedBodyOnOtherStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>Bad Gateway</html>`))
	}))
	defer srv.Close()

	_, status, err := New(srv.URL).PostEvent(context.Background(), testEnvelope())
	assert.Error(t, err, "only a 403 carries meaning without a parseable body")
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestPostEvent_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused

	_, _, err := New(srv.URL).PostEvent(context.Background(), testEnvelope())
	assert.Error(t, err)
}

func TestFingerprints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/fingerprints", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"fingerprint_id":"fp_1","user_id":"user-8456123848","risk_score":92,"status":"ACTIVE"},
			{"fingerprint_id":"fp_2","user_id":"user-8456123848","risk_score":40,"status":"PENDING"}
		]`))
	}))
	defer srv.Close()

	fps, err := New(srv.URL).Fingerprints(context.Background())
	require.NoError(t, err)
	require.Len(t, fps, 2)
	assert.True(t, fps[0].HighRisk())
	assert.False(t, fps[1].HighRisk())
	assert.Equal(t, StatusActive, fps[0].Status)
}

func TestFingerprints_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Fingerprints(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestUnblockUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/unblock-user", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-8456123848", req["user_id"])
		_, _ = w.Write([]byte(`{"status":"ok","cleared_fingerprints":3}`))
	}))
	defer srv.Close()

	cleared, err := New(srv.URL).UnblockUser(context.Background(), "user-8456123848")
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
}

func TestConfirmThreat_SurfacesEngineMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"fingerprint not found"}`))
	}))
	defer srv.Close()

	err := New(srv.URL).ConfirmThreat(context.Background(), "fp_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint not found")
}

func TestHighRiskThresholdBoundary(t *testing.T) {
	assert.False(t, Fingerprint{RiskScore: 79}.HighRisk())
	assert.True(t, Fingerprint{RiskScore: 80}.HighRisk())
}
