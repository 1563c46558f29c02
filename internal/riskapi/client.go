// Package riskapi is the typed HTTP client for the remote risk engine.
// The engine owns all scoring and verdicts; this client only speaks its
// /api/v1 contract.
package riskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mrashdan/portalwatch/internal/event"
)

// Fingerprint statuses as reported by the engine.
const (
	StatusActive  = "ACTIVE"
	StatusPending = "PENDING"
	StatusBlocked = "BLOCKED"
	StatusCleared = "CLEARED"
)

// HighRiskThreshold is the engine's blocking risk score boundary.
const HighRiskThreshold = 80

// RelatedFingerprint links a fingerprint to a similar earlier one.
type RelatedFingerprint struct {
	FingerprintID string  `json:"fingerprint_id"`
	Similarity    float64 `json:"similarity"`
	Status        string  `json:"status"`
}

// Fingerprint is a server-computed threat record. The client holds only
// transient snapshots; the engine is the source of truth.
type Fingerprint struct {
	FingerprintID       string               `json:"fingerprint_id"`
	UserID              string               `json:"user_id"`
	RiskScore           int                  `json:"risk_score"`
	Status              string               `json:"status"`
	BehavioralFeatures  map[string]any       `json:"behavioral_features,omitempty"`
	RelatedFingerprints []RelatedFingerprint `json:"related_fingerprints,omitempty"`
}

// HighRisk reports whether this fingerprint is at or above the engine's
// blocking threshold.
func (f Fingerprint) HighRisk() bool { return f.RiskScore >= HighRiskThreshold }

// EventResponse is the engine's reply to a posted event.
type EventResponse struct {
	Status               string  `json:"status,omitempty"`
	Message              string  `json:"message,omitempty"`
	FingerprintGenerated bool    `json:"fingerprint_generated,omitempty"`
	FingerprintID        string  `json:"fingerprint_id,omitempty"`
	RiskScore            float64 `json:"risk_score,omitempty"`
}

// Blocked reports whether the reply carries a block verdict.
func (r *EventResponse) Blocked() bool {
	return r != nil && r.Status == "blocked"
}

// Client talks to the risk engine. All methods honor ctx; administrative
// calls return errors verbatim and are never retried here.
type Client struct {
	base   string
	client *http.Client
}

// New creates a client for the engine at base (e.g. "http://risk:5000").
func New(base string) *Client {
	return &Client{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// PostEvent submits one envelope. It returns the parsed body and the
// HTTP status; err is non-nil only for transport-level failures
// (unreachable, timeout, unreadable or malformed body). A 403 is a
// block verdict even when the body is not the engine's JSON.
func (c *Client) PostEvent(ctx context.Context, env event.Envelope) (*EventResponse, int, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, 0, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/event", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read event response: %w", err)
	}

	var parsed EventResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// A proxy in front of the engine can answer a 403 with an HTML
		// error page or an empty body. The verdict lives in the status
		// code, not the body, so surface the status instead of failing.
		if resp.StatusCode == http.StatusForbidden {
			return &EventResponse{}, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, fmt.Errorf("parse event response: %w", err)
	}
	return &parsed, resp.StatusCode, nil
}

// Fingerprints fetches the full fingerprint list.
func (c *Client) Fingerprints(ctx context.Context) ([]Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/fingerprints", nil)
	if err != nil {
		return nil, fmt.Errorf("build fingerprints request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list fingerprints: unexpected status %d", resp.StatusCode)
	}

	var out []Fingerprint
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse fingerprints: %w", err)
	}
	return out, nil
}

// ConfirmThreat marks a fingerprint as a confirmed threat (BLOCKED).
func (c *Client) ConfirmThreat(ctx context.Context, fingerprintID string) error {
	_, err := c.postAction(ctx, "/api/v1/confirm-threat", map[string]string{"fingerprint_id": fingerprintID})
	return err
}

// UnblockUser clears every active fingerprint for the user and returns
// how many were cleared.
func (c *Client) UnblockUser(ctx context.Context, userID string) (int, error) {
	body, err := c.postAction(ctx, "/api/v1/unblock-user", map[string]string{"user_id": userID})
	if err != nil {
		return 0, err
	}
	var parsed struct {
		ClearedFingerprints int `json:"cleared_fingerprints"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("parse unblock response: %w", err)
	}
	return parsed.ClearedFingerprints, nil
}

// ClearFingerprint marks a fingerprint reviewed and benign (CLEARED).
func (c *Client) ClearFingerprint(ctx context.Context, fingerprintID string) error {
	_, err := c.postAction(ctx, "/api/v1/clear-fingerprint", map[string]string{"fingerprint_id": fingerprintID})
	return err
}

// DeleteFingerprint removes a fingerprint record entirely.
func (c *Client) DeleteFingerprint(ctx context.Context, fingerprintID string) error {
	_, err := c.postAction(ctx, "/api/v1/delete-fingerprint", map[string]string{"fingerprint_id": fingerprintID})
	return err
}

func (c *Client) postAction(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var parsed struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &parsed)
		if parsed.Message != "" {
			return nil, fmt.Errorf("%s: %s (status %d)", path, parsed.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return raw, nil
}
