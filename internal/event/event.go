// Package event defines the telemetry envelope sent to the risk engine.
package event

import (
	"encoding/json"
	"time"
)

// Type tags an observed user action.
type Type string

const (
	TypePageView          Type = "page_view"
	TypeLoginClick        Type = "login_click"
	TypeDownloadFile      Type = "download_file"
	TypeSuspiciousPattern Type = "ui_suspicious_pattern"
	TypeViewService       Type = "view_service"
	TypeViewDigitalID     Type = "view_digital_id"
	TypeUpdateMobile      Type = "update_mobile_attempt"
)

// Platform identifies the portal the event originated from.
type Platform string

const (
	PlatformTawakkalna   Platform = "tawakkalna"
	PlatformAbsher       Platform = "absher"
	PlatformHealthPortal Platform = "health_portal"
	PlatformUnknown      Platform = "unknown"
)

// Extra is the open mapping of pattern-specific fields carried alongside
// the fixed envelope fields.
type Extra map[string]any

// Envelope is one self-contained, replay-safe telemetry record. The
// event id is generated once at capture time and preserved across
// retries so the server can de-duplicate.
type Envelope struct {
	EventID     string   `json:"event_id"`
	EventType   Type     `json:"event_type"`
	UserID      string   `json:"user_id"`
	DeviceID    string   `json:"device_id"`
	Timestamp   string   `json:"timestamp"`
	ServiceName string   `json:"service_name,omitempty"`
	Platform    Platform `json:"platform"`
	Extra       Extra    `json:"-"`
}

// MarshalJSON flattens Extra into the top-level object, matching the
// wire format the risk engine expects. Fixed fields win on collision.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	fixed, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return fixed, nil
	}

	merged := make(map[string]json.RawMessage, len(e.Extra)+8)
	for k, v := range e.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	var fixedMap map[string]json.RawMessage
	if err := json.Unmarshal(fixed, &fixedMap); err != nil {
		return nil, err
	}
	for k, v := range fixedMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON restores the fixed fields and collects everything else
// back into Extra, so a queued envelope round-trips losslessly.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Envelope(p)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"event_id", "event_type", "user_id", "device_id", "timestamp", "service_name", "platform"} {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	e.Extra = make(Extra, len(all))
	for k, raw := range all {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		e.Extra[k] = v
	}
	return nil
}

// Now formats capture time in the wire timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
