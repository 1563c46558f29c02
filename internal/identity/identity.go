// Package identity resolves the stable per-device and per-session
// identifiers stamped on every telemetry envelope.
package identity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/idgen"
	"github.com/mrashdan/portalwatch/internal/storage"
)

// Resolver derives and caches the session's identifiers. The device id
// persists across sessions via the KV store; the user id is fixed for
// the lifetime of the session (real deployments would inject an
// authenticated identity instead).
type Resolver struct {
	store       storage.KV
	userID      string
	deviceClass string
	pagePath    string
	logger      *slog.Logger

	deviceID string // cached after first resolution
}

// New creates a resolver backed by the given store.
func New(store storage.KV, userID, deviceClass, pagePath string, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:       store,
		userID:      userID,
		deviceClass: deviceClass,
		pagePath:    pagePath,
		logger:      logger,
	}
}

// DeviceID returns the stable device identifier, generating and
// persisting one on first use. Format: "<class>-<24 hex>". A storage
// failure degrades to an unpersisted id rather than failing the caller.
func (r *Resolver) DeviceID(ctx context.Context) string {
	if r.deviceID != "" {
		return r.deviceID
	}

	stored, err := r.store.Get(ctx, storage.KeyDeviceID)
	if err == nil && len(stored) > 0 {
		r.deviceID = string(stored)
		return r.deviceID
	}
	if err != nil && err != storage.ErrNotFound {
		r.logger.Warn("device id read failed, generating transient id", "error", err)
	}

	id := r.deviceClass + "-" + idgen.Hex(12)
	if err := r.store.Set(ctx, storage.KeyDeviceID, []byte(id)); err != nil {
		r.logger.Warn("device id persist failed", "error", err)
	} else {
		r.logger.Info("generated new device id", "device_id", id)
	}
	r.deviceID = id
	return id
}

// UserID returns the session's user identifier.
func (r *Resolver) UserID() string { return r.userID }

// Platform classifies the session's page path.
func (r *Resolver) Platform() event.Platform {
	return PlatformFor(r.pagePath)
}

// PlatformFor classifies a page path against the known portals.
func PlatformFor(path string) event.Platform {
	switch {
	case strings.Contains(path, "tawakkalna"):
		return event.PlatformTawakkalna
	case strings.Contains(path, "absher"):
		return event.PlatformAbsher
	case strings.Contains(path, "health-portal"), strings.Contains(path, "health_portal"):
		return event.PlatformHealthPortal
	default:
		return event.PlatformUnknown
	}
}
