// Package storage defines persistence interfaces for the analytics service.
package storage

import (
	"context"
	"errors"
	"time"

	pulse "github.com/sgp/pulse/internal"
)

// ErrDuplicate reports a uniqueness conflict on requestId.
var ErrDuplicate = errors.New("duplicate request id")

// EndpointCount is one row of a top-endpoints query.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// EventStore manages raw telemetry record persistence.
type EventStore interface {
	// InsertEvents batch-inserts records. Implementations must surface
	// uniqueness conflicts as ErrDuplicate so callers can fall back to
	// per-record inserts.
	InsertEvents(ctx context.Context, records []*pulse.TelemetryRecord) error
	// InsertEvent inserts a single record, ErrDuplicate on requestId conflict.
	InsertEvent(ctx context.Context, record *pulse.TelemetryRecord) error
	// CountSince returns the number of records with timestamp >= since.
	CountSince(ctx context.Context, since time.Time) (int64, error)
	// TopEndpoints returns the most-hit paths since the given instant.
	TopEndpoints(ctx context.Context, since time.Time, limit int) ([]EndpointCount, error)
	// RecentEvents returns records since the given instant, newest first.
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]*pulse.TelemetryRecord, error)
}
