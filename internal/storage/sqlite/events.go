package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/storage"
)

// eventColumns are the insertable columns of telemetry_events, in bind order.
const eventColumns = "request_id, path, method, status_code, latency_ms, client_id, api_key, upstream_service, route_id, error_type, user_agent, ip_address, timestamp"

const eventColumnCount = 13

// insertChunkSize keeps multi-row inserts well under SQLite's bound-parameter
// limit (32766 in modernc builds): 500 rows x 13 columns = 6500 parameters.
const insertChunkSize = 500

// InsertEvents batch-inserts records using multi-row INSERT statements.
// A uniqueness conflict anywhere in a chunk fails that statement wholesale,
// so the error is surfaced as storage.ErrDuplicate for the caller to retry
// record by record.
func (s *Store) InsertEvents(ctx context.Context, records []*pulse.TelemetryRecord) error {
	for start := 0; start < len(records); start += insertChunkSize {
		end := min(start+insertChunkSize, len(records))
		if err := s.insertChunk(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertChunk(ctx context.Context, records []*pulse.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO telemetry_events (")
	sb.WriteString(eventColumns)
	sb.WriteString(") VALUES ")
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", eventColumnCount), ", ") + ")"
	args := make([]any, 0, len(records)*eventColumnCount)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
		args = append(args, bindEvent(r)...)
	}

	if _, err := s.write.ExecContext(ctx, sb.String(), args...); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("insert %d events: %w", len(records), err)
	}
	return nil
}

// InsertEvent inserts a single record, returning storage.ErrDuplicate when
// its requestId has already been persisted.
func (s *Store) InsertEvent(ctx context.Context, r *pulse.TelemetryRecord) error {
	query := "INSERT INTO telemetry_events (" + eventColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if _, err := s.write.ExecContext(ctx, query, bindEvent(r)...); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("insert event %s: %w", r.RequestID, err)
	}
	return nil
}

func bindEvent(r *pulse.TelemetryRecord) []any {
	return []any{
		r.RequestID,
		r.Path,
		r.Method,
		r.StatusCode,
		r.LatencyMs,
		r.ClientID,
		r.APIKey,
		r.UpstreamService,
		r.RouteID,
		r.ErrorType,
		r.UserAgent,
		r.IPAddress,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// isUniqueViolation matches SQLite's constraint error by message. modernc's
// driver wraps the sqlite error code but does not export a typed sentinel
// for constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CountSince returns the number of events with timestamp >= since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM telemetry_events WHERE timestamp >= ?",
		since.UTC().Format(time.RFC3339Nano),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// TopEndpoints returns the most-requested paths since the given instant,
// ordered by hit count descending.
func (s *Store) TopEndpoints(ctx context.Context, since time.Time, limit int) ([]storage.EndpointCount, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT path, COUNT(*) AS hits
		FROM telemetry_events
		WHERE timestamp >= ?
		GROUP BY path
		ORDER BY hits DESC, path ASC
		LIMIT ?`,
		since.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query top endpoints: %w", err)
	}
	defer rows.Close()

	var out []storage.EndpointCount
	for rows.Next() {
		var ec storage.EndpointCount
		if err := rows.Scan(&ec.Endpoint, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan top endpoint: %w", err)
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// RecentEvents returns events since the given instant, newest first.
func (s *Store) RecentEvents(ctx context.Context, since time.Time, limit int) ([]*pulse.TelemetryRecord, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM telemetry_events
		WHERE timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`,
		since.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []*pulse.TelemetryRecord
	for rows.Next() {
		r, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*pulse.TelemetryRecord, error) {
	var (
		r  pulse.TelemetryRecord
		ts string
	)
	err := rows.Scan(
		&r.RequestID, &r.Path, &r.Method, &r.StatusCode, &r.LatencyMs,
		&r.ClientID, &r.APIKey, &r.UpstreamService, &r.RouteID,
		&r.ErrorType, &r.UserAgent, &r.IPAddress, &ts,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
	}
	return &r, nil
}
