// Package pulse defines domain types shared by the gateway and analytics
// services. This package has no project imports -- it is the dependency root.
package pulse

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// TelemetryRecord is the only entity crossing the gateway/analytics boundary.
// One record is emitted per request that reaches the gateway filter chain.
type TelemetryRecord struct {
	RequestID       string    `json:"requestId"`
	Path            string    `json:"path"`
	Method          string    `json:"method"`
	StatusCode      int       `json:"statusCode"`
	LatencyMs       int64     `json:"latencyMs"`
	ClientID        string    `json:"clientId"`
	APIKey          string    `json:"apiKey"`
	UpstreamService string    `json:"upstreamService,omitempty"`
	RouteID         string    `json:"routeId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	ErrorType       string    `json:"errorType,omitempty"`
	UserAgent       string    `json:"userAgent,omitempty"`
	IPAddress       string    `json:"ipAddress,omitempty"`
}

// Valid reports whether the record carries the fields required for ingestion.
func (r *TelemetryRecord) Valid() bool {
	return r != nil && r.RequestID != "" && r.Path != "" && r.Method != ""
}

// WindowAggregate holds metrics computed over a sliding window for one
// (endpoint, method) pair. Derived data: cached with a TTL, never persisted.
type WindowAggregate struct {
	Endpoint        string    `json:"endpoint"`
	Method          string    `json:"method"`
	WindowStart     time.Time `json:"windowStart"`
	WindowEnd       time.Time `json:"windowEnd"`
	RequestCount    int64     `json:"requestCount"`
	RPS             float64   `json:"rps"`
	P50LatencyMs    int64     `json:"p50LatencyMs"`
	P90LatencyMs    int64     `json:"p90LatencyMs"`
	P99LatencyMs    int64     `json:"p99LatencyMs"`
	MinLatencyMs    int64     `json:"minLatencyMs"`
	MaxLatencyMs    int64     `json:"maxLatencyMs"`
	ErrorRate       float64   `json:"errorRate"`
	ErrorCount      int64     `json:"errorCount"`
	SuccessCount    int64     `json:"successCount"`
	UpstreamService string    `json:"upstreamService,omitempty"`
}

// NormalizePath returns the canonical form of a URI path: leading slash,
// collapsed duplicate slashes, and no trailing slash except for the root.
// Normalization is idempotent; producers and consumers must apply the same
// function so aggregation keys line up on both sides of the wire.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// NormalizeMethod uppercases an HTTP verb, defaulting to GET when empty.
func NormalizeMethod(m string) string {
	if m == "" {
		return "GET"
	}
	return strings.ToUpper(m)
}

// AggregationKey buckets a record by normalized path and uppercase method.
// The same key is used for event buffering, the percentile digest, and the
// metric cache suffix.
func AggregationKey(path, method string) string {
	return NormalizePath(path) + ":" + NormalizeMethod(method)
}

// Key returns the record's aggregation key.
func (r *TelemetryRecord) Key() string {
	return AggregationKey(r.Path, r.Method)
}

// IsError reports whether the record's status classifies as an error.
func (r *TelemetryRecord) IsError() bool { return r.StatusCode >= 400 }

// UnknownClient is the client ID attached when no credential is present.
const UnknownClient = "unknown"

// --- Per-request context ---

// RequestMeta bundles per-request values into a single context allocation.
// Filters mutate the same pointer as the request moves down the chain,
// avoiding a context.WithValue per filter. The Emitted flag is the
// single-shot guard that keeps telemetry emission at-most-once across
// completion, error, and panic paths.
type RequestMeta struct {
	RequestID       string
	ClientID        string
	APIKey          string
	RouteID         string
	UpstreamService string
	Start           time.Time
	emitted         atomic.Bool
}

// MarkEmitted claims the right to emit telemetry for this request.
// It returns true exactly once; all later calls return false.
func (m *RequestMeta) MarkEmitted() bool {
	return m.emitted.CompareAndSwap(false, true)
}

type contextKey int

const ctxKeyMeta contextKey = 0

// ContextWithMeta returns a context carrying the given request metadata.
func ContextWithMeta(ctx context.Context, m *RequestMeta) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, m)
}

// MetaFromContext returns the RequestMeta stored in ctx, or nil.
func MetaFromContext(ctx context.Context) *RequestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*RequestMeta)
	return m
}
