package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/httpx"
	"github.com/sgp/pulse/internal/storage"
	"github.com/sgp/pulse/internal/telemetry"
)

// parallelFanoutThreshold is the batch size above which fan-out moves off the
// request goroutine. The response completes before fan-out finishes.
const parallelFanoutThreshold = 100

// aggregatedCacheTTL absorbs dashboard pollers hitting /metrics/aggregated
// faster than aggregates change.
const aggregatedCacheTTL = time.Second

// MetricReader reads cached window aggregates.
type MetricReader interface {
	Get(ctx context.Context, key string) (*pulse.WindowAggregate, error)
	All(ctx context.Context) ([]pulse.WindowAggregate, error)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the analytics HTTP server.
type Deps struct {
	Sink       *Sink
	Engine     *Engine
	Cache      MetricReader
	Store      storage.EventStore
	Metrics    *telemetry.Metrics
	ReadyCheck ReadyChecker // nil = always ready (for tests)
}

// NewServer creates an http.Handler with all routes and middleware wired.
func NewServer(deps Deps) http.Handler {
	s := &server{deps: deps}

	s.aggCache = otter.Must(&otter.Options[string, aggEntry]{
		MaximumSize:      4,
		ExpiryCalculator: otter.ExpiryWriting[string, aggEntry](aggregatedCacheTTL),
	})

	r := chi.NewRouter()

	r.Use(httpx.Recovery)
	r.Use(httpx.Logging)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/telemetry/ingest", s.handleIngest)
		r.Post("/telemetry/ingest/batch", s.handleIngestBatch)

		r.Get("/metrics/aggregated", s.handleAggregated)
		r.Get("/metrics/endpoint/*", s.handleEndpoint)
		r.Get("/metrics/rps", s.handleRPS)
		r.Get("/metrics/top-endpoints", s.handleTopEndpoints)
		r.Get("/metrics/events/recent", s.handleRecentEvents)
		r.Get("/metrics/debug", s.handleDebug)
	})

	return r
}

type server struct {
	deps     Deps
	aggCache *otter.Cache[string, aggEntry]
}

// aggEntry wraps the aggregated list with its expiration time. otter's
// write-expiry is coarse; the explicit timestamp keeps the TTL exact.
type aggEntry struct {
	aggs      []pulse.WindowAggregate
	expiresAt time.Time
}

var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// --- Ingest ---

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var rec pulse.TelemetryRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorResponse("invalid JSON body"))
		return
	}
	if !rec.Valid() {
		s.deps.Metrics.IngestRejected.Inc()
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorResponse("record requires requestId, path, and method"))
		return
	}
	normalizeRecord(&rec)
	s.deps.Metrics.IngestAccepted.Inc()
	s.fanOut([]*pulse.TelemetryRecord{&rec})
	httpx.WriteJSON(w, http.StatusAccepted, ingestResponse{Accepted: 1})
}

// handleIngestBatch accepts a JSON array of records. Invalid elements are
// filtered rather than failing the batch; 400 only when nothing in the
// payload is usable. Elements are validated individually so one malformed
// object cannot poison its siblings.
func (s *server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorResponse("read body"))
		return
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorResponse("expected JSON array"))
		return
	}

	var (
		records  []*pulse.TelemetryRecord
		rejected int
	)
	parsed.ForEach(func(_, el gjson.Result) bool {
		if !el.IsObject() ||
			el.Get("requestId").String() == "" ||
			el.Get("path").String() == "" ||
			el.Get("method").String() == "" {
			rejected++
			return true
		}
		var rec pulse.TelemetryRecord
		if err := json.Unmarshal([]byte(el.Raw), &rec); err != nil {
			rejected++
			return true
		}
		normalizeRecord(&rec)
		records = append(records, &rec)
		return true
	})

	s.deps.Metrics.IngestAccepted.Add(float64(len(records)))
	s.deps.Metrics.IngestRejected.Add(float64(rejected))

	if len(records) == 0 {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorResponse("no valid records in batch"))
		return
	}

	if len(records) > parallelFanoutThreshold {
		// Fire-and-forget: the client must not wait for durability.
		go s.fanOut(records)
	} else {
		s.fanOut(records)
	}
	httpx.WriteJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(records), Rejected: rejected})
}

func normalizeRecord(rec *pulse.TelemetryRecord) {
	rec.Path = pulse.NormalizePath(rec.Path)
	rec.Method = pulse.NormalizeMethod(rec.Method)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ClientID == "" {
		rec.ClientID = pulse.UnknownClient
	}
	if rec.LatencyMs < 0 {
		rec.LatencyMs = 0
	}
}

// fanOut feeds records into the raw sink and the metric engine, then requests
// an immediate recompute for each distinct key so new traffic shows on the
// dashboard within the sweep interval.
func (s *server) fanOut(records []*pulse.TelemetryRecord) {
	if len(records) > parallelFanoutThreshold {
		var g errgroup.Group
		g.SetLimit(runtime.NumCPU())
		chunk := (len(records) + runtime.NumCPU() - 1) / runtime.NumCPU()
		for start := 0; start < len(records); start += chunk {
			part := records[start:min(start+chunk, len(records))]
			g.Go(func() error {
				for _, rec := range part {
					s.deps.Sink.Enqueue(rec)
					s.deps.Engine.Ingest(rec)
				}
				return nil
			})
		}
		g.Wait()
	} else {
		for _, rec := range records {
			s.deps.Sink.Enqueue(rec)
			s.deps.Engine.Ingest(rec)
		}
	}

	seen := make(map[string]struct{}, 8)
	for _, rec := range records {
		key := rec.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		s.deps.Engine.TriggerImmediate(key)
	}
}

// --- Metrics reads ---

const aggregatedCacheKey = "aggregated"

func (s *server) handleAggregated(w http.ResponseWriter, r *http.Request) {
	if e, ok := s.aggCache.GetIfPresent(aggregatedCacheKey); ok && time.Now().Before(e.expiresAt) {
		httpx.WriteJSON(w, http.StatusOK, e.aggs)
		return
	}

	aggs, err := s.deps.Cache.All(r.Context())
	if err != nil {
		// Degraded, not broken: the dashboard gets an empty set.
		httpx.WriteJSON(w, http.StatusOK, []pulse.WindowAggregate{})
		return
	}
	if aggs == nil {
		aggs = []pulse.WindowAggregate{}
	}
	s.aggCache.Set(aggregatedCacheKey, aggEntry{aggs: aggs, expiresAt: time.Now().Add(aggregatedCacheTTL)})
	httpx.WriteJSON(w, http.StatusOK, aggs)
}

func (s *server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	path := "/" + chi.URLParam(r, "*")
	key := pulse.AggregationKey(path, r.URL.Query().Get("method"))

	agg, err := s.deps.Cache.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, pulse.ErrNotFound) {
			httpx.WriteError(w, err)
			return
		}
		httpx.WriteError(w, fmt.Errorf("%w: metric cache read failed", pulse.ErrUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agg)
}

type rpsResponse struct {
	RPS           float64 `json:"rps"`
	WindowSeconds int     `json:"window_seconds"`
}

func (s *server) handleRPS(w http.ResponseWriter, r *http.Request) {
	const window = 60
	count, err := s.deps.Store.CountSince(r.Context(), time.Now().Add(-window*time.Second))
	if err != nil {
		// Raw storage down; in-memory aggregates remain the source of truth.
		httpx.WriteJSON(w, http.StatusOK, rpsResponse{RPS: 0, WindowSeconds: window})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rpsResponse{
		RPS:           float64(count) / window,
		WindowSeconds: window,
	})
}

func (s *server) handleTopEndpoints(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10, 100)
	top, err := s.deps.Store.TopEndpoints(r.Context(), time.Now().Add(-60*time.Second), limit)
	if err != nil {
		httpx.WriteJSON(w, http.StatusOK, []storage.EndpointCount{})
		return
	}
	if top == nil {
		top = []storage.EndpointCount{}
	}
	httpx.WriteJSON(w, http.StatusOK, top)
}

// --- Debug ---

// handleRecentEvents returns the newest raw events from the last five
// minutes, capped at limit.
func (s *server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1000)

	events, err := s.deps.Store.RecentEvents(r.Context(), time.Now().Add(-5*time.Minute), limit)
	if err != nil {
		httpx.WriteError(w, fmt.Errorf("%w: recent events unavailable", pulse.ErrUnavailable))
		return
	}
	if events == nil {
		events = []*pulse.TelemetryRecord{}
	}
	httpx.WriteJSON(w, http.StatusOK, events)
}

type debugResponse struct {
	EventsInLast60s    int64                   `json:"events_in_last_60s"`
	CachedMetricsCount int                     `json:"cached_metrics_count"`
	CachedMetrics      []pulse.WindowAggregate `json:"cached_metrics"`
	Timestamp          time.Time               `json:"timestamp"`
}

// handleDebug answers "is data flowing": raw events persisted in the last
// minute next to what the aggregate cache currently holds. Either side being
// down reads as zero rather than an error.
func (s *server) handleDebug(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Store.CountSince(r.Context(), time.Now().Add(-60*time.Second))
	if err != nil {
		count = 0
	}
	aggs, err := s.deps.Cache.All(r.Context())
	if err != nil || aggs == nil {
		aggs = []pulse.WindowAggregate{}
	}
	httpx.WriteJSON(w, http.StatusOK, debugResponse{
		EventsInLast60s:    count,
		CachedMetricsCount: len(aggs),
		CachedMetrics:      aggs,
		Timestamp:          time.Now(),
	})
}

func queryInt(r *http.Request, name string, def, ceil int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceil)
}
