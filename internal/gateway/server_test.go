package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/config"
	"github.com/sgp/pulse/internal/telemetry"
)

// fakeCounter is an in-memory rate-limit counter.
type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (f *fakeCounter) Increment(_ context.Context, clientID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[clientID]++
	return f.counts[clientID], nil
}

// recordingEmitter collects emitted telemetry records.
type recordingEmitter struct {
	mu      sync.Mutex
	records []*pulse.TelemetryRecord
}

func (e *recordingEmitter) Emit(r *pulse.TelemetryRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, r)
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

func (e *recordingEmitter) last() *pulse.TelemetryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.records) == 0 {
		return nil
	}
	return e.records[len(e.records)-1]
}

type gatewayFixture struct {
	handler  http.Handler
	counter  *fakeCounter
	emitter  *recordingEmitter
	upstream *httptest.Server
}

func newGateway(t *testing.T, mutate func(*config.GatewayConfig)) *gatewayFixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "upstream ok")
	}))
	t.Cleanup(upstream.Close)

	cfg := config.GatewayConfig{
		Auth: config.AuthConfig{
			SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
		},
		RateLimit: config.RateLimitConfig{RequestsPerMinute: 1000},
		Routes: []config.RouteEntry{
			{ID: "users", Prefix: "/api/users", StripPrefix: 1, URL: upstream.URL},
			{ID: "api", Prefix: "/api", StripPrefix: 1, URL: upstream.URL},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	counter := newFakeCounter()
	emitter := &recordingEmitter{}
	handler := New(Deps{
		Config:  cfg,
		Counter: counter,
		Emitter: emitter,
		Client:  upstream.Client(),
		Metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
	})

	return &gatewayFixture{handler: handler, counter: counter, emitter: emitter, upstream: upstream}
}

func (g *gatewayFixture) get(t *testing.T, path, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.1:50000"
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthFilter(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)

	// Valid key: exactly eight characters is enough.
	if rec := g.get(t, "/api/users", "abcdefgh"); rec.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", rec.Code)
	}

	// Missing header.
	if rec := g.get(t, "/api/users", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", rec.Code)
	}

	// Too short.
	if rec := g.get(t, "/api/users", "short"); rec.Code != http.StatusUnauthorized {
		t.Errorf("short key: status = %d, want 401", rec.Code)
	}
}

func TestAuthAttachesClientID(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)

	g.get(t, "/api/users", "abcdefgh-rest-of-key")

	rec := g.emitter.last()
	if rec == nil {
		t.Fatal("no telemetry emitted")
	}
	if rec.ClientID != "abcdefgh" {
		t.Errorf("clientId = %q, want first 8 chars of key", rec.ClientID)
	}
	if rec.APIKey != "abcdefgh-rest-of-key" {
		t.Errorf("apiKey = %q, want full credential", rec.APIKey)
	}
}

func TestAuthFailureEmitsTelemetry(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)

	g.get(t, "/api/users", "")

	rec := g.emitter.last()
	if rec == nil {
		t.Fatal("no telemetry for 401")
	}
	if rec.StatusCode != http.StatusUnauthorized || rec.ErrorType != "unauthorized" {
		t.Errorf("record = %+v, want 401/unauthorized", rec)
	}
	if rec.ClientID != pulse.UnknownClient {
		t.Errorf("clientId = %q, want unknown", rec.ClientID)
	}
}

func TestRateLimitSemantics(t *testing.T) {
	t.Parallel()
	g := newGateway(t, func(cfg *config.GatewayConfig) {
		cfg.RateLimit.RequestsPerMinute = 5
	})

	var ok, limited int
	for range 6 {
		rec := g.get(t, "/api/users", "abcdefgh")
		switch rec.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
			// Indexed lookups: Get would canonicalize away the wire casing.
			if got := rec.Header()["X-RateLimit-Limit"]; len(got) != 1 || got[0] != "5" {
				t.Errorf("X-RateLimit-Limit = %v, want [5]", got)
			}
			if got := rec.Header()["X-RateLimit-Remaining"]; len(got) != 1 || got[0] != "0" {
				t.Errorf("X-RateLimit-Remaining = %v, want [0]", got)
			}
		}
	}

	if ok != 5 || limited != 1 {
		t.Errorf("ok/limited = %d/%d, want 5/1", ok, limited)
	}

	// All six requests appear in telemetry, the rejected one included.
	if n := g.emitter.count(); n != 6 {
		t.Errorf("telemetry records = %d, want 6", n)
	}
	last := g.emitter.last()
	if last.StatusCode != http.StatusTooManyRequests || last.ErrorType != "rate_limited" {
		t.Errorf("last record = %+v, want 429/rate_limited", last)
	}
}

func TestRateLimitFailOpen(t *testing.T) {
	t.Parallel()
	g := newGateway(t, func(cfg *config.GatewayConfig) {
		cfg.RateLimit.RequestsPerMinute = 1
	})
	g.counter.err = errors.New("connection refused")

	// Counter store down: every request passes.
	for range 5 {
		if rec := g.get(t, "/api/users", "abcdefgh"); rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 (fail open)", rec.Code)
		}
	}
}

func TestAtMostOnceEmission(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)

	g.get(t, "/api/users", "abcdefgh")

	if n := g.emitter.count(); n != 1 {
		t.Fatalf("telemetry records = %d, want exactly 1", n)
	}
	rec := g.emitter.last()
	if rec.RequestID == "" {
		t.Error("record missing requestId")
	}
	if rec.StatusCode != http.StatusOK {
		t.Errorf("statusCode = %d, want 200", rec.StatusCode)
	}
	if rec.LatencyMs < 0 {
		t.Errorf("latencyMs = %d, want >= 0", rec.LatencyMs)
	}
	if rec.RouteID != "users" {
		t.Errorf("routeId = %q, want users", rec.RouteID)
	}
}

func TestRouteLongestPrefixAndStrip(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)

	// /api/users matches the more specific route even though /api also matches.
	rec := g.get(t, "/api/users/42", "abcdefgh")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Upstream-Path"); got != "/users/42" {
		t.Errorf("upstream path = %q, want /users/42 (one segment stripped)", got)
	}

	tr := g.emitter.last()
	if tr.RouteID != "users" {
		t.Errorf("routeId = %q, want users (longest prefix)", tr.RouteID)
	}
}

func TestRouteNotFound(t *testing.T) {
	t.Parallel()
	g := newGateway(t, func(cfg *config.GatewayConfig) {
		cfg.Routes = []config.RouteEntry{
			{ID: "users", Prefix: "/api/users", StripPrefix: 1, URL: cfg.Routes[0].URL},
		}
	})

	rec := g.get(t, "/other/path", "abcdefgh")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	tr := g.emitter.last()
	if tr == nil || tr.StatusCode != http.StatusNotFound || tr.ErrorType != "route_not_found" {
		t.Errorf("record = %+v, want 404/route_not_found", tr)
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	t.Parallel()
	g := newGateway(t, func(cfg *config.GatewayConfig) {
		for i := range cfg.Routes {
			cfg.Routes[i].URL = "http://127.0.0.1:1"
		}
	})

	rec := g.get(t, "/api/users", "abcdefgh")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	tr := g.emitter.last()
	if tr == nil || tr.ErrorType != "upstream_error" {
		t.Errorf("record = %+v, want upstream_error", tr)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	g := newGateway(t, func(cfg *config.GatewayConfig) {
		for i := range cfg.Routes {
			cfg.Routes[i].URL = failing.URL
		}
		cfg.Breaker = config.BreakerConfig{
			ErrorThreshold: 0.5,
			MinSamples:     3,
			WindowSeconds:  60,
			OpenTimeout:    time.Hour,
		}
	})

	// Three 500s trip the breaker; the backend sees exactly those three.
	for range 3 {
		if rec := g.get(t, "/api/users", "abcdefgh"); rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500 while breaker is closed", rec.Code)
		}
	}

	rec := g.get(t, "/api/users", "abcdefgh")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 once the breaker is open", rec.Code)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("backend hits = %d, want 3 (open breaker must not forward)", n)
	}

	tr := g.emitter.last()
	if tr == nil || tr.StatusCode != http.StatusServiceUnavailable || tr.ErrorType != "upstream_unavailable" {
		t.Errorf("record = %+v, want 503/upstream_unavailable", tr)
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	off := false
	g := newGateway(t, func(cfg *config.GatewayConfig) {
		for i := range cfg.Routes {
			cfg.Routes[i].URL = failing.URL
		}
		cfg.Breaker = config.BreakerConfig{Enabled: &off}
	})

	// Every request still reaches the backend.
	for range 20 {
		if rec := g.get(t, "/api/users", "abcdefgh"); rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500 with breaker disabled", rec.Code)
		}
	}
}

func TestSkipPathsBypassFilters(t *testing.T) {
	t.Parallel()
	g := newGateway(t, func(cfg *config.GatewayConfig) {
		cfg.Auth.SkipPaths = append(cfg.Auth.SkipPaths, "/api/public")
	})

	// No API key needed on a skip path, and no telemetry either.
	rec := g.get(t, "/api/public", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without credentials", rec.Code)
	}
	if n := g.emitter.count(); n != 0 {
		t.Errorf("telemetry records = %d, want 0 for skip path", n)
	}
}

func TestHealthEndpointsNoAuth(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)

	if rec := g.get(t, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	if rec := g.get(t, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}
	if n := g.emitter.count(); n != 0 {
		t.Errorf("telemetry records = %d, want 0 for health endpoints", n)
	}
}

func TestStripSegments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		n    int
		want string
	}{
		{"/api/users/1", 0, "/api/users/1"},
		{"/api/users/1", 1, "/users/1"},
		{"/api/users/1", 2, "/1"},
		{"/api/users/1", 3, "/"},
		{"/api/users/1", 9, "/"},
		{"/api", 1, "/"},
	}
	for _, tt := range tests {
		if got := stripSegments(tt.path, tt.n); got != tt.want {
			t.Errorf("stripSegments(%q, %d) = %q, want %q", tt.path, tt.n, got, tt.want)
		}
	}
}
