// Package gateway implements the HTTP request pipeline: authentication,
// rate limiting, prefix routing to upstream services, and per-request
// telemetry capture with at-most-once emission.
package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/circuitbreaker"
	"github.com/sgp/pulse/internal/config"
	"github.com/sgp/pulse/internal/httpx"
	"github.com/sgp/pulse/internal/telemetry"
)

// Counter increments per-client rate-limit counters. Errors mean the store
// is unreachable; the rate-limit filter fails open on them.
type Counter interface {
	Increment(ctx context.Context, clientID string) (int64, error)
}

// Emitter accepts telemetry records without blocking.
type Emitter interface {
	Emit(*pulse.TelemetryRecord)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the gateway HTTP server.
type Deps struct {
	Config     config.GatewayConfig
	Counter    Counter      // nil = no rate limiting
	Emitter    Emitter      // nil = no telemetry
	Client     *http.Client // upstream HTTP client; nil = http.DefaultClient
	Metrics    *telemetry.Metrics
	ReadyCheck ReadyChecker // nil = always ready (for tests)
}

// New creates an http.Handler with the filter chain wired. The capture
// filter wraps authentication and rate limiting so telemetry fires for 401
// and 429 responses too.
func New(deps Deps) http.Handler {
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	s := &server{
		deps:   deps,
		routes: compileRoutes(deps.Config.Routes),
		skip:   make(map[string]struct{}, len(deps.Config.Auth.SkipPaths)),
	}
	if deps.Config.Breaker.IsEnabled() {
		bcfg := circuitbreaker.DefaultConfig()
		if v := deps.Config.Breaker.ErrorThreshold; v > 0 {
			bcfg.ErrorThreshold = v
		}
		if v := deps.Config.Breaker.MinSamples; v > 0 {
			bcfg.MinSamples = v
		}
		if v := deps.Config.Breaker.WindowSeconds; v > 0 {
			bcfg.WindowSeconds = v
		}
		if v := deps.Config.Breaker.OpenTimeout; v > 0 {
			bcfg.OpenTimeout = v
		}
		s.breakers = circuitbreaker.NewRegistry(bcfg)
	}
	for _, p := range deps.Config.Auth.SkipPaths {
		s.skip[pulse.NormalizePath(p)] = struct{}{}
	}

	r := chi.NewRouter()

	r.Use(httpx.Recovery)
	r.Use(httpx.Logging)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	chain := s.capture(s.authenticate(s.rateLimit(http.HandlerFunc(s.proxy))))
	r.Handle("/*", chain)

	return r
}

type server struct {
	deps     Deps
	routes   []route
	skip     map[string]struct{}
	breakers *circuitbreaker.Registry // nil = breaker disabled
}

// skipPath reports whether filters are bypassed for this path. One skip list
// serves both the auth and rate-limit filters.
func (s *server) skipPath(path string) bool {
	_, ok := s.skip[pulse.NormalizePath(path)]
	return ok
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
