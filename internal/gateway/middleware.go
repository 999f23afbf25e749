package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/httpx"
)

// minKeyLength is the shortest accepted API key; the first eight characters
// become the client identifier.
const minKeyLength = 8

// apiKeyHeader uses the canonical MIME form so direct map access skips
// textproto.CanonicalMIMEHeaderKey on the hot path.
const apiKeyHeader = "X-Api-Key"

// capture allocates per-request metadata on entry and emits exactly one
// telemetry record on the way out, whether the inner chain completed,
// short-circuited, or panicked. The single-shot flag on RequestMeta closes
// the race between completion paths.
func (s *server) capture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.skipPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		meta := &pulse.RequestMeta{
			RequestID: uuid.Must(uuid.NewV7()).String(),
			ClientID:  pulse.UnknownClient,
			Start:     time.Now(),
		}
		ctx := pulse.ContextWithMeta(r.Context(), meta)
		sw := httpx.GetStatusWriter(w)

		s.deps.Metrics.ActiveRequests.Inc()
		defer func() {
			rec := recover()
			if rec != nil {
				slog.LogAttrs(ctx, slog.LevelError, "panic in filter chain",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				httpx.WriteJSON(sw, http.StatusInternalServerError, httpx.ErrorResponse("internal server error"))
			}
			s.emit(r, sw.Status(), meta, rec != nil)
			s.deps.Metrics.ActiveRequests.Dec()
			s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.Status())).Inc()
			s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(meta.Start).Seconds())
			httpx.PutStatusWriter(sw)
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}

// emit builds the telemetry record and hands it to the emitter. MarkEmitted
// is claimed before the Emit call so a concurrent signal cannot double-send.
func (s *server) emit(r *http.Request, status int, meta *pulse.RequestMeta, panicked bool) {
	if s.deps.Emitter == nil || !meta.MarkEmitted() {
		return
	}
	errType := errorTypeFor(status)
	if panicked {
		errType = "panic"
	}
	s.deps.Emitter.Emit(&pulse.TelemetryRecord{
		RequestID:       meta.RequestID,
		Path:            pulse.NormalizePath(r.URL.Path),
		Method:          pulse.NormalizeMethod(r.Method),
		StatusCode:      status,
		LatencyMs:       time.Since(meta.Start).Milliseconds(),
		ClientID:        meta.ClientID,
		APIKey:          meta.APIKey,
		UpstreamService: meta.UpstreamService,
		RouteID:         meta.RouteID,
		Timestamp:       time.Now(),
		ErrorType:       errType,
		UserAgent:       r.UserAgent(),
		IPAddress:       remoteHost(r),
	})
}

func errorTypeFor(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusNotFound:
		return "route_not_found"
	case status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return "upstream_error"
	case status == http.StatusServiceUnavailable:
		return "upstream_unavailable"
	case status >= 500:
		return "internal_error"
	default:
		return ""
	}
}

// authenticate enforces the API key filter. The client identifier is the
// first eight characters of the credential; keys shorter than that are
// rejected outright.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Config.Auth.IsEnabled() || s.skipPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		var key string
		if vals := r.Header[apiKeyHeader]; len(vals) > 0 {
			key = vals[0]
		}
		if len(key) < minKeyLength {
			httpx.WriteJSON(w, http.StatusUnauthorized, httpx.ErrorResponse("missing or invalid API key"))
			return
		}

		if meta := pulse.MetaFromContext(r.Context()); meta != nil {
			meta.ClientID = key[:minKeyLength]
			meta.APIKey = key
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the per-client sliding-minute cap via the counter
// store. Store errors fail open: an unreachable counter must not take the
// gateway down with it. A 429 short-circuits the handler but the capture
// filter still emits telemetry for it.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Config.RateLimit.IsEnabled() || s.deps.Counter == nil || s.skipPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		clientID := pulse.UnknownClient
		if meta := pulse.MetaFromContext(r.Context()); meta != nil && meta.ClientID != "" {
			clientID = meta.ClientID
		}
		if clientID == pulse.UnknownClient {
			if host := remoteHost(r); host != "" {
				clientID = host
			}
		}

		limit := s.deps.Config.RateLimit.RequestsPerMinute
		n, err := s.deps.Counter.Increment(r.Context(), clientID)
		if err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "rate limit store unreachable, failing open",
				slog.String("client", clientID),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}
		if n > limit {
			s.deps.Metrics.RateLimitRejects.WithLabelValues(clientID).Inc()
			// Direct map assignment preserves the X-RateLimit casing, which
			// Header.Set would canonicalize to X-Ratelimit.
			h := w.Header()
			h["X-RateLimit-Limit"] = []string{strconv.FormatInt(limit, 10)}
			h["X-RateLimit-Remaining"] = []string{"0"}
			httpx.WriteJSON(w, http.StatusTooManyRequests, httpx.ErrorResponse("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
