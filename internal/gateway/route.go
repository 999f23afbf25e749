package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/circuitbreaker"
	"github.com/sgp/pulse/internal/config"
	"github.com/sgp/pulse/internal/httpx"
)

// route is one compiled routing rule.
type route struct {
	id       string
	prefix   string
	strip    int
	url      string
	upstream string
}

// compileRoutes normalizes prefixes and orders rules longest-prefix-first so
// a linear scan yields the most specific match.
func compileRoutes(entries []config.RouteEntry) []route {
	routes := make([]route, 0, len(entries))
	for _, e := range entries {
		r := route{
			id:     e.ID,
			prefix: pulse.NormalizePath(e.Prefix),
			strip:  e.StripPrefix,
			url:    strings.TrimRight(e.URL, "/"),
		}
		r.upstream = r.id
		if r.upstream == "" {
			if u, err := url.Parse(r.url); err == nil {
				r.upstream = u.Host
			}
		}
		routes = append(routes, r)
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].prefix) > len(routes[j].prefix)
	})
	return routes
}

// match returns the most specific route for path, or nil.
func (s *server) match(path string) *route {
	path = pulse.NormalizePath(path)
	for i := range s.routes {
		r := &s.routes[i]
		if r.prefix == "/" || path == r.prefix || strings.HasPrefix(path, r.prefix+"/") {
			return r
		}
	}
	return nil
}

// stripSegments drops the first n path segments: "/api/users/1" with n=1
// becomes "/users/1". Stripping past the end yields the root path.
func stripSegments(path string, n int) string {
	if n <= 0 {
		return path
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if n >= len(segs) {
		return "/"
	}
	return "/" + strings.Join(segs[n:], "/")
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// proxy matches the request against the route table and forwards it to the
// backend. No match is a 404; upstream failures surface as 502 with the
// error logged, and telemetry for either case is emitted by capture. Each
// route carries a circuit breaker: while it is open the request is rejected
// with a 503 before any connection to the backend is made.
func (s *server) proxy(w http.ResponseWriter, r *http.Request) {
	rt := s.match(r.URL.Path)
	if rt == nil {
		httpx.WriteError(w, pulse.ErrRouteNotFound)
		return
	}

	meta := pulse.MetaFromContext(r.Context())
	if meta != nil {
		meta.RouteID = rt.id
		meta.UpstreamService = rt.upstream
	}

	var brk *circuitbreaker.Breaker
	if s.breakers != nil {
		brk = s.breakers.GetOrCreate(rt.id)
		if !brk.Allow() {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(rt.upstream, "breaker_open").Inc()
			slog.LogAttrs(r.Context(), slog.LevelWarn, "breaker open, rejecting request",
				slog.String("route", rt.id),
			)
			httpx.WriteJSON(w, http.StatusServiceUnavailable, httpx.ErrorResponse("upstream unavailable"))
			return
		}
	}

	targetURL := rt.url + stripSegments(pulse.NormalizePath(r.URL.Path), rt.strip)
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadGateway, httpx.ErrorResponse("invalid upstream request"))
		return
	}

	// Copy non-hop-by-hop headers. The gateway credential stays private.
	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if key == apiKeyHeader {
			continue
		}
		outReq.Header[key] = vals
	}

	start := time.Now()
	resp, err := s.deps.Client.Do(outReq)
	s.deps.Metrics.UpstreamDuration.WithLabelValues(rt.upstream).Observe(time.Since(start).Seconds())
	if err != nil {
		if brk != nil {
			brk.RecordError(circuitbreaker.Weight(0, err))
		}
		s.deps.Metrics.UpstreamErrors.WithLabelValues(rt.upstream, "unreachable").Inc()
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream request failed",
			slog.String("route", rt.id),
			slog.String("target", targetURL),
			slog.String("error", err.Error()),
		)
		httpx.WriteJSON(w, http.StatusBadGateway, httpx.ErrorResponse("upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if brk != nil {
		if wt := circuitbreaker.Weight(resp.StatusCode, nil); wt > 0 {
			brk.RecordError(wt)
		} else {
			brk.RecordSuccess()
		}
	}
	if resp.StatusCode >= 500 {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(rt.upstream, strconv.Itoa(resp.StatusCode)).Inc()
	}

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Stream with flush-on-read for SSE/NDJSON upstreams.
	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson"))

	if needsFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
				flusher.Flush()
			}
			if readErr != nil {
				return
			}
		}
	}

	// Non-streaming: bulk copy. Cap at 32 MB to prevent a misconfigured
	// upstream from causing unbounded memory allocation.
	const maxResponseBody = 32 << 20
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "copy upstream response",
			slog.String("route", rt.id),
			slog.String("error", err.Error()),
		)
	}
}
