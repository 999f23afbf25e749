// Package analytics implements the ingestion pipeline and metric engine:
// raw-event sink, per-key event buffers, percentile digests, sliding-window
// aggregation, and the HTTP API serving ingest and metric reads.
package analytics

import (
	"math"
	"sync"

	"github.com/influxdata/tdigest"
)

// digestCompression bounds t-digest memory and relative error. 100 keeps
// centroids around a few KB per key with <1% error at the tails.
const digestCompression = 100

// DigestRegistry maintains one streaming quantile estimator per aggregation
// key. The registry lock guards the map; each digest carries its own mutex
// because tdigest mutates internal state on both Add and Quantile.
type DigestRegistry struct {
	mu      sync.RWMutex
	digests map[string]*digestEntry
}

type digestEntry struct {
	mu    sync.Mutex
	td    *tdigest.TDigest
	count int64
}

// NewDigestRegistry returns an empty registry.
func NewDigestRegistry() *DigestRegistry {
	return &DigestRegistry{digests: make(map[string]*digestEntry)}
}

// Observe records one latency sample for key, creating the digest lazily.
func (r *DigestRegistry) Observe(key string, latencyMs float64) {
	r.mu.RLock()
	e := r.digests[key]
	r.mu.RUnlock()

	if e == nil {
		r.mu.Lock()
		if e = r.digests[key]; e == nil {
			e = &digestEntry{td: tdigest.NewWithCompression(digestCompression)}
			r.digests[key] = e
		}
		r.mu.Unlock()
	}

	e.mu.Lock()
	e.td.Add(latencyMs, 1)
	e.count++
	e.mu.Unlock()
}

// Quantile returns the approximate q-quantile of latencies observed for key.
// ok is false when the key has no digest or the digest is empty; callers fall
// back to an exact computation over their event sample.
func (r *DigestRegistry) Quantile(key string, q float64) (v float64, ok bool) {
	r.mu.RLock()
	e := r.digests[key]
	r.mu.RUnlock()
	if e == nil {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count == 0 {
		return 0, false
	}
	v = e.td.Quantile(q)
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Drop removes the digest for key. Called when a key's event buffer empties
// so dormant keys do not accumulate memory.
func (r *DigestRegistry) Drop(key string) {
	r.mu.Lock()
	delete(r.digests, key)
	r.mu.Unlock()
}

// Has reports whether a digest exists for key.
func (r *DigestRegistry) Has(key string) bool {
	r.mu.RLock()
	_, ok := r.digests[key]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of tracked keys.
func (r *DigestRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.digests)
}
