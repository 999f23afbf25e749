package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/telemetry"
)

const (
	// minComputeInterval debounces per-key recomputation: between computes at
	// least this much time must pass unless the burst fast-path fires.
	minComputeInterval = 100 * time.Millisecond

	// burstThreshold is the buffered-event count that bypasses the debounce
	// so a sudden traffic spike surfaces on the dashboard immediately.
	burstThreshold = 5

	// gracePeriod extends the retention of buffered events past the window
	// so late recomputes still see the full window.
	gracePeriod = 10 * time.Second

	// sweepTimeout bounds one full sweep across all keys.
	sweepTimeout = 5 * time.Second

	computeWorkers   = 4
	computeQueueSize = 1024
)

// AggregateCache is the metric cache consumed by the engine. Writes happen
// synchronously at the end of a compute so dashboard reads see fresh values.
type AggregateCache interface {
	Put(ctx context.Context, key string, agg *pulse.WindowAggregate) error
}

// Engine maintains per-key buffers of recent telemetry records and computes
// sliding-window aggregates with debounced recomputation. It implements
// worker.Worker: Run hosts the compute pool and the periodic sweeper.
type Engine struct {
	cache   AggregateCache
	digests *DigestRegistry
	metrics *telemetry.Metrics

	window        time.Duration
	sweepInterval time.Duration

	mu   sync.RWMutex
	keys map[string]*keyState

	computeCh chan string
}

// keyState tracks one aggregation key: its event buffer, the debounce cell,
// and the single-flight guards. lastCompute is the CAS-claimed debounce cell;
// queued and computing together bound in-flight work to one queued task plus
// one running compute per key.
type keyState struct {
	mu     sync.Mutex
	events []*pulse.TelemetryRecord

	lastCompute atomic.Int64 // unix millis, 0 = never computed
	queued      atomic.Bool
	computing   atomic.Bool
}

func (st *keyState) size() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.events)
}

// NewEngine creates an Engine writing aggregates to cache.
func NewEngine(cache AggregateCache, digests *DigestRegistry, m *telemetry.Metrics, window, sweepInterval time.Duration) *Engine {
	return &Engine{
		cache:         cache,
		digests:       digests,
		metrics:       m,
		window:        window,
		sweepInterval: sweepInterval,
		keys:          make(map[string]*keyState),
		computeCh:     make(chan string, computeQueueSize),
	}
}

// Name returns the worker identifier.
func (e *Engine) Name() string { return "metric_engine" }

// Ingest buffers one record and feeds its latency to the percentile digest.
// The recompute decision is debounced; at most one compute task per key is
// queued or running at any time.
func (e *Engine) Ingest(r *pulse.TelemetryRecord) {
	key := r.Key()
	st := e.state(key)

	st.mu.Lock()
	st.events = append(st.events, r)
	st.mu.Unlock()

	e.digests.Observe(key, float64(r.LatencyMs))
	e.maybeCompute(st, key, "ingest")
}

// TriggerImmediate forces a recompute for key, bypassing the debounce. The
// ingest endpoint calls this once per distinct key in a batch after all its
// records are buffered: the first record of the batch may have claimed a
// compute before its siblings arrived, and a debounced hint would leave that
// undercount standing until the sweeper. The queued/computing single-flight
// guards still apply.
func (e *Engine) TriggerImmediate(key string) {
	e.mu.RLock()
	st := e.keys[key]
	e.mu.RUnlock()
	if st == nil {
		return
	}

	st.lastCompute.Store(time.Now().UnixMilli())
	if !st.queued.CompareAndSwap(false, true) {
		// A task is already queued; it will see the freshly buffered events.
		return
	}
	e.metrics.ComputesTotal.WithLabelValues("immediate").Inc()
	select {
	case e.computeCh <- key:
	default:
		st.queued.Store(false)
	}
}

// BufferLen returns the number of buffered events for key.
func (e *Engine) BufferLen(key string) int {
	e.mu.RLock()
	st := e.keys[key]
	e.mu.RUnlock()
	if st == nil {
		return 0
	}
	return st.size()
}

// Keys returns a snapshot of all keys with live state.
func (e *Engine) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	return out
}

func (e *Engine) state(key string) *keyState {
	e.mu.RLock()
	st := e.keys[key]
	e.mu.RUnlock()
	if st != nil {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st = e.keys[key]; st == nil {
		st = &keyState{}
		e.keys[key] = st
		e.metrics.ActiveKeys.Set(float64(len(e.keys)))
	}
	return st
}

// maybeCompute applies the debounce rule and, on a successful claim, queues a
// compute task. Recompute when the key was never computed, the minimum
// interval elapsed, or the buffer crossed the burst threshold. The CAS on
// lastCompute makes exactly one caller the claimant for a given interval.
func (e *Engine) maybeCompute(st *keyState, key, trigger string) {
	now := time.Now().UnixMilli()
	last := st.lastCompute.Load()
	if last != 0 {
		// One claim per millisecond per key at most; without this the CAS
		// below degenerates to a no-op swap for same-millisecond bursts.
		if now == last {
			return
		}
		if now-last < minComputeInterval.Milliseconds() && st.size() < burstThreshold {
			return
		}
	}
	if !st.lastCompute.CompareAndSwap(last, now) {
		return
	}
	if !st.queued.CompareAndSwap(false, true) {
		return
	}
	e.metrics.ComputesTotal.WithLabelValues(trigger).Inc()
	select {
	case e.computeCh <- key:
	default:
		// Pool saturated; the sweeper recomputes every key anyway.
		st.queued.Store(false)
	}
}

// Run hosts the compute worker pool and the periodic sweeper until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for range computeWorkers {
		g.Go(func() error {
			for {
				select {
				case key := <-e.computeCh:
					e.mu.RLock()
					st := e.keys[key]
					e.mu.RUnlock()
					if st == nil {
						continue
					}
					st.queued.Store(false)
					e.compute(ctx, key, st)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.sweep(ctx)
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// sweep recomputes every known key regardless of recent ingest so aggregates
// stay fresh while traffic tapers off. Keys run in parallel with a bounded
// completion timeout; a slow cache write on one key cannot stall the ticker
// past the timeout.
func (e *Engine) sweep(ctx context.Context) {
	e.mu.RLock()
	snapshot := make(map[string]*keyState, len(e.keys))
	for k, st := range e.keys {
		snapshot[k] = st
	}
	e.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	g, sctx := errgroup.WithContext(sctx)
	g.SetLimit(computeWorkers)
	for key, st := range snapshot {
		g.Go(func() error {
			e.metrics.ComputesTotal.WithLabelValues("sweep").Inc()
			e.compute(sctx, key, st)
			return nil
		})
	}
	g.Wait()
}

// compute builds the sliding-window aggregate for key and writes it to the
// cache, then ages the buffer. Per-key failures are logged and swallowed so
// one bad key never affects others or the sweeper. The computing flag keeps
// at most one compute in flight per key.
func (e *Engine) compute(ctx context.Context, key string, st *keyState) {
	if !st.computing.CompareAndSwap(false, true) {
		return
	}
	defer st.computing.Store(false)

	now := time.Now()
	windowStart := now.Add(-e.window)
	cutoff := now.Add(-(e.window + gracePeriod))

	// One pass over the buffer: collect the window sample and age out
	// records past window+grace.
	st.mu.Lock()
	kept := st.events[:0]
	var sample []*pulse.TelemetryRecord
	for _, ev := range st.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
		if ev.Timestamp.After(windowStart) {
			sample = append(sample, ev)
		}
	}
	clear(st.events[len(kept):])
	st.events = kept
	empty := len(kept) == 0
	st.mu.Unlock()

	if empty {
		e.retire(key, st)
		return
	}
	if len(sample) == 0 {
		return
	}

	agg := e.aggregate(key, sample, windowStart, now)
	if err := e.cache.Put(ctx, key, agg); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "aggregate cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// retire removes a dormant key's state and digest. Re-entry is transparent:
// the next event for the key recreates both.
func (e *Engine) retire(key string, st *keyState) {
	e.mu.Lock()
	if e.keys[key] == st {
		delete(e.keys, key)
		e.metrics.ActiveKeys.Set(float64(len(e.keys)))
	}
	e.mu.Unlock()
	e.digests.Drop(key)
}

func (e *Engine) aggregate(key string, sample []*pulse.TelemetryRecord, windowStart, windowEnd time.Time) *pulse.WindowAggregate {
	var (
		errorCount int64
		minLat     = sample[0].LatencyMs
		maxLat     = sample[0].LatencyMs
		earliest   = sample[0].Timestamp
		latest     = sample[0].Timestamp
		upstream   string
	)
	for _, ev := range sample {
		if ev.IsError() {
			errorCount++
		}
		minLat = min(minLat, ev.LatencyMs)
		maxLat = max(maxLat, ev.LatencyMs)
		if ev.Timestamp.Before(earliest) {
			earliest = ev.Timestamp
		}
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
		if upstream == "" {
			upstream = ev.UpstreamService
		}
	}

	count := int64(len(sample))
	p50, p90, p99 := e.percentiles(key, sample)

	return &pulse.WindowAggregate{
		Endpoint:        pulse.NormalizePath(sample[0].Path),
		Method:          pulse.NormalizeMethod(sample[0].Method),
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		RequestCount:    count,
		RPS:             e.rps(count, earliest, latest),
		P50LatencyMs:    p50,
		P90LatencyMs:    p90,
		P99LatencyMs:    p99,
		MinLatencyMs:    minLat,
		MaxLatencyMs:    maxLat,
		ErrorRate:       100 * float64(errorCount) / float64(count),
		ErrorCount:      errorCount,
		SuccessCount:    count - errorCount,
		UpstreamService: upstream,
	}
}

// rps derives requests-per-second from the effective event span. Subsecond
// spans use the larger of the instantaneous rate and the window-normalized
// rate so bursts register without a single event reading as thousands of RPS.
func (e *Engine) rps(count int64, earliest, latest time.Time) float64 {
	span := latest.Sub(earliest)
	windowSec := e.window.Seconds()
	switch {
	case span >= time.Second:
		return float64(count) / span.Seconds()
	case span > 0:
		instant := float64(count) / span.Seconds()
		windowed := float64(count) / windowSec
		return max(instant, windowed)
	default:
		return float64(count) / windowSec
	}
}

// percentiles queries the digest, falling back to an exact computation over
// the sample when the digest is absent or empty.
func (e *Engine) percentiles(key string, sample []*pulse.TelemetryRecord) (p50, p90, p99 int64) {
	if v50, ok := e.digests.Quantile(key, 0.5); ok {
		v90, _ := e.digests.Quantile(key, 0.9)
		v99, _ := e.digests.Quantile(key, 0.99)
		return int64(v50), int64(v90), int64(v99)
	}

	lats := make([]int64, len(sample))
	for i, ev := range sample {
		lats[i] = ev.LatencyMs
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	idx := func(q float64) int64 {
		i := int(float64(len(lats)) * q)
		if i >= len(lats) {
			i = len(lats) - 1
		}
		return lats[i]
	}
	return idx(0.5), idx(0.9), idx(0.99)
}
