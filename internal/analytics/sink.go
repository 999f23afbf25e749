package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/storage"
	"github.com/sgp/pulse/internal/telemetry"
)

const (
	sinkDrainTime = 10 * time.Second
	dropLogEvery  = 1000
)

// Sink buffers raw telemetry records and batch-writes them to durable
// storage through a fixed worker pool. Records are dropped when the queue is
// full or storage is unavailable; metric computation is independent of
// persistence, so dashboards keep working through database outages.
type Sink struct {
	ch      chan *pulse.TelemetryRecord
	store   storage.EventStore
	metrics *telemetry.Metrics

	batchSize  int
	flushEvery time.Duration
	workers    int

	dropped atomic.Int64
}

// NewSink creates a Sink writing to store.
func NewSink(store storage.EventStore, m *telemetry.Metrics, capacity, batchSize int, flushEvery time.Duration, workers int) *Sink {
	return &Sink{
		ch:         make(chan *pulse.TelemetryRecord, capacity),
		store:      store,
		metrics:    m,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		workers:    workers,
	}
}

// Name returns the worker identifier.
func (s *Sink) Name() string { return "raw_event_sink" }

// Enqueue offers a record to the queue. It never blocks; drops on full queue
// are counted and logged periodically.
func (s *Sink) Enqueue(r *pulse.TelemetryRecord) {
	select {
	case s.ch <- r:
		s.metrics.SinkQueueLen.Set(float64(len(s.ch)))
	default:
		n := s.dropped.Add(1)
		s.metrics.SinkDropped.Inc()
		if n%dropLogEvery == 1 {
			slog.Warn("raw event dropped, sink queue full", "dropped_total", n)
		}
	}
}

// Dropped returns the number of records dropped so far.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// QueueLen returns the current queue depth.
func (s *Sink) QueueLen() int { return len(s.ch) }

// Run starts the worker pool. Each worker accumulates a local batch and
// flushes on size or interval; on shutdown the remaining queue is drained
// with a bounded timeout.
func (s *Sink) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range s.workers {
		g.Go(func() error {
			s.runWorker(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sink) runWorker(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	buf := make([]*pulse.TelemetryRecord, 0, s.batchSize)

	for {
		select {
		case r := <-s.ch:
			buf = append(buf, r)
			if len(buf) >= s.batchSize {
				s.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				s.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			s.drain(buf)
			return
		}
	}
}

func (s *Sink) drain(buf []*pulse.TelemetryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkDrainTime)
	defer cancel()

	for {
		select {
		case r := <-s.ch:
			buf = append(buf, r)
			if len(buf) >= s.batchSize {
				s.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				s.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes one batch. A uniqueness conflict fails the whole multi-row
// insert, so the batch is retried record by record with duplicates silently
// skipped. Any other storage error drops the batch; it is never re-queued.
func (s *Sink) flush(ctx context.Context, buf []*pulse.TelemetryRecord) {
	batch := make([]*pulse.TelemetryRecord, len(buf))
	copy(batch, buf)

	err := s.store.InsertEvents(ctx, batch)
	if err == nil {
		return
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		s.dropBatch(ctx, len(batch), err)
		return
	}

	var duplicates int
	for _, r := range batch {
		switch err := s.store.InsertEvent(ctx, r); {
		case err == nil:
		case errors.Is(err, storage.ErrDuplicate):
			duplicates++
			s.metrics.SinkDuplicates.Inc()
		default:
			s.dropBatch(ctx, 1, err)
		}
	}
	if duplicates > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "duplicate events skipped",
			slog.Int("count", duplicates),
		)
	}
}

func (s *Sink) dropBatch(ctx context.Context, n int, err error) {
	s.dropped.Add(int64(n))
	s.metrics.SinkDropped.Add(float64(n))
	slog.LogAttrs(ctx, slog.LevelError, "event flush failed, batch dropped",
		slog.Int("count", n),
		slog.String("error", err.Error()),
	)
}
