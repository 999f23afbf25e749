package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/storage"
	"github.com/sgp/pulse/internal/telemetry"
)

// fakeStore records inserts and can be programmed to fail.
type fakeStore struct {
	mu          sync.Mutex
	events      map[string]*pulse.TelemetryRecord
	batchCalls  [][]*pulse.TelemetryRecord
	insertErr   error
	batchErr    error
	singleCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[string]*pulse.TelemetryRecord)}
}

func (f *fakeStore) InsertEvents(_ context.Context, records []*pulse.TelemetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	for _, r := range records {
		if _, ok := f.events[r.RequestID]; ok {
			return storage.ErrDuplicate
		}
	}
	batch := make([]*pulse.TelemetryRecord, len(records))
	copy(batch, records)
	f.batchCalls = append(f.batchCalls, batch)
	for _, r := range records {
		f.events[r.RequestID] = r
	}
	return nil
}

func (f *fakeStore) InsertEvent(_ context.Context, r *pulse.TelemetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.events[r.RequestID]; ok {
		return storage.ErrDuplicate
	}
	f.events[r.RequestID] = r
	return nil
}

func (f *fakeStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	var n int64
	for _, r := range f.events {
		if !r.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) TopEndpoints(_ context.Context, since time.Time, limit int) ([]storage.EndpointCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, r := range f.events {
		if !r.Timestamp.Before(since) {
			counts[r.Path]++
		}
	}
	var out []storage.EndpointCount
	for p, n := range counts {
		out = append(out, storage.EndpointCount{Endpoint: p, Count: n})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) RecentEvents(_ context.Context, since time.Time, limit int) ([]*pulse.TelemetryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pulse.TelemetryRecord
	for _, r := range f.events {
		if !r.Timestamp.Before(since) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) stored() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeStore) lastBatchSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batchCalls) == 0 {
		return 0
	}
	return len(f.batchCalls[len(f.batchCalls)-1])
}

func newTestSink(store storage.EventStore, capacity, batchSize int, flushEvery time.Duration) *Sink {
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	return NewSink(store, m, capacity, batchSize, flushEvery, 1)
}

func sinkRecord(id string) *pulse.TelemetryRecord {
	return &pulse.TelemetryRecord{
		RequestID: id,
		Path:      "/api/users",
		Method:    "GET",
		Timestamp: time.Now(),
	}
}

func TestSinkFlushOnBatchSize(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestSink(store, 100, 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := range 5 {
		s.Enqueue(sinkRecord(fmt.Sprintf("req-%d", i)))
	}

	waitFor(t, func() bool { return store.stored() == 5 })
	if n := store.lastBatchSize(); n != 5 {
		t.Errorf("batch size = %d, want 5", n)
	}

	cancel()
	<-done
}

func TestSinkFlushOnInterval(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestSink(store, 100, 1000, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := range 4 {
		s.Enqueue(sinkRecord(fmt.Sprintf("req-%d", i)))
	}

	// Fewer than batchSize records flush when the interval elapses.
	waitFor(t, func() bool { return store.stored() == 4 })
	if n := store.lastBatchSize(); n != 4 {
		t.Errorf("batch size = %d, want 4", n)
	}

	cancel()
	<-done
}

func TestSinkDuplicateFallback(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	if err := store.InsertEvent(context.Background(), sinkRecord("req-0")); err != nil {
		t.Fatal(err)
	}

	s := newTestSink(store, 100, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Batch contains the already-stored req-0: whole-batch insert fails,
	// per-record fallback salvages req-1 and req-2.
	for _, id := range []string{"req-0", "req-1", "req-2"} {
		s.Enqueue(sinkRecord(id))
	}

	waitFor(t, func() bool { return store.stored() == 3 })

	cancel()
	<-done

	if s.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0 (duplicates are skipped, not dropped)", s.Dropped())
	}
}

func TestSinkStorageOutageDropsBatch(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.batchErr = errors.New("database is locked")
	store.insertErr = errors.New("database is locked")

	s := newTestSink(store, 100, 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Enqueue(sinkRecord("req-0"))
	s.Enqueue(sinkRecord("req-1"))

	waitFor(t, func() bool { return s.Dropped() == 2 })

	cancel()
	<-done

	if store.stored() != 0 {
		t.Errorf("stored = %d, want 0", store.stored())
	}
}

func TestSinkDropOnFullQueue(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestSink(store, 2, 100, time.Hour) // workers not running

	for i := range 7 {
		s.Enqueue(sinkRecord(fmt.Sprintf("req-%d", i)))
	}

	if s.QueueLen() != 2 {
		t.Errorf("queue len = %d, want capacity 2", s.QueueLen())
	}
	if s.Dropped() != 5 {
		t.Errorf("dropped = %d, want 5", s.Dropped())
	}
}

func TestSinkDrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := newTestSink(store, 100, 1000, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := range 10 {
		s.Enqueue(sinkRecord(fmt.Sprintf("req-%d", i)))
	}
	// Give the worker a moment to pull from the channel, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if store.stored() != 10 {
		t.Errorf("stored = %d, want 10 after drain", store.stored())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
