package gateway

import (
	"context"
	"encoding/json"
	"fmt"
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

// ingestStub records batches POSTed to the ingest endpoint.
type ingestStub struct {
	mu      sync.Mutex
	batches [][]pulse.TelemetryRecord
	status  atomic.Int32 // response status; 0 = 202
	calls   atomic.Int64
}

func (st *ingestStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st.calls.Add(1)
		if code := st.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		body, _ := io.ReadAll(r.Body)
		var batch []pulse.TelemetryRecord
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.batches = append(st.batches, batch)
		st.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (st *ingestStub) batchSizes() []int {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]int, len(st.batches))
	for i, b := range st.batches {
		out[i] = len(b)
	}
	return out
}

func (st *ingestStub) received() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for _, b := range st.batches {
		n += len(b)
	}
	return n
}

func newTestEmitter(url string, capacity, batchSize int, flushEvery time.Duration) *TelemetryEmitter {
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	return NewTelemetryEmitter(config.EmitterConfig{
		AnalyticsURL:  url,
		QueueCapacity: capacity,
		BatchSize:     batchSize,
		FlushInterval: flushEvery,
	}, &http.Client{Timeout: 2 * time.Second}, m)
}

func emitRecord(id string) *pulse.TelemetryRecord {
	return &pulse.TelemetryRecord{
		RequestID: id,
		Path:      "/api/users",
		Method:    "GET",
		Timestamp: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestEmitterFlushOnBatchSize(t *testing.T) {
	t.Parallel()
	stub := &ingestStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	e := newTestEmitter(srv.URL, 100, 5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := range 5 {
		e.Emit(emitRecord(fmt.Sprintf("req-%d", i)))
	}

	waitFor(t, func() bool { return stub.received() == 5 })
	if sizes := stub.batchSizes(); len(sizes) != 1 || sizes[0] != 5 {
		t.Errorf("batch sizes = %v, want [5]", sizes)
	}

	cancel()
	<-done
}

func TestEmitterFlushOnInterval(t *testing.T) {
	t.Parallel()
	stub := &ingestStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	e := newTestEmitter(srv.URL, 100, 1000, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := range 4 {
		e.Emit(emitRecord(fmt.Sprintf("req-%d", i)))
	}

	waitFor(t, func() bool { return stub.received() == 4 })
	if sizes := stub.batchSizes(); len(sizes) != 1 || sizes[0] != 4 {
		t.Errorf("batch sizes = %v, want [4]", sizes)
	}

	cancel()
	<-done
}

func TestEmitterDropOnFullQueue(t *testing.T) {
	t.Parallel()
	e := newTestEmitter("http://localhost:0", 3, 100, time.Hour) // worker not running

	for i := range 10 {
		e.Emit(emitRecord(fmt.Sprintf("req-%d", i)))
	}

	if e.QueueLen() != 3 {
		t.Errorf("queue len = %d, want capacity 3", e.QueueLen())
	}
	if e.Dropped() != 7 {
		t.Errorf("dropped = %d, want 7", e.Dropped())
	}
}

func TestEmitterRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	stub := &ingestStub{}
	stub.status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	e := newTestEmitter(srv.URL, 100, 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Emit(emitRecord("req-0"))
	e.Emit(emitRecord("req-1"))

	// First attempt fails; flip to success before the retry lands.
	waitFor(t, func() bool { return stub.calls.Load() >= 1 })
	stub.status.Store(0)

	waitFor(t, func() bool { return stub.received() == 2 })
	if e.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0 after successful retry", e.Dropped())
	}

	cancel()
	<-done
}

func TestEmitterNoRetryOnClientError(t *testing.T) {
	t.Parallel()
	stub := &ingestStub{}
	stub.status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	e := newTestEmitter(srv.URL, 100, 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Emit(emitRecord("req-0"))
	e.Emit(emitRecord("req-1"))

	waitFor(t, func() bool { return e.Dropped() == 2 })
	if n := stub.calls.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is permanent)", n)
	}

	cancel()
	<-done
}

func TestEmitterAnalyticsUnreachable(t *testing.T) {
	t.Parallel()
	// Closed port: every flush fails after retries and the batch is dropped.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := newTestEmitter(url, 100, 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Emit(emitRecord("req-0"))
	e.Emit(emitRecord("req-1"))

	waitFor(t, func() bool { return e.Dropped() == 2 })

	cancel()
	<-done
}

func TestEmitterDrainOnShutdown(t *testing.T) {
	t.Parallel()
	stub := &ingestStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	e := newTestEmitter(srv.URL, 100, 1000, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := range 10 {
		e.Emit(emitRecord(fmt.Sprintf("req-%d", i)))
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if stub.received() != 10 {
		t.Errorf("received = %d, want 10 after drain", stub.received())
	}
}
