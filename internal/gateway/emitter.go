package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	pulse "github.com/sgp/pulse/internal"
	"github.com/sgp/pulse/internal/config"
	"github.com/sgp/pulse/internal/telemetry"
)

const (
	emitterDrainTime = 5 * time.Second
	emitterRetries   = 3
	emitterBackoff   = 200 * time.Millisecond
	emitterLogEvery  = 1000
)

// TelemetryEmitter batches telemetry records and POSTs them to the analytics
// ingest endpoint. Emit never blocks the request path: the only contention
// point is a non-blocking channel send, and drops on a full queue are
// counted rather than surfaced.
type TelemetryEmitter struct {
	ch      chan *pulse.TelemetryRecord
	client  *http.Client
	url     string
	metrics *telemetry.Metrics

	batchSize  int
	flushEvery time.Duration

	dropped atomic.Int64
}

// NewTelemetryEmitter creates an emitter targeting cfg.AnalyticsURL.
func NewTelemetryEmitter(cfg config.EmitterConfig, client *http.Client, m *telemetry.Metrics) *TelemetryEmitter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TelemetryEmitter{
		ch:         make(chan *pulse.TelemetryRecord, cfg.QueueCapacity),
		client:     client,
		url:        cfg.AnalyticsURL + "/ingest/batch",
		metrics:    m,
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushInterval,
	}
}

// Name returns the worker identifier.
func (e *TelemetryEmitter) Name() string { return "telemetry_emitter" }

// Emit offers a record to the queue. Drops on full queue are counted and
// logged periodically.
func (e *TelemetryEmitter) Emit(r *pulse.TelemetryRecord) {
	select {
	case e.ch <- r:
		e.metrics.EmitterQueueLen.Set(float64(len(e.ch)))
	default:
		n := e.dropped.Add(1)
		e.metrics.EmitterDropped.Inc()
		if n%emitterLogEvery == 1 {
			slog.Warn("telemetry record dropped, emitter queue full", "dropped_total", n)
		}
	}
}

// Dropped returns the number of records dropped so far, whether from a full
// queue or exhausted flush retries.
func (e *TelemetryEmitter) Dropped() int64 { return e.dropped.Load() }

// QueueLen returns the current queue depth.
func (e *TelemetryEmitter) QueueLen() int { return len(e.ch) }

// Run drains the queue into batches until ctx is cancelled, then flushes
// what remains within a bounded drain window.
func (e *TelemetryEmitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.flushEvery)
	defer ticker.Stop()

	buf := make([]*pulse.TelemetryRecord, 0, e.batchSize)

	for {
		select {
		case r := <-e.ch:
			buf = append(buf, r)
			if len(buf) >= e.batchSize {
				e.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				e.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			e.drain(buf)
			return nil
		}
	}
}

func (e *TelemetryEmitter) drain(buf []*pulse.TelemetryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), emitterDrainTime)
	defer cancel()

	for {
		select {
		case r := <-e.ch:
			buf = append(buf, r)
			if len(buf) >= e.batchSize {
				e.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				e.flush(ctx, buf)
			}
			return
		}
	}
}

// flush POSTs one batch with exponential backoff. Client errors (4xx) are
// not retried; after the final attempt the batch is dropped and counted.
func (e *TelemetryEmitter) flush(ctx context.Context, buf []*pulse.TelemetryRecord) {
	body, err := json.Marshal(buf)
	if err != nil {
		slog.Error("marshal telemetry batch", "error", err)
		return
	}

	backoff := emitterBackoff
	for attempt := 1; attempt <= emitterRetries; attempt++ {
		err = e.post(ctx, body)
		if err == nil {
			return
		}
		if permanent(err) {
			break
		}
		if attempt < emitterRetries {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				attempt = emitterRetries
			}
		}
	}

	e.dropped.Add(int64(len(buf)))
	e.metrics.EmitterDropped.Add(float64(len(buf)))
	e.metrics.EmitterFlushFails.Inc()
	slog.LogAttrs(ctx, slog.LevelError, "telemetry flush failed, batch dropped",
		slog.Int("count", len(buf)),
		slog.String("error", err.Error()),
	)
}

// statusError marks a non-2xx ingest response; 4xx statuses are permanent.
type statusError int

func (s statusError) Error() string { return fmt.Sprintf("ingest returned status %d", int(s)) }

func permanent(err error) bool {
	s, ok := err.(statusError)
	return ok && s >= 400 && s < 500
}

func (e *TelemetryEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header["Content-Type"] = []string{"application/json"}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode)
	}
	return nil
}
