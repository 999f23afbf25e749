// Package circuitbreaker tracks upstream health per route and short-circuits
// forwarding to backends whose recent error rate crossed a threshold. A
// rejected request costs a state check instead of a connect-plus-timeout
// round trip to a backend that is already down.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker state machine position.
type State int

const (
	// StateClosed forwards all requests.
	StateClosed State = iota
	// StateOpen rejects all requests until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a single probe request through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the trip parameters shared by every breaker in a registry.
type Config struct {
	ErrorThreshold float64       // weighted error rate that trips the breaker
	MinSamples     int           // requests required in the window before tripping
	WindowSeconds  int           // sliding window length, capped at 60
	OpenTimeout    time.Duration // how long OPEN lasts before a probe is allowed
}

// DefaultConfig trips at a 30% weighted error rate over a minute, with at
// least ten requests observed, and probes after thirty seconds open.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// bucket accumulates one second of outcomes.
type bucket struct {
	errors float64
	total  int
}

// slidingWindow is a ring of per-second buckets. The backing array is fixed
// so advancing the window never allocates.
type slidingWindow struct {
	buckets  [60]bucket
	size     int
	head     int
	headTime int64 // unix seconds of the head bucket
}

func newSlidingWindow(windowSeconds int) slidingWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return slidingWindow{size: windowSeconds}
}

// advance rotates the head to the current second, zeroing buckets that fell
// out of the window.
func (w *slidingWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	expired := min(int(gap), w.size)
	for i := range expired {
		w.buckets[(w.head+1+i)%w.size] = bucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

// record adds one request outcome. Weight zero is a success.
func (w *slidingWindow) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

// errorRate returns the weighted error rate and the sample count currently
// inside the window.
func (w *slidingWindow) errorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.buckets[i].errors
		total += w.buckets[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *slidingWindow) reset() {
	for i := range w.size {
		w.buckets[i] = bucket{}
	}
	w.head = 0
	w.headTime = 0
}

// Breaker guards a single upstream route.
type Breaker struct {
	mu          sync.Mutex
	state       State
	window      slidingWindow
	openedAt    time.Time
	probing     bool // a half-open probe is in flight
	threshold   float64
	minSamples  int
	openTimeout time.Duration
}

// NewBreaker creates a closed breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		state:       StateClosed,
		window:      newSlidingWindow(cfg.WindowSeconds),
		threshold:   cfg.ErrorThreshold,
		minSamples:  cfg.MinSamples,
		openTimeout: cfg.OpenTimeout,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow reports whether a request may be forwarded. While open it returns
// false until the open timeout elapses, then admits exactly one probe.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful exchange. A successful half-open probe
// closes the breaker and clears the window.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.record(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.window.reset()
	}
}

// RecordError notes a failed exchange with the given weight. Weight zero
// counts toward the sample total without moving the error rate, so client
// errors dilute rather than trip.
func (b *Breaker) RecordError(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.errorRate(now)
		if samples >= b.minSamples && rate >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}
