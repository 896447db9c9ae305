package supervisor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FlushPolicy controls when partial results are emitted while a child runs.
type FlushPolicy struct {
	// MinBytes of new live output arm a size-triggered flush.
	MinBytes int
	// MinInterval is the shortest gap between two size-triggered flushes.
	MinInterval time.Duration
	// ForceInterval bounds the gap between any two flushes.
	ForceInterval time.Duration
}

// Flusher debounces partial flushes for one invocation. It owns a single
// timer: the next scheduled flush, either debounced or forced. Re-arming
// replaces the previous timer.
type Flusher struct {
	mu     sync.Mutex
	clock  clock.Clock
	policy FlushPolicy
	emit   func()

	pending int
	last    time.Time
	timer   *clock.Timer
	gen     uint64
	closed  bool
}

// NewFlusher returns a stopped flusher that calls emit for every flush.
// emit runs with the flusher locked, so it never overlaps Stop.
func NewFlusher(clk clock.Clock, policy FlushPolicy, emit func()) *Flusher {
	if clk == nil {
		clk = clock.New()
	}
	return &Flusher{clock: clk, policy: policy, emit: emit}
}

// Start arms the forced flush timer.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = f.clock.Now()
	f.arm(f.policy.ForceInterval)
}

// Observe records n new live bytes and flushes or schedules a flush.
func (f *Flusher) Observe(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pending += n
	if f.pending < f.policy.MinBytes {
		return
	}
	since := f.clock.Since(f.last)
	if since >= f.policy.MinInterval {
		f.flushLocked()
		return
	}
	f.arm(f.policy.MinInterval - since)
}

// Stop cancels the pending timer. After Stop returns no further flush is emitted.
func (f *Flusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Flusher) arm(d time.Duration) {
	if d <= 0 {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.gen++
	gen := f.gen
	f.timer = f.clock.AfterFunc(d, func() { f.fire(gen) })
}

func (f *Flusher) fire(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A timer that was replaced or stopped may still run its func.
	if f.closed || gen != f.gen {
		return
	}
	f.flushLocked()
}

func (f *Flusher) flushLocked() {
	f.pending = 0
	f.last = f.clock.Now()
	f.arm(f.policy.ForceInterval)
	f.emit()
}
