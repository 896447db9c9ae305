package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const watchdogLogPrefix = "session:watchdog"

// Watchdog calls fire when no activity has been recorded for idle. It keeps
// watching after firing, so a connection that stays silent is kicked again
// after another idle period.
type Watchdog struct {
	mu      sync.Mutex
	clock   clock.Clock
	idle    time.Duration
	fire    func()
	timer   *clock.Timer
	gen     uint64
	stopped bool
}

// NewWatchdog creates a stopped watchdog.
func NewWatchdog(clk clock.Clock, idle time.Duration, fire func()) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{clock: clk, idle: idle, fire: fire, stopped: true}
}

// Start arms the watchdog.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = false
	w.armLocked()
}

// Reset records activity and restarts the idle period.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.armLocked()
}

// Stop disarms the watchdog. A fire already in flight is discarded.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) armLocked() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
	}
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.idle, func() { w.expire(gen) })
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.armLocked()
	w.mu.Unlock()

	slog.Warn(fmt.Sprintf("%s - No activity for %s, forcing reconnect", watchdogLogPrefix, w.idle))
	w.fire()
}
