package dispatcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const runningLogPrefix = "dispatcher:running"

type runningEntry struct {
	token   uint64
	expires time.Time
}

// RunningTable allows at most one live invocation per command name. An entry
// whose expiry has passed is treated as abandoned and evicted by the next
// Acquire for the same name.
type RunningTable struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]runningEntry
	next    uint64
}

// NewRunningTable creates an empty table.
func NewRunningTable(clk clock.Clock) *RunningTable {
	if clk == nil {
		clk = clock.New()
	}
	return &RunningTable{clock: clk, entries: map[string]runningEntry{}}
}

// Acquire claims command for ttl. It returns a token identifying this
// invocation, or false when a live entry already holds the name.
func (t *RunningTable) Acquire(command string, ttl time.Duration) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if e, ok := t.entries[command]; ok {
		if now.Before(e.expires) {
			return 0, false
		}
		slog.Warn(fmt.Sprintf("%s - Evicting stale entry for %s (expired %s ago)", runningLogPrefix, command, now.Sub(e.expires)))
	}

	t.next++
	t.entries[command] = runningEntry{token: t.next, expires: now.Add(ttl)}
	return t.next, true
}

// Release removes the entry for command if it still belongs to token. An
// invocation whose entry was evicted and re-acquired must not free the
// newer invocation's slot.
func (t *RunningTable) Release(command string, token uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[command]
	if !ok || e.token != token {
		return false
	}
	delete(t.entries, command)
	return true
}

// Running reports whether command holds a live entry.
func (t *RunningTable) Running(command string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[command]
	return ok && t.clock.Now().Before(e.expires)
}

// Len returns the number of entries, stale ones included.
func (t *RunningTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
