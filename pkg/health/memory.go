// Package health watches the agent's own resource usage.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/procfs"
)

const logPrefix = "health:memory"

// ErrMemoryCeiling is returned by MemoryGuard.Run when the agent exceeded its
// memory ceiling and stopped accepting commands.
var ErrMemoryCeiling = errors.New("memory ceiling exceeded")

// MemoryGuard samples resident memory every Interval. Once a sample is above
// Ceiling it asks Quiesce to stop the agent from taking new commands; Quiesce
// refuses while commands are running, and the guard retries on the next tick.
type MemoryGuard struct {
	Ceiling  uint64
	Interval time.Duration
	Sample   func() (uint64, error)
	Quiesce  func() bool
	Clock    clock.Clock
}

// Run blocks until ctx ends (returning nil) or the ceiling is hit and the
// agent was quiesced. A zero Ceiling disables the check.
func (g *MemoryGuard) Run(ctx context.Context) error {
	if g.Ceiling == 0 {
		<-ctx.Done()
		return nil
	}
	clk := g.Clock
	if clk == nil {
		clk = clock.New()
	}
	sample := g.Sample
	if sample == nil {
		sample = ResidentMemory
	}

	ticker := clk.Ticker(g.Interval)
	defer ticker.Stop()
	slog.Info(fmt.Sprintf("%s - Watching resident memory every %s (ceiling %d MiB)", logPrefix, g.Interval, g.Ceiling>>20))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		rss, err := sample()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Could not sample memory: %v", logPrefix, err))
			continue
		}
		if rss <= g.Ceiling {
			continue
		}
		if !g.Quiesce() {
			slog.Warn(fmt.Sprintf("%s - Resident memory %d MiB over ceiling, waiting for running commands", logPrefix, rss>>20))
			continue
		}
		slog.Error(fmt.Sprintf("%s - Resident memory %d MiB over ceiling %d MiB, stopping", logPrefix, rss>>20, g.Ceiling>>20))
		return fmt.Errorf("%s - %w: %d > %d bytes", logPrefix, ErrMemoryCeiling, rss, g.Ceiling)
	}
}

// ResidentMemory returns the resident set size of the current process.
func ResidentMemory() (uint64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("%s - open self: %w", logPrefix, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("%s - read stat: %w", logPrefix, err)
	}
	return uint64(stat.ResidentMemory()), nil
}
