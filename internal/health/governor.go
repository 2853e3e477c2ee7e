// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/hlsgate/hlsgate/internal/metrics"
)

// Sampler supplies resource readings.
type Sampler interface {
	Sample() (metrics.SystemSample, error)
}

// Evictor stops streams to reclaim memory. Returns the stopped names.
type Evictor interface {
	EvictOldest(n int) []string
}

// Governor watches process memory and intervenes at two watermarks: a GC
// hint at WarnPercent, and emergency eviction of the oldest streams at
// EvictPercent. Eviction is the order of last resort — the correctness of
// the surviving streams outranks completeness of capacity.
//
// Implements suture.Service.
type Governor struct {
	Sampler      Sampler
	Evictor      Evictor
	Interval     time.Duration
	WarnPercent  float64
	EvictPercent float64
	EvictCount   int
	Logger       *slog.Logger
}

// Serve runs memory checks until ctx ends.
func (g *Governor) Serve(ctx context.Context) error {
	interval := g.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Check()
		}
	}
}

// Check performs one reading. Exported so tests can drive ticks directly.
func (g *Governor) Check() {
	sample, err := g.Sampler.Sample()
	if err != nil {
		if g.Logger != nil {
			g.Logger.Error("memory sample failed", "error", err)
		}
		return
	}

	pct := sample.MemoryUsagePercent

	switch {
	case pct >= g.EvictPercent:
		if g.Logger != nil {
			g.Logger.Error("memory critical, evicting oldest streams",
				"used_percent", pct, "evict_count", g.EvictCount)
		}
		stopped := g.Evictor.EvictOldest(g.EvictCount)
		if g.Logger != nil {
			g.Logger.Error("emergency eviction complete", "stopped", stopped)
		}

	case pct >= g.WarnPercent:
		if g.Logger != nil {
			g.Logger.Warn("memory high, requesting GC", "used_percent", pct)
		}
		runtime.GC()
		debug.FreeOSMemory()
	}
}
