// SPDX-License-Identifier: MIT

package service

import (
	"sort"
	"time"

	"github.com/hlsgate/hlsgate/internal/health"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/stream"
)

// healthTarget adapts one entry to the scanner's view.
type healthTarget struct {
	e *entry
}

func (t healthTarget) Name() string           { return t.e.name }
func (t healthTarget) LastFrameAt() time.Time { return t.e.manager.LastFrameAt() }
func (t healthTarget) ReadFrames() int64      { return t.e.manager.Stats().ReadFrames.Load() }
func (t healthTarget) Recycle() int           { return t.e.manager.Recycle() }
func (t healthTarget) ResetRecycles()         { t.e.manager.ResetRecycles() }

// HealthTargets implements health.Registry. Only streams whose worker is
// actually up are scanned; queued and stopping streams are not the
// scanner's business.
func (g *Gateway) HealthTargets() []health.Target {
	g.mu.RLock()
	defer g.mu.RUnlock()

	targets := make([]health.Target, 0, len(g.streams))
	for _, e := range g.streams {
		switch e.manager.State() {
		case stream.StateRunning, stream.StateReconnecting, stream.StateStarting:
			targets = append(targets, healthTarget{e: e})
		}
	}
	return targets
}

// FinalizeDead implements health.Registry: the scanner exhausted a stream's
// recycle budget and it must go away for good.
func (g *Gateway) FinalizeDead(name string) {
	g.mu.RLock()
	e, ok := g.streams[name]
	g.mu.RUnlock()
	if !ok {
		return
	}

	e.manager.MarkFailed()
	g.stopEntry(e, "recycle budget exhausted")
}

// EvictOldest implements health.Evictor: stop the n longest-running streams
// to shed memory. Returns the stopped names.
func (g *Gateway) EvictOldest(n int) []string {
	g.mu.RLock()
	entries := make([]*entry, 0, len(g.streams))
	for _, e := range g.streams {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].manager.Stats().StartTime().Before(entries[j].manager.Stats().StartTime())
	})

	if n > len(entries) {
		n = len(entries)
	}

	stopped := make([]string, 0, n)
	for _, e := range entries[:n] {
		g.stopEntry(e, "emergency memory eviction")
		stopped = append(stopped, e.name)
	}
	return stopped
}

// HealthStreams implements health.StatusProvider for /healthz and /metrics.
func (g *Gateway) HealthStreams() []health.StreamInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]health.StreamInfo, 0, len(g.streams))
	now := time.Now()
	for _, e := range g.streams {
		st := e.manager.State()
		v := e.manager.Stats().View()
		out = append(out, health.StreamInfo{
			Name:          e.name,
			State:         st.String(),
			Uptime:        now.Sub(v.StartTime),
			Healthy:       st == stream.StateRunning,
			Recycles:      e.manager.Recycles(),
			ReadFrames:    v.ReadFrames,
			EncodedFrames: v.EncodedFrames,
			Errors:        v.Errors,
			CurrentFPS:    v.CurrentFPS,
		})
	}
	return out
}

// MetricsSnapshot implements metrics.SnapshotProvider for the CSV logger.
func (g *Gateway) MetricsSnapshot() metrics.Snapshot {
	active, queued, running := g.census()

	s := metrics.Snapshot{
		Timestamp:     time.Now(),
		ActiveStreams: active,
		WorkerThreads: g.cfg.Stream.WorkerThreads,
		ActiveThreads: running,
		QueueSize:     queued,
		DeadStreams:   g.deadStreams.Load(),
	}

	g.mu.RLock()
	for _, e := range g.streams {
		st := e.manager.Stats()
		s.TotalReadFrames += st.ReadFrames.Load()
		s.TotalEncodedFrames += st.EncodedFrames.Load()
		s.TotalErrors += st.Errors.Load()
	}
	g.mu.RUnlock()

	if sample, err := g.collector.Sample(); err == nil {
		s.UsedMemoryMB = sample.UsedMemoryMB
		s.MaxMemoryMB = sample.MaxMemoryMB
		s.MemoryUsagePercent = sample.MemoryUsagePercent
		s.SystemCPULoad = sample.SystemCPULoad
		s.ProcessCPULoad = sample.ProcessCPULoad
	}

	return s
}
