// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/hlsgate/hlsgate/internal/codec"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/stream"
)

// Status is the coarse public view of a stream's lifecycle.
type Status string

const (
	StatusNotFound Status = "NOT_FOUND"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopped  Status = "STOPPED"
)

// Start registers a stream and schedules its worker.
//
// The playlist path is derived, published into the registry, and returned
// synchronously — before any network or codec I/O — so callers observe a
// URL even while the stream is still connecting.
//
// Starting a name that is already registered is not an error: the existing
// path comes back unchanged and exactly one worker stays registered.
func (g *Gateway) Start(rtspURL, streamName string) (string, error) {
	if rtspURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	if g.shuttingDown.Load() {
		return "", ErrShuttingDown
	}

	name := stream.SanitizeName(streamName)
	path := playlistPath(name)

	g.mu.Lock()
	if existing, ok := g.streams[name]; ok {
		g.mu.Unlock()
		return existing.playlistPath, nil
	}
	if len(g.streams) >= g.cfg.Stream.MaxStreams {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %d streams registered", ErrCapacityExceeded, g.cfg.Stream.MaxStreams)
	}

	e, err := g.register(name, rtspURL, path)
	if err != nil {
		g.mu.Unlock()
		return "", err
	}
	// The cancel func must be in place before the entry is visible to Stop.
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g.mu.Unlock()

	g.spawnWorker(ctx, e)

	g.logf("stream %s admitted (queue position %d): %s -> %s", name, e.queuePos, rtspURL, path)
	return path, nil
}

// register builds and inserts an entry. Caller holds g.mu.
func (g *Gateway) register(name, rtspURL, path string) (*entry, error) {
	outputDir := g.outputDir(name)
	// #nosec G301 - segment directory is served by the static file server
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	e := &entry{
		name:         name,
		playlistPath: path,
		outputDir:    outputDir,
		queuePos:     g.queueSeq.Add(1),
	}

	if g.cfg.HLS.LogDir != "" {
		sink, err := codec.StderrLog(g.cfg.HLS.LogDir, name)
		if err != nil {
			return nil, fmt.Errorf("create stderr log: %w", err)
		}
		e.logSink = sink
	}

	mgr, err := stream.NewManager(&stream.ManagerConfig{
		Name:           name,
		RTSPURL:        rtspURL,
		OutputDir:      outputDir,
		Adapter:        g.adapter,
		Gate:           g.gate,
		Pool:           g.pool,
		StartupDelay:   g.cfg.Stream.StartupDelay,
		TargetFPS:      g.cfg.Stream.TargetFPS,
		SegmentSeconds: g.cfg.HLS.SegmentSeconds,
		PlaylistWindow: g.cfg.HLS.PlaylistWindow,
		CRF:            g.cfg.Encoder.CRF,
		Preset:         g.cfg.Encoder.Preset,
		MaxHeight:      g.cfg.Encoder.MaxHeight,
		Backoff:        stream.NewBackoff(g.cfg.Stream.ReconnectDelay, g.cfg.Stream.ReconnectCap),
		StderrSink:     e.logSink,
		Logger:         g.logger,
	})
	if err != nil {
		if e.logSink != nil {
			_ = e.logSink.Close()
		}
		return nil, err
	}
	e.manager = mgr

	g.streams[name] = e
	return e, nil
}

// Stop signals a stream to stop, waits briefly for a voluntary exit, and
// deletes its resources and on-disk segments. Unknown names are a no-op.
func (g *Gateway) Stop(streamName string) {
	name := stream.SanitizeName(streamName)

	g.mu.RLock()
	e, ok := g.streams[name]
	g.mu.RUnlock()
	if !ok {
		return
	}

	g.stopEntry(e, "stop requested")
}

// Status returns the coarse public view of a stream's lifecycle.
func (g *Gateway) Status(streamName string) Status {
	name := stream.SanitizeName(streamName)

	g.mu.RLock()
	e, ok := g.streams[name]
	g.mu.RUnlock()
	if !ok {
		return StatusNotFound
	}

	return publicStatus(e.manager.State())
}

// publicStatus collapses the internal state machine onto the public view.
func publicStatus(s stream.State) Status {
	switch s {
	case stream.StateQueued, stream.StateStarting:
		return StatusStarting
	case stream.StateRunning, stream.StateReconnecting:
		return StatusRunning
	default:
		return StatusStopped
	}
}

// Stats returns a stream's counters, or nil if the name is unknown.
func (g *Gateway) Stats(streamName string) *metrics.StatsView {
	name := stream.SanitizeName(streamName)

	g.mu.RLock()
	e, ok := g.streams[name]
	g.mu.RUnlock()
	if !ok {
		return nil
	}

	v := e.manager.Stats().View()
	return &v
}

// StreamSummary is one row of the stream listing.
type StreamSummary struct {
	Name         string            `json:"name"`
	Status       Status            `json:"status"`
	PlaylistPath string            `json:"playlist_path"`
	Stats        metrics.StatsView `json:"stats"`
}

// ListStreams returns a summary of every registered stream, sorted by name.
func (g *Gateway) ListStreams() []StreamSummary {
	g.mu.RLock()
	entries := make([]*entry, 0, len(g.streams))
	for _, e := range g.streams {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	out := make([]StreamSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, StreamSummary{
			Name:         e.name,
			Status:       publicStatus(e.manager.State()),
			PlaylistPath: e.playlistPath,
			Stats:        e.manager.Stats().View(),
		})
	}
	return out
}

// PlaylistPath returns a stream's published path, or "" if unknown.
func (g *Gateway) PlaylistPath(streamName string) string {
	name := stream.SanitizeName(streamName)

	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.streams[name]; ok {
		return e.playlistPath
	}
	return ""
}

// PoolStats describes worker pool occupancy.
type PoolStats struct {
	Active    int `json:"active"`
	Total     int `json:"total"`
	QueueSize int `json:"queue_size"`
}

// MemoryStats describes process memory against the host.
type MemoryStats struct {
	UsedMB      float64 `json:"used_mb"`
	MaxMB       float64 `json:"max_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CPUStats describes host and process CPU load.
type CPUStats struct {
	SystemLoad  float64 `json:"system_load"`
	ProcessLoad float64 `json:"process_load"`
}

// SystemStats is the gateway-wide view returned to operators.
type SystemStats struct {
	ActiveStreams int         `json:"active_streams"`
	QueueSize     int         `json:"queue_size"`
	Pool          PoolStats   `json:"pool"`
	Memory        MemoryStats `json:"memory"`
	CPU           *CPUStats   `json:"cpu,omitempty"`
}

// SystemStats reports registry occupancy, pool usage, and resource load.
func (g *Gateway) SystemStats() SystemStats {
	active, queued, running := g.census()

	s := SystemStats{
		ActiveStreams: active,
		QueueSize:     queued,
		Pool: PoolStats{
			Active:    running,
			Total:     g.cfg.Stream.WorkerThreads,
			QueueSize: queued,
		},
	}

	if sample, err := g.collector.Sample(); err == nil {
		s.Memory = MemoryStats{
			UsedMB:      sample.UsedMemoryMB,
			MaxMB:       sample.MaxMemoryMB,
			UsedPercent: sample.MemoryUsagePercent,
		}
		s.CPU = &CPUStats{
			SystemLoad:  sample.SystemCPULoad,
			ProcessLoad: sample.ProcessCPULoad,
		}
	}

	return s
}

// census counts registered, queued/starting, and running streams.
func (g *Gateway) census() (active, queued, running int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	active = len(g.streams)
	for _, e := range g.streams {
		switch e.manager.State() {
		case stream.StateQueued, stream.StateStarting:
			queued++
		case stream.StateRunning:
			running++
		}
	}
	return active, queued, running
}
