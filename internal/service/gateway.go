// SPDX-License-Identifier: MIT

// Package service assembles the stream supervisor into the gateway the HTTP
// layer calls: admission, the per-stream worker registry, the worker pool
// and startup gate, and the suture tree that runs the periodic tasks.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/semaphore"

	"github.com/hlsgate/hlsgate/internal/codec"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/health"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/stream"
	"github.com/hlsgate/hlsgate/internal/util"
)

// Admission failures surfaced to the caller.
var (
	// ErrCapacityExceeded means the registration cap is reached.
	ErrCapacityExceeded = errors.New("service: stream capacity exceeded")

	// ErrShuttingDown means no new streams are admitted.
	ErrShuttingDown = errors.New("service: shutting down")

	// ErrInvalidURL means the source URL failed validation at Start.
	ErrInvalidURL = errors.New("service: invalid rtsp url")
)

// Gateway owns the stream registry and everything that operates on it.
//
// Per-key ownership: each entry's manager is mutated only by its own worker
// goroutine; the gateway, health scanner, and memory governor observe and
// signal through the registry map and the managers' atomic fields.
type Gateway struct {
	cfg     *config.Config
	adapter codec.Adapter
	logger  *slog.Logger

	// gate serializes first-grabs; pool bounds concurrent pipelines.
	gate *semaphore.Weighted
	pool *semaphore.Weighted

	mu      sync.RWMutex
	streams map[string]*entry

	queueSeq     atomic.Int64
	shuttingDown atomic.Bool
	deadStreams  atomic.Int64
	activeRuns   atomic.Int64

	wg sync.WaitGroup

	tree      *suture.Supervisor
	collector *metrics.SystemCollector
}

// entry is one registered stream.
type entry struct {
	name         string
	playlistPath string
	outputDir    string
	manager      *stream.Manager
	logSink      io.WriteCloser
	queuePos     int64
	cancel       context.CancelFunc

	finalized atomic.Bool
}

// New builds a Gateway from configuration. The adapter is injectable so
// tests can substitute mock codecs; pass nil to use the ffmpeg adapter.
func New(cfg *config.Config, adapter codec.Adapter, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}
	if adapter == nil {
		adapter = codec.NewFFmpegAdapter(cfg.HLS.FFmpegPath, cfg.HLS.FFprobePath, logger)
	}

	collector, err := metrics.NewSystemCollector()
	if err != nil {
		return nil, fmt.Errorf("system collector: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		adapter:   adapter,
		logger:    logger,
		gate:      semaphore.NewWeighted(1),
		pool:      semaphore.NewWeighted(int64(cfg.Stream.WorkerThreads)),
		streams:   make(map[string]*entry),
		collector: collector,
	}

	g.tree = suture.New("hlsgate", suture.Spec{
		EventHook: g.sutureEvent,
	})
	g.tree.Add(&health.Scanner{
		Registry:    g,
		Interval:    cfg.Monitor.HealthCheckInterval,
		Timeout:     cfg.Monitor.StreamTimeout,
		MaxRecycles: cfg.Monitor.MaxHealthRecycles,
		Logger:      logger,
	})
	g.tree.Add(&health.Governor{
		Sampler:      collector,
		Evictor:      g,
		Interval:     cfg.Monitor.MemoryCheckInterval,
		WarnPercent:  cfg.Monitor.MemoryWarnPercent,
		EvictPercent: cfg.Monitor.MemoryEvictPercent,
		EvictCount:   cfg.Monitor.EvictCount,
		Logger:       logger,
	})
	g.tree.Add(&metrics.CSVLogger{
		Path:     cfg.Metrics.CSVPath,
		Interval: cfg.Metrics.CSVInterval,
		Provider: g,
		Logger:   logger,
	})

	return g, nil
}

// Run serves the periodic tasks and blocks until ctx is cancelled, then
// shuts the gateway down: periodic tasks stop first, every stream receives
// stop, and the worker pool drains within the shutdown grace period.
func (g *Gateway) Run(ctx context.Context) error {
	treeCtx, treeCancel := context.WithCancel(context.Background())
	errCh := g.tree.ServeBackground(treeCtx)

	<-ctx.Done()

	// Periodic tasks first: a health scan racing shutdown would fight the
	// stop loop over the same managers.
	treeCancel()
	treeErr := <-errCh

	g.shutdown()

	if treeErr != nil && !errors.Is(treeErr, context.Canceled) {
		return treeErr
	}
	return nil
}

// shutdown stops all streams and waits out the drain grace period.
func (g *Gateway) shutdown() {
	g.shuttingDown.Store(true)

	g.mu.RLock()
	entries := make([]*entry, 0, len(g.streams))
	for _, e := range g.streams {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	g.logf("shutdown: stopping %d streams", len(entries))

	var stopWG sync.WaitGroup
	for _, e := range entries {
		stopWG.Add(1)
		go func(e *entry) {
			defer stopWG.Done()
			g.stopEntry(e, "shutdown")
		}(e)
	}
	stopWG.Wait()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logf("shutdown: all workers drained")
	case <-time.After(g.cfg.Stream.ShutdownGrace):
		g.logf("shutdown: grace period expired with workers still live")
	}
}

// spawnWorker launches the supervisor goroutine for a registered entry.
func (g *Gateway) spawnWorker(ctx context.Context, e *entry) {
	g.wg.Add(1)
	util.SafeGo("stream-"+e.name, g.logger, func() {
		defer g.wg.Done()

		g.activeRuns.Add(1)
		defer g.activeRuns.Add(-1)

		err := e.manager.Run(ctx)
		if err != nil {
			g.logf("stream %s worker exited: %v", e.name, err)
		}

		// A worker that returned because of Stop or shutdown is finalized
		// by whoever requested the stop. Anything else (lock contention,
		// startup failure) is finalized here so the registry cannot hold a
		// zombie entry.
		if !e.manager.StopRequested() && ctx.Err() == nil {
			g.finalizeEntry(e, "worker exit")
		}
	}, func(any, []byte) {
		g.finalizeEntry(e, "worker panic")
	})
}

// stopEntry runs the full stop sequence for one entry. Idempotent.
func (g *Gateway) stopEntry(e *entry, reason string) {
	e.manager.Stop(g.cfg.Stream.StopTimeout)
	e.cancel()
	g.finalizeEntry(e, reason)
}

// finalizeEntry removes the entry from the registry and deletes its on-disk
// footprint. Exactly-once per entry.
func (g *Gateway) finalizeEntry(e *entry, reason string) {
	if !e.finalized.CompareAndSwap(false, true) {
		return
	}

	g.mu.Lock()
	// Guard against a name being re-registered while an old entry drains.
	if cur, ok := g.streams[e.name]; ok && cur == e {
		delete(g.streams, e.name)
	}
	g.mu.Unlock()

	// The worker has exited (or its stop wait expired); only now is the
	// segment directory safe to delete.
	if err := os.RemoveAll(e.outputDir); err != nil {
		g.logf("stream %s: failed to remove output dir: %v", e.name, err)
	}
	if e.logSink != nil {
		_ = e.logSink.Close()
	}
	if g.cfg.HLS.LogDir != "" {
		codec.RemoveStderrLogs(g.cfg.HLS.LogDir, e.name)
	}

	if e.manager.State() == stream.StateFailed {
		g.deadStreams.Add(1)
	}

	v := e.manager.Stats().View()
	g.logf("stream %s finalized (%s): read=%d encoded=%d skipped=%d errors=%d",
		e.name, reason, v.ReadFrames, v.EncodedFrames, v.SkippedFrames, v.Errors)
}

func (g *Gateway) sutureEvent(ev suture.Event) {
	if g.logger != nil {
		g.logger.Warn("supervision event", "event", ev.String())
	}
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Info(fmt.Sprintf(format, args...))
	}
}

// playlistPath derives the public URL path for a sanitized name.
func playlistPath(name string) string {
	return "/hls/" + name + "/stream.m3u8"
}

// outputDir derives the on-disk segment directory for a sanitized name.
func (g *Gateway) outputDir(name string) string {
	return filepath.Join(g.cfg.HLS.Root, name)
}
