// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CSVHeader is the frozen column set. Downstream tooling parses rows by
// position; never reorder or extend it.
const CSVHeader = "Timestamp,ActiveStreams,WorkerThreads,ActiveThreads,QueueSize," +
	"UsedMemoryMB,MaxMemoryMB,MemoryUsagePercent," +
	"SystemCPULoad,ProcessCPULoad,TotalReadFrames,TotalEncodedFrames," +
	"TotalErrors,DeadStreams"

// Snapshot is one row's worth of gateway-wide numbers.
type Snapshot struct {
	Timestamp          time.Time
	ActiveStreams      int
	WorkerThreads      int
	ActiveThreads      int
	QueueSize          int
	UsedMemoryMB       float64
	MaxMemoryMB        float64
	MemoryUsagePercent float64
	SystemCPULoad      float64
	ProcessCPULoad     float64
	TotalReadFrames    int64
	TotalEncodedFrames int64
	TotalErrors        int64
	DeadStreams        int64
}

// Row renders the snapshot in header order.
func (s Snapshot) Row() string {
	return fmt.Sprintf("%s,%d,%d,%d,%d,%.1f,%.1f,%.1f,%.1f,%.1f,%d,%d,%d,%d",
		s.Timestamp.Format(time.RFC3339),
		s.ActiveStreams,
		s.WorkerThreads,
		s.ActiveThreads,
		s.QueueSize,
		s.UsedMemoryMB,
		s.MaxMemoryMB,
		s.MemoryUsagePercent,
		s.SystemCPULoad,
		s.ProcessCPULoad,
		s.TotalReadFrames,
		s.TotalEncodedFrames,
		s.TotalErrors,
		s.DeadStreams,
	)
}

// SnapshotProvider supplies rows; the gateway implements it.
type SnapshotProvider interface {
	MetricsSnapshot() Snapshot
}

// CSVLogger appends a snapshot row on a fixed cadence. It implements
// suture.Service via Serve.
type CSVLogger struct {
	Path     string
	Interval time.Duration
	Provider SnapshotProvider
	Logger   *slog.Logger
}

// Serve appends one row per interval until ctx is cancelled. A missing file
// (first run, or log shipped away mid-flight) gets the header rewritten.
func (l *CSVLogger) Serve(ctx context.Context) error {
	if l.Path == "" || l.Provider == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := l.Interval
	if interval <= 0 {
		interval = 3 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Append(l.Provider.MetricsSnapshot()); err != nil && l.Logger != nil {
				l.Logger.Error("csv append failed", "path", l.Path, "error", err)
			}
		}
	}
}

// Append writes one row, creating the file with its header if needed.
func (l *CSVLogger) Append(s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}

	writeHeader := false
	if info, err := os.Stat(l.Path); err != nil || info.Size() == 0 {
		writeHeader = true
	}

	// #nosec G304 - path from validated configuration
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open metrics csv: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	if writeHeader {
		b.WriteString(CSVHeader)
		b.WriteByte('\n')
	}
	b.WriteString(s.Row())
	b.WriteByte('\n')

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append metrics row: %w", err)
	}
	return nil
}
