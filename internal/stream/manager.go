// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hlsgate/hlsgate/internal/codec"
	"github.com/hlsgate/hlsgate/internal/lock"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/pipeline"
)

// State represents one stream's lifecycle position.
type State int32

const (
	StateQueued       State = iota // Admitted, waiting behind the startup gate
	StateStarting                  // Opening codecs, first grab in progress
	StateRunning                   // Frames flowing to disk
	StateReconnecting              // Pipeline down, backoff in progress
	StateStopped                   // Terminal: stop requested or finalized
	StateFailed                    // Terminal: recycle budget exhausted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ManagerConfig contains everything one stream's supervisor needs.
type ManagerConfig struct {
	Name      string // sanitized stream name
	RTSPURL   string
	OutputDir string // <HLS_ROOT>/<name>

	Adapter codec.Adapter

	// Gate is the single-permit startup gate shared by all streams; held
	// across codec open + first grab, plus the inter-start spacing.
	Gate *semaphore.Weighted

	// Pool bounds the number of concurrently running pipelines.
	Pool *semaphore.Weighted

	StartupDelay time.Duration
	TargetFPS    int

	// Recorder tunables, passed through to the codec adapter.
	SegmentSeconds int
	PlaylistWindow int
	CRF            int
	Preset         string
	MaxHeight      int

	Backoff *Backoff

	// MaxNullGrabs overrides the pipeline stall threshold; 0 keeps the
	// default.
	MaxNullGrabs int

	// StderrSink receives the decoder/encoder stderr for this stream
	// (typically a codec.RotatingWriter). Owned by the caller.
	StderrSink io.Writer

	Logger *slog.Logger
}

func (c *ManagerConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	if c.RTSPURL == "" {
		return fmt.Errorf("rtsp url cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.Adapter == nil {
		return fmt.Errorf("codec adapter cannot be nil")
	}
	if c.Gate == nil || c.Pool == nil {
		return fmt.Errorf("startup gate and worker pool cannot be nil")
	}
	if c.Backoff == nil {
		return fmt.Errorf("backoff policy cannot be nil")
	}
	if c.TargetFPS <= 0 {
		return fmt.Errorf("target fps must be positive")
	}
	return nil
}

// Manager supervises one stream: it owns the grabber/recorder pair for the
// stream's lifetime and wraps the pipeline in the auto-reconnect loop.
//
// State machine:
//
//	queued → starting → running ⟲
//	            ↓          ↓
//	         reconnecting (backoff) → starting
//	            ↓
//	         stopped / failed (terminal)
type Manager struct {
	cfg *ManagerConfig

	state    atomic.Int32
	stopFlag atomic.Bool

	// lastFrameNano is advanced by the pipeline on every valid frame and
	// read by the health scanner.
	lastFrameNano atomic.Int64

	// recycles counts health-scanner-initiated restarts since the last
	// frame was seen.
	recycles atomic.Int32

	stats *metrics.StreamStats

	mu        sync.Mutex
	runCancel context.CancelFunc

	done chan struct{}
}

// NewManager creates a supervisor for one stream, in StateQueued.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}

	m := &Manager{
		cfg:   cfg,
		stats: metrics.NewStreamStats(),
		done:  make(chan struct{}),
	}
	m.state.Store(int32(StateQueued))
	m.lastFrameNano.Store(time.Now().UnixNano())
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns the stream's cumulative counters.
func (m *Manager) Stats() *metrics.StreamStats {
	return m.stats
}

// LastFrameAt returns when the pipeline last saw a valid frame.
func (m *Manager) LastFrameAt() time.Time {
	return time.Unix(0, m.lastFrameNano.Load())
}

// Recycles returns the health scanner's restart count for this stream.
func (m *Manager) Recycles() int {
	return int(m.recycles.Load())
}

// ResetRecycles clears the recycle counter after frames were observed.
func (m *Manager) ResetRecycles() {
	m.recycles.Store(0)
}

// StopRequested reports whether Stop has been called.
func (m *Manager) StopRequested() bool {
	return m.stopFlag.Load()
}

// Done is closed once Run has returned and all codec handles are released.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run is the stream's long-lived supervisor loop. It blocks until the stop
// flag is set, the context is cancelled, or the manager is finalized.
//
// The loop itself reconnects forever — a camera that comes back after ten
// minutes of darkness should find its stream waiting. Only Stop and the
// health scanner's recycle budget end it.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	dirLock, err := lock.NewDirLock(m.cfg.OutputDir)
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("stream %s: %w", m.cfg.Name, err)
	}
	if err := dirLock.AcquireContext(ctx, 10*time.Second); err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("stream %s: output directory contended: %w", m.cfg.Name, err)
	}
	defer func() {
		if err := dirLock.Release(); err != nil {
			m.logError("failed to release output lock: %v", err)
		}
	}()

	for {
		if m.stopFlag.Load() || ctx.Err() != nil {
			m.setState(StateStopped)
			return nil
		}

		runCtx, cancel := context.WithCancel(ctx)
		m.setRunCancel(cancel)

		start := time.Now()
		err := m.runOnce(runCtx)
		runTime := time.Since(start)
		cancel()
		m.setRunCancel(nil)

		if m.stopFlag.Load() || ctx.Err() != nil {
			m.setState(StateStopped)
			return nil
		}

		// Pipeline exited without a stop request: reconnect.
		m.setState(StateReconnecting)

		delay := m.cfg.Backoff.Next()
		if err != nil {
			m.logEvent("stream_failure",
				"error", err.Error(),
				"run_duration", runTime.String(),
				"attempt", m.cfg.Backoff.Attempts(),
				"next_backoff", delay.String(),
			)
		} else {
			m.logEvent("stream_interrupted",
				"run_duration", runTime.String(),
				"next_backoff", delay.String(),
			)
		}

		if waitErr := m.cfg.Backoff.WaitContext(ctx, delay); waitErr != nil {
			m.setState(StateStopped)
			return nil
		}
	}
}

// runOnce performs one connect-pipeline cycle: gate, grabber, recorder,
// frame loop. All handles opened here are closed here, on every path.
func (m *Manager) runOnce(ctx context.Context) error {
	// Serialize codec init through the startup gate: burst-opening dozens
	// of decoders spikes memory and file descriptors. The stream stays
	// queued (or reconnecting) until the gate releases it.
	if err := m.cfg.Gate.Acquire(ctx, 1); err != nil {
		return err
	}

	m.setState(StateStarting)
	m.stats.StartAttempts.Add(1)
	resume := m.stats.StartAttempts.Load() > 1

	grabber, err := m.cfg.Adapter.OpenGrabber(ctx, m.cfg.RTSPURL, codec.GrabOptions{
		StderrSink: m.cfg.StderrSink,
		Logger:     m.cfg.Logger,
	})

	// Hold the permit for the spacing window even on failure, so a flapping
	// camera cannot defeat the start pacing.
	if m.cfg.StartupDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(m.cfg.StartupDelay):
		}
	}
	m.cfg.Gate.Release(1)

	if err != nil {
		return fmt.Errorf("open grabber: %w", err)
	}
	defer grabber.Close()

	info := grabber.Info()
	m.stats.SetSource(info.Width, info.Height, info.FPS, info.CodecName)

	recorder, err := m.cfg.Adapter.OpenRecorder(ctx, m.cfg.OutputDir, codec.RecordOptions{
		Width:          info.Width,
		Height:         info.Height,
		FPS:            m.cfg.TargetFPS,
		SegmentSeconds: m.cfg.SegmentSeconds,
		PlaylistWindow: m.cfg.PlaylistWindow,
		CRF:            m.cfg.CRF,
		Preset:         m.cfg.Preset,
		MaxHeight:      m.cfg.MaxHeight,
		Resume:         resume,
		StderrSink:     m.cfg.StderrSink,
		Logger:         m.cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("open recorder: %w", err)
	}
	defer recorder.Close()

	// A pool slot bounds how many pipelines decode concurrently.
	if err := m.cfg.Pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.cfg.Pool.Release(1)

	m.setState(StateRunning)
	m.lastFrameNano.Store(time.Now().UnixNano())
	m.cfg.Backoff.Reset()

	p := &pipeline.Pipeline{
		Name:          m.cfg.Name,
		Grabber:       grabber,
		Recorder:      recorder,
		TargetFPS:     m.cfg.TargetFPS,
		Stats:         m.stats,
		Stop:          &m.stopFlag,
		LastFrameNano: &m.lastFrameNano,
		MaxNullGrabs:  m.cfg.MaxNullGrabs,
		Logger:        m.cfg.Logger,
	}
	return p.Run(ctx)
}

// Stop sets the cooperative stop flag, cancels the current run, and waits up
// to timeout for the supervisor loop to exit. Cleanup proceeds regardless:
// a wedged decoder process must not hold Stop hostage.
func (m *Manager) Stop(timeout time.Duration) {
	if !m.stopFlag.CompareAndSwap(false, true) {
		return // stop already requested once; flag is set exactly once
	}
	m.cancelRun()

	select {
	case <-m.done:
	case <-time.After(timeout):
		m.logError("stop wait expired after %v, proceeding with cleanup", timeout)
	}
	m.setState(StateStopped)
}

// Recycle cancels the current pipeline run without setting the stop flag,
// so the supervisor loop reconnects after its usual backoff delay. Called by
// the health scanner when a stream is up but silent.
func (m *Manager) Recycle() int {
	n := int(m.recycles.Add(1))
	m.lastFrameNano.Store(time.Now().UnixNano())
	m.cancelRun()
	return n
}

// MarkFailed transitions the stream to its terminal failed state. Called by
// the health scanner when the recycle budget is exhausted; the caller still
// runs Stop for the actual teardown.
func (m *Manager) MarkFailed() {
	m.setState(StateFailed)
}

func (m *Manager) setState(s State) {
	// The first terminal state wins: a concurrent reconnect must not
	// resurrect a stream Stop declared dead, and a failed stream stays
	// failed through its teardown.
	for {
		cur := State(m.state.Load())
		if cur == StateStopped || cur == StateFailed {
			return
		}
		if m.state.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

func (m *Manager) setRunCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	m.runCancel = cancel
	m.mu.Unlock()
}

func (m *Manager) cancelRun() {
	m.mu.Lock()
	cancel := m.runCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) logEvent(event string, attrs ...any) {
	if m.cfg.Logger != nil {
		all := append([]any{"event", event, "stream", m.cfg.Name}, attrs...)
		m.cfg.Logger.Info("stream_event", all...)
	}
}

func (m *Manager) logError(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Error(fmt.Sprintf(format, args...), "stream", m.cfg.Name)
	}
}
