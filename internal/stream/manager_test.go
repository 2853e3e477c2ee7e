// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hlsgate/hlsgate/internal/codec"
)

// testManagerConfig builds a ManagerConfig around a mock adapter with fast
// timings suitable for tests.
func testManagerConfig(t *testing.T, adapter *codec.MockAdapter) *ManagerConfig {
	t.Helper()
	return &ManagerConfig{
		Name:           "cam_test",
		RTSPURL:        "rtsp://mock/ok",
		OutputDir:      filepath.Join(t.TempDir(), "cam_test"),
		Adapter:        adapter,
		Gate:           semaphore.NewWeighted(1),
		Pool:           semaphore.NewWeighted(4),
		StartupDelay:   10 * time.Millisecond,
		TargetFPS:      10,
		SegmentSeconds: 4,
		PlaylistWindow: 3,
		CRF:            24,
		Preset:         "ultrafast",
		MaxHeight:      720,
		MaxNullGrabs:   20,
		Backoff:        NewBackoff(10*time.Millisecond, 100*time.Millisecond),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestManagerLifecycle(t *testing.T) {
	adapter := &codec.MockAdapter{
		Info: codec.StreamInfo{Width: 640, Height: 480, FPS: 50, CodecName: "h264"},
	}
	mgr, err := NewManager(testManagerConfig(t, adapter))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if mgr.State() != StateQueued {
		t.Errorf("initial state = %v, want queued", mgr.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return mgr.State() == StateRunning }, "running state")

	waitFor(t, 5*time.Second, func() bool {
		return mgr.Stats().ReadFrames.Load() >= 10
	}, "frames to flow")

	mgr.Stop(2 * time.Second)

	select {
	case <-mgr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if mgr.State() != StateStopped {
		t.Errorf("state after Stop = %v, want stopped", mgr.State())
	}
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}

	// Every codec handle and frame buffer must be back where it came from.
	if n := adapter.LiveFrames(); n != 0 {
		t.Errorf("live frames after stop = %d, want 0", n)
	}
	if n := adapter.OpenGrabbers(); n != 0 {
		t.Errorf("open grabbers after stop = %d, want 0", n)
	}
	if n := adapter.OpenRecorders(); n != 0 {
		t.Errorf("open recorders after stop = %d, want 0", n)
	}
}

func TestManagerSkipRatioAccounting(t *testing.T) {
	adapter := &codec.MockAdapter{
		// 50 fps source, 25 fps target: every second frame is encoded.
		Info: codec.StreamInfo{Width: 320, Height: 240, FPS: 50, CodecName: "h264"},
	}
	cfg := testManagerConfig(t, adapter)
	cfg.TargetFPS = 25

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	waitFor(t, 10*time.Second, func() bool {
		return mgr.Stats().ReadFrames.Load() >= 60
	}, "60 frames read")

	mgr.Stop(2 * time.Second)
	<-mgr.Done()

	v := mgr.Stats().View()
	wantEncoded := v.ReadFrames / 2
	diff := v.EncodedFrames - wantEncoded
	if diff < -2 || diff > 2 {
		t.Errorf("encoded = %d, want %d ± 2 (read %d)", v.EncodedFrames, wantEncoded, v.ReadFrames)
	}
	if v.EncodedFrames+v.SkippedFrames != v.ReadFrames {
		t.Errorf("encoded(%d) + skipped(%d) != read(%d)",
			v.EncodedFrames, v.SkippedFrames, v.ReadFrames)
	}
}

func TestManagerReconnectsAfterStall(t *testing.T) {
	adapter := &codec.MockAdapter{
		Info:       codec.StreamInfo{Width: 320, Height: 240, FPS: 50, CodecName: "h264"},
		FrameLimit: 1, // one frame, then nulls forever
	}
	mgr, err := NewManager(testManagerConfig(t, adapter))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	// The pipeline stalls after MaxNullGrabs empty grabs, the supervisor
	// backs off and reconnects.
	waitFor(t, 10*time.Second, func() bool {
		return mgr.Stats().StartAttempts.Load() >= 3
	}, "repeated reconnect attempts")

	mgr.Stop(2 * time.Second)
	<-mgr.Done()

	if n := adapter.LiveFrames(); n != 0 {
		t.Errorf("live frames after reconnect cycles = %d, want 0", n)
	}
}

func TestManagerRecycle(t *testing.T) {
	adapter := &codec.MockAdapter{
		Info: codec.StreamInfo{Width: 320, Height: 240, FPS: 50, CodecName: "h264"},
	}
	mgr, err := NewManager(testManagerConfig(t, adapter))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return mgr.State() == StateRunning }, "running state")

	if n := mgr.Recycle(); n != 1 {
		t.Errorf("Recycle() = %d, want 1", n)
	}

	// The cancelled run must come back on its own.
	waitFor(t, 5*time.Second, func() bool {
		return mgr.Stats().StartAttempts.Load() >= 2 && mgr.State() == StateRunning
	}, "pipeline restart after recycle")

	mgr.ResetRecycles()
	if mgr.Recycles() != 0 {
		t.Errorf("Recycles after reset = %d, want 0", mgr.Recycles())
	}

	mgr.Stop(2 * time.Second)
	<-mgr.Done()
}

func TestManagerSerializedFirstGrab(t *testing.T) {
	adapter := &codec.MockAdapter{
		Info:      codec.StreamInfo{Width: 320, Height: 240, FPS: 50, CodecName: "h264"},
		OpenDelay: 80 * time.Millisecond,
	}

	gate := semaphore.NewWeighted(1)
	pool := semaphore.NewWeighted(4)

	mgrs := make([]*Manager, 2)
	for i := range mgrs {
		cfg := testManagerConfig(t, adapter)
		cfg.Name = []string{"cam_a", "cam_b"}[i]
		cfg.OutputDir = filepath.Join(t.TempDir(), cfg.Name)
		cfg.Gate = gate
		cfg.Pool = pool
		cfg.StartupDelay = 40 * time.Millisecond

		mgr, err := NewManager(cfg)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		mgrs[i] = mgr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, m := range mgrs {
		go func(m *Manager) { _ = m.Run(ctx) }(m)
	}

	waitFor(t, 5*time.Second, func() bool {
		return mgrs[0].State() == StateRunning && mgrs[1].State() == StateRunning
	}, "both streams running")

	spans := adapter.OpenSpans()
	if len(spans) < 2 {
		t.Fatalf("expected at least 2 open spans, got %d", len(spans))
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })

	// The second open must begin only after the first completed: the gate
	// serializes codec init.
	if spans[1].Start.Before(spans[0].End) {
		t.Errorf("grabber opens overlap: first %v-%v, second started %v",
			spans[0].Start, spans[0].End, spans[1].Start)
	}

	for _, m := range mgrs {
		m.Stop(2 * time.Second)
		<-m.Done()
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	adapter := &codec.MockAdapter{
		Info: codec.StreamInfo{Width: 320, Height: 240, FPS: 50, CodecName: "h264"},
	}
	mgr, err := NewManager(testManagerConfig(t, adapter))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return mgr.State() == StateRunning }, "running state")

	done := make(chan struct{})
	go func() {
		mgr.Stop(2 * time.Second)
		mgr.Stop(2 * time.Second) // second call returns immediately
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("double Stop did not return")
	}
}

func TestManagerConfigValidation(t *testing.T) {
	adapter := &codec.MockAdapter{}

	tests := []struct {
		name   string
		mutate func(*ManagerConfig)
	}{
		{"empty name", func(c *ManagerConfig) { c.Name = "" }},
		{"empty url", func(c *ManagerConfig) { c.RTSPURL = "" }},
		{"empty output dir", func(c *ManagerConfig) { c.OutputDir = "" }},
		{"nil adapter", func(c *ManagerConfig) { c.Adapter = nil }},
		{"nil gate", func(c *ManagerConfig) { c.Gate = nil }},
		{"nil backoff", func(c *ManagerConfig) { c.Backoff = nil }},
		{"zero fps", func(c *ManagerConfig) { c.TargetFPS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testManagerConfig(t, adapter)
			tt.mutate(cfg)
			if _, err := NewManager(cfg); err == nil {
				t.Error("NewManager() = nil error, want validation failure")
			}
		})
	}
}
