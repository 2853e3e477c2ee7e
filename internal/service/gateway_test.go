// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hlsgate/hlsgate/internal/codec"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/health"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// koanf's file provider and gopsutil keep no goroutines; suture
		// trees are cancelled by the tests that start them.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// testConfig returns a config tuned for fast tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HLS.Root = filepath.Join(t.TempDir(), "hls")
	cfg.Stream.StartupDelay = 5 * time.Millisecond
	cfg.Stream.StopTimeout = 500 * time.Millisecond
	cfg.Stream.ShutdownGrace = 2 * time.Second
	cfg.Stream.ReconnectDelay = 10 * time.Millisecond
	cfg.Stream.ReconnectCap = 50 * time.Millisecond
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, adapter *codec.MockAdapter) *Gateway {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	if adapter == nil {
		adapter = &codec.MockAdapter{
			Info: codec.StreamInfo{Width: 640, Height: 480, FPS: 50, CodecName: "h264"},
		}
	}
	gw, err := New(cfg, adapter, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return gw
}

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

func TestStartReturnsPlaylistPathSynchronously(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg, nil)
	defer gw.Stop("cam_1")

	path, err := gw.Start("rtsp://mock/ok", "cam_1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if path != "/hls/cam_1/stream.m3u8" {
		t.Errorf("path = %q, want /hls/cam_1/stream.m3u8", path)
	}

	// The output directory exists before any frame has flowed.
	if _, err := os.Stat(filepath.Join(cfg.HLS.Root, "cam_1")); err != nil {
		t.Errorf("output directory missing right after Start: %v", err)
	}

	// The path is observable while the stream is still starting.
	if got := gw.PlaylistPath("cam_1"); got != path {
		t.Errorf("PlaylistPath = %q, want %q", got, path)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	gw := newTestGateway(t, nil, nil)
	defer gw.Stop("cam_1")

	first, err := gw.Start("rtsp://mock/ok", "cam_1")
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	second, err := gw.Start("rtsp://mock/ok", "cam_1")
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}

	if active, _, _ := gw.census(); active != 1 {
		t.Errorf("registered streams = %d, want exactly 1", active)
	}
}

var safePath = regexp.MustCompile(`^/hls/[A-Za-z0-9_-]+/stream\.m3u8$`)

func TestStartSanitizesNames(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	tests := []struct {
		input string
		want  string
	}{
		{"cam_1", "/hls/cam_1/stream.m3u8"},
		{"cam/../bad name", "/hls/cam____bad_name/stream.m3u8"},
		{"front door", "/hls/front_door/stream.m3u8"},
	}

	for _, tt := range tests {
		path, err := gw.Start("rtsp://mock/ok", tt.input)
		if err != nil {
			t.Fatalf("Start(%q) error = %v", tt.input, err)
		}
		if path != tt.want {
			t.Errorf("Start(%q) path = %q, want %q", tt.input, path, tt.want)
		}
		if !safePath.MatchString(path) {
			t.Errorf("path %q violates the safe-path shape", path)
		}
		gw.Stop(tt.input)
	}
}

func TestCapacityGate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.MaxStreams = 3
	gw := newTestGateway(t, cfg, nil)

	for i := 0; i < 3; i++ {
		if _, err := gw.Start("rtsp://mock/ok", fmt.Sprintf("cam_%d", i)); err != nil {
			t.Fatalf("Start %d error = %v", i, err)
		}
	}

	if _, err := gw.Start("rtsp://mock/ok", "cam_overflow"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Start over capacity error = %v, want ErrCapacityExceeded", err)
	}

	// One Stop frees one slot.
	gw.Stop("cam_0")
	waitFor(t, 5*time.Second, func() bool {
		return gw.Status("cam_0") == StatusNotFound
	}, "cam_0 to be finalized")

	if _, err := gw.Start("rtsp://mock/ok", "cam_new"); err != nil {
		t.Errorf("Start after Stop error = %v, want success", err)
	}

	for _, name := range []string{"cam_1", "cam_2", "cam_new"} {
		gw.Stop(name)
	}
}

func TestStartValidation(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	if _, err := gw.Start("", "cam_1"); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("Start with empty URL error = %v, want ErrInvalidURL", err)
	}
	if gw.Status("cam_1") != StatusNotFound {
		t.Error("failed Start must register nothing")
	}
}

func TestStopReleasesEverything(t *testing.T) {
	cfg := testConfig(t)
	adapter := &codec.MockAdapter{
		Info: codec.StreamInfo{Width: 640, Height: 480, FPS: 50, CodecName: "h264"},
	}
	gw := newTestGateway(t, cfg, adapter)

	if _, err := gw.Start("rtsp://mock/ok", "cam_x"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		s := gw.Stats("cam_x")
		return s != nil && s.ReadFrames > 5
	}, "frames to flow")

	start := time.Now()
	gw.Stop("cam_x")
	if elapsed := time.Since(start); elapsed > 3500*time.Millisecond {
		t.Errorf("Stop took %v, want under 3.5s", elapsed)
	}

	if gw.Status("cam_x") != StatusNotFound {
		t.Errorf("Status after Stop = %v, want NOT_FOUND", gw.Status("cam_x"))
	}

	dir := filepath.Join(cfg.HLS.Root, "cam_x")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("output directory %s still exists after Stop", dir)
	}

	if n := adapter.LiveFrames(); n != 0 {
		t.Errorf("live frames after Stop = %d, want 0", n)
	}
	if adapter.OpenGrabbers() != 0 || adapter.OpenRecorders() != 0 {
		t.Error("codec handles still open after Stop")
	}
}

func TestStopUnknownStreamIsNoop(t *testing.T) {
	gw := newTestGateway(t, nil, nil)
	gw.Stop("never_started") // must not panic or block
}

func TestImmediateStopAfterStart(t *testing.T) {
	cfg := testConfig(t)
	adapter := &codec.MockAdapter{
		Info:      codec.StreamInfo{Width: 640, Height: 480, FPS: 50, CodecName: "h264"},
		OpenDelay: 50 * time.Millisecond,
	}
	gw := newTestGateway(t, cfg, adapter)

	if _, err := gw.Start("rtsp://mock/ok", "cam_quick"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond) // stop lands mid-startup

	start := time.Now()
	gw.Stop("cam_quick")
	if elapsed := time.Since(start); elapsed > 3500*time.Millisecond {
		t.Errorf("Stop took %v, want under 3.5s", elapsed)
	}

	waitFor(t, 5*time.Second, func() bool {
		return adapter.OpenGrabbers() == 0 && adapter.OpenRecorders() == 0 && adapter.LiveFrames() == 0
	}, "all codec handles released")

	dir := filepath.Join(cfg.HLS.Root, "cam_quick")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("output directory %s still exists", dir)
	}
}

func TestStatusTransitions(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	if gw.Status("cam_s") != StatusNotFound {
		t.Error("unknown stream should be NOT_FOUND")
	}

	if _, err := gw.Start("rtsp://mock/ok", "cam_s"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return gw.Status("cam_s") == StatusRunning
	}, "running status")

	v := gw.Stats("cam_s")
	if v == nil {
		t.Fatal("Stats() = nil for a running stream")
	}
	if v.Width != 640 || v.Height != 480 {
		t.Errorf("stats resolution = %dx%d, want 640x480", v.Width, v.Height)
	}

	gw.Stop("cam_s")
	if gw.Status("cam_s") != StatusNotFound {
		t.Error("stopped stream should be NOT_FOUND")
	}
}

// TestHealthEviction drives the scanner against a source that connects but
// never produces a frame: after the recycle budget the stream is finalized
// and its registry entry removed.
func TestHealthEviction(t *testing.T) {
	cfg := testConfig(t)
	adapter := &codec.MockAdapter{
		Info:       codec.StreamInfo{Width: 640, Height: 480, FPS: 50, CodecName: "h264"},
		FrameLimit: -1, // connects, then total silence
	}
	gw := newTestGateway(t, cfg, adapter)

	if _, err := gw.Start("rtsp://mock/silent", "cam_dead"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return gw.Status("cam_dead") == StatusRunning
	}, "silent stream to reach its pipeline")

	scanner := &health.Scanner{
		Registry:    gw,
		Timeout:     30 * time.Millisecond,
		MaxRecycles: 3,
	}

	deadline := time.Now().Add(10 * time.Second)
	for gw.Status("cam_dead") != StatusNotFound && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond) // let the recycle's timestamp reset age out
		scanner.Scan()
	}

	if got := gw.Status("cam_dead"); got != StatusNotFound {
		t.Fatalf("Status after recycle budget = %v, want NOT_FOUND", got)
	}

	waitFor(t, 5*time.Second, func() bool {
		return adapter.OpenGrabbers() == 0 && adapter.LiveFrames() == 0
	}, "codec handles released after finalization")
}

func TestEvictOldestStopsLongestRunning(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := gw.Start("rtsp://mock/ok", fmt.Sprintf("cam_%d", i)); err != nil {
			t.Fatalf("Start %d error = %v", i, err)
		}
		time.Sleep(10 * time.Millisecond) // distinct start times
	}

	stopped := gw.EvictOldest(2)
	if len(stopped) != 2 {
		t.Fatalf("EvictOldest(2) stopped %v", stopped)
	}
	if stopped[0] != "cam_0" || stopped[1] != "cam_1" {
		t.Errorf("evicted %v, want the two oldest [cam_0 cam_1]", stopped)
	}

	if gw.Status("cam_2") == StatusNotFound {
		t.Error("youngest stream must survive eviction")
	}
	gw.Stop("cam_2")
}

func TestMetricsSnapshotTotals(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	if _, err := gw.Start("rtsp://mock/ok", "cam_m"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		s := gw.Stats("cam_m")
		return s != nil && s.ReadFrames > 10
	}, "frames to accumulate")

	snap := gw.MetricsSnapshot()
	if snap.ActiveStreams != 1 {
		t.Errorf("active streams = %d, want 1", snap.ActiveStreams)
	}
	if snap.WorkerThreads != gw.cfg.Stream.WorkerThreads {
		t.Errorf("worker threads = %d, want %d", snap.WorkerThreads, gw.cfg.Stream.WorkerThreads)
	}
	if snap.TotalReadFrames == 0 {
		t.Error("total read frames = 0 with a running stream")
	}

	gw.Stop("cam_m")
}

func TestShutdownRejectsNewStreams(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	if _, err := gw.Start("rtsp://mock/ok", "cam_z"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := gw.Start("rtsp://mock/ok", "cam_late"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start after shutdown error = %v, want ErrShuttingDown", err)
	}
	if gw.Status("cam_z") != StatusNotFound {
		t.Error("streams must be finalized during shutdown")
	}
}

func TestListStreams(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	if got := gw.ListStreams(); len(got) != 0 {
		t.Fatalf("ListStreams() on empty gateway = %v, want empty", got)
	}

	for _, name := range []string{"cam_b", "cam_a"} {
		if _, err := gw.Start("rtsp://mock/ok", name); err != nil {
			t.Fatalf("Start(%s) error = %v", name, err)
		}
	}

	list := gw.ListStreams()
	if len(list) != 2 {
		t.Fatalf("ListStreams() returned %d entries, want 2", len(list))
	}
	if list[0].Name != "cam_a" || list[1].Name != "cam_b" {
		t.Errorf("listing not sorted by name: %q, %q", list[0].Name, list[1].Name)
	}
	for _, s := range list {
		if s.PlaylistPath != "/hls/"+s.Name+"/stream.m3u8" {
			t.Errorf("stream %s playlist path = %q", s.Name, s.PlaylistPath)
		}
		if s.Status != StatusStarting && s.Status != StatusRunning {
			t.Errorf("stream %s status = %v, want STARTING or RUNNING", s.Name, s.Status)
		}
	}

	gw.Stop("cam_a")
	gw.Stop("cam_b")

	if got := gw.ListStreams(); len(got) != 0 {
		t.Errorf("ListStreams() after stopping all = %v, want empty", got)
	}
}

func TestHealthStreamsView(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	if _, err := gw.Start("rtsp://mock/ok", "cam_h"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return gw.Status("cam_h") == StatusRunning
	}, "running status")

	infos := gw.HealthStreams()
	if len(infos) != 1 {
		t.Fatalf("HealthStreams() returned %d entries, want 1", len(infos))
	}
	if infos[0].Name != "cam_h" || !infos[0].Healthy {
		t.Errorf("health info = %+v, want healthy cam_h", infos[0])
	}

	gw.Stop("cam_h")
}
