// SPDX-License-Identifier: MIT

// Package diagnostics runs preflight checks for the gateway: codec binaries,
// output directory, disk space, and configuration sanity. The daemon runs the
// same full pass at startup and behind -diagnose.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hlsgate/hlsgate/internal/config"
)

// CheckStatus indicates the result of one check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusError    CheckStatus = "ERROR"
)

// Disk thresholds for the output filesystem.
const (
	diskUsageWarningPercent  = 85
	diskUsageCriticalPercent = 95
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name        string        `json:"name"`
	Status      CheckStatus   `json:"status"`
	Message     string        `json:"message"`
	Duration    time.Duration `json:"duration"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// Report contains results from all checks.
type Report struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Checks    []CheckResult `json:"checks"`
	Healthy   bool          `json:"healthy"`
}

// Runner executes diagnostic checks against a configuration.
type Runner struct {
	cfg *config.Config
}

// NewRunner creates a diagnostic runner for the given configuration.
func NewRunner(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Run executes every check and aggregates the report.
func (r *Runner) Run(ctx context.Context) *Report {
	start := time.Now()

	checks := []func(context.Context) CheckResult{
		r.checkFFmpeg,
		r.checkFFprobe,
		r.checkHLSRoot,
		r.checkDiskSpace,
		r.checkMemoryHeadroom,
		r.checkConfig,
	}

	report := &Report{Timestamp: start, Healthy: true}
	for _, check := range checks {
		cs := time.Now()
		result := check(ctx)
		result.Duration = time.Since(cs)
		report.Checks = append(report.Checks, result)
		if result.Status == StatusCritical || result.Status == StatusError {
			report.Healthy = false
		}
	}
	report.Duration = time.Since(start)
	return report
}

// Print renders the report for a terminal.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "hlsgate diagnostics (%s, %s/%s)\n\n",
		r.Timestamp.Format(time.RFC3339), runtime.GOOS, runtime.GOARCH)
	for _, c := range r.Checks {
		fmt.Fprintf(w, "  [%-8s] %-18s %s\n", c.Status, c.Name, c.Message)
		for _, s := range c.Suggestions {
			fmt.Fprintf(w, "             ↳ %s\n", s)
		}
	}
	if r.Healthy {
		fmt.Fprintf(w, "\nAll checks passed in %v\n", r.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "\nSome checks FAILED (%v)\n", r.Duration.Round(time.Millisecond))
	}
}

func (r *Runner) checkFFmpeg(ctx context.Context) CheckResult {
	return checkBinary(ctx, "ffmpeg", r.cfg.HLS.FFmpegPath,
		"install ffmpeg (apt install ffmpeg) or set hls.ffmpeg_path")
}

func (r *Runner) checkFFprobe(ctx context.Context) CheckResult {
	return checkBinary(ctx, "ffprobe", r.cfg.HLS.FFprobePath,
		"ffprobe ships with ffmpeg; set hls.ffprobe_path if it lives elsewhere")
}

func checkBinary(ctx context.Context, name, path, suggestion string) CheckResult {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return CheckResult{
			Name:        name,
			Status:      StatusCritical,
			Message:     fmt.Sprintf("%q not found", path),
			Suggestions: []string{suggestion},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// #nosec G204 - resolved from configuration
	out, err := exec.CommandContext(ctx, resolved, "-version").Output()
	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  StatusCritical,
			Message: fmt.Sprintf("%s failed to run: %v", resolved, err),
		}
	}

	version := strings.SplitN(string(out), "\n", 2)[0]
	return CheckResult{Name: name, Status: StatusOK, Message: version}
}

func (r *Runner) checkHLSRoot(_ context.Context) CheckResult {
	root := r.cfg.HLS.Root
	if err := os.MkdirAll(root, 0755); err != nil { // #nosec G301
		return CheckResult{
			Name:        "hls root",
			Status:      StatusCritical,
			Message:     fmt.Sprintf("cannot create %q: %v", root, err),
			Suggestions: []string{"point hls.root at a writable directory"},
		}
	}

	probe := filepath.Join(root, ".hlsgate-writecheck")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return CheckResult{
			Name:    "hls root",
			Status:  StatusCritical,
			Message: fmt.Sprintf("%q is not writable: %v", root, err),
		}
	}
	_ = os.Remove(probe)

	return CheckResult{Name: "hls root", Status: StatusOK, Message: root}
}

func (r *Runner) checkDiskSpace(_ context.Context) CheckResult {
	var st syscall.Statfs_t
	if err := syscall.Statfs(r.cfg.HLS.Root, &st); err != nil {
		return CheckResult{
			Name:    "disk space",
			Status:  StatusError,
			Message: fmt.Sprintf("statfs %q: %v", r.cfg.HLS.Root, err),
		}
	}

	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return CheckResult{Name: "disk space", Status: StatusError, Message: "filesystem reports zero size"}
	}
	usedPct := float64(total-free) / float64(total) * 100

	msg := fmt.Sprintf("%.1f%% used, %.1f GB free", usedPct, float64(free)/(1<<30))
	switch {
	case usedPct >= diskUsageCriticalPercent:
		return CheckResult{
			Name: "disk space", Status: StatusCritical, Message: msg,
			Suggestions: []string{"segments cannot be written on a full disk; free space or move hls.root"},
		}
	case usedPct >= diskUsageWarningPercent:
		return CheckResult{Name: "disk space", Status: StatusWarning, Message: msg}
	default:
		return CheckResult{Name: "disk space", Status: StatusOK, Message: msg}
	}
}

func (r *Runner) checkMemoryHeadroom(_ context.Context) CheckResult {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return CheckResult{Name: "memory", Status: StatusError, Message: err.Error()}
	}

	msg := fmt.Sprintf("%.1f%% of %.1f GB in use", vm.UsedPercent, float64(vm.Total)/(1<<30))
	if vm.UsedPercent >= r.cfg.Monitor.MemoryWarnPercent {
		return CheckResult{
			Name: "memory", Status: StatusWarning, Message: msg,
			Suggestions: []string{"the memory governor will evict streams above the configured watermarks"},
		}
	}
	return CheckResult{Name: "memory", Status: StatusOK, Message: msg}
}

func (r *Runner) checkConfig(_ context.Context) CheckResult {
	if err := r.cfg.Validate(); err != nil {
		return CheckResult{Name: "config", Status: StatusCritical, Message: err.Error()}
	}
	return CheckResult{
		Name:   "config",
		Status: StatusOK,
		Message: fmt.Sprintf("max_streams=%d workers=%d target_fps=%d",
			r.cfg.Stream.MaxStreams, r.cfg.Stream.WorkerThreads, r.cfg.Stream.TargetFPS),
	}
}
