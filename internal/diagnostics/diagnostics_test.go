// SPDX-License-Identifier: MIT

package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hlsgate/hlsgate/internal/config"
)

// fakeBinary drops an executable script that mimics ffmpeg -version.
func fakeBinary(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\necho \"" + name + " version 6.1.1 (fake)\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	return path
}

func testDiagConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HLS.Root = filepath.Join(t.TempDir(), "hls")
	cfg.HLS.FFmpegPath = fakeBinary(t, "ffmpeg")
	cfg.HLS.FFprobePath = fakeBinary(t, "ffprobe")
	return cfg
}

func TestDiagnosticsAllGreen(t *testing.T) {
	report := NewRunner(testDiagConfig(t)).Run(context.Background())

	if !report.Healthy {
		var sb strings.Builder
		report.Print(&sb)
		t.Fatalf("expected healthy report:\n%s", sb.String())
	}
	if len(report.Checks) != 6 {
		t.Errorf("ran %d checks, want 6", len(report.Checks))
	}
}

func TestDiagnosticsMissingFFmpeg(t *testing.T) {
	cfg := testDiagConfig(t)
	cfg.HLS.FFmpegPath = "/definitely/not/a/real/ffmpeg"

	report := NewRunner(cfg).Run(context.Background())
	if report.Healthy {
		t.Fatal("report healthy despite missing ffmpeg")
	}

	found := false
	for _, c := range report.Checks {
		if c.Name == "ffmpeg" && c.Status == StatusCritical {
			found = true
		}
	}
	if !found {
		t.Error("no critical ffmpeg check in report")
	}
}

func TestDiagnosticsUnwritableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	base := t.TempDir()
	if err := os.Chmod(base, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(base, 0755) })

	cfg := testDiagConfig(t)
	cfg.HLS.Root = filepath.Join(base, "hls")

	report := NewRunner(cfg).Run(context.Background())
	if report.Healthy {
		t.Error("report healthy despite unwritable hls root")
	}
}

func TestReportPrint(t *testing.T) {
	report := NewRunner(testDiagConfig(t)).Run(context.Background())

	var sb strings.Builder
	report.Print(&sb)
	out := sb.String()

	if !strings.Contains(out, "ffmpeg") || !strings.Contains(out, "hls root") {
		t.Errorf("printed report missing check names:\n%s", out)
	}
}
