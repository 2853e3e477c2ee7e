// SPDX-License-Identifier: MIT

package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultFPS is assumed when the source does not advertise a usable rate.
	DefaultFPS = 25.0

	minFPS = 1.0
	maxFPS = 60.0

	probeTimeout = 15 * time.Second
)

// probeResult mirrors the subset of ffprobe's JSON output we read.
type probeResult struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe inspects the first video stream of an RTSP source.
//
// The advertised frame rate is clamped to [1, 60]; sources that advertise
// nothing usable are assumed to run at 25 fps.
func Probe(ctx context.Context, ffprobePath, url string) (StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// #nosec G204 - binary path is from validated configuration
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-rtsp_transport", "tcp",
		"-analyzeduration", "5000000",
		"-probesize", "5000000",
		"-select_streams", "v:0",
		"-show_streams",
		"-print_format", "json",
		url,
	)

	out, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: %w", url, err)
	}

	var res probeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe output parse: %w", err)
	}
	if len(res.Streams) == 0 {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: no video stream", url)
	}

	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: invalid dimensions %dx%d", url, s.Width, s.Height)
	}

	fps := parseRate(s.AvgFrameRate)
	if fps == 0 {
		fps = parseRate(s.RFrameRate)
	}
	fps = ClampFPS(fps)

	return StreamInfo{
		Width:     s.Width,
		Height:    s.Height,
		FPS:       fps,
		CodecName: s.CodecName,
	}, nil
}

// ClampFPS normalizes an advertised source rate into the [1, 60] range,
// substituting the 25 fps default for zero or absurd values.
func ClampFPS(fps float64) float64 {
	if fps <= 0 {
		return DefaultFPS
	}
	if fps < minFPS {
		return minFPS
	}
	if fps > maxFPS {
		return maxFPS
	}
	return fps
}

// parseRate parses ffprobe's "num/den" rational rate strings. Returns 0 for
// anything unusable ("0/0", "", garbage).
func parseRate(r string) float64 {
	if r == "" {
		return 0
	}
	parts := strings.SplitN(r, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || num <= 0 {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den <= 0 {
		return 0
	}
	return num / den
}
