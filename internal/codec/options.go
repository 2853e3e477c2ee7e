// SPDX-License-Identifier: MIT

package codec

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"
)

// GrabOptions tunes how a grabber is opened and read.
type GrabOptions struct {
	// GrabTimeout is the longest a single Grab call waits for a decoded
	// frame before reporting a null frame. Default 1s.
	GrabTimeout time.Duration

	// ConnectTimeout bounds the wait for the first frame of a candidate URL
	// during connection. Default 10s.
	ConnectTimeout time.Duration

	// ConnectCycles is how many passes over the candidate URL list are made
	// before giving up. Default 3.
	ConnectCycles int

	// StderrSink, if non-nil, receives the decoder's raw stderr (typically a
	// RotatingWriter). The sink stays owned by the caller.
	StderrSink io.Writer

	// Logger is optional; nil means silent.
	Logger *slog.Logger
}

func (o GrabOptions) withDefaults() GrabOptions {
	if o.GrabTimeout <= 0 {
		o.GrabTimeout = time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ConnectCycles <= 0 {
		o.ConnectCycles = 3
	}
	return o
}

// RecordOptions tunes the HLS recorder.
type RecordOptions struct {
	// Input geometry. Frames handed to Record must match exactly.
	Width  int
	Height int

	// FPS is the constant output frame rate; GOP is fixed at 2×FPS.
	FPS int

	// SegmentSeconds and PlaylistWindow shape the sliding window.
	SegmentSeconds int
	PlaylistWindow int

	// Encoder tunables.
	CRF       int
	Preset    string
	MaxHeight int // downscale ceiling, preserving aspect; 0 disables

	// Resume appends to an existing playlist and marks the join with an
	// EXT-X-DISCONTINUITY tag. Set on every reconnect run after the first.
	Resume bool

	// StderrSink, if non-nil, receives the encoder's raw stderr.
	StderrSink io.Writer

	// Logger is optional; nil means silent.
	Logger *slog.Logger
}

func (o RecordOptions) withDefaults() RecordOptions {
	if o.FPS <= 0 {
		o.FPS = 10
	}
	if o.SegmentSeconds <= 0 {
		o.SegmentSeconds = 4
	}
	if o.PlaylistWindow <= 0 {
		o.PlaylistWindow = 3
	}
	if o.CRF <= 0 {
		o.CRF = 24
	}
	if o.Preset == "" {
		o.Preset = "ultrafast"
	}
	return o
}

// grabberArgs builds the decoder command line for one candidate URL.
//
// The options are tuned for live RTSP over lossy links: TCP transport, a
// large reorder queue, generous analyze/probe windows, a 60 s socket
// timeout, error concealment, and corrupt-packet discard.
func grabberArgs(url string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-reorder_queue_size", "2048",
		"-analyzeduration", "5000000",
		"-probesize", "5000000",
		"-timeout", "60000000", // socket timeout, microseconds
		"-err_detect", "ignore_err",
		"-fflags", "+discardcorrupt",
		"-i", url,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"pipe:1",
	}
}

// recorderArgs builds the encoder command line writing into dir.
func recorderArgs(dir string, o RecordOptions) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-video_size", fmt.Sprintf("%dx%d", o.Width, o.Height),
		"-framerate", fmt.Sprintf("%d", o.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", o.Preset,
		"-tune", "zerolatency",
		"-crf", fmt.Sprintf("%d", o.CRF),
		"-g", fmt.Sprintf("%d", 2*o.FPS),
		"-r", fmt.Sprintf("%d", o.FPS),
		"-threads", "1",
	}

	// Downscale oversized sources, preserving aspect and forcing even
	// dimensions (libx264 rejects odd sizes).
	if o.MaxHeight > 0 && o.Height > o.MaxHeight {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", o.MaxHeight))
	}

	hlsFlags := "delete_segments+program_date_time"
	if o.Resume {
		hlsFlags += "+append_list+discont_start"
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", o.SegmentSeconds),
		"-hls_list_size", fmt.Sprintf("%d", o.PlaylistWindow),
		"-hls_flags", hlsFlags,
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(dir, "s%d.ts"),
		filepath.Join(dir, "stream.m3u8"),
	)

	return args
}
