// SPDX-License-Identifier: MIT

// Package metrics holds per-stream counters, system resource sampling, and
// the periodic CSV appender.
//
// Counters are monotonic atomics, so there is no coarse locking anywhere on
// the frame path. Besides reporting, two decisions read them: the supervisor
// uses StartAttempts to tell a reconnect from the first run, and the health
// scanner uses ReadFrames progress to clear a stream's recycle count.
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// StreamStats accumulates one stream's counters. Cumulative across
// reconnects; only the health-recycle counter elsewhere ever resets.
type StreamStats struct {
	ReadFrames    atomic.Int64
	EncodedFrames atomic.Int64
	SkippedFrames atomic.Int64
	Errors        atomic.Int64
	IgnoredErrors atomic.Int64
	StartAttempts atomic.Int64

	sourceFPS  atomic.Uint64 // float64 bits
	currentFPS atomic.Uint64 // float64 bits
	width      atomic.Int64
	height     atomic.Int64

	codecName atomic.Value // string
	startTime atomic.Value // time.Time
}

// NewStreamStats returns stats stamped with the stream's start time.
func NewStreamStats() *StreamStats {
	s := &StreamStats{}
	s.startTime.Store(time.Now())
	s.codecName.Store("")
	return s
}

// SetSource records the probed source properties.
func (s *StreamStats) SetSource(width, height int, fps float64, codecName string) {
	s.width.Store(int64(width))
	s.height.Store(int64(height))
	s.sourceFPS.Store(math.Float64bits(fps))
	s.codecName.Store(codecName)
}

// SetCurrentFPS records the measured output rate.
func (s *StreamStats) SetCurrentFPS(fps float64) {
	s.currentFPS.Store(math.Float64bits(fps))
}

// SourceFPS returns the advertised source rate.
func (s *StreamStats) SourceFPS() float64 {
	return math.Float64frombits(s.sourceFPS.Load())
}

// CurrentFPS returns the most recently measured output rate.
func (s *StreamStats) CurrentFPS() float64 {
	return math.Float64frombits(s.currentFPS.Load())
}

// Resolution returns the source geometry.
func (s *StreamStats) Resolution() (width, height int) {
	return int(s.width.Load()), int(s.height.Load())
}

// CodecName returns the probed source codec.
func (s *StreamStats) CodecName() string {
	v, _ := s.codecName.Load().(string)
	return v
}

// StartTime returns when the stream was admitted.
func (s *StreamStats) StartTime() time.Time {
	v, _ := s.startTime.Load().(time.Time)
	return v
}

// StatsView is an immutable copy handed to callers of the public Stats API.
type StatsView struct {
	ReadFrames    int64     `json:"read_frames"`
	EncodedFrames int64     `json:"encoded_frames"`
	SkippedFrames int64     `json:"skipped_frames"`
	Errors        int64     `json:"errors"`
	IgnoredErrors int64     `json:"ignored_errors"`
	StartAttempts int64     `json:"start_attempts"`
	SourceFPS     float64   `json:"source_fps"`
	CurrentFPS    float64   `json:"current_fps"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	SourceCodec   string    `json:"source_codec"`
	StartTime     time.Time `json:"start_time"`
}

// View snapshots the counters.
func (s *StreamStats) View() StatsView {
	w, h := s.Resolution()
	return StatsView{
		ReadFrames:    s.ReadFrames.Load(),
		EncodedFrames: s.EncodedFrames.Load(),
		SkippedFrames: s.SkippedFrames.Load(),
		Errors:        s.Errors.Load(),
		IgnoredErrors: s.IgnoredErrors.Load(),
		StartAttempts: s.StartAttempts.Load(),
		SourceFPS:     s.SourceFPS(),
		CurrentFPS:    s.CurrentFPS(),
		Width:         w,
		Height:        h,
		SourceCodec:   s.CodecName(),
		StartTime:     s.StartTime(),
	}
}
