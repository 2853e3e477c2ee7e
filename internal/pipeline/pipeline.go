// SPDX-License-Identifier: MIT

// Package pipeline moves decoded frames from a grabber to a recorder.
//
// One Run is one connection's worth of work: pace reads to the source
// cadence, skip-select down to the target output rate, encode, and release
// every frame buffer on every control-flow path. The supervisor wraps Run in
// its reconnect loop; a Run never retries anything itself.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/hlsgate/hlsgate/internal/codec"
	"github.com/hlsgate/hlsgate/internal/metrics"
)

// Typed exit conditions the supervisor reacts to.
var (
	// ErrStreamStalled means the grabber produced nothing usable for the
	// configured number of consecutive attempts.
	ErrStreamStalled = errors.New("pipeline: stream stalled")

	// ErrEncodeTimeout means no frame was successfully encoded for the
	// encode-timeout window even though grabs kept succeeding.
	ErrEncodeTimeout = errors.New("pipeline: no successful encode")

	// ErrEncoderFailure means the recorder rejected too many consecutive
	// frames.
	ErrEncoderFailure = errors.New("pipeline: encoder failure")
)

const (
	// maxNullGrabs is how many consecutive empty grabs signal a stall.
	maxNullGrabs = 500

	// maxConsecutiveEncodeErrors ends the run as an encoder failure.
	maxConsecutiveEncodeErrors = 20

	// encodeTimeout is the longest tolerated gap between successful encodes.
	encodeTimeout = 3 * time.Minute

	// fpsLogInterval paces the periodic rate measurement and log line.
	fpsLogInterval = 10 * time.Second
)

// Pipeline runs one stream's frame loop over an already-connected grabber
// and recorder pair. The caller retains ownership of both and must close
// them after Run returns; Run itself never opens or closes handles.
type Pipeline struct {
	Name      string
	Grabber   codec.Grabber
	Recorder  codec.Recorder
	TargetFPS int

	// Stats is cumulative across reconnect runs.
	Stats *metrics.StreamStats

	// Stop is the stream's cooperative stop flag, checked at every loop head.
	Stop *atomic.Bool

	// LastFrameNano is advanced (unix nanos) on every valid frame; the
	// health scanner reads it to detect silent streams.
	LastFrameNano *atomic.Int64

	// MaxNullGrabs overrides the stall threshold; 0 means the default.
	MaxNullGrabs int

	Logger *slog.Logger
}

// SkipRatio computes how many source frames map to one encoded frame.
func SkipRatio(sourceFPS float64, targetFPS int) int {
	if targetFPS <= 0 {
		return 1
	}
	r := int(math.Round(sourceFPS / float64(targetFPS)))
	if r < 1 {
		r = 1
	}
	return r
}

// Run executes the frame loop until the stop flag is set, the context is
// cancelled, or a fatal condition is raised. The returned error is nil for
// cooperative exits and a typed condition otherwise.
func (p *Pipeline) Run(ctx context.Context) error {
	info := p.Grabber.Info()
	sourceFPS := codec.ClampFPS(info.FPS)
	skipRatio := SkipRatio(sourceFPS, p.TargetFPS)
	readInterval := time.Duration(float64(time.Second) / sourceFPS)

	stallAfter := p.MaxNullGrabs
	if stallAfter <= 0 {
		stallAfter = maxNullGrabs
	}

	p.logf("pipeline up", "source_fps", sourceFPS, "skip_ratio", skipRatio,
		"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height))

	var (
		frameCounter      int64
		nullGrabs         int
		consecutiveEncErr int
		lastRead          time.Time
		lastEncodeOK      = time.Now()
		windowStart       = time.Now()
		windowEncoded     int64
		lastIgnored       int64
	)

	for {
		if p.Stop.Load() || ctx.Err() != nil {
			p.syncIgnored(&lastIgnored)
			return nil
		}

		// Pace reads to the source cadence so the reader cannot gallop
		// ahead when the network momentarily buffers.
		if !lastRead.IsZero() {
			if wait := readInterval - time.Since(lastRead); wait > 0 {
				if !sleepCtx(ctx, wait) {
					return nil
				}
			}
		}
		lastRead = time.Now()

		frame, err := p.Grabber.Grab()
		if err != nil {
			p.Stats.Errors.Add(1)
			p.syncIgnored(&lastIgnored)
			return err
		}

		if frame == nil {
			nullGrabs++
			if nullGrabs >= stallAfter {
				p.Stats.Errors.Add(1)
				p.syncIgnored(&lastIgnored)
				return fmt.Errorf("%w: %d empty grabs", ErrStreamStalled, nullGrabs)
			}
			// Adaptive wait: start at 5 ms, grow with the drought, cap at 50.
			backoff := time.Duration(5+min(nullGrabs/10, 45)) * time.Millisecond
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		nullGrabs = 0

		if !frame.Valid() {
			frame.Release()
			continue
		}

		p.LastFrameNano.Store(time.Now().UnixNano())
		p.Stats.ReadFrames.Add(1)
		frameCounter++

		if frameCounter%int64(skipRatio) == 0 {
			if err := p.Recorder.Record(frame); err != nil {
				p.Stats.Errors.Add(1)
				consecutiveEncErr++
				if consecutiveEncErr >= maxConsecutiveEncodeErrors {
					frame.Release()
					p.syncIgnored(&lastIgnored)
					return fmt.Errorf("%w: %d consecutive errors: %v",
						ErrEncoderFailure, consecutiveEncErr, err)
				}
			} else {
				consecutiveEncErr = 0
				lastEncodeOK = time.Now()
				windowEncoded++
				p.Stats.EncodedFrames.Add(1)
			}
		} else {
			p.Stats.SkippedFrames.Add(1)
		}

		frame.Release()
		frame = nil //nolint:ineffassign,wastedassign // guard against reuse after release

		if time.Since(lastEncodeOK) > encodeTimeout {
			p.Stats.Errors.Add(1)
			p.syncIgnored(&lastIgnored)
			return fmt.Errorf("%w in %v", ErrEncodeTimeout, encodeTimeout)
		}

		if elapsed := time.Since(windowStart); elapsed >= fpsLogInterval {
			fps := float64(windowEncoded) / elapsed.Seconds()
			p.Stats.SetCurrentFPS(fps)
			p.syncIgnored(&lastIgnored)
			p.logf("pipeline rate",
				"current_fps", fmt.Sprintf("%.1f", fps),
				"read", p.Stats.ReadFrames.Load(),
				"encoded", p.Stats.EncodedFrames.Load(),
				"skipped", p.Stats.SkippedFrames.Load(),
				"ignored_errors", p.Stats.IgnoredErrors.Load(),
			)
			windowStart = time.Now()
			windowEncoded = 0
		}
	}
}

// syncIgnored folds the grabber's transient-error tally into the cumulative
// stats as a delta, so reconnect runs with fresh grabbers keep adding up.
func (p *Pipeline) syncIgnored(last *int64) {
	now := p.Grabber.IgnoredErrors()
	if d := now - *last; d > 0 {
		p.Stats.IgnoredErrors.Add(d)
		*last = now
	}
}

func (p *Pipeline) logf(msg string, args ...any) {
	if p.Logger != nil {
		p.Logger.Info(msg, append([]any{"stream", p.Name}, args...)...)
	}
}

// sleepCtx sleeps d or returns false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
