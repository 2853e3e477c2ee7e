// SPDX-License-Identifier: MIT

package codec

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// MockAdapter is an in-memory Adapter for tests. It fabricates frames
// instead of decoding anything and keeps allocation/release ledgers so tests
// can assert that no frame, grabber, or recorder handle leaks.
//
// The zero value serves 1280x720 @ 25 fps with an unlimited frame budget.
type MockAdapter struct {
	// Info is the geometry reported by opened grabbers.
	Info StreamInfo

	// FrameLimit caps how many frames each grabber delivers before it
	// returns nulls forever. 0 means unlimited; negative means the source
	// connects but never delivers a single frame.
	FrameLimit int64

	// NullRate is the probability [0,1) that a Grab returns a null frame
	// even within budget. Seeded deterministically per grabber.
	NullRate float64

	// IgnoredErrorRate is the probability [0,1) that a Grab bumps the
	// grabber's transient-error tally, mimicking decoder noise.
	IgnoredErrorRate float64

	// OpenFailures makes the first N OpenGrabber calls fail.
	OpenFailures int64

	// OpenDelay simulates slow codec init inside OpenGrabber.
	OpenDelay time.Duration

	// RecordErr, when set, is returned by every Record call.
	RecordErr error

	openFails atomic.Int64

	framesAllocated atomic.Int64
	framesReleased  atomic.Int64
	grabbersOpen    atomic.Int64
	recordersOpen   atomic.Int64
	framesRecorded  atomic.Int64

	mu    sync.Mutex
	opens []OpenSpan
}

// OpenSpan records the wall-clock interval one OpenGrabber call occupied,
// used to assert that first-grabs are serialized through the startup gate.
type OpenSpan struct {
	URL   string
	Start time.Time
	End   time.Time
}

// OpenGrabber fabricates a connected grabber. The liveness test frame the
// real adapter grabs and releases is simulated so the allocation ledger sees
// the same traffic.
func (a *MockAdapter) OpenGrabber(ctx context.Context, url string, opts GrabOptions) (Grabber, error) {
	start := time.Now()

	if a.OpenDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.OpenDelay):
		}
	}

	if a.openFails.Add(1) <= a.OpenFailures {
		a.recordSpan(url, start)
		return nil, fmt.Errorf("%w: %s (mock)", ErrConnectFailed, url)
	}

	info := a.Info
	if info.Width == 0 {
		info = StreamInfo{Width: 1280, Height: 720, FPS: 25, CodecName: "h264"}
	}

	g := &mockGrabber{
		adapter: a,
		info:    info,
		opts:    opts.withDefaults(),
		rng:     rand.New(rand.NewSource(int64(len(url)) + 1)), // #nosec G404 - test determinism, not crypto
	}
	a.grabbersOpen.Add(1)

	// Liveness frame: grabbed and released immediately, like the real thing.
	f := g.newFrame()
	f.Release()

	a.recordSpan(url, start)
	return g, nil
}

func (a *MockAdapter) recordSpan(url string, start time.Time) {
	a.mu.Lock()
	a.opens = append(a.opens, OpenSpan{URL: url, Start: start, End: time.Now()})
	a.mu.Unlock()
}

// OpenRecorder fabricates a recorder.
func (a *MockAdapter) OpenRecorder(ctx context.Context, dir string, opts RecordOptions) (Recorder, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	a.recordersOpen.Add(1)
	return &mockRecorder{adapter: a}, nil
}

// LiveFrames returns allocated minus released frames across all grabbers.
func (a *MockAdapter) LiveFrames() int64 {
	return a.framesAllocated.Load() - a.framesReleased.Load()
}

// OpenGrabbers returns the number of grabbers not yet closed.
func (a *MockAdapter) OpenGrabbers() int64 { return a.grabbersOpen.Load() }

// OpenRecorders returns the number of recorders not yet closed.
func (a *MockAdapter) OpenRecorders() int64 { return a.recordersOpen.Load() }

// FramesRecorded returns the total frames accepted by all recorders.
func (a *MockAdapter) FramesRecorded() int64 { return a.framesRecorded.Load() }

// OpenSpans returns the recorded OpenGrabber intervals.
func (a *MockAdapter) OpenSpans() []OpenSpan {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OpenSpan, len(a.opens))
	copy(out, a.opens)
	return out
}

type mockGrabber struct {
	adapter *MockAdapter
	info    StreamInfo
	opts    GrabOptions
	rng     *rand.Rand

	mu      sync.Mutex
	grabbed int64
	closed  bool
	ignored atomic.Int64
}

func (g *mockGrabber) newFrame() *Frame {
	g.adapter.framesAllocated.Add(1)
	size := g.info.Width * g.info.Height * 3 / 2
	return NewFrame(make([]byte, size), g.info.Width, g.info.Height, func([]byte) {
		g.adapter.framesReleased.Add(1)
	})
}

func (g *mockGrabber) Grab() (*Frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGrabberClosed
	}

	if g.adapter.IgnoredErrorRate > 0 && g.rng.Float64() < g.adapter.IgnoredErrorRate {
		g.ignored.Add(1)
	}

	if g.adapter.FrameLimit < 0 {
		return nil, nil
	}
	if g.adapter.FrameLimit > 0 && g.grabbed >= g.adapter.FrameLimit {
		return nil, nil
	}
	if g.adapter.NullRate > 0 && g.rng.Float64() < g.adapter.NullRate {
		return nil, nil
	}

	g.grabbed++
	return g.newFrame(), nil
}

func (g *mockGrabber) Info() StreamInfo { return g.info }

func (g *mockGrabber) IgnoredErrors() int64 { return g.ignored.Load() }

func (g *mockGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.adapter.grabbersOpen.Add(-1)
	}
	return nil
}

type mockRecorder struct {
	adapter *MockAdapter
	closed  atomic.Bool
}

func (r *mockRecorder) Record(f *Frame) error {
	if r.closed.Load() {
		return ErrRecorderClosed
	}
	if r.adapter.RecordErr != nil {
		return r.adapter.RecordErr
	}
	if !f.Valid() {
		return fmt.Errorf("%w: invalid frame", ErrEncoderFailure)
	}
	r.adapter.framesRecorded.Add(1)
	return nil
}

func (r *mockRecorder) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.adapter.recordersOpen.Add(-1)
	}
	return nil
}
