// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// StreamInfo describes the health state of one stream for the HTTP surface.
type StreamInfo struct {
	Name          string        `json:"name"`
	State         string        `json:"state"`
	Uptime        time.Duration `json:"uptime_ns"`
	Healthy       bool          `json:"healthy"`
	Recycles      int           `json:"recycles,omitempty"`
	ReadFrames    int64         `json:"read_frames"`
	EncodedFrames int64         `json:"encoded_frames"`
	Errors        int64         `json:"errors,omitempty"`
	CurrentFPS    float64       `json:"current_fps"`
}

// StatusProvider returns the current health of all streams. The gateway
// implements this.
type StatusProvider interface {
	HealthStreams() []StreamInfo
}

// Response is the JSON body returned by /healthz.
type Response struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Streams   []StreamInfo `json:"streams"`
}

// Handler serves /healthz and a Prometheus text /metrics.
type Handler struct {
	provider StatusProvider
}

// NewHandler creates the health HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP routes between /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}

	var streams []StreamInfo
	if h.provider != nil {
		streams = h.provider.HealthStreams()
	}
	resp.Streams = streams

	// An empty gateway is healthy; it simply has nothing to do yet.
	healthy := true
	for _, s := range streams {
		if !s.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a minimal Prometheus text-format response without
// pulling in a client library.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var streams []StreamInfo
	if h.provider != nil {
		streams = h.provider.HealthStreams()
	}

	if len(streams) > 0 {
		fmt.Fprintln(&sb, "# HELP hlsgate_stream_healthy Is the stream currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE hlsgate_stream_healthy gauge")
		for _, s := range streams {
			v := 0
			if s.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "hlsgate_stream_healthy{stream=%q} %d\n", s.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP hlsgate_stream_uptime_seconds Seconds since the stream was admitted.")
		fmt.Fprintln(&sb, "# TYPE hlsgate_stream_uptime_seconds gauge")
		for _, s := range streams {
			fmt.Fprintf(&sb, "hlsgate_stream_uptime_seconds{stream=%q} %.3f\n", s.Name, s.Uptime.Seconds())
		}

		fmt.Fprintln(&sb, "# HELP hlsgate_stream_read_frames_total Frames read from the source.")
		fmt.Fprintln(&sb, "# TYPE hlsgate_stream_read_frames_total counter")
		for _, s := range streams {
			fmt.Fprintf(&sb, "hlsgate_stream_read_frames_total{stream=%q} %d\n", s.Name, s.ReadFrames)
		}

		fmt.Fprintln(&sb, "# HELP hlsgate_stream_encoded_frames_total Frames encoded into segments.")
		fmt.Fprintln(&sb, "# TYPE hlsgate_stream_encoded_frames_total counter")
		for _, s := range streams {
			fmt.Fprintf(&sb, "hlsgate_stream_encoded_frames_total{stream=%q} %d\n", s.Name, s.EncodedFrames)
		}

		fmt.Fprintln(&sb, "# HELP hlsgate_stream_recycles_total Health-scanner recycles for the stream.")
		fmt.Fprintln(&sb, "# TYPE hlsgate_stream_recycles_total counter")
		for _, s := range streams {
			fmt.Fprintf(&sb, "hlsgate_stream_recycles_total{stream=%q} %d\n", s.Name, s.Recycles)
		}

		fmt.Fprintln(&sb, "# HELP hlsgate_stream_current_fps Measured output frame rate.")
		fmt.Fprintln(&sb, "# TYPE hlsgate_stream_current_fps gauge")
		for _, s := range streams {
			fmt.Fprintf(&sb, "hlsgate_stream_current_fps{stream=%q} %.2f\n", s.Name, s.CurrentFPS)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe runs the health server until ctx is cancelled. The listener
// is bound synchronously so port-in-use errors surface to the caller
// immediately instead of dying inside a goroutine.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
