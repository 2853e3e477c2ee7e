// SPDX-License-Identifier: MIT

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeProvider struct {
	streams []StreamInfo
}

func (f *fakeProvider) HealthStreams() []StreamInfo { return f.streams }

func TestHealthzHealthy(t *testing.T) {
	h := NewHandler(&fakeProvider{streams: []StreamInfo{
		{Name: "cam_1", State: "running", Healthy: true, ReadFrames: 100, Uptime: time.Minute},
	}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if len(resp.Streams) != 1 || resp.Streams[0].Name != "cam_1" {
		t.Errorf("streams = %+v", resp.Streams)
	}
}

func TestHealthzDegraded(t *testing.T) {
	h := NewHandler(&fakeProvider{streams: []StreamInfo{
		{Name: "cam_1", State: "running", Healthy: true},
		{Name: "cam_2", State: "reconnecting", Healthy: false},
	}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthzEmptyGatewayIsHealthy(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for an idle gateway", rec.Code)
	}
}

func TestHealthzRejectsPost(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	h := NewHandler(&fakeProvider{streams: []StreamInfo{
		{Name: "cam_1", Healthy: true, ReadFrames: 42, EncodedFrames: 17, Recycles: 2, CurrentFPS: 9.5},
	}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`hlsgate_stream_healthy{stream="cam_1"} 1`,
		`hlsgate_stream_read_frames_total{stream="cam_1"} 42`,
		`hlsgate_stream_encoded_frames_total{stream="cam_1"} 17`,
		`hlsgate_stream_recycles_total{stream="cam_1"} 2`,
		`hlsgate_stream_current_fps{stream="cam_1"} 9.50`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics body missing %q\n%s", want, body)
		}
	}
}
