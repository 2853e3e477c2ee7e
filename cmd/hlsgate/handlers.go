// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hlsgate/hlsgate/internal/service"
)

// startRequest is the POST /api/streams body.
type startRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// startResponse echoes the published playlist path.
type startResponse struct {
	Name         string `json:"name"`
	PlaylistPath string `json:"playlist_path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// registerRoutes wires the thin JSON API over the gateway. Every decision
// lives in the service package; these handlers translate HTTP only.
func registerRoutes(mux *http.ServeMux, gw *service.Gateway, logger *slog.Logger) {
	mux.HandleFunc("POST /api/streams", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}

		path, err := gw.Start(req.URL, req.Name)
		switch {
		case errors.Is(err, service.ErrInvalidURL):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, service.ErrCapacityExceeded):
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
		case errors.Is(err, service.ErrShuttingDown):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		case err != nil:
			logger.Error("start failed", "name", req.Name, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, startResponse{Name: req.Name, PlaylistPath: path})
		}
	})

	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gw.ListStreams())
	})

	mux.HandleFunc("DELETE /api/streams/{name}", func(w http.ResponseWriter, r *http.Request) {
		gw.Stop(r.PathValue("name"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/streams/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		status := gw.Status(name)
		if status == service.StatusNotFound {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "stream not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":          name,
			"status":        status,
			"playlist_path": gw.PlaylistPath(name),
			"stats":         gw.Stats(name),
		})
	})

	mux.HandleFunc("GET /api/system", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gw.SystemStats())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
