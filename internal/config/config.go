// SPDX-License-Identifier: MIT

// Package config provides configuration loading for the hlsgate daemon.
//
// Configuration is resolved from three sources with the following precedence
// (highest to lowest):
//  1. Environment variables (HLSGATE_*)
//  2. YAML configuration file
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/hlsgate/config.yaml"

// Config represents the complete hlsgate configuration.
type Config struct {
	// HLS output settings.
	HLS HLSConfig `yaml:"hls" koanf:"hls"`

	// Stream lifecycle settings.
	Stream StreamConfig `yaml:"stream" koanf:"stream"`

	// Encoder settings applied to every recorder.
	Encoder EncoderConfig `yaml:"encoder" koanf:"encoder"`

	// Health scanner and memory governor settings.
	Monitor MonitorConfig `yaml:"monitor" koanf:"monitor"`

	// Metrics CSV logger settings.
	Metrics MetricsConfig `yaml:"metrics" koanf:"metrics"`

	// HTTP API settings for the daemon.
	API APIConfig `yaml:"api" koanf:"api"`
}

// HLSConfig contains on-disk output settings.
type HLSConfig struct {
	Root           string `yaml:"root" koanf:"root"`                       // Output directory root (default "./hls")
	SegmentSeconds int    `yaml:"segment_seconds" koanf:"segment_seconds"` // Segment duration (default 4)
	PlaylistWindow int    `yaml:"playlist_window" koanf:"playlist_window"` // Sliding window size (default 3)
	LogDir         string `yaml:"log_dir" koanf:"log_dir"`                 // ffmpeg stderr log directory (empty = no logging)
	FFmpegPath     string `yaml:"ffmpeg_path" koanf:"ffmpeg_path"`         // Path to ffmpeg binary (default "ffmpeg")
	FFprobePath    string `yaml:"ffprobe_path" koanf:"ffprobe_path"`       // Path to ffprobe binary (default "ffprobe")
}

// StreamConfig contains stream admission and reconnect settings.
type StreamConfig struct {
	MaxStreams     int           `yaml:"max_streams" koanf:"max_streams"`         // Hard registration cap (default 100)
	WorkerThreads  int           `yaml:"worker_threads" koanf:"worker_threads"`   // Fixed pipeline pool size (default 60)
	StartupDelay   time.Duration `yaml:"startup_delay" koanf:"startup_delay"`     // Inter-start spacing behind the gate (default 800ms)
	TargetFPS      int           `yaml:"target_fps" koanf:"target_fps"`           // Output frame rate (default 10)
	ReconnectDelay time.Duration `yaml:"reconnect_delay" koanf:"reconnect_delay"` // Base linear backoff (default 5s)
	ReconnectCap   time.Duration `yaml:"reconnect_cap" koanf:"reconnect_cap"`     // Backoff ceiling (default 60s)
	StopTimeout    time.Duration `yaml:"stop_timeout" koanf:"stop_timeout"`       // Wait for voluntary pipeline exit on Stop (default 3s)
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" koanf:"shutdown_grace"`   // Pool drain budget on shutdown (default 30s)
}

// EncoderConfig contains recorder tunables.
type EncoderConfig struct {
	CRF       int    `yaml:"crf" koanf:"crf"`               // Constant rate factor (default 24)
	Preset    string `yaml:"preset" koanf:"preset"`         // x264 preset (default "ultrafast")
	MaxHeight int    `yaml:"max_height" koanf:"max_height"` // Downscale ceiling (default 720)
}

// MonitorConfig contains health scanner and memory governor settings.
type MonitorConfig struct {
	StreamTimeout       time.Duration `yaml:"stream_timeout" koanf:"stream_timeout"`               // Inactivity threshold (default 10m)
	MaxHealthRecycles   int           `yaml:"max_health_recycles" koanf:"max_health_recycles"`     // Permanent-stop threshold (default 10)
	HealthCheckInterval time.Duration `yaml:"health_check_interval" koanf:"health_check_interval"` // Scan cadence (default 2m)
	MemoryCheckInterval time.Duration `yaml:"memory_check_interval" koanf:"memory_check_interval"` // Memory scan cadence (default 1m)
	MemoryWarnPercent   float64       `yaml:"memory_warn_percent" koanf:"memory_warn_percent"`     // GC hint watermark (default 85)
	MemoryEvictPercent  float64       `yaml:"memory_evict_percent" koanf:"memory_evict_percent"`   // Emergency eviction watermark (default 95)
	EvictCount          int           `yaml:"evict_count" koanf:"evict_count"`                     // Streams stopped per eviction (default 5)
}

// MetricsConfig contains CSV logger settings.
type MetricsConfig struct {
	CSVPath     string        `yaml:"csv_path" koanf:"csv_path"`         // CSV file path (empty = disabled)
	CSVInterval time.Duration `yaml:"csv_interval" koanf:"csv_interval"` // Append cadence (default 3m)
}

// APIConfig contains HTTP listener settings for the daemon.
type APIConfig struct {
	Addr       string `yaml:"addr" koanf:"addr"`               // Listen address (default "127.0.0.1:8554")
	HealthAddr string `yaml:"health_addr" koanf:"health_addr"` // Health endpoint address (default "127.0.0.1:9998")
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		HLS: HLSConfig{
			Root:           "./hls",
			SegmentSeconds: 4,
			PlaylistWindow: 3,
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
		},
		Stream: StreamConfig{
			MaxStreams:     100,
			WorkerThreads:  60,
			StartupDelay:   800 * time.Millisecond,
			TargetFPS:      10,
			ReconnectDelay: 5 * time.Second,
			ReconnectCap:   60 * time.Second,
			StopTimeout:    3 * time.Second,
			ShutdownGrace:  30 * time.Second,
		},
		Encoder: EncoderConfig{
			CRF:       24,
			Preset:    "ultrafast",
			MaxHeight: 720,
		},
		Monitor: MonitorConfig{
			StreamTimeout:       10 * time.Minute,
			MaxHealthRecycles:   10,
			HealthCheckInterval: 2 * time.Minute,
			MemoryCheckInterval: time.Minute,
			MemoryWarnPercent:   85,
			MemoryEvictPercent:  95,
			EvictCount:          5,
		},
		Metrics: MetricsConfig{
			CSVInterval: 3 * time.Minute,
		},
		API: APIConfig{
			Addr:       "127.0.0.1:8554",
			HealthAddr: "127.0.0.1:9998",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.HLS.Root == "" {
		return fmt.Errorf("hls.root cannot be empty")
	}
	if c.HLS.SegmentSeconds < 1 || c.HLS.SegmentSeconds > 30 {
		return fmt.Errorf("hls.segment_seconds must be between 1 and 30, got %d", c.HLS.SegmentSeconds)
	}
	if c.HLS.PlaylistWindow < 2 || c.HLS.PlaylistWindow > 10 {
		return fmt.Errorf("hls.playlist_window must be between 2 and 10, got %d", c.HLS.PlaylistWindow)
	}
	if c.Stream.MaxStreams < 1 {
		return fmt.Errorf("stream.max_streams must be positive, got %d", c.Stream.MaxStreams)
	}
	if c.Stream.WorkerThreads < 1 {
		return fmt.Errorf("stream.worker_threads must be positive, got %d", c.Stream.WorkerThreads)
	}
	if c.Stream.TargetFPS < 1 || c.Stream.TargetFPS > 60 {
		return fmt.Errorf("stream.target_fps must be between 1 and 60, got %d", c.Stream.TargetFPS)
	}
	if c.Stream.StartupDelay < 0 {
		return fmt.Errorf("stream.startup_delay cannot be negative")
	}
	if c.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay must be positive")
	}
	if c.Stream.ReconnectCap < c.Stream.ReconnectDelay {
		return fmt.Errorf("stream.reconnect_cap must be >= stream.reconnect_delay")
	}
	if c.Encoder.CRF < 0 || c.Encoder.CRF > 51 {
		return fmt.Errorf("encoder.crf must be between 0 and 51, got %d", c.Encoder.CRF)
	}
	if c.Monitor.StreamTimeout <= 0 {
		return fmt.Errorf("monitor.stream_timeout must be positive")
	}
	if c.Monitor.MaxHealthRecycles < 1 {
		return fmt.Errorf("monitor.max_health_recycles must be positive, got %d", c.Monitor.MaxHealthRecycles)
	}
	if c.Monitor.MemoryWarnPercent <= 0 || c.Monitor.MemoryWarnPercent > 100 {
		return fmt.Errorf("monitor.memory_warn_percent must be in (0, 100], got %g", c.Monitor.MemoryWarnPercent)
	}
	if c.Monitor.MemoryEvictPercent < c.Monitor.MemoryWarnPercent || c.Monitor.MemoryEvictPercent > 100 {
		return fmt.Errorf("monitor.memory_evict_percent must be in [warn, 100], got %g", c.Monitor.MemoryEvictPercent)
	}
	if c.Monitor.EvictCount < 1 {
		return fmt.Errorf("monitor.evict_count must be positive, got %d", c.Monitor.EvictCount)
	}
	return nil
}

// LoadConfig reads and parses a configuration file, applying defaults for
// any field the file does not set.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - config path is from administrator-controlled flags
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
//
// The write is atomic: data goes to a temp file in the same directory, is
// synced, then renamed over the target, so a crash mid-write leaves either
// the old file or the new file, never a torn one.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// #nosec G302 - config restricted to owner+group
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}
