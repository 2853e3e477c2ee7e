// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// KoanfConfig wraps koanf for layered configuration management.
//
// It provides:
//   - Multiple configuration sources (YAML file + environment variables)
//   - Configuration hot-reload via file watching
//   - Override precedence (env vars override YAML)
type KoanfConfig struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// Option configures a KoanfConfig.
type Option func(*KoanfConfig) error

// WithYAMLFile sets the YAML configuration file path.
func WithYAMLFile(path string) Option {
	return func(kc *KoanfConfig) error {
		kc.filePath = path
		return nil
	}
}

// WithEnvPrefix sets the environment variable prefix (default: "HLSGATE").
func WithEnvPrefix(prefix string) Option {
	return func(kc *KoanfConfig) error {
		kc.envPrefix = prefix
		return nil
	}
}

// NewKoanfConfig creates a new koanf-based configuration loader.
//
// Sources are merged with the following precedence (highest to lowest):
//  1. Environment variables (HLSGATE_*)
//  2. YAML configuration file
//  3. Built-in defaults (applied at Load time)
//
// Example:
//
//	kc, err := NewKoanfConfig(WithYAMLFile("/etc/hlsgate/config.yaml"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg, err := kc.Load()
func NewKoanfConfig(opts ...Option) (*KoanfConfig, error) {
	kc := &KoanfConfig{
		k:         koanf.New("."),
		envPrefix: "HLSGATE",
	}

	for _, opt := range opts {
		if err := opt(kc); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := kc.reload(); err != nil {
		return nil, err
	}

	return kc, nil
}

// Load unmarshals the merged configuration on top of the built-in defaults
// and validates the result.
func (kc *KoanfConfig) Load() (*Config, error) {
	cfg := Default()

	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Reload reloads configuration from all sources.
func (kc *KoanfConfig) Reload() error {
	return kc.reload()
}

func (kc *KoanfConfig) reload() error {
	// New koanf instance so the swap is atomic
	newK := koanf.New(".")

	if kc.filePath != "" {
		if err := newK.Load(file.Provider(kc.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load YAML file: %w", err)
		}
	}

	// Environment variables override YAML.
	// HLSGATE_STREAM_MAX_STREAMS becomes stream.max_streams: the section name
	// is split off the front, the remainder stays underscored.
	envProvider := env.Provider(".", env.Opt{
		Prefix: kc.envPrefix + "_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, kc.envPrefix+"_")
			k = strings.ToLower(k)

			sections := []string{"hls_", "stream_", "encoder_", "monitor_", "metrics_", "api_"}
			for _, prefix := range sections {
				if strings.HasPrefix(k, prefix) {
					section := strings.TrimSuffix(prefix, "_")
					return section + "." + strings.TrimPrefix(k, prefix), v
				}
			}

			return strings.ReplaceAll(k, "_", "."), v
		},
	})

	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	kc.mu.Lock()
	kc.k = newK
	kc.mu.Unlock()

	return nil
}

// Watch starts watching the configuration file for changes.
//
// When a change is detected the configuration is reloaded and the callback
// is invoked with an event description, or with the error that prevented the
// reload. koanf's file.Provider does not expose a way to stop its internal
// fsnotify goroutine; ctx only stops the blocking wait. Long-lived daemons
// that need clean goroutine shutdown should trigger Reload on SIGHUP instead.
func (kc *KoanfConfig) Watch(ctx context.Context, callback func(event string, err error)) error {
	if kc.filePath == "" {
		return fmt.Errorf("cannot watch: no file path specified")
	}

	fp := file.Provider(kc.filePath)

	watchErr := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			callback("watch error", fmt.Errorf("file watch error: %w", err))
			return
		}
		if err := kc.reload(); err != nil {
			callback("reload error", err)
			return
		}
		callback(fmt.Sprintf("%v", event), nil)
	})
	if watchErr != nil {
		return fmt.Errorf("failed to start config watch: %w", watchErr)
	}

	<-ctx.Done()
	return nil
}
