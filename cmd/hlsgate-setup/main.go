// SPDX-License-Identifier: MIT

// Package main implements hlsgate-setup, an interactive configuration
// generator. It walks an operator through the handful of settings that
// matter on a new box and writes a validated YAML config.
//
// Usage:
//
//	hlsgate-setup [--output=/etc/hlsgate/config.yaml]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/hlsgate/hlsgate/internal/config"
)

var outputPath = flag.String("output", config.ConfigFilePath, "Where to write the configuration")

func main() {
	flag.Parse()

	cfg := config.Default()

	hlsRoot := cfg.HLS.Root
	maxStreams := strconv.Itoa(cfg.Stream.MaxStreams)
	workers := strconv.Itoa(cfg.Stream.WorkerThreads)
	targetFPS := strconv.Itoa(cfg.Stream.TargetFPS)
	logDir := ""
	csvPath := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HLS output root").
				Description("Playlists and segments are written under this directory.").
				Value(&hlsRoot),
			huh.NewInput().
				Title("Maximum concurrent streams").
				Validate(positiveInt).
				Value(&maxStreams),
			huh.NewInput().
				Title("Worker pool size").
				Description("Fixed bound on concurrently decoding pipelines.").
				Validate(positiveInt).
				Value(&workers),
			huh.NewSelect[string]().
				Title("Target output frame rate").
				Options(
					huh.NewOption("8 fps", "8"),
					huh.NewOption("10 fps (recommended)", "10"),
				).
				Value(&targetFPS),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("ffmpeg stderr log directory").
				Description("Empty disables per-stream codec logs.").
				Value(&logDir),
			huh.NewInput().
				Title("Metrics CSV path").
				Description("Empty disables the periodic CSV appender.").
				Value(&csvPath),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(os.Stderr, "aborted, nothing written")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "form error: %v\n", err)
		os.Exit(1)
	}

	cfg.HLS.Root = hlsRoot
	cfg.HLS.LogDir = logDir
	cfg.Stream.MaxStreams = mustAtoi(maxStreams)
	cfg.Stream.WorkerThreads = mustAtoi(workers)
	cfg.Stream.TargetFPS = mustAtoi(targetFPS)
	cfg.Metrics.CSVPath = csvPath

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var confirmed bool
	confirm := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Write configuration to %s?", *outputPath)).
			Affirmative("Write").
			Negative("Cancel").
			Value(&confirmed),
	))
	if err := confirm.Run(); err != nil || !confirmed {
		fmt.Fprintln(os.Stderr, "aborted, nothing written")
		os.Exit(1)
	}

	if err := cfg.Save(*outputPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration written to %s\n", *outputPath)
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("enter a positive integer")
	}
	return nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
