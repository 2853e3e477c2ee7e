// SPDX-License-Identifier: MIT

//go:build linux

// Package lock guards a stream's HLS output directory with flock(2).
//
// Two gateway processes pointed at the same HLS root must never write the
// same playlist. Each stream worker takes the lock before its first segment
// is written and holds it until the stream is finalized.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// lockFileName is created inside the stream's output directory.
const lockFileName = ".hlsgate.lock"

// DirLock is an exclusive lock on one output directory.
type DirLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

// NewDirLock prepares a lock for the given output directory, creating the
// directory if needed.
func NewDirLock(dir string) (*DirLock, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory cannot be empty")
	}
	// #nosec G301 - segment directory is served by the static file server
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &DirLock{
		path: filepath.Join(dir, lockFileName),
		pid:  os.Getpid(),
	}, nil
}

// AcquireContext takes the lock, waiting up to timeout and honoring ctx.
//
// A lock file whose recorded PID no longer exists is removed first: a
// crashed gateway must not fence its own restart out of the directory. The
// file's age is deliberately not considered — a stream that has run for days
// always has an old lock file, and an age rule would let a second process
// steal the directory from a healthy one.
func (dl *DirLock) AcquireContext(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if holderDead(dl.path) {
		_ = os.Remove(dl.path)
	}

	// #nosec G302 G304 - lock file coordinates cooperating gateway processes
	file, err := os.OpenFile(dl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = file.Close()
				return fmt.Errorf("output directory busy after %v: %w", timeout, err)
			}
		}
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", dl.pid); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}

	dl.mu.Lock()
	dl.file = file
	dl.mu.Unlock()
	return nil
}

// Release drops the lock and removes the lock file. No-op when not held.
func (dl *DirLock) Release() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(dl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if err := dl.file.Close(); err != nil {
		dl.file = nil
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	dl.file = nil
	_ = os.Remove(dl.path)
	return nil
}

// holderDead reports whether the lock file exists but its recorded PID is
// not a live process.
func holderDead(lockPath string) bool {
	data, err := os.ReadFile(lockPath) // #nosec G304 - our own lock file
	if err != nil {
		return false
	}

	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// Signal 0 probes liveness without touching the process.
	return proc.Signal(syscall.Signal(0)) != nil
}
