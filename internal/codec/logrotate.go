// SPDX-License-Identifier: MIT

package codec

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// DefaultMaxLogSize is the maximum stderr log size before rotation.
	DefaultMaxLogSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxLogFiles is the number of rotated logs kept per stream.
	DefaultMaxLogFiles = 3
)

// RotatingWriter is an io.Writer that rotates a log file when it exceeds a
// size limit, keeping a bounded number of gzip-compressed predecessors.
// Writes are thread-safe. One RotatingWriter receives the combined stderr of
// a stream's decoder and encoder processes.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// RotatingWriterOption configures a RotatingWriter.
type RotatingWriterOption func(*RotatingWriter)

// WithMaxSize sets the maximum log file size before rotation.
func WithMaxSize(size int64) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxSize = size }
}

// WithMaxFiles sets the number of rotated files to keep.
func WithMaxFiles(count int) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxFiles = count }
}

// WithCompression enables gzip compression of rotated logs.
func WithCompression(compress bool) RotatingWriterOption {
	return func(w *RotatingWriter) { w.compress = compress }
}

// NewRotatingWriter opens (or creates) a rotating log file.
func NewRotatingWriter(path string, opts ...RotatingWriterOption) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxLogSize,
		maxFiles: DefaultMaxLogFiles,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer, rotating first when the write would exceed the
// size limit. A failed rotation does not fail the write; exceeding the limit
// beats losing the decoder's last words.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		if rerr := w.rotate(); rerr != nil && w.file == nil {
			// Rotation failed after closing the file: reopen it in place.
			if oerr := w.openFile(); oerr != nil {
				return 0, oerr
			}
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// Size returns the current log file size.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	// Shift 2->3, 1->2, then current -> .1
	for i := w.maxFiles - 1; i >= 1; i-- {
		for _, ext := range []string{"", ".gz"} {
			oldPath := w.rotatedPath(i) + ext
			newPath := w.rotatedPath(i+1) + ext
			if _, err := os.Stat(oldPath); err == nil {
				if err := os.Rename(oldPath, newPath); err != nil {
					return fmt.Errorf("failed to shift log file: %w", err)
				}
			}
		}
	}

	rotated := w.rotatedPath(1)
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if w.compress {
		go compressFile(rotated)
	}

	// Drop anything beyond the retention window.
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		_ = os.Remove(w.rotatedPath(i))
		_ = os.Remove(w.rotatedPath(i) + ".gz")
	}

	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	// #nosec G304 - path derives from configured log dir + sanitized name
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func compressFile(path string) {
	data, err := os.ReadFile(path) // #nosec G304 - our own rotated log
	if err != nil {
		return
	}
	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath) // #nosec G304
	if err != nil {
		return
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := gzWriter.Write(data); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	if err := gzWriter.Close(); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	_ = os.Remove(path)
}

// StderrLog creates the rotating stderr sink for one stream.
func StderrLog(logDir, streamName string) (io.WriteCloser, error) {
	path := filepath.Join(logDir, fmt.Sprintf("ffmpeg-%s.log", streamName))
	return NewRotatingWriter(path, WithCompression(true))
}

// RemoveStderrLogs deletes a stream's stderr log and its rotated copies.
// Called when the stream is finalized.
func RemoveStderrLogs(logDir, streamName string) {
	base := filepath.Join(logDir, fmt.Sprintf("ffmpeg-%s.log", streamName))
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}
	prefix := filepath.Base(base)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == prefix || strings.HasPrefix(e.Name(), prefix+".") {
			_ = os.Remove(filepath.Join(logDir, e.Name()))
		}
	}
}
