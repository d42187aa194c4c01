package plog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/pgzip"
)

// RotatingWriter is an io.Writer that rotates the underlying file once it
// exceeds maxBytes. Rotated files are compressed with pgzip and kept as
// <path>.1.gz through <path>.<backups>.gz, oldest last.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

// NewRotatingWriter opens (or creates) the log file at path. maxBytes values
// below 1 KiB are raised to 1 KiB, backups values below 1 are raised to 1.
func NewRotatingWriter(path string, maxBytes int64, backups int) (*RotatingWriter, error) {
	if maxBytes < 1024 {
		maxBytes = 1024
	}
	if backups < 1 {
		backups = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log file %s: %w", path, err)
	}
	return &RotatingWriter{
		path:     path,
		maxBytes: maxBytes,
		backups:  backups,
		file:     f,
		size:     info.Size(),
	}, nil
}

// Write appends to the current log file, rotating first if the write would
// push it past the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size+int64(len(p)) > w.maxBytes && w.size > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close flushes and closes the current log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotate shifts existing compressed backups up by one slot, compresses the
// current file into slot 1 and reopens a fresh log file. Caller holds w.mu.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file for rotation: %w", err)
	}
	w.file = nil

	// Drop the oldest backup and shift the rest.
	oldest := fmt.Sprintf("%s.%d.gz", w.path, w.backups)
	_ = os.Remove(oldest)
	for i := w.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d.gz", w.path, i)
		dst := fmt.Sprintf("%s.%d.gz", w.path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}

	if err := compressFile(w.path, w.path+".1.gz"); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove rotated log file %s: %w", w.path, err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen log file %s: %w", w.path, err)
	}
	w.file = f
	w.size = 0
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s for compression: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compressed log %s: %w", dst, err)
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return fmt.Errorf("failed to compress log %s: %w", src, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize compressed log %s: %w", dst, err)
	}
	return out.Sync()
}
