package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405"

// RotationConfig describes a size-rotated log file.
type RotationConfig struct {
	Path       string
	MaxSizeMB  int  // rotate once the file would exceed this size
	MaxAgeDays int  // delete backups older than this, 0 keeps them
	Compress   bool // gzip backups after rotation

	maxBytes int64            // overrides MaxSizeMB in tests
	now      func() time.Time // clock used for backup names and age checks
}

// RotatingWriter appends to Path and moves it aside to Path.<timestamp>
// when the next write would exceed the size limit. Compression and pruning
// of backups run in the background; Close waits for them.
type RotatingWriter struct {
	mu      sync.Mutex
	cfg     RotationConfig
	maxSize int64
	file    *os.File
	size    int64
	pending sync.WaitGroup
}

// NewRotatingWriter opens (or creates) the log file and prunes expired
// backups left by earlier processes.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	maxSize := cfg.maxBytes
	if maxSize <= 0 {
		maxSize = int64(cfg.MaxSizeMB) * 1024 * 1024
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, size, err := openLogFile(cfg.Path)
	if err != nil {
		return nil, err
	}

	w := &RotatingWriter{cfg: cfg, maxSize: maxSize, file: file, size: size}
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		w.cleanup()
	}()
	return w, nil
}

func openLogFile(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write appends p, rotating first when p would push the file over the
// limit. A single oversized write still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the log file and waits for background compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.pending.Wait()
	return err
}

// rotate must be called with mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	backup := w.backupName()
	if err := os.Rename(w.cfg.Path, backup); err != nil {
		return err
	}

	file, size, err := openLogFile(w.cfg.Path)
	if err != nil {
		return err
	}
	w.file = file
	w.size = size

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if w.cfg.Compress {
			_ = compressFile(backup)
		}
		w.cleanup()
	}()
	return nil
}

// backupName returns an unused Path.<timestamp>[-n] name.
func (w *RotatingWriter) backupName() string {
	base := w.cfg.Path + "." + w.cfg.now().Format(backupTimeFormat)
	name := base
	for i := 1; ; i++ {
		_, errPlain := os.Stat(name)
		_, errGz := os.Stat(name + ".gz")
		if os.IsNotExist(errPlain) && os.IsNotExist(errGz) {
			return name
		}
		name = base + "-" + strconv.Itoa(i)
	}
}

// compressFile gzips path to path.gz and removes path.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path+".gz"); err != nil {
		return err
	}
	return os.Remove(path)
}

// backups lists rotated files of this log, compressed or not.
func (w *RotatingWriter) backups() []string {
	matches, err := filepath.Glob(w.cfg.Path + ".*")
	if err != nil {
		return nil
	}
	out := matches[:0]
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			continue
		}
		out = append(out, m)
	}
	return out
}

// cleanup deletes backups whose modification time is older than MaxAgeDays.
func (w *RotatingWriter) cleanup() {
	if w.cfg.MaxAgeDays <= 0 {
		return
	}
	cutoff := w.cfg.now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	for _, path := range w.backups() {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}
