package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"gfxlab/broker/internal/config"
)

// backupLayout yields names that sort chronologically as plain strings.
const backupLayout = "20060102T150405.000"

// rotatingWriter appends to one log file and moves it aside once it exceeds
// maxSize. Backups are named <path>.<utc time>[.zst].
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingWriter(cfg config.LoggingConfig) (*rotatingWriter, error) {
	var problems []string
	if cfg.MaxSizeMB <= 0 {
		problems = append(problems, fmt.Sprintf("max size must be positive, got %d MB", cfg.MaxSizeMB))
	}
	if cfg.MaxBackups < 0 {
		problems = append(problems, fmt.Sprintf("max backups must be non-negative, got %d", cfg.MaxBackups))
	}
	if cfg.MaxAgeDays < 0 {
		problems = append(problems, fmt.Sprintf("max age must be non-negative, got %d days", cfg.MaxAgeDays))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("log rotation: %s", strings.Join(problems, "; "))
	}
	w := &rotatingWriter{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

// open (re)opens the active file; flag picks append or truncate.
func (w *rotatingWriter) open(flag int) error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|flag, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file, w.size = file, info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	//1.- Rotate before the write that would overflow, never mid-line.
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *rotatingWriter) rotateLocked() error {
	if w.file == nil {
		return errors.New("log file not open")
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.path + "." + w.now().UTC().Format(backupLayout)
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	//1.- A failed compression keeps the plain backup rather than losing lines.
	if w.compress {
		if err := compressFile(backup, backup+".zst"); err == nil {
			os.Remove(backup)
		}
	}
	w.pruneLocked()
	return w.open(os.O_TRUNC)
}

// pruneLocked enforces the backup count and age limits. Errors are ignored
// since a stale backup never blocks logging.
func (w *rotatingWriter) pruneLocked() {
	if w.maxBackups == 0 && w.maxAge == 0 {
		return
	}
	backups, _ := filepath.Glob(w.path + ".*")
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	cutoff := w.now().Add(-w.maxAge)
	for i, name := range backups {
		if w.maxBackups > 0 && i >= w.maxBackups {
			os.Remove(name)
			continue
		}
		if w.maxAge <= 0 {
			continue
		}
		if info, err := os.Stat(name); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(name)
		}
	}
}

// compressFile writes a zstd copy of src to dst.
func compressFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	if _, err = io.Copy(enc, in); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
