// Package logger holds the slabtop process logger. slabtop owns the
// terminal, so log records only ever go to a dated file under the log
// directory, and nowhere at all unless enabled.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// L is the process logger. It discards everything until Init enables it.
// The slab system is handed L as its logger, so cache misuse reports land
// in the same file.
var L = discard()

const (
	filePrefix    = "slabtop-"
	fileSuffix    = ".log"
	dateLayout    = "2006-01-02"
	retentionDays = 30
)

var (
	mu   sync.Mutex
	file *os.File
)

// Options configures Init.
type Options struct {
	Enabled bool       // false discards all records
	Dir     string     // log directory, default ~/.slabtop/logs
	Level   slog.Level // minimum level written
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DefaultDir returns ~/.slabtop/logs.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".slabtop", "logs"), nil
}

// Init points L at today's JSON log file, removing files older than the
// retention window first. It returns the file path, or "" when disabled.
// Calling Init again closes the previous file.
func Init(opts Options) (string, error) {
	if err := Close(); err != nil {
		return "", err
	}
	if !opts.Enabled {
		return "", nil
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	now := time.Now()
	prune(dir, now)

	path := filepath.Join(dir, fileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}

	mu.Lock()
	file = f
	L = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: opts.Level}))
	mu.Unlock()
	return path, nil
}

// Close closes the log file, if any, and makes L discard again.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	L = discard()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

func fileName(day time.Time) string {
	return filePrefix + day.Format(dateLayout) + fileSuffix
}

// fileDate extracts the day from a slabtop-YYYY-MM-DD.log name.
func fileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(dateLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// prune removes slabtop log files dated before the retention window and
// returns how many it removed. Errors are ignored; pruning is best-effort.
func prune(dir string, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := fileDate(entry.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil || errors.Is(err, os.ErrNotExist) {
			removed++
		}
	}
	return removed
}

// Debug logs at debug level through L.
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Info logs at info level through L.
func Info(msg string, args ...any) { current().Info(msg, args...) }

// Warn logs at warn level through L.
func Warn(msg string, args ...any) { current().Warn(msg, args...) }

// Error logs at error level through L.
func Error(msg string, args ...any) { current().Error(msg, args...) }

func current() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return L
}
