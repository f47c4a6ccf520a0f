// Package applog sets up the relay's structured logging: slog records go to a
// per-day file under the log directory and, optionally, to the console.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FilePrefix names the relay's log files: pi-control-YYYY-MM-DD.log.
const FilePrefix = "pi-control-"

// Service is attached to every record so logs shipped off the Pi can be told
// apart from the device agent's own.
const Service = "pi-control"

const defaultMaxFiles = 7

// Rotator is an io.Writer over one log file per calendar day. When a new day's
// file is opened, files beyond the newest maxFiles are removed.
type Rotator struct {
	mu       sync.Mutex
	dir      string
	maxFiles int
	day      string
	file     *os.File
	now      func() time.Time
}

func NewRotator(dir string, maxFiles int) *Rotator {
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	return &Rotator{dir: dir, maxFiles: maxFiles, now: time.Now}
}

// SetNow replaces the time source. Used in tests only.
func (r *Rotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	r.now = fn
	r.mu.Unlock()
}

// Path returns the file currently written to, or "" before the first write.
func (r *Rotator) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if day := r.now().Format(time.DateOnly); day != r.day || r.file == nil {
		if err := r.open(day); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *Rotator) open(day string) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(filepath.Join(r.dir, FilePrefix+day+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file, r.day = f, day
	r.removeOld()
	return nil
}

// removeOld relies on the date stamp sorting lexically.
func (r *Rotator) removeOld() {
	files, err := filepath.Glob(filepath.Join(r.dir, FilePrefix+"*.log"))
	if err != nil || len(files) <= r.maxFiles {
		return
	}
	slices.Sort(files)
	for _, name := range files[:len(files)-r.maxFiles] {
		os.Remove(name)
	}
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

type InitConfig struct {
	LogDir   string
	LogLevel string
	// Format is "text" (default) or "json".
	Format string
	// MaxFiles is how many daily files to keep. Zero keeps a week.
	MaxFiles int
	// Version is attached to every record when set.
	Version string
	// Console mirrors every record to this writer as well, e.g. os.Stderr
	// when the relay runs in the foreground under systemd.
	Console io.Writer
}

// Init points slog.Default and the stdlib log package at a Rotator in
// cfg.LogDir. The caller must Close the returned io.Closer.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewRotator(cfg.LogDir, cfg.MaxFiles)
	var out io.Writer = rotator
	if cfg.Console != nil {
		out = io.MultiWriter(rotator, cfg.Console)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler).With("service", Service)
	if cfg.Version != "" {
		logger = logger.With("version", cfg.Version)
	}
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// ParseLevel maps debug, info, warn(ing) and error to slog levels. Anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
