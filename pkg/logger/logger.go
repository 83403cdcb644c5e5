package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level  string
	Format string
	// OutputPaths accepts "stdout", "stderr" or file paths. File outputs are
	// rotated with the default limits.
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls where job lifecycle and alert records are written.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type state struct {
	base    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *state
)

// Init configures the global loggers. Calling it again replaces the previous
// configuration and closes its files.
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	if prev != nil {
		return closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (*state, error) {
	s := &state{}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}

	writer, err := s.openOutputs(cfg.OutputPaths)
	if err != nil {
		_ = closeAll(s.closers)
		return nil, err
	}
	if strings.EqualFold(cfg.Format, "text") {
		s.base = slog.New(slog.NewTextHandler(writer, opts))
	} else {
		s.base = slog.New(slog.NewJSONHandler(writer, opts))
	}

	s.audit = s.base
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			_ = closeAll(s.closers)
			return nil, errors.New("audit log path cannot be empty when enabled")
		}
		rw, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			_ = closeAll(s.closers)
			return nil, err
		}
		s.closers = append(s.closers, rw)
		s.audit = slog.New(slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}
	return s, nil
}

func (s *state) openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(strings.TrimSpace(path)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			rw, err := newRotatingWriter(path, 0, 0, 0)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			s.closers = append(s.closers, rw)
			writers = append(writers, rw)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func load() *state {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s != nil {
		return s
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the structured logger instance.
func L() *slog.Logger {
	return load().base
}

// Audit returns the audit logger. It falls back to L when no audit file is
// configured.
func Audit() *slog.Logger {
	return load().audit
}

// Sync closes the log files opened by Init. Loggers remain usable but file
// outputs reopen on the next write.
func Sync() error {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s == nil {
		return nil
	}
	return closeAll(s.closers)
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
