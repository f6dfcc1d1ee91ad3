package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

type contextKey string

const (
	ContextKeyRunUUID contextKey = "run_uuid"
	ContextKeyIID     contextKey = "iid"
)

// Logger is the handle every stride component holds a reference to. It
// embeds *slog.Logger the way the teacher's SermonLogger does, but drops
// the sermon-uploader's timezone/sampling concerns in favor of the
// run-uuid/iid correlation this domain actually needs.
type Logger struct {
	*slog.Logger

	mu       sync.RWMutex
	config   *Config
	levelVar *slog.LevelVar
	metrics  *MetricsHandler
}

// New builds a Logger for serviceName ("stride-runner") using cfg.
func New(serviceName string, cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: levelVar, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.OutputFormat == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	handler = NewContextualHandler(handler)
	metricsHandler := NewMetricsHandler(handler)

	logger := slog.New(metricsHandler).With(
		slog.String("service", serviceName),
		slog.Int("pid", os.Getpid()),
	)

	return &Logger{
		Logger:   logger,
		config:   cfg,
		levelVar: levelVar,
		metrics:  metricsHandler,
	}, nil
}

// SetLevel changes the active level without rebuilding the handler chain.
func (l *Logger) SetLevel(level slog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levelVar.Set(level)
	l.config.Level = level
}

// Level returns the currently active level.
func (l *Logger) Level() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Level
}

// Counts returns the number of records emitted per level.
func (l *Logger) Counts() map[slog.Level]uint64 {
	return l.metrics.Counts()
}

// ForRun scopes a logger to a single run-uuid (spec §3 RunContext).
func (l *Logger) ForRun(runUUID string) *slog.Logger {
	return l.With(slog.String("run_uuid", runUUID))
}

// ForJob scopes a logger to a single instance id for one job (spec §3
// Job), mirroring the teacher's ForUpload(filename) convention.
func (l *Logger) ForJob(iid uint32) *slog.Logger {
	return l.With(slog.String("component", "job"), slog.Uint64("iid", uint64(iid)))
}

// ForFetch scopes a logger to instance-cache/server-client fetch activity.
func (l *Logger) ForFetch(iid uint32) *slog.Logger {
	return l.With(slog.String("component", "fetch"), slog.Uint64("iid", uint64(iid)))
}

// ForUpload scopes a logger to upload-queue activity.
func (l *Logger) ForUpload(iid uint32) *slog.Logger {
	return l.With(slog.String("component", "upload"), slog.Uint64("iid", uint64(iid)))
}

// ForSupervisor scopes a logger to a single supervised child process.
func (l *Logger) ForSupervisor(iid uint32, pid int) *slog.Logger {
	return l.With(slog.String("component", "supervisor"), slog.Uint64("iid", uint64(iid)), slog.Int("pid", pid))
}

// Trace logs at LevelTrace, below Debug, for per-row/per-byte detail that
// even `-l debug` shouldn't normally surface.
func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}
