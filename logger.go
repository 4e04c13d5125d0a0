package mutrun

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Logger wraps slog.Logger with mutrun-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that writes JSON to w (stderr if nil).
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable text to w (stderr if nil).
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithGeneration adds a generation field to the logger.
func (l *Logger) WithGeneration(gen int64) *Logger {
	return &Logger{
		Logger: l.Logger.With("generation", gen),
	}
}

// WithChromosome adds a chromosome field to the logger.
func (l *Logger) WithChromosome(id uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("chromosome", id),
	}
}

// LogTally logs a population tally.
func (l *Logger) LogTally(ctx context.Context, runs int, cached bool, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "tally failed", "error", err)
		return
	}
	l.DebugContext(ctx, "tally completed",
		"runs", runs,
		"cached", cached,
		"duration", d,
	)
}

// LogCollect logs a collection pass.
func (l *Logger) LogCollect(ctx context.Context, lost, fixed, released int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "collect failed", "error", err)
		return
	}
	l.DebugContext(ctx, "collect completed",
		"lost", lost,
		"fixed", fixed,
		"released", released,
		"duration", d,
	)
}

// LogUnique logs a uniquing pass.
func (l *Logger) LogUnique(ctx context.Context, runs, repointed, released int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "unique failed", "error", err)
		return
	}
	l.InfoContext(ctx, "unique completed",
		"runs", runs,
		"repointed", repointed,
		"released", released,
		"duration", d,
	)
}

// LogResegment logs a split or join.
func (l *Logger) LogResegment(ctx context.Context, op string, chromosome uint32, slots int, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"chromosome", chromosome,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, op+" completed",
		"chromosome", chromosome,
		"slots", slots,
	)
}

// LogSnapshot logs a snapshot save or load.
func (l *Logger) LogSnapshot(ctx context.Context, op, name string, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot "+op+" failed",
			"name", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "snapshot "+op,
		"name", name,
		"size", humanize.Bytes(uint64(bytes)),
	)
}

// LogFault logs the fatal error that failed the engine.
func (l *Logger) LogFault(ctx context.Context, op string, err error) {
	l.ErrorContext(ctx, "engine failed",
		"op", op,
		"error", err,
	)
}
