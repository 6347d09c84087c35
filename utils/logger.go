package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with consistent field names for descriptor,
// router and exchange operations
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// A nil handler logs text at Info level to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a human-readable Logger writing to w
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NoopLogger discards all output
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))}
}

// OrNoop returns l, or a NoopLogger if l is nil
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return NoopLogger()
	}
	return l
}

// WithRank tags all records with the reporting rank
func (l *Logger) WithRank(rank int) *Logger {
	return &Logger{Logger: l.Logger.With("rank", rank)}
}

// LogDescriptorBuild logs the outcome of a collective descriptor build
func (l *Logger) LogDescriptorBuild(ctx context.Context, id uint64, extent, localLength int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "descriptor build failed",
			"extent", extent,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "descriptor built",
		"descriptor", id,
		"extent", extent,
		"local_length", localLength,
	)
}

// LogRouterBuild logs the outcome of a collective router build
func (l *Logger) LogRouterBuild(ctx context.Context, id uint64, sendPeers, recvPeers, local int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "router build failed",
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "router built",
		"router", id,
		"send_peers", sendPeers,
		"recv_peers", recvPeers,
		"local_elements", local,
	)
}

// LogExchange logs the outcome of one rearrange call
func (l *Logger) LogExchange(ctx context.Context, router uint64, seq uint64, elements int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "exchange failed",
			"router", router,
			"seq", seq,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "exchange completed",
		"router", router,
		"seq", seq,
		"elements", elements,
	)
}
