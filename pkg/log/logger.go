// Package log provides structured logging utilities for the stratumtest client.
// It wraps the standard library's slog package with protocol-aware helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

// RunIDKey is the context key under which the current run identifier is stored
const RunIDKey contextKey = "run_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// WithContext returns a logger carrying the run id found in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if runID := ctx.Value(RunIDKey); runID != nil {
		logger = logger.With("run_id", runID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with account and worker fields
func (l *Logger) WithMiner(account, worker string) *Logger {
	return l.WithFields("account", account, "worker_name", worker)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol lines (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs a synthetic share submission
func (l *Logger) LogShareSubmission(messageID uint64, jobID, extraNonce2, ntime, nonce string) {
	l.Info("share submitted",
		"message_id", messageID,
		"job_id", jobID,
		"extranonce2", extraNonce2,
		"ntime", ntime,
		"nonce", nonce,
	)
}

// LogShareResult logs the server's verdict on a submitted share
func (l *Logger) LogShareResult(messageID uint64, accepted bool, reason string) {
	if accepted {
		l.Debug("share accepted", "message_id", messageID)
		return
	}
	l.Warn("share rejected", "message_id", messageID, "reason", reason)
}

// LogJobReceived logs a new job announced by the server
func (l *Logger) LogJobReceived(jobID, ntime string) {
	l.Info("job received",
		"job_id", jobID,
		"ntime", ntime,
	)
}
