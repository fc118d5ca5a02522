// Package logger provides structured logging for entrace
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with entrace-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "entrace").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// IngestLogger returns a logger for the ingest listener
func (l *Logger) IngestLogger() zerolog.Logger {
	return l.zlog.With().Str("component", "ingest").Logger()
}

// StoreLogger returns a logger for storage operations
func (l *Logger) StoreLogger(operation string) zerolog.Logger {
	return l.zlog.With().
		Str("component", "store").
		Str("operation", operation).
		Logger()
}

// QueryLogger returns a logger for query execution
func (l *Logger) QueryLogger() zerolog.Logger {
	return l.zlog.With().Str("component", "query").Logger()
}

// LogQuery logs a completed query with structured fields
func (l *Logger) LogQuery(workers int, duration time.Duration, resultCount int, err error) {
	event := l.zlog.Info().
		Str("component", "query").
		Int("workers", workers).
		Dur("duration_ms", duration).
		Int("result_count", resultCount)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "query").
			Int("workers", workers).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("query completed")
}

// LogServerStart logs ingest server startup
func (l *Logger) LogServerStart(addr string, out string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("addr", addr).
		Str("output", out).
		Msg("entrace ingest server starting")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown(spanCount int) {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Int("span_count", spanCount).
		Msg("entrace ingest server shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
