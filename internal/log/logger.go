// Package log provides configurable logging for tasklive with console, file, and database backends.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds all logging configuration.
type Config struct {
	Mode   string // "console", "file", "database"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json" (for console/file only)

	// File-specific
	FilePath   string
	MaxSizeMB  int // Rotate when file exceeds this size
	MaxBackups int // Keep at most this many rotated files

	// Database-specific
	DBPath        string // Path to the SQLite log database
	RetentionDays int    // Delete entries older than this

	// Buffer-specific
	BufferLines int // In-memory buffer size (0 to disable)
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:          "console",
		Level:         "info",
		Format:        "text",
		FilePath:      "tasklive.log",
		MaxSizeMB:     50,
		MaxBackups:    3,
		DBPath:        "tasklive-log.db",
		RetentionDays: 7,
		BufferLines:   200,
	}
}

// ApplyEnv overrides cfg fields from TASKLIVE_LOG_* environment variables.
func (cfg *Config) ApplyEnv() {
	if v := os.Getenv("TASKLIVE_LOG_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("TASKLIVE_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("TASKLIVE_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("TASKLIVE_LOG_FILE"); v != "" {
		cfg.FilePath = v
	}
	if v := os.Getenv("TASKLIVE_LOG_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKLIVE_LOG_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BufferLines = n
		}
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	closer        io.Closer
	mu            sync.RWMutex
)

// Init initializes the global logger with the given configuration.
// A previously initialized file or database backend is closed.
func Init(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	var handler slog.Handler
	level := ParseLevel(cfg.Level)

	var next io.Closer
	switch cfg.Mode {
	case "file":
		h, err := NewFileHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, next = h, h
	case "database":
		h, err := NewDBHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, next = h, h
	default:
		handler = NewConsoleHandler(os.Stderr, cfg, level)
	}

	if cfg.BufferLines > 0 {
		logBuffer = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, logBuffer)
	} else {
		logBuffer = nil
	}

	if closer != nil {
		closer.Close()
	}
	closer = next

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

// Close releases the file or database backend, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// GetBufferedLogs returns the last n lines from the log buffer.
// Returns nil if buffer is disabled.
func GetBufferedLogs(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Lines(n)
}
