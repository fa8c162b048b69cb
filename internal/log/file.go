package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileHandler writes logs to a file and rotates it into numbered
// backups (path.1 is the newest) once it grows past MaxSizeMB.
type FileHandler struct {
	mu    *sync.Mutex
	state *fileState
	inner slog.Handler
	attrs []slog.Attr
	group string
}

type fileState struct {
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	size       int64
	format     string
	level      slog.Level
}

// NewFileHandler creates a file handler with rotation.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	if dir := filepath.Dir(cfg.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}

	st := &fileState{
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxBackups: cfg.MaxBackups,
		format:     cfg.Format,
		level:      level,
	}
	if err := st.open(); err != nil {
		return nil, err
	}

	return &FileHandler{mu: &sync.Mutex{}, state: st}, nil
}

func (st *fileState) open() error {
	file, err := os.OpenFile(st.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	st.file = file
	st.size = info.Size()
	return nil
}

// Write implements io.Writer so the slog formatter can count bytes.
func (st *fileState) Write(p []byte) (int, error) {
	n, err := st.file.Write(p)
	st.size += int64(n)
	return n, err
}

// rotate shifts path.N-1 -> path.N, moves the live file to path.1 and
// reopens an empty live file. Backups beyond maxBackups are removed.
func (st *fileState) rotate() error {
	st.file.Close()

	if st.maxBackups <= 0 {
		os.Remove(st.path)
	} else {
		os.Remove(fmt.Sprintf("%s.%d", st.path, st.maxBackups))
		for i := st.maxBackups - 1; i >= 1; i-- {
			os.Rename(fmt.Sprintf("%s.%d", st.path, i), fmt.Sprintf("%s.%d", st.path, i+1))
		}
		if err := os.Rename(st.path, st.path+".1"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rename log file: %w", err)
		}
	}
	return st.open()
}

func (h *FileHandler) handler() slog.Handler {
	opts := &slog.HandlerOptions{Level: h.state.level}
	var inner slog.Handler
	if h.state.format == "json" {
		inner = slog.NewJSONHandler(h.state, opts)
	} else {
		inner = slog.NewTextHandler(h.state, opts)
	}
	if len(h.attrs) > 0 {
		inner = inner.WithAttrs(h.attrs)
	}
	if h.group != "" {
		inner = inner.WithGroup(h.group)
	}
	return inner
}

// Enabled reports whether the handler handles records at the given level.
func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.state.level
}

// Handle writes the record to the file, rotating first if necessary.
func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.size >= h.state.maxSize {
		if err := h.state.rotate(); err != nil {
			return err
		}
	}
	return h.handler().Handle(ctx, r)
}

// WithAttrs returns a handler sharing the same file with extra attributes.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup returns a handler sharing the same file under a group.
func (h *FileHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = name
	return &next
}

// Close closes the log file.
func (h *FileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.file == nil {
		return nil
	}
	err := h.state.file.Close()
	h.state.file = nil
	return err
}
