package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createLogsTableSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    component TEXT,
    user_id TEXT,
    room TEXT,
    extra TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_room ON logs(room);
`

// DBHandler writes logs to a SQLite database. The component, user_id
// and room attributes get their own columns; everything else is stored
// as a JSON object in extra.
type DBHandler struct {
	mu        sync.Mutex
	db        *sql.DB
	stmt      *sql.Stmt
	retention int
	level     slog.Level
	attrs     []slog.Attr
	done      chan struct{}
	closeOnce sync.Once
}

// NewDBHandler opens (or creates) the log database and starts the
// hourly retention sweep.
func NewDBHandler(cfg *Config, level slog.Level) (*DBHandler, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}

	if _, err := db.Exec(createLogsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logs table: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO logs (timestamp, level, message, component, user_id, room, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	h := &DBHandler{
		db:        db,
		stmt:      stmt,
		retention: cfg.RetentionDays,
		level:     level,
		done:      make(chan struct{}),
	}
	go h.cleanupLoop(time.Hour)
	return h, nil
}

// Enabled reports whether the handler handles records at the given level.
func (h *DBHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle inserts the record.
func (h *DBHandler) Handle(ctx context.Context, r slog.Record) error {
	var component, userID, room, extra sql.NullString
	extraData := make(map[string]any)

	collect := func(a slog.Attr) bool {
		switch a.Key {
		case "component":
			component = sql.NullString{String: a.Value.String(), Valid: true}
		case "user_id":
			userID = sql.NullString{String: a.Value.String(), Valid: true}
		case "room":
			room = sql.NullString{String: a.Value.String(), Valid: true}
		default:
			extraData[a.Key] = a.Value.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	if len(extraData) > 0 {
		data, err := json.Marshal(extraData)
		if err == nil {
			extra = sql.NullString{String: string(data), Valid: true}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.stmt.Exec(
		r.Time.UTC().Format(time.RFC3339),
		r.Level.String(),
		r.Message,
		component,
		userID,
		room,
		extra,
	)
	return err
}

// WithAttrs returns a handler that adds attrs to every row.
func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dbChild{parent: h, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

// WithGroup ignores grouping; rows are flat.
func (h *DBHandler) WithGroup(name string) slog.Handler {
	return h
}

// dbChild shares the parent's connection and statement.
type dbChild struct {
	parent *DBHandler
	attrs  []slog.Attr
}

func (c *dbChild) Enabled(ctx context.Context, level slog.Level) bool {
	return c.parent.Enabled(ctx, level)
}

func (c *dbChild) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(c.attrs...)
	return c.parent.Handle(ctx, r)
}

func (c *dbChild) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dbChild{parent: c.parent, attrs: append(append([]slog.Attr{}, c.attrs...), attrs...)}
}

func (c *dbChild) WithGroup(name string) slog.Handler {
	return c
}

func (h *DBHandler) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.runCleanup()
		case <-h.done:
			return
		}
	}
}

// runCleanup deletes rows older than the retention window.
func (h *DBHandler) runCleanup() {
	cutoff := time.Now().UTC().AddDate(0, 0, -h.retention).Format(time.RFC3339)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.db.Exec("DELETE FROM logs WHERE timestamp < ?", cutoff)
}

// Close stops the retention sweep and closes the database.
func (h *DBHandler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stmt.Close()
		err = h.db.Close()
	})
	return err
}
