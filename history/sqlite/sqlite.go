// Package sqlite persists extension host history to a SQLite database using
// the pure-Go driver, so hosts get durable history without cgo.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/GoCodeAlone/exthost/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS exthost_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind             TEXT    NOT NULL,
	extension_id     TEXT    NOT NULL DEFAULT '',
	activation_event TEXT    NOT NULL DEFAULT '',
	generation       INTEGER NOT NULL DEFAULT 0,
	success          INTEGER NOT NULL DEFAULT 0,
	reason           TEXT    NOT NULL DEFAULT '',
	duration_us      INTEGER NOT NULL DEFAULT 0,
	occurred_at      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exthost_history_kind ON exthost_history(kind);
CREATE INDEX IF NOT EXISTS idx_exthost_history_extension ON exthost_history(extension_id);
`

// Sink writes history events to a SQLite database file. The zero value is
// not usable; construct with Open.
type Sink struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema exists.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// churn under concurrent sends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// Send records one event.
func (s *Sink) Send(ctx context.Context, ev history.Event) error {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exthost_history
		 (kind, extension_id, activation_event, generation, success, reason, duration_us, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind),
		ev.ExtensionID,
		ev.ActivationEvent,
		int64(ev.Generation),
		boolToInt(ev.Success),
		ev.Reason,
		ev.Duration.Microseconds(),
		occurred.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording history event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, extension_id, activation_event, generation, success, reason, duration_us, occurred_at
		 FROM exthost_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []history.Event
	for rows.Next() {
		var (
			ev         history.Event
			kind       string
			success    int
			durationUS int64
			occurredAt string
		)
		if err := rows.Scan(&kind, &ev.ExtensionID, &ev.ActivationEvent, &ev.Generation,
			&success, &ev.Reason, &durationUS, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		ev.Kind = history.Kind(kind)
		ev.Success = success != 0
		ev.Duration = time.Duration(durationUS) * time.Microsecond
		if ts, err := time.Parse(time.RFC3339Nano, occurredAt); err == nil {
			ev.OccurredAt = ts
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Sink) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ history.Sink = (*Sink)(nil)
