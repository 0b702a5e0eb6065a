// Package history persists finished tool calls to SQLite for later
// inspection and export.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// maxContentLen bounds how much result content is stored per call.
const maxContentLen = 4096

// Record is one finished tool call.
type Record struct {
	ID        int64
	SessionID string
	Backend   string
	Tool      string
	Status    string
	Success   bool
	Duration  time.Duration
	Content   string
	CreatedAt time.Time
}

// Store is a SQLite-backed append-only call history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at dbPath and runs the
// schema migration. Use ":memory:" for an in-memory store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			backend     TEXT NOT NULL,
			tool        TEXT NOT NULL,
			status      TEXT NOT NULL,
			success     INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_created ON tool_calls(created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one finished call. Content longer than the storage bound
// is truncated.
func (s *Store) Record(_ context.Context, r Record) error {
	content := r.Content
	if len(content) > maxContentLen {
		content = content[:maxContentLen]
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO tool_calls (session_id, backend, tool, status, success, duration_ms, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		r.SessionID, r.Backend, r.Tool, r.Status, boolToInt(r.Success),
		r.Duration.Milliseconds(), content, createdAt.Format(time.RFC3339Nano),
	)
	return err
}

// BySession returns the calls recorded for one session, oldest first.
func (s *Store) BySession(_ context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, backend, tool, status, success, duration_ms, content, created_at FROM tool_calls WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune deletes calls older than cutoff and returns how many were removed.
func (s *Store) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM tool_calls WHERE created_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var success int
	var durationMS int64
	var createdStr string
	if err := rows.Scan(&r.ID, &r.SessionID, &r.Backend, &r.Tool, &r.Status,
		&success, &durationMS, &r.Content, &createdStr); err != nil {
		return Record{}, err
	}
	r.Success = success != 0
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
