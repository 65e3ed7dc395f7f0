// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session and event-ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-relay/internal/relay"
)

const defaultEventLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			thread_id           TEXT PRIMARY KEY,
			channel_id          TEXT NOT NULL,
			mode                TEXT NOT NULL,
			upstream_session_id TEXT NOT NULL DEFAULT '',
			turns               INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL,
			last_activity       TEXT NOT NULL,

			CHECK (mode IN ('remote', 'local'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity DESC);

		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_thread_seq ON events(thread_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveSession inserts or replaces a session record
func (s *SQLiteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	query := `
		INSERT INTO sessions (thread_id, channel_id, mode, upstream_session_id, turns, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			mode = excluded.mode,
			upstream_session_id = excluded.upstream_session_id,
			turns = excluded.turns,
			last_activity = excluded.last_activity
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ThreadID,
		rec.ChannelID,
		rec.Mode,
		rec.UpstreamSessionID,
		rec.Turns,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.LastActivity.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("saved session",
		"thread_id", rec.ThreadID,
		"mode", rec.Mode,
		"turns", rec.Turns,
	)
	return nil
}

// GetSession retrieves a session by thread id
func (s *SQLiteStore) GetSession(ctx context.Context, threadID string) (SessionRecord, error) {
	query := `
		SELECT thread_id, channel_id, mode, upstream_session_id, turns, created_at, last_activity
		FROM sessions
		WHERE thread_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, threadID)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// ListSessions returns all sessions, most recently active first
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	query := `
		SELECT thread_id, channel_id, mode, upstream_session_id, turns, created_at, last_activity
		FROM sessions
		ORDER BY last_activity DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var rec SessionRecord
	var createdAt, lastActivity string

	err := row.Scan(
		&rec.ThreadID,
		&rec.ChannelID,
		&rec.Mode,
		&rec.UpstreamSessionID,
		&rec.Turns,
		&createdAt,
		&lastActivity,
	)
	if err != nil {
		return SessionRecord{}, err
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return SessionRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return SessionRecord{}, fmt.Errorf("parsing last_activity: %w", err)
	}
	return rec, nil
}

// AppendEvent appends one event to the thread's ledger. The event is
// stored as JSON so replay returns exactly what the caller was sent.
func (s *SQLiteStore) AppendEvent(ctx context.Context, threadID string, ev relay.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	query := `INSERT INTO events (thread_id, type, payload, created_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		threadID,
		ev.Type.String(),
		string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// GetEvents returns ledger events for a thread after a sequence number
func (s *SQLiteStore) GetEvents(ctx context.Context, threadID string, afterSeq int64, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	query := `
		SELECT seq, thread_id, type, payload, created_at
		FROM events
		WHERE thread_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, threadID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var recs []EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload, createdAt, typ string
		if err := rows.Scan(&rec.Seq, &rec.ThreadID, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		rec.Type = typ
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decoding event payload: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
