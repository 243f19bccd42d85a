package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lexiqai/live-transcriber/internal/transcript"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	saved_path TEXT
);

CREATE TABLE IF NOT EXISTS sentences (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	text TEXT NOT NULL,
	at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// SessionRecord is one archived capture session.
type SessionRecord struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	SavedPath string     `json:"saved_path,omitempty"`
}

// Archive keeps every session's sentences in SQLite.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the archive database at path.
func OpenArchive(ctx context.Context, path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Ping checks the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// BeginSession records a new session and returns a sink writing its sentences.
func (a *Archive) BeginSession(ctx context.Context, id, title string, started time.Time) (*ArchiveSession, error) {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, started_at) VALUES (?, ?, ?)`,
		id, title, started.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &ArchiveSession{archive: a, id: id}, nil
}

// EndSession stamps the end time and the final transcript path.
func (a *Archive) EndSession(ctx context.Context, id string, ended time.Time, savedPath string) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, saved_path = ? WHERE id = ?`,
		ended.UTC().Format(time.RFC3339Nano), nullString(savedPath), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session: unknown session %q", id)
	}
	return nil
}

// Sentences returns a session's sentences in emission order.
func (a *Archive) Sentences(ctx context.Context, sessionID string) ([]transcript.Sentence, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT timestamp, text, at
		FROM sentences
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query sentences: %w", err)
	}
	defer rows.Close()

	var sentences []transcript.Sentence
	for rows.Next() {
		var s transcript.Sentence
		var at string
		if err := rows.Scan(&s.Timestamp, &s.Text, &at); err != nil {
			return nil, fmt.Errorf("scan sentence: %w", err)
		}
		s.At, _ = time.Parse(time.RFC3339Nano, at)
		sentences = append(sentences, s)
	}
	return sentences, rows.Err()
}

// Sessions lists archived sessions, most recent first.
func (a *Archive) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, title, started_at, ended_at, saved_path
		FROM sessions
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var startedAt string
		var endedAt, savedPath sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Title, &startedAt, &endedAt, &savedPath); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if endedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
			rec.EndedAt = &t
		}
		rec.SavedPath = savedPath.String
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ArchiveSession is the Sink for one session's sentences.
type ArchiveSession struct {
	archive *Archive
	id      string

	mu  sync.Mutex
	seq int
}

// ID returns the archived session id.
func (s *ArchiveSession) ID() string {
	return s.id
}

func (s *ArchiveSession) Write(ctx context.Context, sentence transcript.Sentence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.archive.db.ExecContext(ctx,
		`INSERT INTO sentences (session_id, seq, timestamp, text, at) VALUES (?, ?, ?, ?, ?)`,
		s.id, s.seq, sentence.Timestamp, sentence.Text, sentence.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("archive sentence: %w", err)
	}
	s.seq++
	return nil
}

// Close is a no-op; the session row is completed by EndSession.
func (s *ArchiveSession) Close() error { return nil }
