// Package catalog indexes recorded sessions in SQLite for listing and tag suggestions.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"adalog/internal/models"
)

// Session statuses
const (
	StatusRecording = "recording"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	tags TEXT NOT NULL,
	startedAt REAL NOT NULL,
	endedAt REAL,
	dir TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'recording',
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject, startedAt);
`

// Entry is one catalogued session
type Entry struct {
	ID        uuid.UUID  `json:"id"`
	Subject   string     `json:"subject"`
	Tags      []string   `json:"tags"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Dir       string     `json:"dir"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// Store is the session catalog
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("catalog.Open: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog.Open: open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog.Open: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a session that has just started
func (s *Store) Record(ctx context.Context, sess *models.Session) error {
	tags, err := json.Marshal(sess.Tags)
	if err != nil {
		return fmt.Errorf("catalog.Record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject, tags, startedAt, dir, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID.String(), sess.SubjectID, string(tags), unixFromTime(sess.StartedAt), sess.Dir, StatusRecording)
	if err != nil {
		return fmt.Errorf("catalog.Record: %w", err)
	}
	return nil
}

// UpdateTags replaces the tags of a session
func (s *Store) UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error {
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("catalog.UpdateTags: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET tags = ? WHERE id = ?`, string(encoded), id.String()); err != nil {
		return fmt.Errorf("catalog.UpdateTags: %w", err)
	}
	return nil
}

// Complete marks a session finished; a non-nil cause marks it failed
func (s *Store) Complete(ctx context.Context, id uuid.UUID, endedAt time.Time, cause error) error {
	status := StatusCompleted
	var errText sql.NullString
	if cause != nil {
		status = StatusFailed
		errText = sql.NullString{String: cause.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET endedAt = ?, status = ?, error = ? WHERE id = ?
	`, unixFromTime(endedAt), status, errText, id.String())
	if err != nil {
		return fmt.Errorf("catalog.Complete: %w", err)
	}
	return nil
}

// Get returns one session, or nil if it is unknown
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, tags, startedAt, endedAt, dir, status, error
		FROM sessions
		WHERE id = ?
	`, id.String())

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog.Get: %w", err)
	}
	return e, nil
}

// List returns sessions newest first; an empty subject lists every subject
func (s *Store) List(ctx context.Context, subject string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, tags, startedAt, endedAt, dir, status, error
		FROM sessions
		WHERE ? = '' OR subject = ?
		ORDER BY startedAt DESC
	`, subject, subject)
	if err != nil {
		return nil, fmt.Errorf("catalog.List: query sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog.List: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// TagsForSubject suggests the tags a subject has used before, most frequent first
func (s *Store) TagsForSubject(ctx context.Context, subject string) ([]string, error) {
	entries, err := s.List(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("catalog.TagsForSubject: %w", err)
	}

	counts := make(map[string]int)
	for _, e := range entries {
		for _, tag := range e.Tags {
			counts[tag]++
		}
	}

	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	return tags, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e         Entry
		id        string
		tags      string
		startedAt float64
		endedAt   sql.NullFloat64
		errText   sql.NullString
	)
	if err := row.Scan(&id, &e.Subject, &tags, &startedAt, &endedAt, &e.Dir, &e.Status, &errText); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("scan session id %q: %w", id, err)
	}
	e.ID = parsed
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("scan session tags: %w", err)
	}
	e.StartedAt = timeFromUnix(startedAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		e.EndedAt = &t
	}
	if errText.Valid {
		e.Error = errText.String
	}
	return &e, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func timeFromUnix(ts float64) time.Time {
	return time.UnixMicro(int64(ts*1e6 + 0.5)).UTC()
}
