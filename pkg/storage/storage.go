package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sw33tLie/dockopt/internal/utils"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql  *sql.DB
	lock *utils.HistoryLock
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("history database path is empty")
	}
	lock, err := utils.NewHistoryLock(path)
	if err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS publish_events (
  id             INTEGER PRIMARY KEY,
  occurred_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  kind           TEXT NOT NULL CHECK (kind IN ('bulk','path','consent')),
  repository_url TEXT NOT NULL,
  paths          TEXT NOT NULL,
  reference      TEXT,
  message        TEXT,
  consent_id     TEXT,
  error          TEXT
);
CREATE INDEX IF NOT EXISTS idx_publish_time ON publish_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_publish_repo ON publish_events(repository_url, occurred_at);
    `); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db, lock: lock}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// RecordPublish appends one event. Writers in other processes are
// serialized through the history lock file.
func (d *DB) RecordPublish(ctx context.Context, e PublishEvent) error {
	if e.Kind == "" || e.RepositoryURL == "" {
		return errors.New("invalid publish event")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	paths, err := json.Marshal(nonNil(e.Paths))
	if err != nil {
		return err
	}

	release, err := d.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = d.sql.ExecContext(ctx,
		`INSERT INTO publish_events(occurred_at, kind, repository_url, paths, reference, message, consent_id, error) VALUES(?,?,?,?,?,?,?,?)`,
		e.OccurredAt.UTC().Format(time.RFC3339), e.Kind, e.RepositoryURL, string(paths),
		nullIfEmpty(e.Reference), nullIfEmpty(e.Message), nullIfEmpty(e.ConsentID), nullIfEmpty(e.Error))
	return err
}

// ListOptions controls selection when listing events.
type ListOptions struct {
	RepositoryURL string
	Kind          string
	Since         time.Time
	Limit         int
	FailedOnly    bool
}

// ListEvents returns the most recent events matching filters, newest first.
func (d *DB) ListEvents(ctx context.Context, opts ListOptions) ([]PublishEvent, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if opts.RepositoryURL != "" {
		where += " AND repository_url = ?"
		args = append(args, opts.RepositoryURL)
	}
	if opts.Kind != "" && opts.Kind != "all" {
		where += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if !opts.Since.IsZero() {
		where += " AND occurred_at >= ?"
		args = append(args, opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.FailedOnly {
		where += " AND error IS NOT NULL"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	q := "SELECT occurred_at, kind, repository_url, paths, reference, message, consent_id, error FROM publish_events " + where + " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublishEvent
	for rows.Next() {
		var (
			e                         PublishEvent
			occurredAt, paths         string
			ref, msg, consentID, fail sql.NullString
		)
		if err := rows.Scan(&occurredAt, &e.Kind, &e.RepositoryURL, &paths, &ref, &msg, &consentID, &fail); err != nil {
			return nil, err
		}
		e.OccurredAt = parseTime(occurredAt)
		if err := json.Unmarshal([]byte(paths), &e.Paths); err != nil {
			utils.Log.Debugf("Bad paths column %q: %v", paths, err)
		}
		e.Reference = ref.String
		e.Message = msg.String
		e.ConsentID = consentID.String
		e.Error = fail.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DB) GetStats(ctx context.Context) ([]KindStats, error) {
	query := `
		SELECT
			kind,
			COUNT(*),
			COUNT(reference),
			COUNT(error),
			MAX(occurred_at)
		FROM
			publish_events
		GROUP BY
			kind
		ORDER BY
			kind;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []KindStats
	for rows.Next() {
		var s KindStats
		var last string
		if err := rows.Scan(&s.Kind, &s.Total, &s.WithLink, &s.Failed, &last); err != nil {
			return nil, err
		}
		s.LastAt = parseTime(last)
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// parseTime accepts RFC3339 (what we write) and SQLite's CURRENT_TIMESTAMP format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
