package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hls-publisher/internal/publisher"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `CREATE TABLE IF NOT EXISTS pending_uploads (
    namespace  TEXT NOT NULL,
    key        TEXT NOT NULL,
    payload    BLOB NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (namespace, key)
)`

// Entry is one upload waiting for redelivery.
type Entry struct {
	Namespace string
	Key       string
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists failed uploads in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the outbox database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure outbox directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue records p. A second entry for the same namespace and key replaces
// the payload, matching the overwrite semantics of the remote store.
func (s *Store) Enqueue(ctx context.Context, p publisher.Pending) error {
	if p.Key == "" {
		return errors.New("outbox: empty key")
	}
	now := time.Now().UTC().Format(timeLayout)
	return s.exec(ctx,
		`INSERT INTO pending_uploads (namespace, key, payload, attempts, last_error, created_at, updated_at)
         VALUES (?, ?, ?, 0, ?, ?, ?)
         ON CONFLICT(namespace, key) DO UPDATE SET
             payload = excluded.payload,
             last_error = excluded.last_error,
             updated_at = excluded.updated_at`,
		p.Namespace, p.Key, p.Payload, nullableString(p.LastError), now, now,
	)
}

// List returns up to limit entries, oldest first. A limit of zero or less
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT namespace, key, payload, attempts, last_error, created_at, updated_at
              FROM pending_uploads ORDER BY created_at, key`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			lastErr   sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&e.Namespace, &e.Key, &e.Payload, &e.Attempts, &lastErr, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pending upload: %w", err)
		}
		e.LastError = lastErr.String
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		e.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending uploads: %w", err)
	}
	return entries, nil
}

// Get returns the current entry for namespace and key.
func (s *Store) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	var (
		e         Entry
		lastErr   sql.NullString
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT namespace, key, payload, attempts, last_error, created_at, updated_at
         FROM pending_uploads WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&e.Namespace, &e.Key, &e.Payload, &e.Attempts, &lastErr, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get pending upload: %w", err)
	}
	e.LastError = lastErr.String
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	e.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return e, true, nil
}

// Resolve drops the entry for key after a newer write reached the store. It
// satisfies publisher.Outbox.
func (s *Store) Resolve(ctx context.Context, namespace, key string) error {
	return s.Delete(ctx, namespace, key)
}

// Delete removes a delivered entry.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	return s.exec(ctx, `DELETE FROM pending_uploads WHERE namespace = ? AND key = ?`, namespace, key)
}

// MarkFailed bumps the attempt counter after an unsuccessful redelivery.
func (s *Store) MarkFailed(ctx context.Context, namespace, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.exec(ctx,
		`UPDATE pending_uploads SET attempts = attempts + 1, last_error = ?, updated_at = ?
         WHERE namespace = ? AND key = ?`,
		nullableString(msg), time.Now().UTC().Format(timeLayout), namespace, key,
	)
}

// Count reports how many entries are waiting.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_uploads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending uploads: %w", err)
	}
	return n, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
