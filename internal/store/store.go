// Package store keeps the history of processed files in SQLite so results
// can be looked up by file id after the request that produced them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forPelevin/voxprep/internal/types"
)

var ErrNotFound = errors.New("result not found")

// Store persists batch results as JSON documents keyed by file id.
type Store struct {
	db   *sql.DB
	path string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS results (
	file_id    TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL,
	filename   TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload    TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_results_batch ON results(batch_id)`,
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

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
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path is the database file the store was opened on.
func (s *Store) Path() string { return s.path }

// Save upserts res. Results without a file id were never processed and are
// not stored.
func (s *Store) Save(ctx context.Context, batchID string, res types.BatchResult) error {
	if res.FileID == "" {
		return nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO results (file_id, batch_id, filename, status, created_at, payload)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(file_id) DO UPDATE SET
	batch_id = excluded.batch_id,
	filename = excluded.filename,
	status = excluded.status,
	payload = excluded.payload`,
			res.FileID, batchID, res.Filename, string(res.Status), time.Now().UTC().Format(time.RFC3339Nano), string(payload))
		return err
	})
}

// Get returns the stored result for fileID or ErrNotFound.
func (s *Store) Get(ctx context.Context, fileID string) (types.BatchResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM results WHERE file_id = ?`, fileID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BatchResult{}, ErrNotFound
	}
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("query result: %w", err)
	}
	return decode(payload)
}

// Batch returns the results of one batch in insertion order.
func (s *Store) Batch(ctx context.Context, batchID string) ([]types.BatchResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM results WHERE batch_id = ? ORDER BY rowid`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	defer rows.Close()
	var out []types.BatchResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		res, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func decode(payload string) (types.BatchResult, error) {
	var res types.BatchResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return types.BatchResult{}, fmt.Errorf("decode stored result: %w", err)
	}
	return res, nil
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
