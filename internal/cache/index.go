package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"sasi-cats/internal/logging"
)

const indexTimeout = 5 * time.Second

// Record is one published artifact as stored in the index.
type Record struct {
	Key       Key
	Source    string
	Workflow  string
	RelPath   string // relative to the cache root
	Size      int64
	CreatedAt time.Time
}

// Index is the durable list of published artifacts.
type Index struct {
	db   *sql.DB
	path string
}

// OpenIndex opens (creating if needed) the sqlite index at path.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close cache index after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to cache index: %w", err)
	}

	// one writer at a time; the store serializes writes anyway
	db.SetMaxOpenConns(1)

	ix := &Index{db: db, path: path}
	if err := ix.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close cache index after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize cache index schema: %w", err)
	}

	return ix, nil
}

func (ix *Index) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		key TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		workflow TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_source ON artifacts(source);
	`
	_, err := ix.db.ExecContext(ctx, schema)
	return err
}

// Put inserts or replaces the record for r.Key.
func (ix *Index) Put(ctx context.Context, r Record) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO artifacts (key, source, workflow, rel_path, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source = excluded.source,
			workflow = excluded.workflow,
			rel_path = excluded.rel_path,
			size = excluded.size,
			created_at = excluded.created_at
	`, string(r.Key), r.Source, r.Workflow, r.RelPath, r.Size, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("index put %s: %w", r.Key.Short(), err)
	}
	return nil
}

// Delete removes the record for key. Deleting a missing key is not an error.
func (ix *Index) Delete(ctx context.Context, key Key) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	if _, err := ix.db.ExecContext(ctx, `DELETE FROM artifacts WHERE key = ?`, string(key)); err != nil {
		return fmt.Errorf("index delete %s: %w", key.Short(), err)
	}
	return nil
}

// All returns every record, oldest first.
func (ix *Index) All(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	rows, err := ix.db.QueryContext(ctx, `
		SELECT key, source, workflow, rel_path, size, created_at
		FROM artifacts
		ORDER BY created_at, key
	`)
	if err != nil {
		return nil, fmt.Errorf("index list: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("failed to close index rows: %v", closeErr)
		}
	}()

	var records []Record
	for rows.Next() {
		var r Record
		var key string
		var created int64
		if err := rows.Scan(&key, &r.Source, &r.Workflow, &r.RelPath, &r.Size, &created); err != nil {
			return nil, fmt.Errorf("index scan: %w", err)
		}
		r.Key = Key(key)
		r.CreatedAt = time.Unix(created, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Clear removes every record and returns how many were removed.
func (ix *Index) Clear(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	res, err := ix.db.ExecContext(ctx, `DELETE FROM artifacts`)
	if err != nil {
		return 0, fmt.Errorf("index clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Path returns the index file path.
func (ix *Index) Path() string {
	return ix.path
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
