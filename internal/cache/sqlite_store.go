package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	mode        TEXT NOT NULL,
	payload     BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// SQLiteStore is the embedded persistent backend: a single-file keyed
// store surviving engine restarts without an external service.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use
// ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing connection; used by tests.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sqlx.NewDb(db, "sqlite3")}
}

func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	var row struct {
		Payload   []byte `db:"payload"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT payload, expires_at FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	if time.Now().Unix() > row.ExpiresAt {
		// Expired rows are misses; removal happens on the next Set/sweep.
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(row.Payload, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

func (s *SQLiteStore) Set(ctx context.Context, entry *Entry, _ time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, query, mode, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   query = excluded.query, mode = excluded.mode, payload = excluded.payload,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		entry.Fingerprint, entry.Query, entry.Mode, payload,
		entry.CreatedAt.Unix(), entry.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}

	// Lazy eviction piggybacks on writes.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, time.Now().Unix())
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
