// Package sqlitestore provides a SQLite-backed durable.KV.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/types"
)

// DefaultMaxBytes is the budget used when Open is given none.
const DefaultMaxBytes = 5 << 20

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// usage counts bytes, not characters, for both columns.
const usage = `SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(value)), 0) FROM kv`

// Store keeps records in a single kv table and enforces a byte budget over
// the sum of key and value lengths.
type Store struct {
	sqlDB    *sql.DB
	maxBytes int64
}

var _ durable.CapacityReporter = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string, maxBytes int64) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// the budget check and the write must not interleave with another writer
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &Store{sqlDB: sqlDB, maxBytes: maxBytes}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.StorageUnavailable(fmt.Errorf("get %s: %w", key, err))
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return types.StorageUnavailable(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var used int64
	if err := tx.QueryRowContext(ctx, usage).Scan(&used); err != nil {
		return types.StorageUnavailable(fmt.Errorf("measure usage: %w", err))
	}

	var old int64
	err = tx.QueryRowContext(ctx,
		`SELECT length(CAST(key AS BLOB)) + length(value) FROM kv WHERE key = ?`, key,
	).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return types.StorageUnavailable(fmt.Errorf("measure %s: %w", key, err))
	}

	if used-old+int64(len(key)+len(value)) > s.maxBytes {
		return types.QuotaExceeded(fmt.Errorf("write of %d bytes exceeds %d byte budget", len(value), s.maxBytes))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return types.StorageUnavailable(fmt.Errorf("put %s: %w", key, err))
	}
	if err := tx.Commit(); err != nil {
		return types.StorageUnavailable(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return types.StorageUnavailable(fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix,
	)
	if err != nil {
		return nil, types.StorageUnavailable(fmt.Errorf("list keys: %w", err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, types.StorageUnavailable(fmt.Errorf("scan key: %w", err))
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageUnavailable(fmt.Errorf("iterate keys: %w", err))
	}
	return keys, nil
}

func (s *Store) Capacity(ctx context.Context) (durable.Capacity, error) {
	var used int64
	if err := s.sqlDB.QueryRowContext(ctx, usage).Scan(&used); err != nil {
		return durable.Capacity{}, types.StorageUnavailable(fmt.Errorf("measure usage: %w", err))
	}
	return durable.Capacity{TotalBytes: s.maxBytes, UsedBytes: used}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
