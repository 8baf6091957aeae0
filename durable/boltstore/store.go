// Package boltstore provides a BoltDB-backed durable.KV.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/types"
)

const bucketName = "projections"

// DefaultMaxBytes is the budget used when Open is given none.
const DefaultMaxBytes = 5 << 20

// Store keeps records in a single bucket and enforces a byte budget over
// the sum of key and value lengths.
type Store struct {
	db       *bbolt.DB
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

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s bucket: %w", bucketName, err)
	}

	return &Store{db: db, maxBytes: maxBytes}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		if v := b.Get([]byte(key)); v != nil {
			// values are only valid for the life of the transaction
			out = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, types.StorageUnavailable(err)
	}
	return out, out != nil, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var quota error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}

		used := usedBytes(b) + int64(len(key)+len(value))
		if old := b.Get([]byte(key)); old != nil {
			used -= int64(len(key) + len(old))
		}
		if used > s.maxBytes {
			quota = types.QuotaExceeded(fmt.Errorf("write of %d bytes exceeds %d byte budget", len(value), s.maxBytes))
			return nil
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return types.StorageUnavailable(err)
	}
	return quota
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return types.StorageUnavailable(err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, types.StorageUnavailable(err)
	}
	return keys, nil
}

func (s *Store) Capacity(ctx context.Context) (durable.Capacity, error) {
	if err := ctx.Err(); err != nil {
		return durable.Capacity{}, err
	}

	var used int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx)
		if err != nil {
			return err
		}
		used = usedBytes(b)
		return nil
	})
	if err != nil {
		return durable.Capacity{}, types.StorageUnavailable(err)
	}
	return durable.Capacity{TotalBytes: s.maxBytes, UsedBytes: used}, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(bucketName))
	if b == nil {
		return nil, fmt.Errorf("%s bucket is missing", bucketName)
	}
	return b, nil
}

func usedBytes(b *bbolt.Bucket) int64 {
	var used int64
	_ = b.ForEach(func(k, v []byte) error {
		used += int64(len(k) + len(v))
		return nil
	})
	return used
}
