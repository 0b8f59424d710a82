// Package boltstore persists cache snapshots in a single bbolt database file.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/Hamidon94/ultra.dogwalking-sub001/backend"
)

var bucketSnapshots = []byte("snapshots")

// Store implements backend.Backend on top of bbolt. Keys map 1:1 to bucket keys.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketSnapshots, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Debug("opened snapshot store", "path", path, "noSync", s.noSync)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing snapshot store")
	return s.db.Close()
}

// Write stores the contents of r at key, replacing any previous value.
func (s *Store) Write(ctx context.Context, key string, r io.Reader) error {
	if err := backend.ValidateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(key), data)
	})
}

// Read returns the value at key. The bytes are copied out of the transaction.
func (s *Store) Read(_ context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v == nil {
			return backend.ErrNotFound
		}
		data = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(key))
	})
}

// Exists reports whether key is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketSnapshots).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Size returns the stored length of key.
func (s *Store) Size(_ context.Context, key string) (int64, error) {
	var size int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v == nil {
			return backend.ErrNotFound
		}
		size = int64(len(v))
		return nil
	})
	return size, err
}

// List returns keys under prefix in byte order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	seek := []byte(strings.TrimSuffix(prefix, "/"))
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, _ := c.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, _ = c.Next() {
			if backend.HasPrefix(string(k), prefix) {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	return keys, err
}

var _ backend.SizeAwareBackend = (*Store)(nil)
