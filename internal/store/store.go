// Package store wraps the embedded bbolt database that backs the token
// vault and audit log: bucket management and small transactional helpers
// shared by internal/tokenstore and internal/audit.
//
// Grounded on the teacher's internal/anonymizer bboltCache (cache.go):
// same bolt.Open/CreateBucketIfNotExists/View/Update shape, generalized
// from one fixed bucket to a named-bucket schema since the vault needs
// several (tokens, token_by_entity, token_by_normalized, entity_variants,
// audit_log).
package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Buckets used across the vault. Declared centrally so tokenstore and audit
// can't typo a bucket name out of sync with each other.
const (
	BucketTokens           = "tokens"
	BucketTokenByEntity    = "token_by_entity"
	BucketTokenByNormValue = "token_by_normalized"
	BucketEntityVariants   = "entity_variants"
	BucketAuditLog         = "audit_log"
	BucketVaultMeta        = "vault_meta"
)

var allBuckets = []string{
	BucketTokens,
	BucketTokenByEntity,
	BucketTokenByNormValue,
	BucketEntityVariants,
	BucketAuditLog,
	BucketVaultMeta,
}

// DB wraps a bbolt database opened with every vault bucket pre-created.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures all
// vault buckets exist.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	if err := b.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		b.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("store: initializing buckets: %w", err)
	}
	return &DB{bolt: b}, nil
}

// Close releases the underlying file handle.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(tx *bolt.Tx) error) error {
	return d.bolt.View(fn)
}

// Update runs fn in a read-write transaction. bbolt serializes all writers,
// so callers never need their own cross-request write lock.
func (d *DB) Update(fn func(tx *bolt.Tx) error) error {
	return d.bolt.Update(fn)
}

// Get is a single-bucket read helper; returns (nil, false) if the key is
// absent. The returned slice is a copy safe to use outside the transaction.
func (d *DB) Get(bucket, key string) ([]byte, bool, error) {
	var out []byte
	err := d.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		v := b.Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Put is a single-bucket write helper.
func (d *DB) Put(bucket, key string, value []byte) error {
	return d.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes a key; a no-op if it is absent.
func (d *DB) Delete(bucket, key string) error {
	return d.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in bucket in bbolt's byte-sorted
// key order. fn's slices are only valid for the duration of the callback.
func (d *DB) ForEach(bucket string, fn func(key, value []byte) error) error {
	return d.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.ForEach(fn)
	})
}
