// Package boltstore implements internal/durable.Store over bbolt: a
// single-bucket wrapper with a connect timeout and Update/View
// transaction helpers.
package boltstore

import (
	"context"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/CLIAIRMONITOR/memcore/internal/durable"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

var bucketName = []byte("kv")

// Store is a durable.Store backed by a single bbolt file and bucket.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the bbolt file at path and its kv bucket.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "boltstore: open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, memerr.Wrap(memerr.KindInternal, "boltstore: create bucket", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return memerr.New(memerr.KindNotFound, "boltstore: key not found")
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "boltstore: put", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "boltstore: delete", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]durable.KV, error) {
	var out []durable.KV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			out = append(out, durable.KV{Key: string(k), Value: append([]byte(nil), v...)})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "boltstore: scan", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key }) // bbolt cursors are already ordered; sort documents the guarantee
	return out, nil
}

// Transaction runs fn against a single bbolt read-write transaction,
// committing only if fn returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(durable.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx})
	})
}

type txn struct {
	tx *bolt.Tx
}

func (t *txn) Get(key string) ([]byte, error) {
	v := t.tx.Bucket(bucketName).Get([]byte(key))
	if v == nil {
		return nil, memerr.New(memerr.KindNotFound, "boltstore: key not found")
	}
	return append([]byte(nil), v...), nil
}

func (t *txn) Put(key string, value []byte) error {
	return t.tx.Bucket(bucketName).Put([]byte(key), value)
}

func (t *txn) Delete(key string) error {
	return t.tx.Bucket(bucketName).Delete([]byte(key))
}

func (t *txn) Scan(prefix string, limit int) ([]durable.KV, error) {
	var out []durable.KV
	c := t.tx.Bucket(bucketName).Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
		out = append(out, durable.KV{Key: string(k), Value: append([]byte(nil), v...)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
