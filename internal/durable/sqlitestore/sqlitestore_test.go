package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CLIAIRMONITOR/memcore/internal/durable"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, memerr.Is(err, memerr.KindNotFound))

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	require.NoError(t, s.Put(ctx, "a", []byte("2")))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v), "put on an existing key must overwrite")

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.True(t, memerr.Is(err, memerr.KindNotFound))
}

func TestStore_ScanDeterministicOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"memory:episodic:3", "memory:episodic:1", "memory:episodic:2", "memory:semantic:1"} {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}

	kvs, err := s.Scan(ctx, "memory:episodic:", 10)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	assert.Equal(t, []string{"memory:episodic:1", "memory:episodic:2", "memory:episodic:3"}, []string{kvs[0].Key, kvs[1].Key, kvs[2].Key})
}

func TestStore_ScanRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, "k"+string(rune('0'+i)), []byte("v")))
	}
	kvs, err := s.Scan(ctx, "k", 2)
	require.NoError(t, err)
	assert.Len(t, kvs, 2)
}

func TestStore_ScanZeroLimitIsUnbounded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, "k"+string(rune('0'+i)), []byte("v")))
	}

	kvs, err := s.Scan(ctx, "k", 0)
	require.NoError(t, err)
	assert.Len(t, kvs, 5, "limit<=0 means scan everything, not nothing")

	err = s.Transaction(ctx, func(tx durable.Tx) error {
		inTx, serr := tx.Scan("k", 0)
		require.NoError(t, serr)
		assert.Len(t, inTx, 5)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_TransactionRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx durable.Tx) error {
		require.NoError(t, tx.Put("tx-key", []byte("v")))
		return assert.AnError
	})
	assert.Error(t, err)

	_, err = s.Get(ctx, "tx-key")
	assert.True(t, memerr.Is(err, memerr.KindNotFound), "a rolled-back write must not be visible")
}

func TestStore_TransactionCommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx durable.Tx) error {
		return tx.Put("tx-key", []byte("v"))
	})
	require.NoError(t, err)

	v, err := s.Get(ctx, "tx-key")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}
