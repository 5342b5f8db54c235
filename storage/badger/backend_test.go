package badger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/streamvisit/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_InMemory(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestOpenBackend_FileSystem(t *testing.T) {
	tmpDir := t.TempDir()
	backend, err := OpenBackend(tmpDir+"/db", false)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestBackendClose(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	require.NotNil(t, backend)

	assert.False(t, backend.IsClosed())

	err = backend.Close()
	require.NoError(t, err)

	assert.True(t, backend.IsClosed())

	err = backend.WithTransaction(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, storage.ErrStorageClosed)

	assert.ErrorIs(t, backend.view(func(*badger.Txn) error { return nil }), storage.ErrStorageClosed)
	assert.ErrorIs(t, backend.update(func(*badger.Txn) error { return nil }), storage.ErrStorageClosed)
	_, err = backend.GetSequence("after_close")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)

	assert.NoError(t, backend.Close(), "closing twice is a no-op")
}

func TestOpenBackend_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	_, err := OpenBackend(path, false)
	assert.ErrorContains(t, err, "not a directory")
}

func TestBackendUpdate(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	key := []byte("doc:test")
	err = backend.update(func(tx *badger.Txn) error {
		if err := tx.Set(key, []byte("v")); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	err = backend.view(func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound, "failed update is rolled back")

	require.NoError(t, backend.update(func(tx *badger.Txn) error {
		return tx.Set(key, []byte("v"))
	}))
	require.NoError(t, backend.view(func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		return err
	}))
}

func TestWithTransaction(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()

	t.Run("successful transaction", func(t *testing.T) {
		err := backend.WithTransaction(ctx, func(ctx context.Context) error {
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("failed transaction", func(t *testing.T) {
		testErr := assert.AnError
		err := backend.WithTransaction(ctx, func(ctx context.Context) error {
			return testErr
		})
		assert.Equal(t, testErr, err)
	})
}

func TestGetSequence(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	seq, err := backend.GetSequence("test_sequence")
	require.NoError(t, err)
	require.NotNil(t, seq)
	defer seq.Release()

	id1, err := seq.Next()
	require.NoError(t, err)

	id2, err := seq.Next()
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
}

func TestKeys(t *testing.T) {
	key := makeDocumentKey(7, "id:ns:t:n=7:a")
	bucket, ok := parseDocumentKey(key)
	require.True(t, ok)
	assert.Equal(t, uint64(7), uint64(bucket))

	_, ok = parseDocumentKey([]byte("trace:x"))
	assert.False(t, ok)

	assert.Less(t, string(makeBucketPrefix(1)), string(makeBucketPrefix(256)), "buckets sort numerically")
	assert.Less(t, string(makeTraceKey(9)), string(makeTraceKey(10)))
}
