package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDocumentRepo(t *testing.T) storage.DocumentRepository {
	t.Helper()
	docs, traces, backend, err := NewMemoryRepositories(WithBucketBits(8))
	require.NoError(t, err)
	t.Cleanup(func() {
		traces.Close()
		docs.Close()
		backend.Close()
	})
	return docs
}

func userDoc(user uint64, local string, fields map[string]string) *core.Document {
	return &core.Document{ID: fmt.Sprintf("id:songs:music:n=%d:%s", user, local), Fields: fields}
}

func TestDocumentRepository_PutGet(t *testing.T) {
	repo := newDocumentRepo(t)
	ctx := context.Background()

	doc := userDoc(3, "a", map[string]string{"title": "Waterloo", "rank": "5"})
	require.NoError(t, repo.PutDocuments(ctx, doc))

	got, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	doc.Fields["rank"] = "6"
	require.NoError(t, repo.PutDocuments(ctx, doc))
	got, err = repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "6", got.Fields["rank"])

	_, err = repo.GetDocument(ctx, "id:songs:music:n=3:missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDocumentRepository_PutRejectsInvalid(t *testing.T) {
	repo := newDocumentRepo(t)
	ctx := context.Background()

	good := userDoc(1, "a", nil)
	bad := &core.Document{ID: "not-an-id"}
	err := repo.PutDocuments(ctx, good, bad)
	assert.ErrorIs(t, err, core.ErrInvalidDocument)

	_, err = repo.GetDocument(ctx, good.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing is written when any document is invalid")
}

func TestDocumentRepository_Delete(t *testing.T) {
	repo := newDocumentRepo(t)
	ctx := context.Background()

	doc := userDoc(1, "a", nil)
	require.NoError(t, repo.PutDocuments(ctx, doc))
	require.NoError(t, repo.DeleteDocuments(ctx, doc.ID))

	_, err := repo.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteDocuments(ctx, doc.ID), storage.ErrNotFound)
}

func TestDocumentRepository_BucketsAndScan(t *testing.T) {
	repo := newDocumentRepo(t)
	ctx := context.Background()

	// With 8 bucket bits user 1 and user 257 share bucket 1.
	require.NoError(t, repo.PutDocuments(ctx,
		userDoc(1, "a", nil),
		userDoc(1, "b", nil),
		userDoc(257, "c", nil),
		userDoc(2, "d", nil),
		userDoc(300, "e", nil),
	))

	buckets, err := repo.Buckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.BucketID{1, 2, 44}, buckets)

	count, err := repo.CountDocuments(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	var ids []string
	err = repo.ScanBucket(ctx, 1, func(doc *core.Document, size int) error {
		assert.Positive(t, size)
		ids = append(ids, doc.ID)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"id:songs:music:n=1:a",
		"id:songs:music:n=1:b",
		"id:songs:music:n=257:c",
	}, ids)

	count, err = repo.CountDocuments(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDocumentRepository_GroupDocumentsShareBucket(t *testing.T) {
	repo := newDocumentRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutDocuments(ctx,
		&core.Document{ID: "id:songs:music:g=abba:1"},
		&core.Document{ID: "id:songs:music:g=abba:2"},
	))
	want := core.BucketForLocation(core.LocationFromContent("abba"), repo.BucketBits())

	buckets, err := repo.Buckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.BucketID{want}, buckets)
}

func TestDocumentRepository_ScanStops(t *testing.T) {
	repo := newDocumentRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.PutDocuments(ctx, userDoc(1, "a", nil), userDoc(1, "b", nil)))

	calls := 0
	err := repo.ScanBucket(ctx, 1, func(*core.Document, int) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = repo.ScanBucket(cancelled, 1, func(*core.Document, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithBucketBits(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	_, err = NewDocumentRepository(backend, WithBucketBits(0))
	assert.Error(t, err)
	_, err = NewDocumentRepository(backend, WithBucketBits(64))
	assert.Error(t, err)

	repo, err := NewDocumentRepository(backend)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultBucketBits, repo.BucketBits())
}
