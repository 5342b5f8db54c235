package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/storage"
)

// ctxCheckInterval is how many keys are iterated between context checks.
const ctxCheckInterval = 256

// DocumentRepository implements storage.DocumentRepository for BadgerDB.
type DocumentRepository struct {
	backend    *Backend
	bucketBits int
}

var _ storage.DocumentRepository = (*DocumentRepository)(nil)

// DocumentOption configures a DocumentRepository.
type DocumentOption func(*DocumentRepository) error

// WithBucketBits sets the number of location bits addressing a bucket.
// Default is core.DefaultBucketBits.
func WithBucketBits(bits int) DocumentOption {
	return func(r *DocumentRepository) error {
		if bits < 1 || bits > 63 {
			return fmt.Errorf("bucket bits must be between 1 and 63, got %d", bits)
		}
		r.bucketBits = bits
		return nil
	}
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(backend *Backend, opts ...DocumentOption) (*DocumentRepository, error) {
	r := &DocumentRepository{
		backend:    backend,
		bucketBits: core.DefaultBucketBits,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Close is a no-op; the backend owns the database.
func (r *DocumentRepository) Close() error {
	return nil
}

// WithTransaction delegates to the backend.
func (r *DocumentRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.backend.WithTransaction(ctx, fn)
}

// BucketBits returns the number of location bits addressing a bucket.
func (r *DocumentRepository) BucketBits() int {
	return r.bucketBits
}

// PutDocuments stores documents, replacing any with the same id.
func (r *DocumentRepository) PutDocuments(ctx context.Context, docs ...*core.Document) error {
	keys := make([][]byte, len(docs))
	for i, doc := range docs {
		if err := core.ValidateDocument(doc); err != nil {
			return err
		}
		key, err := r.documentKey(doc.ID)
		if err != nil {
			return err
		}
		keys[i] = key
	}

	return r.backend.update(func(tx *badger.Txn) error {
		for i, doc := range docs {
			if err := tx.Set(keys[i], storage.MarshalDocument(doc)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDocument retrieves a document by id.
func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	key, err := r.documentKey(id)
	if err != nil {
		return nil, err
	}

	var result *core.Document
	err = r.backend.view(func(tx *badger.Txn) error {
		result, err = readDocument(tx, key)
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	})
	return result, err
}

// DeleteDocuments removes documents by id.
func (r *DocumentRepository) DeleteDocuments(ctx context.Context, ids ...string) error {
	return r.backend.update(func(tx *badger.Txn) error {
		for _, id := range ids {
			key, err := r.documentKey(id)
			if err != nil {
				return err
			}
			if _, err := tx.Get(key); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
				}
				return err
			}
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanBucket calls fn for every document in bucket, in key order.
func (r *DocumentRepository) ScanBucket(ctx context.Context, bucket core.BucketID, fn storage.ScanFunc) error {
	return r.backend.view(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeBucketPrefix(bucket)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		n := 0
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if n++; n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := iter.Item()
			var doc *core.Document
			err := item.Value(func(val []byte) error {
				var err error
				doc, err = storage.UnmarshalDocument(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("bucket %d key %q: %w", bucket, item.Key(), err)
			}
			if err := fn(doc, int(item.ValueSize())); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
}

// Buckets lists the non-empty buckets in ascending order. Only keys are
// read, and the iterator skips to the next bucket after the first hit.
func (r *DocumentRepository) Buckets(ctx context.Context) ([]core.BucketID, error) {
	var buckets []core.BucketID
	err := r.backend.view(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(documentPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); {
			if err := ctx.Err(); err != nil {
				return err
			}
			bucket, ok := parseDocumentKey(iter.Item().Key())
			if !ok {
				iter.Next()
				continue
			}
			buckets = append(buckets, bucket)
			if bucket == core.BucketID(^uint64(0)) {
				break
			}
			iter.Seek(makeBucketPrefix(bucket + 1))
		}
		return nil
	})
	return buckets, err
}

// CountDocuments returns the number of documents in bucket.
func (r *DocumentRepository) CountDocuments(ctx context.Context, bucket core.BucketID) (int64, error) {
	var count int64
	err := r.backend.view(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = makeBucketPrefix(bucket)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (r *DocumentRepository) documentKey(id string) ([]byte, error) {
	parsed, err := core.ParseDocumentID(id)
	if err != nil {
		return nil, err
	}
	return makeDocumentKey(parsed.Bucket(r.bucketBits), id), nil
}

// readDocument reads a document from the transaction.
func readDocument(tx *badger.Txn, key []byte) (*core.Document, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var doc *core.Document
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		doc, unmarshalErr = storage.UnmarshalDocument(val)
		return unmarshalErr
	})
	return doc, err
}
