package storage

import (
	"context"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/tracing"
)

// Repository provides common storage operations shared across all repositories.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// WithTransaction executes a function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	// The context passed to fn may contain transaction state.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Close closes the repository and releases resources.
	Close() error
}

// ScanFunc is called for each document of a bucket scan with the document and
// its stored size in bytes. Returning an error stops the scan.
type ScanFunc func(doc *core.Document, size int) error

// DocumentRepository stores documents partitioned into buckets.
type DocumentRepository interface {
	Repository

	// BucketBits returns the number of location bits addressing a bucket.
	BucketBits() int

	// PutDocuments stores documents, replacing any with the same id.
	// Every document is validated before anything is written.
	PutDocuments(ctx context.Context, docs ...*core.Document) error

	// GetDocument retrieves a document by id.
	// Returns ErrNotFound if the document doesn't exist.
	GetDocument(ctx context.Context, id string) (*core.Document, error)

	// DeleteDocuments removes documents by id.
	// Returns ErrNotFound if any document doesn't exist.
	DeleteDocuments(ctx context.Context, ids ...string) error

	// ScanBucket calls fn for every document in bucket, in key order.
	ScanBucket(ctx context.Context, bucket core.BucketID, fn ScanFunc) error

	// Buckets lists the non-empty buckets in ascending order.
	Buckets(ctx context.Context) ([]core.BucketID, error)

	// CountDocuments returns the number of documents in bucket.
	CountDocuments(ctx context.Context, bucket core.BucketID) (int64, error)
}

// TraceRepository stores exported visit traces.
type TraceRepository interface {
	Repository
	tracing.Store

	// GetTrace retrieves a trace by id.
	// Returns ErrNotFound if the trace doesn't exist.
	GetTrace(ctx context.Context, id string) (*tracing.Description, error)

	// ListTraces returns up to limit traces, most recently saved first.
	// A limit <= 0 returns all traces.
	ListTraces(ctx context.Context, limit int) ([]*tracing.Description, error)
}
