// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/storage"
)

const (
	DefaultBatchSize   = 256
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 50 * time.Millisecond
)

// Feeder writes documents to a repository in concurrent batches.
type Feeder struct {
	repo           storage.DocumentRepository
	pool           *ants.Pool
	batchSize      int
	maxAttempts    int
	baseDelay      time.Duration
	progressWriter io.Writer
	reportInterval int
	logger         *slog.Logger
}

// Option configures a Feeder.
type Option func(*Feeder) error

// WithPoolSize sets the number of batches written concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(f *Feeder) error {
		if size < 1 {
			size = 1
		}
		if f.pool != nil {
			f.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		f.pool = pool
		return nil
	}
}

// WithBatchSize sets the number of documents written per transaction.
func WithBatchSize(size int) Option {
	return func(f *Feeder) error {
		if size < 1 {
			return fmt.Errorf("batch size must be at least 1, got %d", size)
		}
		f.batchSize = size
		return nil
	}
}

// WithRetry sets how often a failed batch is attempted and the initial
// backoff between attempts.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(f *Feeder) error {
		if maxAttempts < 1 {
			return ErrInvalidMaxAttempts
		}
		f.maxAttempts = maxAttempts
		f.baseDelay = baseDelay
		return nil
	}
}

// WithProgress reports progress to w every reportInterval documents.
func WithProgress(w io.Writer, reportInterval int) Option {
	return func(f *Feeder) error {
		f.progressWriter = w
		f.reportInterval = reportInterval
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Feeder) error {
		if logger == nil {
			logger = slog.Default()
		}
		f.logger = logger
		return nil
	}
}

// NewFeeder creates a feeder writing to repo.
func NewFeeder(repo storage.DocumentRepository, opts ...Option) (*Feeder, error) {
	if repo == nil {
		return nil, ErrDocumentRepositoryRequired
	}

	f := &Feeder{
		repo:        repo,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			f.Release()
			return nil, err
		}
	}
	if f.pool == nil {
		pool, err := ants.NewPool(max(runtime.NumCPU()/2, 1))
		if err != nil {
			return nil, err
		}
		f.pool = pool
	}
	return f, nil
}

// FeedResult summarizes a completed feed.
type FeedResult struct {
	Documents int
	Batches   int
	Retries   int64
	Elapsed   time.Duration
}

// Feed validates docs and writes them in batches. Validation failures are
// reported before anything is written. Batches are independent: when one
// fails after its retries, the others may still have been written, and the
// first failure is returned.
func (f *Feeder) Feed(ctx context.Context, docs []*core.Document) (*FeedResult, error) {
	for i, doc := range docs {
		if err := core.ValidateDocument(doc); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
	}

	start := time.Now()
	var progress *ProgressTracker
	if f.progressWriter != nil {
		progress = NewProgressTracker(f.progressWriter, len(docs), f.reportInterval)
		progress.Start()
		defer progress.Finish()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		retries  atomic.Int64
		batches  int
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for begin := 0; begin < len(docs); begin += f.batchSize {
		batch := docs[begin:min(begin+f.batchSize, len(docs))]
		if ctx.Err() != nil {
			fail(ctx.Err())
			break
		}
		batches++
		wg.Add(1)
		err := f.pool.Submit(func() {
			defer wg.Done()
			attempts := 0
			err := RetryWithBackoff(ctx, func() error {
				if attempts++; attempts > 1 {
					retries.Add(1)
				}
				return f.repo.PutDocuments(ctx, batch...)
			}, IsTransient, f.maxAttempts, f.baseDelay)
			if err != nil {
				f.logger.Error("error writing batch", "first", batch[0].ID, "size", len(batch), "err", err)
				fail(err)
				return
			}
			if progress != nil {
				progress.Increment(len(batch))
			}
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("submitting batch: %w", err))
			break
		}
	}
	wg.Wait()

	result := &FeedResult{
		Documents: len(docs),
		Batches:   batches,
		Retries:   retries.Load(),
		Elapsed:   time.Since(start),
	}
	if firstErr != nil {
		return result, firstErr
	}
	f.logger.Info("feed complete", "documents", result.Documents, "batches", result.Batches, "retries", result.Retries, "elapsed", result.Elapsed)
	return result, nil
}

// Release releases the worker pool.
// The feeder should not be used after calling Release.
func (f *Feeder) Release() {
	if f.pool != nil {
		f.pool.Release()
	}
}
