package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/storage"
	"github.com/poiesic/streamvisit/tracing"
	"github.com/poiesic/streamvisit/visit"
)

const (
	// Trace levels of session events.
	traceLevelSession = 1
	traceLevelBucket  = 3
	traceLevelDetail  = 5

	defaultReleaseTimeout = 5 * time.Second
)

// Transport runs visit sessions in-process against a DocumentRepository.
type Transport struct {
	repo           storage.DocumentRepository
	pool           *ants.Pool
	clock          tracing.Clock
	summaryBatches bool
	logger         *slog.Logger
}

var _ visit.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport) error

// WithPoolSize sets the number of buckets visited concurrently across all sessions.
// Default is runtime.NumCPU(), with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(t *Transport) error {
		if size < 1 {
			size = 1
		}
		if t.pool != nil {
			t.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		t.pool = pool
		return nil
	}
}

// WithClock sets the clock used to timestamp trace events.
func WithClock(clock tracing.Clock) Option {
	return func(t *Transport) error {
		if clock == nil {
			return errors.New("clock cannot be nil")
		}
		t.clock = clock
		return nil
	}
}

// WithSummaryBatches delivers summaries in a visit.SummaryBatch following
// each hit batch instead of inside it.
func WithSummaryBatches(enabled bool) Option {
	return func(t *Transport) error {
		t.summaryBatches = enabled
		return nil
	}
}

// WithLogger sets the logger.
// If not specified, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) error {
		if logger == nil {
			logger = slog.Default()
		}
		t.logger = logger
		return nil
	}
}

// NewTransport creates a transport visiting the buckets of repo.
func NewTransport(repo storage.DocumentRepository, opts ...Option) (*Transport, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	t := &Transport{
		repo:   repo,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			if t.pool != nil {
				t.pool.Release()
			}
			return nil, err
		}
	}
	if t.pool == nil {
		pool, err := ants.NewPool(max(runtime.NumCPU(), 1))
		if err != nil {
			return nil, err
		}
		t.pool = pool
	}
	t.logger = t.logger.With("component", "streaming")
	return t, nil
}

// Close releases the worker pool, waiting briefly for running visitors.
func (t *Transport) Close() error {
	return t.pool.ReleaseTimeout(defaultReleaseTimeout)
}

// StartSession resolves the target buckets of params and starts visiting
// them. Selection errors wrap selection.ErrSyntax and malformed parameter
// blocks wrap visit.ErrMalformedBlock; no session is started in either case.
func (t *Transport) StartSession(ctx context.Context, params *visit.Parameters, sink visit.Sink) (visit.Session, error) {
	if params == nil {
		return nil, ErrParametersRequired
	}
	v, err := newVisitor(params)
	if err != nil {
		return nil, err
	}
	buckets, err := t.targetBuckets(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("resolving buckets: %w", err)
	}

	s := newSession(uuid.NewString(), tracing.NewTrace(params.TraceLevel, t.clock), t.logger)
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	if params.VisitorTimeout > 0 {
		var stop context.CancelFunc
		s.ctx, stop = context.WithTimeoutCause(s.ctx, params.VisitorTimeout, ErrVisitorTimeout)
		s.stop = stop
	}

	groups := groupBuckets(buckets, params.MaxBucketsPerVisitor)
	s.trace.Addf(traceLevelSession, "session %s: selection %q over %d buckets in %d visitors",
		s.id, params.Selection, len(buckets), len(groups))
	t.logger.Debug("starting visit session",
		"session", s.id,
		"selection", params.Selection,
		"buckets", len(buckets),
		"visitors", len(groups),
		"priority", params.Priority.String())

	go t.run(s, v, groups, sink)
	return s, nil
}

// targetBuckets returns the single bucket of a location-constrained
// selection, or every non-empty bucket.
func (t *Transport) targetBuckets(ctx context.Context, v *visitor) ([]core.BucketID, error) {
	if loc, ok := v.expr.Location(); ok {
		return []core.BucketID{loc.Bucket(t.repo.BucketBits())}, nil
	}
	return t.repo.Buckets(ctx)
}

// run dispatches one visitor per bucket group and closes the session when
// every visitor has returned.
func (t *Transport) run(s *Session, v *visitor, groups [][]core.BucketID, sink visit.Sink) {
	defer s.finish()

	for _, group := range groups {
		if s.ctx.Err() != nil {
			s.fail(context.Cause(s.ctx))
			break
		}
		s.wg.Add(1)
		err := t.pool.Submit(func() {
			defer s.wg.Done()
			t.visitGroup(s, v, group, sink)
		})
		if err != nil {
			s.wg.Done()
			s.fail(fmt.Errorf("submitting visitor: %w", err))
			break
		}
	}
	s.wg.Wait()
}

func (t *Transport) visitGroup(s *Session, v *visitor, group []core.BucketID, sink visit.Sink) {
	for _, bucket := range group {
		if s.ctx.Err() != nil {
			s.fail(context.Cause(s.ctx))
			return
		}
		s.trace.Addf(traceLevelBucket, "visiting bucket %d", bucket)

		batch, err := v.visitBucket(s.ctx, t.repo, bucket)
		switch {
		case err != nil && s.ctx.Err() != nil:
			s.fail(context.Cause(s.ctx))
			return
		case errors.Is(err, storage.ErrSerializationFailed):
			// A corrupt document spoils one bucket, not the session.
			t.logger.Warn("skipping corrupt bucket", "session", s.id, "bucket", bucket, "err", err)
			s.trace.Addf(traceLevelBucket, "bucket %d failed: %v", bucket, err)
			batch = &visit.Batch{Errors: []string{fmt.Sprintf("bucket %d: %v", bucket, err)}}
		case err != nil:
			s.fail(fmt.Errorf("visiting bucket %d: %w", bucket, err))
			return
		}

		s.trace.Addf(traceLevelDetail, "bucket %d: visited %d, matched %d, returned %d",
			bucket, batch.Statistics.DocumentsVisited, batch.TotalHits, batch.Statistics.DocumentsReturned)
		if s.ctx.Err() != nil {
			s.fail(context.Cause(s.ctx))
			return
		}
		t.deliver(batch, sink)
	}
}

func (t *Transport) deliver(batch *visit.Batch, sink visit.Sink) {
	if !t.summaryBatches || len(batch.Summaries) == 0 {
		sink.OnMessage(batch)
		return
	}
	summaries := batch.Summaries
	batch.Summaries = nil
	sink.OnMessage(batch)
	sink.OnMessage(&visit.SummaryBatch{Summaries: summaries})
}

// groupBuckets splits buckets into groups of at most size.
func groupBuckets(buckets []core.BucketID, size int) [][]core.BucketID {
	if size < 1 {
		size = 1
	}
	groups := make([][]core.BucketID, 0, (len(buckets)+size-1)/size)
	for start := 0; start < len(buckets); start += size {
		groups = append(groups, buckets[start:min(start+size, len(buckets))])
	}
	return groups
}
