package search

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
	"github.com/poiesic/streamvisit/selection"
	"github.com/poiesic/streamvisit/tracing"
	"github.com/poiesic/streamvisit/visit"
)

// TimeoutPolicy decides what a timed out execution returns.
type TimeoutPolicy int

const (
	// DiscardOnTimeout returns a timeout error and drops accumulated state.
	DiscardOnTimeout TimeoutPolicy = iota
	// PartialOnTimeout returns whatever was accumulated, flagged as partial
	// with degraded coverage.
	PartialOnTimeout
)

const defaultExportPoolSize = 4

// ResultHit is a hit with its resolved summary.
type ResultHit struct {
	core.Hit
	Summary []byte
}

// Fields decodes the summary blob.
func (h ResultHit) Fields() (map[string]string, error) {
	return core.DecodeSummary(h.Summary)
}

// Result is the outcome of one execution. Either Err is set and every other
// field is zero, or the result is filled.
type Result struct {
	Hits       []ResultHit
	Groupings  []grouping.Result
	TotalHits  int64
	Coverage   core.Coverage
	Errors     []string
	Statistics visit.Statistics
	Partial    bool
	TraceID    string
	Trace      string
	Err        *core.ExecutionError
}

// Failed reports whether the execution ended with an error.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Searcher executes streaming searches over one schema.
type Searcher struct {
	transport     visit.Transport
	schema        string
	route         visit.Route
	builder       *visit.Builder
	builderOpts   []visit.BuilderOption
	tracing       tracing.Options
	timeoutPolicy TimeoutPolicy
	dupPolicy     DuplicatePolicy
	merger        grouping.Merger
	exportPool    *ants.Pool
	clock         tracing.Clock
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithClock sets the clock used for time budgets.
// Default is time.Now.
func WithClock(clock tracing.Clock) Option {
	return func(s *Searcher) error {
		if clock == nil {
			clock = time.Now
		}
		s.clock = clock
		return nil
	}
}

// WithTracing sets the trace sampling and export options.
// Default is tracing.DefaultOptions().
func WithTracing(opts tracing.Options) Option {
	return func(s *Searcher) error {
		s.tracing = opts
		return nil
	}
}

// WithTimeoutPolicy sets what a timed out execution returns.
// Default is DiscardOnTimeout.
func WithTimeoutPolicy(p TimeoutPolicy) Option {
	return func(s *Searcher) error {
		s.timeoutPolicy = p
		return nil
	}
}

// WithDuplicatePolicy sets how repeated document ids are merged.
// Default is KeepDuplicates.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(s *Searcher) error {
		s.dupPolicy = p
		return nil
	}
}

// WithGroupingMerger sets the grouping merge primitive.
// Default is grouping.CountMerger.
func WithGroupingMerger(m grouping.Merger) Option {
	return func(s *Searcher) error {
		s.merger = m
		return nil
	}
}

// WithBuilderOptions passes options to the visit parameter builder.
func WithBuilderOptions(opts ...visit.BuilderOption) Option {
	return func(s *Searcher) error {
		s.builderOpts = append(s.builderOpts, opts...)
		return nil
	}
}

// WithExportPoolSize sets how many trace exports may run concurrently.
// Exports beyond that are dropped. Default is 4.
func WithExportPoolSize(size int) Option {
	return func(s *Searcher) error {
		if size < 1 {
			size = 1
		}
		if s.exportPool != nil {
			s.exportPool.Release()
		}
		pool, err := ants.NewPool(size, ants.WithNonblocking(true))
		if err != nil {
			return err
		}
		s.exportPool = pool
		return nil
	}
}

// NewSearcher creates a searcher visiting schema through transport on route.
func NewSearcher(transport visit.Transport, schema string, route visit.Route, opts ...Option) (*Searcher, error) {
	if transport == nil {
		return nil, ErrTransportRequired
	}
	if schema == "" {
		return nil, ErrSchemaRequired
	}

	s := &Searcher{
		transport:     transport,
		schema:        schema,
		route:         route,
		tracing:       tracing.DefaultOptions(),
		timeoutPolicy: DiscardOnTimeout,
		dupPolicy:     KeepDuplicates,
		merger:        grouping.CountMerger{},
		clock:         time.Now,
		logger:        slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			s.Close()
			return nil, err
		}
	}

	if s.exportPool == nil {
		pool, err := ants.NewPool(defaultExportPoolSize, ants.WithNonblocking(true))
		if err != nil {
			return nil, err
		}
		s.exportPool = pool
	}

	builder, err := visit.NewBuilder(append([]visit.BuilderOption{
		visit.WithTracingOptions(s.tracing),
		visit.WithBuilderClock(s.clock),
		visit.WithBuilderLogger(s.logger),
	}, s.builderOpts...)...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.builder = builder

	return s, nil
}

// Close releases the trace export pool.
func (s *Searcher) Close() {
	if s.exportPool != nil {
		s.exportPool.Release()
	}
}

// Execute runs one streaming search.
func (s *Searcher) Execute(ctx context.Context, q *core.Query) *Result {
	return s.ExecuteWithMonitor(ctx, q, nil)
}

// ExecuteWithMonitor runs one streaming search with monitoring.
// The monitor receives callbacks at each stage of the execution.
func (s *Searcher) ExecuteWithMonitor(ctx context.Context, q *core.Query, monitor ExecutionMonitor) (result *Result) {
	// Use noop monitor if none provided
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during streaming search", "panic", r)
			result = failed(core.KindTransport, nil, "internal error: %v", r)
		}
		monitor.Finish(result)
	}()

	monitor.Start(q)
	if q == nil {
		return failed(core.KindValidation, core.ErrInvalidQuery, "query is nil")
	}

	start := s.clock()
	timeLeft := q.TimeLeft(start)
	if timeLeft <= 0 {
		s.logger.Debug("no time left for streaming search", "timeout", q.Timeout)
		return failed(core.KindTimeout, nil, "no time left for query: %s remaining", timeLeft)
	}

	params, err := s.builder.Build(q, s.schema, s.route)
	if err != nil {
		return &Result{Err: asExecutionError(core.KindValidation, err)}
	}
	monitor.AfterBuild(params)

	agg := NewAggregator(params.SummaryCount, core.CompareHits(params.Sorted()),
		WithPartitionFilter(partitionFilter(q)),
		WithMerger(s.merger),
		WithDeduplication(s.dupPolicy),
		WithAggregatorLogger(s.logger))
	defer agg.Freeze()

	waitCtx, cancel := context.WithTimeout(ctx, timeLeft)
	defer cancel()

	session, err := s.transport.StartSession(waitCtx, params, agg)
	if err != nil {
		s.logger.Error("error starting visit session", "selection", params.Selection, "err", err)
		return &Result{Err: s.classify(err)}
	}
	monitor.SessionStarted()

	completed, err := session.WaitUntilDone(waitCtx, timeLeft)
	monitor.AfterWait(completed, err)
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		session.Abort()
		s.logger.Error("visit session failed", "selection", params.Selection, "err", err)
		return &Result{Err: s.classify(err)}
	}
	if err != nil || !completed {
		session.Abort()
		agg.Freeze()
		return s.timedOut(q, params, session, agg, start, monitor)
	}

	agg.Freeze()
	snap, err := agg.Snapshot()
	if err != nil {
		return &Result{Err: asExecutionError(core.KindProtocol, err)}
	}
	return s.assemble(q, snap, session, monitor, false)
}

func (s *Searcher) timedOut(q *core.Query, params *visit.Parameters, session visit.Session, agg *Aggregator, start time.Time, monitor ExecutionMonitor) *Result {
	elapsed := s.clock().Sub(start)
	if !q.StartedAt.IsZero() {
		elapsed = s.clock().Sub(q.StartedAt)
	}
	s.logger.Debug("streaming search timed out", "selection", params.Selection, "timeout", q.Timeout, "elapsed", elapsed)

	if s.tracing.Exporter != nil && s.tracing.ExceedsExportThreshold(elapsed, q.Timeout) {
		s.exportTrace(params, session.Trace(), q.Timeout, elapsed)
	}

	if s.timeoutPolicy == PartialOnTimeout {
		snap, err := agg.Snapshot()
		if err != nil {
			return &Result{Err: asExecutionError(core.KindProtocol, err)}
		}
		return s.assemble(q, snap, session, monitor, true)
	}
	return failed(core.KindTimeout, nil, "visit session timed out after %s", elapsed)
}

// exportTrace hands the trace to the exporter without waiting for it.
func (s *Searcher) exportTrace(params *visit.Parameters, trace *tracing.Trace, timeout, elapsed time.Duration) {
	exporter := s.tracing.Exporter
	createdAt := s.clock()
	err := s.exportPool.Submit(func() {
		exporter.MaybeExport(func() tracing.Description {
			return tracing.Description{
				TraceID:   trace.ID(),
				Selection: params.Selection,
				Timeout:   timeout,
				Elapsed:   elapsed,
				CreatedAt: createdAt,
				Trace:     trace.String(),
			}
		})
	})
	if err != nil {
		s.logger.Debug("dropping trace export", "err", err)
	}
}

func (s *Searcher) assemble(q *core.Query, snap *Snapshot, session visit.Session, monitor ExecutionMonitor, partial bool) *Result {
	for i, id := range snap.Mismatched {
		monitor.PartitionMismatch(id)
		if i == 0 {
			s.logger.Warn("dropping hit outside the requested partition",
				"docID", id, "userID", q.UserID, "group", q.GroupName)
			continue
		}
		s.logger.Debug("dropping hit outside the requested partition", "docID", id)
	}

	var window []core.Hit
	if q.Offset < len(snap.Hits) {
		window = snap.Hits[q.Offset:]
		if q.Hits < len(window) {
			window = window[:q.Hits]
		}
	}
	hits := make([]ResultHit, 0, len(window))
	for _, h := range window {
		summary, ok := snap.Summaries[h.DocID]
		if !ok {
			s.logger.Error("hit without summary", "docID", h.DocID)
			return failed(core.KindConsistency, nil, "no summary for hit %q", h.DocID)
		}
		hits = append(hits, ResultHit{Hit: h, Summary: summary})
	}

	visited := snap.Statistics.DocumentsVisited
	result := &Result{
		Hits:       hits,
		Groupings:  snap.Groupings,
		TotalHits:  snap.TotalHits,
		Coverage:   core.Coverage{Docs: visited, Active: visited, Target: visited, Degraded: partial},
		Errors:     snap.Errors,
		Statistics: snap.Statistics,
		Partial:    partial,
	}
	if trace := session.Trace(); trace != nil {
		result.TraceID = trace.ID()
		result.Trace = trace.String()
	}
	return result
}

// classify maps a transport failure to an execution error.
func (s *Searcher) classify(err error) *core.ExecutionError {
	var execErr *core.ExecutionError
	switch {
	case errors.As(err, &execErr):
		return execErr
	case errors.Is(err, selection.ErrSyntax):
		return core.NewExecutionError(core.KindValidation, err, "%s", err.Error())
	default:
		return core.NewExecutionError(core.KindTransport, err, "%s", err.Error())
	}
}

func failed(kind core.ErrorKind, cause error, format string, args ...any) *Result {
	return &Result{Err: core.NewExecutionError(kind, cause, format, args...)}
}

func asExecutionError(kind core.ErrorKind, err error) *core.ExecutionError {
	var execErr *core.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return core.NewExecutionError(kind, err, "%s", err.Error())
}

// partitionFilter accepts hits whose id belongs to the user or group the
// query is constrained to. Free selections are not filtered.
func partitionFilter(q *core.Query) func(core.Hit) bool {
	switch {
	case q.UserID != "":
		user, err := strconv.ParseUint(q.UserID, 10, 64)
		if err != nil {
			return func(core.Hit) bool { return false }
		}
		return func(h core.Hit) bool {
			id, err := core.ParseDocumentID(h.DocID)
			return err == nil && id.HasUser && id.UserID == user
		}
	case q.GroupName != "":
		return func(h core.Hit) bool {
			id, err := core.ParseDocumentID(h.DocID)
			return err == nil && id.HasGroup && id.Group == q.GroupName
		}
	}
	return nil
}
