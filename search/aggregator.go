package search

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
	"github.com/poiesic/streamvisit/merge"
	"github.com/poiesic/streamvisit/visit"
)

const defaultInboxSize = 64

// DuplicatePolicy decides what happens when the same document id arrives in
// more than one batch.
type DuplicatePolicy int

const (
	// KeepDuplicates merges every hit as delivered.
	KeepDuplicates DuplicatePolicy = iota
	// DropDuplicates keeps only the best ranked hit per document id.
	DropDuplicates
)

// Snapshot is the frozen state of an Aggregator.
type Snapshot struct {
	Hits       []core.Hit
	Summaries  map[string][]byte
	Groupings  []grouping.Result // ordered by request id
	TotalHits  int64
	Errors     []string // distinct, in arrival order
	Statistics visit.Statistics
	Mismatched []string // ids rejected by the partition filter
	Batches    int
}

// Aggregator accumulates the messages of one visit session.
//
// Messages are funneled through a channel into a single goroutine that owns
// all state, so OnMessage may be called from any number of goroutines.
// Freeze stops the goroutine; messages delivered afterwards are discarded.
// Snapshot is only valid after Freeze.
type Aggregator struct {
	bound  int
	cmp    func(a, b core.Hit) int
	accept func(core.Hit) bool
	merger grouping.Merger
	dedupe DuplicatePolicy
	logger *slog.Logger

	inbox      chan visit.Message
	frozen     chan struct{}
	done       chan struct{}
	freezeOnce sync.Once

	// Owned by run until done is closed.
	hits       []core.Hit
	summaries  map[string][]byte
	groupings  map[int]grouping.Result
	totalHits  int64
	errs       []string
	errSet     map[string]struct{}
	stats      visit.Statistics
	mismatched []string
	batches    int
	fatal      error
}

var _ visit.Sink = (*Aggregator)(nil)

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithPartitionFilter rejects hits for which accept returns false before they
// are merged, so they never take a slot of the bound.
func WithPartitionFilter(accept func(core.Hit) bool) AggregatorOption {
	return func(a *Aggregator) {
		a.accept = accept
	}
}

// WithMerger sets the grouping merge primitive.
// Default is grouping.CountMerger.
func WithMerger(m grouping.Merger) AggregatorOption {
	return func(a *Aggregator) {
		if m != nil {
			a.merger = m
		}
	}
}

// WithDeduplication sets the duplicate id policy.
// Default is KeepDuplicates.
func WithDeduplication(p DuplicatePolicy) AggregatorOption {
	return func(a *Aggregator) {
		a.dedupe = p
	}
}

// WithInboxSize sets the message channel capacity.
func WithInboxSize(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n >= 0 {
			a.inbox = make(chan visit.Message, n)
		}
	}
}

// WithAggregatorLogger sets a custom logger.
// Default is slog.Default().
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAggregator starts an aggregator keeping at most bound hits ordered by cmp.
func NewAggregator(bound int, cmp func(a, b core.Hit) int, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		bound:     max(bound, 0),
		cmp:       cmp,
		merger:    grouping.CountMerger{},
		logger:    slog.Default(),
		inbox:     make(chan visit.Message, defaultInboxSize),
		frozen:    make(chan struct{}),
		done:      make(chan struct{}),
		hits:      []core.Hit{},
		summaries: make(map[string][]byte),
		groupings: make(map[int]grouping.Result),
		errSet:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// OnMessage delivers a message. It never blocks past Freeze.
func (a *Aggregator) OnMessage(msg visit.Message) {
	select {
	case a.inbox <- msg:
	case <-a.frozen:
	}
}

// Freeze stops accepting messages and waits until every message delivered
// before the call has been applied. It is idempotent.
func (a *Aggregator) Freeze() {
	a.freezeOnce.Do(func() { close(a.frozen) })
	<-a.done
}

// Snapshot returns the accumulated state. It returns ErrNotFrozen before
// Freeze, and a protocol error if the transport delivered a message it is
// not allowed to.
func (a *Aggregator) Snapshot() (*Snapshot, error) {
	select {
	case <-a.done:
	default:
		return nil, ErrNotFrozen
	}
	if a.fatal != nil {
		return nil, a.fatal
	}

	groupings := make([]grouping.Result, 0, len(a.groupings))
	for _, g := range a.groupings {
		groupings = append(groupings, g)
	}
	slices.SortFunc(groupings, func(x, y grouping.Result) int { return x.ID - y.ID })

	return &Snapshot{
		Hits:       a.hits,
		Summaries:  a.summaries,
		Groupings:  groupings,
		TotalHits:  a.totalHits,
		Errors:     a.errs,
		Statistics: a.stats,
		Mismatched: a.mismatched,
		Batches:    a.batches,
	}, nil
}

func (a *Aggregator) run() {
	defer close(a.done)
	for {
		select {
		case msg := <-a.inbox:
			a.apply(msg)
		case <-a.frozen:
			for {
				select {
				case msg := <-a.inbox:
					a.apply(msg)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) apply(msg visit.Message) {
	if a.fatal != nil {
		return
	}
	switch m := msg.(type) {
	case *visit.Batch:
		if m == nil {
			a.fail("nil batch")
			return
		}
		a.batches++
		a.mergeHits(m.Hits)
		a.totalHits += m.TotalHits
		a.stats.Add(m.Statistics)
		for _, e := range m.Errors {
			if _, seen := a.errSet[e]; !seen {
				a.errSet[e] = struct{}{}
				a.errs = append(a.errs, e)
			}
		}
		a.putSummaries(m.Summaries)
		a.mergeGroupings(m.Groupings)
	case *visit.SummaryBatch:
		if m == nil {
			a.fail("nil summary batch")
			return
		}
		a.putSummaries(m.Summaries)
	default:
		a.fail("unexpected message type %T", msg)
	}
}

func (a *Aggregator) fail(format string, args ...any) {
	a.fatal = core.NewExecutionError(core.KindProtocol, nil, format, args...)
	a.logger.Error("visit protocol violation", "err", a.fatal)
}

func (a *Aggregator) mergeHits(incoming []core.Hit) {
	if a.accept != nil {
		kept := make([]core.Hit, 0, len(incoming))
		for _, h := range incoming {
			if a.accept(h) {
				kept = append(kept, h)
			} else {
				a.mismatched = append(a.mismatched, h.DocID)
			}
		}
		incoming = kept
	}
	if !slices.IsSortedFunc(incoming, a.cmp) {
		a.logger.Debug("sorting out of order batch", "hits", len(incoming))
		incoming = slices.Clone(incoming)
		slices.SortStableFunc(incoming, a.cmp)
	}

	switch a.dedupe {
	case DropDuplicates:
		a.hits = merge.BoundedDistinct(a.hits, incoming, a.bound, a.cmp, func(h core.Hit) string { return h.DocID })
	default:
		a.hits = merge.Bounded(a.hits, incoming, a.bound, a.cmp)
	}
}

func (a *Aggregator) putSummaries(summaries map[string][]byte) {
	for id, blob := range summaries {
		a.summaries[id] = blob
	}
}

func (a *Aggregator) mergeGroupings(blobs map[int][]byte) {
	for id, blob := range blobs {
		incoming, err := grouping.Decode(blob)
		if err != nil {
			a.fatal = core.NewExecutionError(core.KindProtocol, err, "grouping %d: %s", id, err.Error())
			a.logger.Error("visit protocol violation", "err", a.fatal)
			return
		}
		existing, ok := a.groupings[id]
		if !ok {
			a.groupings[id] = incoming
			continue
		}
		a.groupings[id] = a.merger.Merge(existing, incoming)
	}
}
