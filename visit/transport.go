package visit

import (
	"context"
	"time"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/tracing"
)

// Transport starts visit sessions against the storage layer.
type Transport interface {
	// StartSession begins visiting the buckets selected by params. Messages are
	// delivered to sink from transport-owned goroutines, concurrently and in
	// any order, until the session completes or is aborted.
	StartSession(ctx context.Context, params *Parameters, sink Sink) (Session, error)
}

// Session is a handle to one running visit.
type Session interface {
	// WaitUntilDone blocks until the visit completes, timeout passes or ctx is
	// cancelled. It returns false if the visit did not complete in time. A
	// non-nil error means the visit failed.
	WaitUntilDone(ctx context.Context, timeout time.Duration) (bool, error)

	// Abort stops the visit. It is safe to call at any time, more than once.
	Abort()

	// Trace returns the trace collected so far. It may be nil.
	Trace() *tracing.Trace
}

// Sink receives messages from a session.
type Sink interface {
	OnMessage(msg Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg Message)

func (f SinkFunc) OnMessage(msg Message) { f(msg) }

// Message is a payload delivered by a session. The set of implementations is
// closed: *Batch and *SummaryBatch.
type Message interface {
	isMessage()
}

// Statistics counts the work done by bucket visitors.
type Statistics struct {
	DocumentsVisited  int64
	BytesVisited      int64
	DocumentsReturned int64
}

// Add accumulates other into s.
func (s *Statistics) Add(other Statistics) {
	s.DocumentsVisited += other.DocumentsVisited
	s.BytesVisited += other.BytesVisited
	s.DocumentsReturned += other.DocumentsReturned
}

// Batch is a partial result from one bucket visit. Hits are sorted under the
// query's comparator.
type Batch struct {
	Hits       []core.Hit
	Summaries  map[string][]byte // document id -> summary blob
	Groupings  map[int][]byte    // grouping request id -> encoded partial result
	TotalHits  int64
	Statistics Statistics
	Errors     []string
}

func (*Batch) isMessage() {}

// SummaryBatch carries summaries without hits.
type SummaryBatch struct {
	Summaries map[string][]byte
}

func (*SummaryBatch) isMessage() {}
