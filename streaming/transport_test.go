package streaming

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
	"github.com/poiesic/streamvisit/search"
	"github.com/poiesic/streamvisit/selection"
	"github.com/poiesic/streamvisit/storage"
	"github.com/poiesic/streamvisit/storage/badger"
	"github.com/poiesic/streamvisit/visit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records every message delivered to it.
type collector struct {
	mu        sync.Mutex
	batches   []*visit.Batch
	summaries []*visit.SummaryBatch
}

func (c *collector) OnMessage(msg visit.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := msg.(type) {
	case *visit.Batch:
		c.batches = append(c.batches, m)
	case *visit.SummaryBatch:
		c.summaries = append(c.summaries, m)
	}
}

func (c *collector) hits() []core.Hit {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits []core.Hit
	for _, b := range c.batches {
		hits = append(hits, b.Hits...)
	}
	return hits
}

func newRepo(t *testing.T) storage.DocumentRepository {
	t.Helper()
	docs, traces, backend, err := badger.NewMemoryRepositories(badger.WithBucketBits(4))
	require.NoError(t, err)
	t.Cleanup(func() {
		traces.Close()
		docs.Close()
		backend.Close()
	})
	return docs
}

func newTransport(t *testing.T, repo storage.DocumentRepository, opts ...Option) *Transport {
	t.Helper()
	tr, err := NewTransport(repo, append([]Option{WithPoolSize(4)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// seed stores perUser songs for users 1..users with ranks 0..perUser-1.
func seed(t *testing.T, repo storage.DocumentRepository, users, perUser int) {
	t.Helper()
	var docs []*core.Document
	for u := 1; u <= users; u++ {
		for i := range perUser {
			docs = append(docs, &core.Document{
				ID: fmt.Sprintf("id:songs:music:n=%d:s%d", u, i),
				Fields: map[string]string{
					"title":  fmt.Sprintf("song %d-%d", u, i),
					"artist": []string{"abba", "queen"}[i%2],
					"rank":   fmt.Sprint(i),
					"year":   fmt.Sprint(1970 + i),
				},
			})
		}
	}
	require.NoError(t, repo.PutDocuments(context.Background(), docs...))
}

func build(t *testing.T, q *core.Query, opts ...visit.BuilderOption) *visit.Parameters {
	t.Helper()
	b, err := visit.NewBuilder(opts...)
	require.NoError(t, err)
	if q.Timeout == 0 {
		q.Timeout = 5 * time.Second
	}
	params, err := b.Build(q, "music", visit.Route{Cluster: "local", BucketSpace: visit.DefaultBucketSpace})
	require.NoError(t, err)
	return params
}

func run(t *testing.T, tr *Transport, params *visit.Parameters) (*collector, *Session) {
	t.Helper()
	sink := &collector{}
	session, err := tr.StartSession(context.Background(), params, sink)
	require.NoError(t, err)
	completed, err := session.WaitUntilDone(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, completed)
	return sink, session.(*Session)
}

func TestNewTransport(t *testing.T) {
	_, err := NewTransport(nil)
	assert.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewTransport(newRepo(t), WithClock(nil))
	assert.Error(t, err)
}

func TestTransport_UserVisitsOneBucket(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 3, 20)
	tr := newTransport(t, repo)

	sink, session := run(t, tr, build(t, &core.Query{UserID: "2", Hits: 5}))
	require.NoError(t, session.Err())

	require.Len(t, sink.batches, 1)
	batch := sink.batches[0]
	assert.Equal(t, int64(20), batch.TotalHits)
	assert.Equal(t, int64(20), batch.Statistics.DocumentsVisited)
	assert.Equal(t, int64(5), batch.Statistics.DocumentsReturned)
	require.Len(t, batch.Hits, 5)
	for i, h := range batch.Hits {
		assert.Equal(t, float64(19-i), h.Rank)
		id, err := core.ParseDocumentID(h.DocID)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), id.UserID)
		assert.Contains(t, batch.Summaries, h.DocID)
	}
}

func TestTransport_MatchesSchemaDocumentType(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.PutDocuments(context.Background(),
		&core.Document{ID: "id:songs:music:n=1:a", Fields: map[string]string{"rank": "1"}},
		&core.Document{ID: "id:music:video:n=1:b", Fields: map[string]string{"rank": "2"}},
		&core.Document{ID: "id:songs:video:n=1:c", Fields: map[string]string{"rank": "3"}},
	))
	tr := newTransport(t, repo)

	sink, _ := run(t, tr, build(t, &core.Query{UserID: "1", Hits: 10}))

	require.Len(t, sink.batches, 1)
	assert.Equal(t, int64(3), sink.batches[0].Statistics.DocumentsVisited)
	assert.Equal(t, int64(1), sink.batches[0].TotalHits)
	require.Len(t, sink.hits(), 1)
	assert.Equal(t, "id:songs:music:n=1:a", sink.hits()[0].DocID, "the namespace is not the document type")
}

func TestTransport_UnconstrainedVisitsEveryBucket(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 6, 10)
	tr := newTransport(t, repo)

	params := build(t, &core.Query{Selection: "music.year >= 1975", Hits: 100})
	params.MaxBucketsPerVisitor = 2
	sink, _ := run(t, tr, params)

	assert.Len(t, sink.batches, 6, "one batch per bucket")
	var total, visited int64
	for _, b := range sink.batches {
		total += b.TotalHits
		visited += b.Statistics.DocumentsVisited
	}
	assert.Equal(t, int64(30), total)
	assert.Equal(t, int64(60), visited)
	assert.Len(t, sink.hits(), 30)
}

func TestTransport_SortedHitsCarrySortKeys(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 10)
	tr := newTransport(t, repo)

	params := build(t, &core.Query{UserID: "1", Hits: 3, Sort: []core.SortField{{Field: "year", Descending: false}}})
	sink, _ := run(t, tr, params)

	hits := sink.hits()
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.NotEmpty(t, h.SortKey)
	}
	assert.Equal(t, []string{"id:songs:music:n=1:s0", "id:songs:music:n=1:s1", "id:songs:music:n=1:s2"},
		[]string{hits[0].DocID, hits[1].DocID, hits[2].DocID})
}

func TestTransport_RankProfile(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 5)
	tr := newTransport(t, repo)

	params := build(t, &core.Query{UserID: "1", Hits: 1, Ranking: core.Ranking{Profile: "year"}})
	sink, _ := run(t, tr, params)
	require.Len(t, sink.hits(), 1)
	assert.Equal(t, float64(1974), sink.hits()[0].Rank)

	params = build(t, &core.Query{UserID: "1", Hits: 1, Ranking: core.Ranking{
		Profile:    "popularity",
		Properties: map[string]string{"missing": "0.5"},
	}})
	sink, _ = run(t, tr, params)
	assert.Equal(t, 0.5, sink.hits()[0].Rank)
}

func TestTransport_GroupingPartials(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 6)
	tr := newTransport(t, repo)

	params := build(t, &core.Query{UserID: "1", Hits: 1, Grouping: []grouping.Request{{ID: 1, Field: "artist"}}})
	sink, _ := run(t, tr, params)

	require.Len(t, sink.batches, 1)
	result, err := grouping.Decode(sink.batches[0].Groupings[1])
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"abba": 3, "queen": 3}, result.Counts)
}

func TestTransport_SummaryBatches(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 4)
	tr := newTransport(t, repo, WithSummaryBatches(true))

	params := build(t, &core.Query{UserID: "1", Hits: 2, SummaryFields: []string{"title"}})
	sink, _ := run(t, tr, params)

	require.Len(t, sink.batches, 1)
	assert.Empty(t, sink.batches[0].Summaries)
	require.Len(t, sink.summaries, 1)
	fields, err := core.DecodeSummary(sink.summaries[0].Summaries["id:songs:music:n=1:s3"])
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"title": "song 1-3"}, fields)
}

func TestTransport_StartSessionErrors(t *testing.T) {
	tr := newTransport(t, newRepo(t))

	_, err := tr.StartSession(context.Background(), nil, &collector{})
	assert.ErrorIs(t, err, ErrParametersRequired)

	_, err = tr.StartSession(context.Background(), &visit.Parameters{Selection: "music and ("}, &collector{})
	assert.ErrorIs(t, err, selection.ErrSyntax)

	_, err = tr.StartSession(context.Background(), &visit.Parameters{Selection: "music", SortSpec: []byte{1}}, &collector{})
	assert.ErrorIs(t, err, visit.ErrMalformedBlock)
}

func TestTransport_EmptyRepositoryCompletes(t *testing.T) {
	tr := newTransport(t, newRepo(t))
	sink, session := run(t, tr, build(t, &core.Query{Selection: "music", Hits: 10}))
	assert.Empty(t, sink.batches)
	assert.NoError(t, session.Err())
}

func TestTransport_Trace(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 2, 3)
	tr := newTransport(t, repo)

	params := build(t, &core.Query{Selection: "music", Hits: 10, TraceLevel: 5})
	_, session := run(t, tr, params)

	trace := session.Trace()
	require.NotNil(t, trace)
	assert.Contains(t, trace.String(), "visiting bucket")
	assert.Contains(t, trace.String(), "completed")

	params = build(t, &core.Query{Selection: "music", Hits: 10, TraceLevel: 1})
	_, session = run(t, tr, params)
	assert.NotContains(t, session.Trace().String(), "visiting bucket")
}

func TestSession_Abort(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 1)
	tr := newTransport(t, repo, WithPoolSize(1))

	// Occupy the only worker so the session cannot make progress.
	release := make(chan struct{})
	require.NoError(t, tr.pool.Submit(func() { <-release }))
	defer close(release)

	sink := &collector{}
	s, err := tr.StartSession(context.Background(), build(t, &core.Query{UserID: "1", Hits: 1}), sink)
	require.NoError(t, err)
	s.Abort()
	s.Abort()

	session := s.(*Session)
	release <- struct{}{}
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("aborted session did not finish")
	}
	assert.ErrorIs(t, session.Err(), ErrAborted)
	assert.Empty(t, sink.batches)
}

func TestSession_VisitorTimeout(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 1)
	tr := newTransport(t, repo, WithPoolSize(1))

	release := make(chan struct{})
	require.NoError(t, tr.pool.Submit(func() { <-release }))

	params := build(t, &core.Query{UserID: "1", Hits: 1})
	params.VisitorTimeout = 20 * time.Millisecond
	s, err := tr.StartSession(context.Background(), params, &collector{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	close(release)

	completed, err := s.WaitUntilDone(context.Background(), 5*time.Second)
	assert.True(t, completed)
	assert.ErrorIs(t, err, ErrVisitorTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_WaitTimesOut(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 1)
	tr := newTransport(t, repo, WithPoolSize(1))

	release := make(chan struct{})
	require.NoError(t, tr.pool.Submit(func() { <-release }))
	defer close(release)

	s, err := tr.StartSession(context.Background(), build(t, &core.Query{UserID: "1", Hits: 1}), &collector{})
	require.NoError(t, err)
	defer s.Abort()

	completed, err := s.WaitUntilDone(context.Background(), 10*time.Millisecond)
	assert.False(t, completed)
	assert.NoError(t, err)

	completed, err = s.WaitUntilDone(context.Background(), 0)
	assert.False(t, completed)
	assert.NoError(t, err)
}

func TestNewVisitor_TrimThreshold(t *testing.T) {
	v, err := newVisitor(&visit.Parameters{Selection: "music", SummaryCount: 10})
	require.NoError(t, err)
	assert.Equal(t, 84, v.trimAt)

	v, err = newVisitor(&visit.Parameters{Selection: "music", SummaryCount: math.MaxInt})
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt, v.bound)
	assert.Equal(t, math.MaxInt, v.trimAt)

	v, err = newVisitor(&visit.Parameters{Selection: "music", SummaryCount: -5})
	require.NoError(t, err)
	assert.Zero(t, v.bound)
}

func TestTransport_LargeSummaryCount(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 1, 5)
	tr := newTransport(t, repo)

	params := build(t, &core.Query{UserID: "1", Hits: 1})
	params.SummaryCount = math.MaxInt
	sink, _ := run(t, tr, params)
	assert.Len(t, sink.hits(), 5)
}

func TestGroupBuckets(t *testing.T) {
	buckets := []core.BucketID{1, 2, 3, 4, 5}
	assert.Equal(t, [][]core.BucketID{{1, 2}, {3, 4}, {5}}, groupBuckets(buckets, 2))
	assert.Len(t, groupBuckets(buckets, 0), 5)
	assert.Empty(t, groupBuckets(nil, 3))
}

func TestSearcherOverStreaming(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, 4, 25)
	tr := newTransport(t, repo)

	searcher, err := search.NewSearcher(tr, "music", visit.Route{Cluster: "local", BucketSpace: visit.DefaultBucketSpace})
	require.NoError(t, err)
	defer searcher.Close()

	result := searcher.Execute(context.Background(), &core.Query{
		Selection: "music.artist == \"abba\"",
		Offset:    2,
		Hits:      3,
		Timeout:   5 * time.Second,
		Grouping:  []grouping.Request{{ID: 7, Field: "artist"}},
	})
	require.False(t, result.Failed(), "%v", result.Err)

	assert.Equal(t, int64(52), result.TotalHits)
	assert.Equal(t, int64(100), result.Coverage.Docs)
	require.Len(t, result.Hits, 3)
	// Four users each hold one abba song of rank 24, then one of rank 22.
	assert.Equal(t, []float64{24, 24, 22}, []float64{result.Hits[0].Rank, result.Hits[1].Rank, result.Hits[2].Rank})
	for _, h := range result.Hits {
		fields, err := h.Fields()
		require.NoError(t, err)
		assert.Equal(t, "abba", fields["artist"])
	}
	require.Len(t, result.Groupings, 1)
	assert.Equal(t, map[string]int64{"abba": 52}, result.Groupings[0].Counts)

	result = searcher.Execute(context.Background(), &core.Query{UserID: "3", Hits: 2, Timeout: 5 * time.Second})
	require.False(t, result.Failed(), "%v", result.Err)
	require.Len(t, result.Hits, 2)
	assert.Equal(t, "id:songs:music:n=3:s24", result.Hits[0].DocID)
}
