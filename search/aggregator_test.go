package search

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
	"github.com/poiesic/streamvisit/visit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var byRank = core.CompareHits(false)

func rankedHits(prefix string, ranks ...float64) []core.Hit {
	hits := make([]core.Hit, len(ranks))
	for i, r := range ranks {
		hits[i] = core.Hit{DocID: fmt.Sprintf("%s%d", prefix, i), Rank: r}
	}
	return hits
}

func ranksOf(hits []core.Hit) []float64 {
	out := make([]float64, len(hits))
	for i, h := range hits {
		out[i] = h.Rank
	}
	return out
}

// bogusMessage satisfies visit.Message without being one of its variants.
type bogusMessage struct {
	visit.Batch
}

func frozenSnapshot(t *testing.T, a *Aggregator) *Snapshot {
	t.Helper()
	a.Freeze()
	snap, err := a.Snapshot()
	require.NoError(t, err)
	return snap
}

func TestAggregator_MergesBatches(t *testing.T) {
	a := NewAggregator(4, byRank)

	a.OnMessage(&visit.Batch{
		Hits:       rankedHits("a", 10, 8, 6),
		Summaries:  map[string][]byte{"a0": []byte("s")},
		TotalHits:  3,
		Statistics: visit.Statistics{DocumentsVisited: 5, BytesVisited: 100},
		Errors:     []string{"bucket 1 slow"},
	})
	a.OnMessage(&visit.Batch{
		Hits:       rankedHits("b", 9, 7, 5),
		TotalHits:  3,
		Statistics: visit.Statistics{DocumentsVisited: 7, BytesVisited: 50},
		Errors:     []string{"bucket 1 slow", "bucket 2 slow"},
	})

	snap := frozenSnapshot(t, a)
	assert.Equal(t, []float64{10, 9, 8, 7}, ranksOf(snap.Hits))
	assert.Equal(t, int64(6), snap.TotalHits)
	assert.Equal(t, int64(12), snap.Statistics.DocumentsVisited)
	assert.Equal(t, int64(150), snap.Statistics.BytesVisited)
	assert.Equal(t, []string{"bucket 1 slow", "bucket 2 slow"}, snap.Errors)
	assert.Equal(t, 2, snap.Batches)
	assert.Contains(t, snap.Summaries, "a0")
}

func TestAggregator_ConcurrentDelivery(t *testing.T) {
	const (
		producers = 16
		batches   = 20
		perBatch  = 25
		bound     = 50
	)
	a := NewAggregator(bound, byRank, WithInboxSize(0))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []core.Hit
	)
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range batches {
				hits := make([]core.Hit, perBatch)
				for i := range hits {
					hits[i] = core.Hit{
						DocID: fmt.Sprintf("p%d-b%d-%d", p, b, i),
						Rank:  float64((p*7919 + b*104729 + i*31) % 1000),
					}
				}
				slices.SortStableFunc(hits, byRank)
				mu.Lock()
				all = append(all, hits...)
				mu.Unlock()
				a.OnMessage(&visit.Batch{Hits: hits, TotalHits: perBatch})
			}
		}()
	}
	wg.Wait()

	snap := frozenSnapshot(t, a)
	require.Len(t, snap.Hits, bound)
	assert.True(t, slices.IsSortedFunc(snap.Hits, byRank))
	assert.Equal(t, int64(producers*batches*perBatch), snap.TotalHits)

	slices.SortStableFunc(all, byRank)
	assert.Equal(t, ranksOf(all[:bound]), ranksOf(snap.Hits))
}

func TestAggregator_SummariesLastWriteWins(t *testing.T) {
	a := NewAggregator(10, byRank)
	a.OnMessage(&visit.Batch{Summaries: map[string][]byte{"x": []byte("first")}})
	a.OnMessage(&visit.SummaryBatch{Summaries: map[string][]byte{"x": []byte("second"), "y": []byte("y")}})

	snap := frozenSnapshot(t, a)
	assert.Equal(t, []byte("second"), snap.Summaries["x"])
	assert.Equal(t, []byte("y"), snap.Summaries["y"])
	assert.Equal(t, 1, snap.Batches, "summary batches are not counted as hit batches")
}

func TestAggregator_Groupings(t *testing.T) {
	partial := func(counts map[string]int64) []byte {
		return grouping.Encode(grouping.Result{ID: 1, Field: "artist", Counts: counts})
	}

	t.Run("count merger", func(t *testing.T) {
		a := NewAggregator(10, byRank)
		a.OnMessage(&visit.Batch{Groupings: map[int][]byte{1: partial(map[string]int64{"abba": 2, "queen": 1})}})
		a.OnMessage(&visit.Batch{Groupings: map[int][]byte{1: partial(map[string]int64{"abba": 3})}})

		snap := frozenSnapshot(t, a)
		require.Len(t, snap.Groupings, 1)
		assert.Equal(t, map[string]int64{"abba": 5, "queen": 1}, snap.Groupings[0].Counts)
	})

	t.Run("custom merger", func(t *testing.T) {
		calls := 0
		keepLast := grouping.MergerFunc(func(_, incoming grouping.Result) grouping.Result {
			calls++
			return incoming
		})
		a := NewAggregator(10, byRank, WithMerger(keepLast))
		a.OnMessage(&visit.Batch{Groupings: map[int][]byte{1: partial(map[string]int64{"abba": 2})}})
		a.OnMessage(&visit.Batch{Groupings: map[int][]byte{1: partial(map[string]int64{"queen": 9})}})

		snap := frozenSnapshot(t, a)
		assert.Equal(t, 1, calls)
		assert.Equal(t, map[string]int64{"queen": 9}, snap.Groupings[0].Counts)
	})

	t.Run("corrupt blob is a protocol error", func(t *testing.T) {
		a := NewAggregator(10, byRank)
		a.OnMessage(&visit.Batch{Groupings: map[int][]byte{1: {0xff}}})
		a.Freeze()
		_, err := a.Snapshot()
		assert.ErrorIs(t, err, core.ErrProtocol)
	})
}

func TestAggregator_ProtocolErrors(t *testing.T) {
	for name, msg := range map[string]visit.Message{
		"unknown variant":   &bogusMessage{},
		"nil message":       nil,
		"nil batch":         (*visit.Batch)(nil),
		"nil summary batch": (*visit.SummaryBatch)(nil),
	} {
		t.Run(name, func(t *testing.T) {
			a := NewAggregator(10, byRank)
			a.OnMessage(&visit.Batch{Hits: rankedHits("a", 1)})
			a.OnMessage(msg)
			a.OnMessage(&visit.Batch{Hits: rankedHits("b", 2)})
			a.Freeze()

			_, err := a.Snapshot()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrProtocol)
		})
	}
}

func TestAggregator_Freeze(t *testing.T) {
	t.Run("snapshot before freeze", func(t *testing.T) {
		a := NewAggregator(10, byRank)
		_, err := a.Snapshot()
		assert.ErrorIs(t, err, ErrNotFrozen)
		a.Freeze()
	})

	t.Run("late messages are discarded without blocking", func(t *testing.T) {
		a := NewAggregator(10, byRank, WithInboxSize(0))
		a.OnMessage(&visit.Batch{Hits: rankedHits("a", 1)})
		a.Freeze()
		a.Freeze()

		done := make(chan struct{})
		go func() {
			for range 100 {
				a.OnMessage(&visit.Batch{Hits: rankedHits("late", 100)})
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("OnMessage blocked after Freeze")
		}

		snap, err := a.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, []float64{1}, ranksOf(snap.Hits))
	})
}

func TestAggregator_PartitionFilter(t *testing.T) {
	accept := func(h core.Hit) bool { return h.DocID[0] == 'a' }
	a := NewAggregator(3, byRank, WithPartitionFilter(accept))

	a.OnMessage(&visit.Batch{Hits: []core.Hit{
		{DocID: "b1", Rank: 100},
		{DocID: "a1", Rank: 90},
		{DocID: "b2", Rank: 80},
		{DocID: "a2", Rank: 70},
		{DocID: "a3", Rank: 60},
	}})

	snap := frozenSnapshot(t, a)
	assert.Equal(t, []float64{90, 70, 60}, ranksOf(snap.Hits), "rejected hits must not occupy the bound")
	assert.Equal(t, []string{"b1", "b2"}, snap.Mismatched)
}

func TestAggregator_Duplicates(t *testing.T) {
	batch := func() *visit.Batch {
		return &visit.Batch{Hits: []core.Hit{{DocID: "x", Rank: 5}, {DocID: "y", Rank: 4}}}
	}

	t.Run("kept by default", func(t *testing.T) {
		a := NewAggregator(10, byRank)
		a.OnMessage(batch())
		a.OnMessage(batch())
		snap := frozenSnapshot(t, a)
		assert.Len(t, snap.Hits, 4)
	})

	t.Run("dropped on request", func(t *testing.T) {
		a := NewAggregator(10, byRank, WithDeduplication(DropDuplicates))
		a.OnMessage(batch())
		a.OnMessage(batch())
		snap := frozenSnapshot(t, a)
		require.Len(t, snap.Hits, 2)
		assert.Equal(t, "x", snap.Hits[0].DocID)
		assert.Equal(t, "y", snap.Hits[1].DocID)
	})
}

func TestAggregator_UnsortedBatchIsOrdered(t *testing.T) {
	a := NewAggregator(10, byRank)
	a.OnMessage(&visit.Batch{Hits: rankedHits("a", 1, 3, 2)})
	snap := frozenSnapshot(t, a)
	assert.Equal(t, []float64{3, 2, 1}, ranksOf(snap.Hits))
}

func TestAggregator_ZeroBound(t *testing.T) {
	a := NewAggregator(0, byRank)
	a.OnMessage(&visit.Batch{Hits: rankedHits("a", 3, 2, 1), TotalHits: 3})
	snap := frozenSnapshot(t, a)
	assert.Empty(t, snap.Hits)
	assert.Equal(t, int64(3), snap.TotalHits)
}
