package merge

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	key    int
	origin string
	id     int
}

func byKey(x, y item) int {
	return cmp.Compare(x.key, y.key)
}

func items(origin string, keys ...int) []item {
	out := make([]item, len(keys))
	for i, k := range keys {
		out[i] = item{key: k, origin: origin, id: i}
	}
	return out
}

func reference(a, b []item, n int) []item {
	all := append(slices.Clone(a), b...)
	slices.SortStableFunc(all, byKey)
	if n < 0 {
		n = 0
	}
	return all[:min(len(all), n)]
}

func TestBounded_EdgeCases(t *testing.T) {
	a := items("a", 1, 3, 5)
	b := items("b", 2, 4)

	t.Run("zero bound", func(t *testing.T) {
		assert.Empty(t, Bounded(a, b, 0, byKey))
	})

	t.Run("negative bound", func(t *testing.T) {
		assert.Empty(t, Bounded(a, b, -1, byKey))
	})

	t.Run("empty a returns truncated b", func(t *testing.T) {
		assert.Equal(t, b[:1], Bounded(nil, b, 1, byKey))
	})

	t.Run("empty b returns a", func(t *testing.T) {
		assert.Equal(t, a, Bounded(a, nil, 10, byKey))
	})

	t.Run("both empty", func(t *testing.T) {
		assert.Empty(t, Bounded[item](nil, nil, 5, byKey))
	})

	t.Run("interleaves", func(t *testing.T) {
		got := Bounded(a, b, 4, byKey)
		keys := make([]int, len(got))
		for i, it := range got {
			keys[i] = it.key
		}
		assert.Equal(t, []int{1, 2, 3, 4}, keys)
	})
}

func TestBounded_TiesFavourAccumulated(t *testing.T) {
	a := items("a", 1, 2, 2)
	b := items("b", 2, 2, 3)

	got := Bounded(a, b, 6, byKey)
	require.Len(t, got, 6)

	origins := make([]string, len(got))
	for i, it := range got {
		origins[i] = it.origin
	}
	assert.Equal(t, []string{"a", "a", "a", "b", "b", "b"}, origins)
}

func TestBounded_MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := range 500 {
		a := randomSorted(rng, "a", rng.IntN(30))
		b := randomSorted(rng, "b", rng.IntN(30))
		n := rng.IntN(40)

		got := Bounded(a, b, n, byKey)
		want := reference(a, b, n)

		require.Equal(t, want, got, "round %d: n=%d |a|=%d |b|=%d", round, n, len(a), len(b))
		assert.LessOrEqual(t, len(got), n)
		assert.True(t, slices.IsSortedFunc(got, byKey))
	}
}

func TestBounded_AdversarialBatchNeverExceedsBound(t *testing.T) {
	b := make([]item, 100_000)
	for i := range b {
		b[i] = item{key: i, origin: "b"}
	}
	a := items("a", 5, 50, 500)

	got := Bounded(a, b, 10, byKey)
	assert.Len(t, got, 10)
	assert.Equal(t, 10, cap(got))
}

func TestBoundedDistinct(t *testing.T) {
	key := func(it item) int { return it.id }

	a := []item{{key: 1, id: 100, origin: "a"}, {key: 4, id: 101, origin: "a"}}
	b := []item{{key: 2, id: 101, origin: "b"}, {key: 3, id: 102, origin: "b"}, {key: 5, id: 100, origin: "b"}}

	t.Run("keeps best ranked occurrence", func(t *testing.T) {
		got := BoundedDistinct(a, b, 10, byKey, key)
		require.Len(t, got, 3)
		assert.Equal(t, item{key: 1, id: 100, origin: "a"}, got[0])
		assert.Equal(t, item{key: 2, id: 101, origin: "b"}, got[1])
		assert.Equal(t, item{key: 3, id: 102, origin: "b"}, got[2])
	})

	t.Run("duplicates do not consume the bound", func(t *testing.T) {
		got := BoundedDistinct(a, b, 3, byKey, key)
		assert.Len(t, got, 3)
	})

	t.Run("tie goes to accumulated", func(t *testing.T) {
		got := BoundedDistinct(
			[]item{{key: 1, id: 7, origin: "a"}},
			[]item{{key: 1, id: 7, origin: "b"}},
			5, byKey, key)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].origin)
	})

	t.Run("zero bound", func(t *testing.T) {
		assert.Empty(t, BoundedDistinct(a, b, 0, byKey, key))
	})
}

func randomSorted(rng *rand.Rand, origin string, size int) []item {
	out := make([]item, size)
	for i := range out {
		out[i] = item{key: rng.IntN(20), origin: origin, id: i}
	}
	slices.SortStableFunc(out, byKey)
	return out
}
