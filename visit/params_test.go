package visit

import (
	"testing"
	"time"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
	"github.com/poiesic/streamvisit/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRoute = Route{Cluster: "content", BucketSpace: DefaultBucketSpace}

func newTestBuilder(t *testing.T, opts ...BuilderOption) *Builder {
	t.Helper()
	base := []BuilderOption{
		WithTracingOptions(tracing.Options{QuerySampler: tracing.Never, TraceLevelOverride: 7}),
	}
	b, err := NewBuilder(append(base, opts...)...)
	require.NoError(t, err)
	return b
}

func TestBuilder_SelectionCardinality(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		name    string
		query   core.Query
		wantErr bool
		want    string
	}{
		{name: "none set", query: core.Query{}, wantErr: true},
		{name: "user only", query: core.Query{UserID: "1234"}, want: "music and ( id.user==1234 )"},
		{name: "group only", query: core.Query{GroupName: "g1"}, want: `music and ( id.group=="g1" )`},
		{name: "selection only", query: core.Query{Selection: "music.year > 2000"}, want: "music and ( music.year > 2000 )"},
		{name: "user and group", query: core.Query{UserID: "1", GroupName: "g1"}, wantErr: true},
		{name: "user and selection", query: core.Query{UserID: "1", Selection: "music"}, wantErr: true},
		{name: "group and selection", query: core.Query{GroupName: "g", Selection: "music"}, wantErr: true},
		{name: "all three", query: core.Query{UserID: "1", GroupName: "g", Selection: "music"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			q.Hits = 10
			q.Timeout = time.Second
			p, err := b.Build(&q, "music", testRoute)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, core.ErrValidation)
				assert.ErrorIs(t, err, ErrSelectionCardinality)
				assert.Contains(t, err.Error(), "requires exactly one of user id, group name, selection")
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Selection)
		})
	}
}

func TestBuilder_Validation(t *testing.T) {
	b := newTestBuilder(t)

	t.Run("bad selection syntax", func(t *testing.T) {
		_, err := b.Build(&core.Query{Selection: "music.year >"}, "music", testRoute)
		assert.ErrorIs(t, err, core.ErrValidation)
	})

	t.Run("non numeric user id", func(t *testing.T) {
		_, err := b.Build(&core.Query{UserID: "bob"}, "music", testRoute)
		assert.ErrorIs(t, err, core.ErrValidation)
		assert.ErrorIs(t, err, ErrInvalidUserID)
	})

	t.Run("negative offset", func(t *testing.T) {
		_, err := b.Build(&core.Query{UserID: "1", Offset: -1}, "music", testRoute)
		assert.ErrorIs(t, err, core.ErrValidation)
		assert.ErrorIs(t, err, core.ErrInvalidQuery)
	})

	t.Run("missing schema", func(t *testing.T) {
		_, err := b.Build(&core.Query{UserID: "1"}, "", testRoute)
		assert.ErrorIs(t, err, ErrSchemaRequired)
	})

	t.Run("group name with quote", func(t *testing.T) {
		p, err := b.Build(&core.Query{GroupName: `a"b`}, "music", testRoute)
		require.NoError(t, err)
		assert.Equal(t, `music and ( id.group=="a\"b" )`, p.Selection)
	})
}

func TestBuilder_Parameters(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBuilder(t,
		WithPriority(PriorityHigh),
		WithMaxBucketsPerVisitor(4),
		WithBuilderClock(func() time.Time { return now }),
	)

	q := &core.Query{
		GroupName:     "g1",
		Offset:        5,
		Hits:          10,
		Timeout:       5 * time.Second,
		StartedAt:     now.Add(-time.Second),
		Ranking:       core.Ranking{Profile: "default", Properties: map[string]string{"boost": "2"}},
		Sort:          []core.SortField{{Field: "year", Descending: true}},
		Grouping:      []grouping.Request{{ID: 1, Field: "artist", MaxGroups: 3}},
		SummaryFields: []string{"title", "year"},
	}
	p, err := b.Build(q, "music", testRoute)
	require.NoError(t, err)

	assert.Equal(t, 15, p.SummaryCount)
	assert.Equal(t, PriorityHigh, p.Priority)
	assert.Equal(t, 4, p.MaxBucketsPerVisitor)
	assert.Equal(t, "music:title,year", p.FieldSet)
	assert.Equal(t, 4*time.Second, p.SessionTimeout)
	assert.Equal(t, 4*time.Second, p.VisitorTimeout)
	assert.Equal(t, "default", p.RankProfile)
	assert.True(t, p.Sorted())

	props, err := DecodeRankProperties(p.RankProperties)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"boost": "2"}, props)

	sort, err := DecodeSortSpec(p.SortSpec)
	require.NoError(t, err)
	assert.Equal(t, q.Sort, sort)

	reqs, err := DecodeGroupingRequests(p.GroupingSpec)
	require.NoError(t, err)
	assert.Equal(t, q.Grouping, reqs)

	t.Run("unsorted query has no sort block", func(t *testing.T) {
		p, err := b.Build(&core.Query{UserID: "7", Timeout: time.Second}, "music", testRoute)
		require.NoError(t, err)
		assert.False(t, p.Sorted())
		assert.Nil(t, p.GroupingSpec)
		assert.Equal(t, "music:[document]", p.FieldSet)
	})
}

func TestBuilder_TraceLevel(t *testing.T) {
	sampled := newTestBuilder(t, WithTracingOptions(tracing.Options{QuerySampler: tracing.Always, TraceLevelOverride: 7}))

	t.Run("explicit level wins", func(t *testing.T) {
		p, err := sampled.Build(&core.Query{UserID: "1", TraceLevel: 2}, "music", testRoute)
		require.NoError(t, err)
		assert.Equal(t, 2, p.TraceLevel)
	})

	t.Run("constrained query is sampled", func(t *testing.T) {
		p, err := sampled.Build(&core.Query{GroupName: "g"}, "music", testRoute)
		require.NoError(t, err)
		assert.Equal(t, 7, p.TraceLevel)
	})

	t.Run("free selection is not sampled", func(t *testing.T) {
		p, err := sampled.Build(&core.Query{Selection: "music"}, "music", testRoute)
		require.NoError(t, err)
		assert.Zero(t, p.TraceLevel)
	})
}

func TestNewBuilder_InvalidOptions(t *testing.T) {
	_, err := NewBuilder(WithMaxBucketsPerVisitor(0))
	assert.Error(t, err)

	_, err = NewBuilder(WithPriority(Priority(42)))
	assert.Error(t, err)
}

func TestParseRoute(t *testing.T) {
	r, err := ParseRoute("content")
	require.NoError(t, err)
	assert.Equal(t, Route{Cluster: "content", BucketSpace: "default"}, r)

	r, err = ParseRoute("content/global")
	require.NoError(t, err)
	assert.Equal(t, "content/global", r.String())

	for _, bad := range []string{"", "/global", "content/", "a/b/c"} {
		_, err := ParseRoute(bad)
		assert.ErrorIs(t, err, ErrInvalidRoute, bad)
	}
}

func TestPriority(t *testing.T) {
	for p := PriorityHighest; p <= PriorityLowest; p++ {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}
