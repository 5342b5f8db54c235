package streaming

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
	"github.com/poiesic/streamvisit/selection"
	"github.com/poiesic/streamvisit/storage"
	"github.com/poiesic/streamvisit/visit"
)

const (
	// DefaultRankProfile ranks by the DefaultRankField field.
	DefaultRankProfile = "default"
	DefaultRankField   = "rank"

	// missingRankProperty sets the rank of documents without the rank field.
	missingRankProperty = "missing"

	// trimSlack is added to twice the bound before candidates are trimmed.
	trimSlack = 64
)

// visitor holds the decoded parameters shared by every bucket of a session.
type visitor struct {
	expr          *selection.Expression
	rankField     string
	missingRank   float64
	sortFields    []core.SortField
	groupings     []grouping.Request
	bound         int
	trimAt        int // candidate count that triggers a trim
	summaryFields []string
	cmp           func(a, b core.Hit) int
}

type candidate struct {
	hit core.Hit
	doc *core.Document
}

func newVisitor(params *visit.Parameters) (*visitor, error) {
	expr, err := selection.Parse(params.Selection)
	if err != nil {
		return nil, err
	}
	var (
		props      map[string]string
		sortFields []core.SortField
		groupings  []grouping.Request
	)
	if len(params.RankProperties) > 0 {
		if props, err = visit.DecodeRankProperties(params.RankProperties); err != nil {
			return nil, err
		}
	}
	if len(params.SortSpec) > 0 {
		if sortFields, err = visit.DecodeSortSpec(params.SortSpec); err != nil {
			return nil, err
		}
	}
	if len(params.GroupingSpec) > 0 {
		if groupings, err = visit.DecodeGroupingRequests(params.GroupingSpec); err != nil {
			return nil, err
		}
	}

	v := &visitor{
		expr:          expr,
		rankField:     rankField(params.RankProfile),
		sortFields:    sortFields,
		groupings:     groupings,
		bound:         max(params.SummaryCount, 0),
		trimAt:        math.MaxInt,
		summaryFields: params.SummaryFields,
		cmp:           core.CompareHits(len(sortFields) > 0),
	}
	if v.bound <= (math.MaxInt-trimSlack)/2 {
		v.trimAt = 2*v.bound + trimSlack
	}
	if s, ok := props[missingRankProperty]; ok {
		if v.missingRank, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("%w: rank property %s=%q", visit.ErrMalformedBlock, missingRankProperty, s)
		}
	}
	return v, nil
}

// rankField maps a rank profile to the numeric field ranking documents.
func rankField(profile string) string {
	if profile == "" || profile == DefaultRankProfile {
		return DefaultRankField
	}
	return profile
}

// visitBucket scans one bucket and builds its partial result.
func (v *visitor) visitBucket(ctx context.Context, repo storage.DocumentRepository, bucket core.BucketID) (*visit.Batch, error) {
	var (
		stats visit.Statistics
		total int64
		cands []candidate
	)
	results := make([]grouping.Result, len(v.groupings))
	for i, req := range v.groupings {
		results[i] = grouping.NewResult(req)
	}

	err := repo.ScanBucket(ctx, bucket, func(doc *core.Document, size int) error {
		stats.DocumentsVisited++
		stats.BytesVisited += int64(size)
		if !v.expr.Matches(doc) {
			return nil
		}
		total++
		for i := range results {
			if value, ok := doc.Fields[results[i].Field]; ok {
				results[i].Add(value)
			}
		}
		if v.bound == 0 {
			return nil
		}
		cands = append(cands, candidate{hit: v.hit(doc), doc: doc})
		if len(cands) >= v.trimAt {
			cands = v.trim(cands)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cands = v.trim(cands)
	batch := &visit.Batch{
		Hits:      make([]core.Hit, len(cands)),
		Summaries: make(map[string][]byte, len(cands)),
		TotalHits: total,
	}
	for i, c := range cands {
		batch.Hits[i] = c.hit
		batch.Summaries[c.hit.DocID] = core.EncodeSummary(c.doc, v.summaryFields)
	}
	if len(results) > 0 {
		batch.Groupings = make(map[int][]byte, len(results))
		for _, r := range results {
			batch.Groupings[r.ID] = grouping.Encode(r)
		}
	}
	stats.DocumentsReturned = int64(len(cands))
	batch.Statistics = stats
	return batch, nil
}

func (v *visitor) hit(doc *core.Document) core.Hit {
	h := core.Hit{DocID: doc.ID, Rank: v.missingRank}
	if s, ok := doc.Fields[v.rankField]; ok {
		if rank, err := strconv.ParseFloat(s, 64); err == nil {
			h.Rank = rank
		}
	}
	if len(v.sortFields) > 0 {
		h.SortKey = core.EncodeSortKey(v.sortFields, doc.Fields)
	}
	return h
}

// trim orders candidates and keeps the best bound of them.
func (v *visitor) trim(cands []candidate) []candidate {
	slices.SortStableFunc(cands, func(a, b candidate) int {
		return v.cmp(a.hit, b.hit)
	})
	if len(cands) > v.bound {
		clear(cands[v.bound:])
		cands = cands[:v.bound]
	}
	return cands
}
