// Package grouping provides the mergeable aggregation values streamed back
// alongside hits. Each visited bucket produces a partial Result per grouping
// request; partials for the same request id are merged into one.
package grouping

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// ErrCorruptResult indicates a grouping blob could not be decoded.
var ErrCorruptResult = errors.New("corrupt grouping result")

// Request asks for document counts per distinct value of Field.
type Request struct {
	ID        int
	Field     string
	MaxGroups int // 0 means unlimited
}

// Result holds per-value document counts for one request.
type Result struct {
	ID        int
	Field     string
	MaxGroups int
	Counts    map[string]int64
}

// Group is one bucket of a grouping result.
type Group struct {
	Value string
	Count int64
}

// NewResult creates an empty result for a request.
func NewResult(req Request) Result {
	return Result{
		ID:        req.ID,
		Field:     req.Field,
		MaxGroups: req.MaxGroups,
		Counts:    make(map[string]int64),
	}
}

// Add counts one document with the given value.
func (r *Result) Add(value string) {
	if r.Counts == nil {
		r.Counts = make(map[string]int64)
	}
	r.Counts[value]++
}

// Top returns the groups ordered by count descending, then value, trimmed to MaxGroups.
func (r Result) Top() []Group {
	groups := make([]Group, 0, len(r.Counts))
	for v, c := range r.Counts {
		groups = append(groups, Group{Value: v, Count: c})
	}
	slices.SortFunc(groups, func(a, b Group) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
	if r.MaxGroups > 0 && len(groups) > r.MaxGroups {
		groups = groups[:r.MaxGroups]
	}
	return groups
}

// Merger combines two partial results for the same request id.
// Implementations must be associative.
type Merger interface {
	Merge(existing, incoming Result) Result
}

// MergerFunc adapts a function to the Merger interface.
type MergerFunc func(existing, incoming Result) Result

func (f MergerFunc) Merge(existing, incoming Result) Result {
	return f(existing, incoming)
}

// CountMerger sums counts per value. The existing result is updated in place.
type CountMerger struct{}

var _ Merger = CountMerger{}

func (CountMerger) Merge(existing, incoming Result) Result {
	if existing.Counts == nil {
		existing.Counts = make(map[string]int64, len(incoming.Counts))
	}
	for v, c := range incoming.Counts {
		existing.Counts[v] += c
	}
	return existing
}

// Encode serializes a result.
func Encode(r Result) []byte {
	size := varint.Int.Size(r.ID) + ord.String.Size(r.Field) +
		varint.Int.Size(r.MaxGroups) + varint.Int.Size(len(r.Counts))
	for v, c := range r.Counts {
		size += ord.String.Size(v) + varint.Int64.Size(c)
	}
	bs := make([]byte, size)
	n := varint.Int.Marshal(r.ID, bs)
	n += ord.String.Marshal(r.Field, bs[n:])
	n += varint.Int.Marshal(r.MaxGroups, bs[n:])
	n += varint.Int.Marshal(len(r.Counts), bs[n:])
	for _, v := range slices.Sorted(maps.Keys(r.Counts)) {
		n += ord.String.Marshal(v, bs[n:])
		n += varint.Int64.Marshal(r.Counts[v], bs[n:])
	}
	return bs
}

// Decode deserializes a result produced by Encode.
func Decode(bs []byte) (Result, error) {
	var (
		r      Result
		n, n1  int
		length int
		err    error
	)
	if r.ID, n1, err = varint.Int.Unmarshal(bs); err != nil {
		return r, fmt.Errorf("%w: %w", ErrCorruptResult, err)
	}
	n += n1
	if r.Field, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return r, fmt.Errorf("%w: %w", ErrCorruptResult, err)
	}
	n += n1
	if r.MaxGroups, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return r, fmt.Errorf("%w: %w", ErrCorruptResult, err)
	}
	n += n1
	if length, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return r, fmt.Errorf("%w: %w", ErrCorruptResult, err)
	}
	n += n1
	if length < 0 || length > len(bs) {
		return r, fmt.Errorf("%w: group count %d", ErrCorruptResult, length)
	}
	r.Counts = make(map[string]int64, length)
	for range length {
		var (
			v string
			c int64
		)
		if v, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
			return r, fmt.Errorf("%w: %w", ErrCorruptResult, err)
		}
		n += n1
		if c, n1, err = varint.Int64.Unmarshal(bs[n:]); err != nil {
			return r, fmt.Errorf("%w: %w", ErrCorruptResult, err)
		}
		n += n1
		r.Counts[v] = c
	}
	return r, nil
}
