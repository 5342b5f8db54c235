package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSortSpec parses a whitespace separated sort specification such as
// "+year -title". A field without a sign sorts ascending.
func ParseSortSpec(spec string) ([]SortField, error) {
	var fields []SortField
	for _, token := range strings.Fields(spec) {
		f := SortField{Field: token}
		switch token[0] {
		case '+':
			f.Field = token[1:]
		case '-':
			f.Field = token[1:]
			f.Descending = true
		}
		if f.Field == "" {
			return nil, fmt.Errorf("%w: empty field in %q", ErrInvalidSortSpec, spec)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// FormatSortSpec renders sort fields in the form accepted by ParseSortSpec.
func FormatSortSpec(fields []SortField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		sign := "+"
		if f.Descending {
			sign = "-"
		}
		parts[i] = sign + f.Field
	}
	return strings.Join(parts, " ")
}

// EncodeSortKey builds an order-preserving sort blob for a document's field values.
// Comparing two blobs with bytes.Compare yields the order requested by fields.
// Numeric values sort before strings; missing values sort last.
func EncodeSortKey(fields []SortField, values map[string]string) []byte {
	var buf []byte
	for _, f := range fields {
		start := len(buf)
		v, ok := values[f.Field]
		switch {
		case !ok:
			buf = append(buf, 0x03)
		default:
			if num, err := strconv.ParseFloat(v, 64); err == nil {
				buf = append(buf, 0x01)
				buf = binary.BigEndian.AppendUint64(buf, orderedFloatBits(num))
			} else {
				buf = append(buf, 0x02)
				buf = appendEscaped(buf, v)
			}
		}
		if f.Descending {
			for i := start; i < len(buf); i++ {
				buf[i] = ^buf[i]
			}
		}
	}
	return buf
}

// orderedFloatBits maps a float to bits whose unsigned order matches numeric order.
func orderedFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

// appendEscaped writes s terminated by 0x00 0x00, escaping embedded zero bytes
// as 0x00 0xff so that prefixes sort first.
func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		buf = append(buf, s[i])
		if s[i] == 0 {
			buf = append(buf, 0xff)
		}
	}
	return append(buf, 0x00, 0x00)
}

// CompareHits returns the result ordering for a query. With sorting the sort
// blob decides ascending; otherwise higher rank comes first. A negative result
// means a is preferred over b.
func CompareHits(sorting bool) func(a, b Hit) int {
	if sorting {
		return func(a, b Hit) int {
			return bytes.Compare(a.SortKey, b.SortKey)
		}
	}
	return func(a, b Hit) int {
		switch {
		case a.Rank > b.Rank:
			return -1
		case a.Rank < b.Rank:
			return 1
		default:
			return 0
		}
	}
}
