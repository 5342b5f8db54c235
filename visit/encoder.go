package visit

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
)

const defaultEncoderCapacity = 64

// Entry is one (name, value) pair of an encoded block.
type Entry struct {
	Name  string
	Value string
}

// Encoder writes blocks of the form {count:int32, (name, value)*} where each
// name and value is an int32 byte length followed by the bytes. Integers are
// big-endian. The buffer starts small and doubles whenever a write would
// overflow it.
type Encoder struct {
	buf []byte
	n   int
}

// NewEncoder creates an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	if capacity <= 0 {
		capacity = defaultEncoderCapacity
	}
	return &Encoder{buf: make([]byte, capacity)}
}

func (e *Encoder) ensure(extra int) {
	if len(e.buf)-e.n >= extra {
		return
	}
	size := max(len(e.buf), 1)
	for size-e.n < extra {
		size *= 2
	}
	grown := make([]byte, size)
	copy(grown, e.buf[:e.n])
	e.buf = grown
}

func (e *Encoder) putInt32(v int32) {
	e.ensure(4)
	binary.BigEndian.PutUint32(e.buf[e.n:], uint32(v))
	e.n += 4
}

func (e *Encoder) putString(s string) {
	e.putInt32(int32(len(s)))
	e.ensure(len(s))
	e.n += copy(e.buf[e.n:], s)
}

// WriteBlock appends one block.
func (e *Encoder) WriteBlock(entries []Entry) {
	e.putInt32(int32(len(entries)))
	for _, ent := range entries {
		e.putString(ent.Name)
		e.putString(ent.Value)
	}
}

// Bytes returns a copy of the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return slices.Clone(e.buf[:e.n])
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return e.n }

// Cap returns the current buffer capacity.
func (e *Encoder) Cap() int { return len(e.buf) }

// Reset discards encoded bytes, keeping the buffer.
func (e *Encoder) Reset() { e.n = 0 }

// EncodeBlock encodes entries as a single block.
func EncodeBlock(entries []Entry) []byte {
	e := NewEncoder(defaultEncoderCapacity)
	e.WriteBlock(entries)
	return e.Bytes()
}

// DecodeBlock decodes a single block produced by EncodeBlock.
func DecodeBlock(bs []byte) ([]Entry, error) {
	count, n, err := readInt32(bs, 0)
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > len(bs)/8 {
		return nil, fmt.Errorf("%w: entry count %d", ErrMalformedBlock, count)
	}
	entries := make([]Entry, 0, count)
	for range count {
		var ent Entry
		if ent.Name, n, err = readString(bs, n); err != nil {
			return nil, err
		}
		if ent.Value, n, err = readString(bs, n); err != nil {
			return nil, err
		}
		entries = append(entries, ent)
	}
	if n != len(bs) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedBlock, len(bs)-n)
	}
	return entries, nil
}

func readInt32(bs []byte, off int) (int32, int, error) {
	if len(bs)-off < 4 {
		return 0, off, fmt.Errorf("%w: truncated at offset %d", ErrMalformedBlock, off)
	}
	return int32(binary.BigEndian.Uint32(bs[off:])), off + 4, nil
}

func readString(bs []byte, off int) (string, int, error) {
	length, off, err := readInt32(bs, off)
	if err != nil {
		return "", off, err
	}
	if length < 0 || int(length) > len(bs)-off {
		return "", off, fmt.Errorf("%w: string length %d at offset %d", ErrMalformedBlock, length, off)
	}
	end := off + int(length)
	return string(bs[off:end]), end, nil
}

// EncodeRankProperties encodes ranking properties in name order.
func EncodeRankProperties(props map[string]string) []byte {
	entries := make([]Entry, 0, len(props))
	for _, k := range slices.Sorted(maps.Keys(props)) {
		entries = append(entries, Entry{Name: k, Value: props[k]})
	}
	return EncodeBlock(entries)
}

// DecodeRankProperties is the inverse of EncodeRankProperties.
func DecodeRankProperties(bs []byte) (map[string]string, error) {
	entries, err := DecodeBlock(bs)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string, len(entries))
	for _, ent := range entries {
		props[ent.Name] = ent.Value
	}
	return props, nil
}

// EncodeSortSpec encodes sort fields with "+" or "-" as the value.
func EncodeSortSpec(fields []core.SortField) []byte {
	entries := make([]Entry, len(fields))
	for i, f := range fields {
		dir := "+"
		if f.Descending {
			dir = "-"
		}
		entries[i] = Entry{Name: f.Field, Value: dir}
	}
	return EncodeBlock(entries)
}

// DecodeSortSpec is the inverse of EncodeSortSpec.
func DecodeSortSpec(bs []byte) ([]core.SortField, error) {
	entries, err := DecodeBlock(bs)
	if err != nil {
		return nil, err
	}
	fields := make([]core.SortField, len(entries))
	for i, ent := range entries {
		switch ent.Value {
		case "+":
		case "-":
			fields[i].Descending = true
		default:
			return nil, fmt.Errorf("%w: sort direction %q", ErrMalformedBlock, ent.Value)
		}
		fields[i].Field = ent.Name
	}
	return fields, nil
}

// EncodeGroupingRequests encodes each request as id -> "field:maxGroups".
func EncodeGroupingRequests(reqs []grouping.Request) []byte {
	entries := make([]Entry, len(reqs))
	for i, r := range reqs {
		entries[i] = Entry{
			Name:  strconv.Itoa(r.ID),
			Value: r.Field + ":" + strconv.Itoa(r.MaxGroups),
		}
	}
	return EncodeBlock(entries)
}

// DecodeGroupingRequests is the inverse of EncodeGroupingRequests.
func DecodeGroupingRequests(bs []byte) ([]grouping.Request, error) {
	entries, err := DecodeBlock(bs)
	if err != nil {
		return nil, err
	}
	reqs := make([]grouping.Request, len(entries))
	for i, ent := range entries {
		id, err := strconv.Atoi(ent.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: grouping id %q", ErrMalformedBlock, ent.Name)
		}
		idx := strings.LastIndexByte(ent.Value, ':')
		if idx < 0 {
			return nil, fmt.Errorf("%w: grouping spec %q", ErrMalformedBlock, ent.Value)
		}
		maxGroups, err := strconv.Atoi(ent.Value[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: grouping spec %q", ErrMalformedBlock, ent.Value)
		}
		reqs[i] = grouping.Request{ID: id, Field: ent.Value[:idx], MaxGroups: maxGroups}
	}
	return reqs, nil
}
