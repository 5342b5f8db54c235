package core

import (
	"fmt"
	"maps"
	"slices"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// FieldsMUS serializes a field map. Keys are written in sorted order so equal
// maps always encode to equal bytes.
var FieldsMUS = fieldsMUS{}

// DocumentMUS serializes a Document.
var DocumentMUS = documentMUS{}

type fieldsMUS struct{}

func (fieldsMUS) Size(m map[string]string) (size int) {
	size = varint.Int.Size(len(m))
	for k, v := range m {
		size += ord.String.Size(k) + ord.String.Size(v)
	}
	return
}

func (fieldsMUS) Marshal(m map[string]string, bs []byte) (n int) {
	n = varint.Int.Marshal(len(m), bs)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		n += ord.String.Marshal(k, bs[n:])
		n += ord.String.Marshal(m[k], bs[n:])
	}
	return
}

func (fieldsMUS) Unmarshal(bs []byte) (m map[string]string, n int, err error) {
	length, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return
	}
	if length < 0 || length > len(bs) {
		err = fmt.Errorf("%w: field count %d", ErrCorruptRecord, length)
		return
	}
	m = make(map[string]string, length)
	var (
		k, v string
		n1   int
	)
	for range length {
		k, n1, err = ord.String.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return
		}
		v, n1, err = ord.String.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return
		}
		m[k] = v
	}
	return
}

type documentMUS struct{}

func (documentMUS) Size(d Document) int {
	return ord.String.Size(d.ID) + FieldsMUS.Size(d.Fields)
}

func (documentMUS) Marshal(d Document, bs []byte) (n int) {
	n = ord.String.Marshal(d.ID, bs)
	n += FieldsMUS.Marshal(d.Fields, bs[n:])
	return
}

func (documentMUS) Unmarshal(bs []byte) (d Document, n int, err error) {
	d.ID, n, err = ord.String.Unmarshal(bs)
	if err != nil {
		return
	}
	var n1 int
	d.Fields, n1, err = FieldsMUS.Unmarshal(bs[n:])
	n += n1
	return
}

// EncodeSummary builds the summary blob for a document. When fields is empty
// every document field is included.
func EncodeSummary(doc *Document, fields []string) []byte {
	summary := doc.Fields
	if len(fields) > 0 {
		summary = make(map[string]string, len(fields))
		for _, name := range fields {
			if v, ok := doc.Fields[name]; ok {
				summary[name] = v
			}
		}
	}
	buf := make([]byte, FieldsMUS.Size(summary))
	FieldsMUS.Marshal(summary, buf)
	return buf
}

// DecodeSummary decodes a summary blob produced by EncodeSummary.
func DecodeSummary(blob []byte) (map[string]string, error) {
	fields, _, err := FieldsMUS.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: summary: %w", ErrCorruptRecord, err)
	}
	return fields, nil
}
