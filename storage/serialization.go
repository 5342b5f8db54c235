// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/tracing"
)

// MarshalDocument serializes a Document to bytes.
func MarshalDocument(doc *core.Document) []byte {
	buf := make([]byte, core.DocumentMUS.Size(*doc))
	core.DocumentMUS.Marshal(*doc, buf)
	return buf
}

// UnmarshalDocument deserializes a Document from bytes.
func UnmarshalDocument(data []byte) (*core.Document, error) {
	doc, n, err := core.DocumentMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSerializationFailed, len(data)-n)
	}
	return &doc, nil
}

// DescriptionMUS serializes a trace description.
var DescriptionMUS = descriptionMUS{}

type descriptionMUS struct{}

func (descriptionMUS) Size(d tracing.Description) int {
	return ord.String.Size(d.TraceID) +
		ord.String.Size(d.Selection) +
		varint.Int64.Size(int64(d.Timeout)) +
		varint.Int64.Size(int64(d.Elapsed)) +
		varint.Int64.Size(d.CreatedAt.UnixNano()) +
		ord.String.Size(d.Trace)
}

func (descriptionMUS) Marshal(d tracing.Description, bs []byte) (n int) {
	n = ord.String.Marshal(d.TraceID, bs)
	n += ord.String.Marshal(d.Selection, bs[n:])
	n += varint.Int64.Marshal(int64(d.Timeout), bs[n:])
	n += varint.Int64.Marshal(int64(d.Elapsed), bs[n:])
	n += varint.Int64.Marshal(d.CreatedAt.UnixNano(), bs[n:])
	n += ord.String.Marshal(d.Trace, bs[n:])
	return
}

func (descriptionMUS) Unmarshal(bs []byte) (d tracing.Description, n int, err error) {
	var (
		n1 int
		v  int64
	)
	if d.TraceID, n1, err = ord.String.Unmarshal(bs); err != nil {
		return
	}
	n += n1
	if d.Selection, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v, n1, err = varint.Int64.Unmarshal(bs[n:]); err != nil {
		return
	}
	d.Timeout = time.Duration(v)
	n += n1
	if v, n1, err = varint.Int64.Unmarshal(bs[n:]); err != nil {
		return
	}
	d.Elapsed = time.Duration(v)
	n += n1
	if v, n1, err = varint.Int64.Unmarshal(bs[n:]); err != nil {
		return
	}
	d.CreatedAt = time.Unix(0, v).UTC()
	n += n1
	d.Trace, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	return
}

// MarshalTrace serializes a trace description to bytes.
func MarshalTrace(d *tracing.Description) []byte {
	buf := make([]byte, DescriptionMUS.Size(*d))
	DescriptionMUS.Marshal(*d, buf)
	return buf
}

// UnmarshalTrace deserializes a trace description from bytes.
func UnmarshalTrace(data []byte) (*tracing.Description, error) {
	d, _, err := DescriptionMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return &d, nil
}
