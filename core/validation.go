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


package core

import (
	"fmt"
	"math"
)

// MaxHitWindow bounds offset+hits, the number of hits a visit keeps.
const MaxHitWindow = math.MaxInt32

func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}

	if _, err := ParseDocumentID(doc.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	for name := range doc.Fields {
		if name == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidDocument)
		}
	}

	return nil
}

// ValidateQuery checks the paging and timing parameters of a query.
// The selection constraint is validated when visit parameters are built.
func ValidateQuery(q *Query) error {
	if q == nil {
		return fmt.Errorf("%w: query is nil", ErrInvalidQuery)
	}

	if q.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidQuery, q.Offset)
	}

	if q.Hits < 0 {
		return fmt.Errorf("%w: negative hits %d", ErrInvalidQuery, q.Hits)
	}

	if q.Offset > MaxHitWindow || q.Hits > MaxHitWindow-q.Offset {
		return fmt.Errorf("%w: offset %d plus hits %d exceeds %d", ErrInvalidQuery, q.Offset, q.Hits, MaxHitWindow)
	}

	if q.TraceLevel < 0 {
		return fmt.Errorf("%w: negative trace level %d", ErrInvalidQuery, q.TraceLevel)
	}

	return nil
}
