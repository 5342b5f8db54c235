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


package visit

import "errors"

var (
	// ErrMalformedBlock is returned when an encoded parameter block cannot be decoded.
	ErrMalformedBlock = errors.New("malformed parameter block")

	// ErrSelectionCardinality is returned when a query does not set exactly one
	// selection constraint.
	ErrSelectionCardinality = errors.New("requires exactly one of user id, group name, selection")

	// ErrInvalidUserID is returned when a query's user id is not a number.
	ErrInvalidUserID = errors.New("user id must be a non-negative integer")

	// ErrInvalidRoute is returned for an unparsable routing descriptor.
	ErrInvalidRoute = errors.New("invalid route")

	// ErrSchemaRequired is returned when no target schema is given.
	ErrSchemaRequired = errors.New("schema required")
)
