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


package search

import "errors"

var (
	// ErrTransportRequired is returned when a visit transport is not provided.
	ErrTransportRequired = errors.New("visit transport required")

	// ErrSchemaRequired is returned when no target schema is provided.
	ErrSchemaRequired = errors.New("schema required")

	// ErrNotFrozen is returned when an aggregator snapshot is requested
	// before the aggregator was frozen.
	ErrNotFrozen = errors.New("aggregator not frozen")
)
