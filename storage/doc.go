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


// Package storage provides the storage abstraction layer for streamvisit.
//
// This package defines repository interfaces that decouple storage implementation
// from the visit transport and the tools built on top of it.
//
// # Architecture
//
// The storage layer follows the Repository pattern:
//
//   - Repository: transaction support and lifecycle shared by all repositories
//   - DocumentRepository: documents partitioned into buckets by location
//   - TraceRepository: diagnostic traces exported for timed out visits
//
// Documents are addressed by bucket first. A bucket is the low BucketBits bits
// of a document's location (the user number for n= ids, a hash of the group
// for g= ids, a hash of the whole id otherwise), so every document of one user
// or group lives in one bucket and a location-constrained visit scans exactly
// one bucket.
//
// # Usage
//
// Use in tests with in-memory storage:
//
//	docs, traces, backend, err := badger.NewMemoryRepositories()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support. Pass context.Background() for operations
// without specific timeout requirements.
package storage
