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


// Package ingestion feeds documents into a bucket partitioned repository.
//
// The Feeder validates every document up front, splits the input into
// batches and writes the batches concurrently on a worker pool. Transient
// write failures are retried with exponential backoff; invalid documents and
// a closed store are not.
//
// Example usage:
//
//	feeder, err := ingestion.NewFeeder(documents,
//		ingestion.WithBatchSize(500),
//		ingestion.WithProgress(os.Stderr, 1000))
//	if err != nil {
//		return err
//	}
//	defer feeder.Release()
//
//	result, err := feeder.Feed(ctx, docs)
package ingestion
