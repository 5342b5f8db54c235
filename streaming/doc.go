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


// Package streaming implements an in-process visit transport over a bucket
// partitioned document repository.
//
// A session resolves the buckets a selection can match, splits them into
// groups of at most MaxBucketsPerVisitor and runs one visitor per group on a
// shared worker pool. Each visitor scans its buckets, evaluates the selection
// against every document and delivers one visit.Batch per bucket holding the
// best SummaryCount hits, their summaries and partial grouping results.
//
// Example usage:
//
//	transport, err := streaming.NewTransport(documents, streaming.WithPoolSize(8))
//	if err != nil {
//		return err
//	}
//	defer transport.Close()
//
//	searcher, err := search.NewSearcher(transport, "music", visit.Route{Cluster: "local"})
package streaming
