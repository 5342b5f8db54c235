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


// Package search executes streaming searches.
//
// A Searcher turns one query into one visit session: it derives the visit
// parameters, starts the session with an Aggregator as its sink, waits for
// completion under the query's time budget and assembles the result from the
// aggregator's frozen snapshot. The aggregator merges the unordered stream of
// partial batches into a single ordered hit list that never exceeds
// offset+hits elements.
//
// Every failure is reported in Result.Err as a *core.ExecutionError; Execute
// never returns a partially filled result together with an error.
package search
