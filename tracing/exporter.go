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


package tracing

import (
	"context"
	"log/slog"
	"time"
)

// Description is the exported form of a collected trace.
type Description struct {
	TraceID   string
	Selection string
	Timeout   time.Duration
	Elapsed   time.Duration
	CreatedAt time.Time
	Trace     string
}

// Exporter writes traces to a diagnostic sink. The description is built
// lazily, only when the exporter decides to export.
type Exporter interface {
	MaybeExport(describe func() Description)
}

// Store persists exported trace descriptions.
type Store interface {
	SaveTrace(ctx context.Context, desc Description) error
}

// LogExporter writes sampled traces to a structured logger.
type LogExporter struct {
	sampler Sampler
	logger  *slog.Logger
}

var _ Exporter = (*LogExporter)(nil)

// NewLogExporter creates an exporter gated by sampler. A nil logger uses slog.Default().
func NewLogExporter(sampler Sampler, logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{
		sampler: sampler,
		logger:  logger.With("component", "trace-exporter"),
	}
}

func (e *LogExporter) MaybeExport(describe func() Description) {
	if !e.sampler.ShouldSample() {
		return
	}
	d := describe()
	e.logger.Warn("streaming visit timed out",
		"traceID", d.TraceID,
		"selection", d.Selection,
		"timeout", d.Timeout,
		"elapsed", d.Elapsed,
		"trace", d.Trace)
}

// StoreExporter persists sampled traces to a Store.
type StoreExporter struct {
	sampler Sampler
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

var _ Exporter = (*StoreExporter)(nil)

// NewStoreExporter creates an exporter that saves sampled traces. Each save is
// bounded by timeout. A nil logger uses slog.Default().
func NewStoreExporter(sampler Sampler, store Store, timeout time.Duration, logger *slog.Logger) *StoreExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreExporter{
		sampler: sampler,
		store:   store,
		timeout: timeout,
		logger:  logger.With("component", "trace-exporter"),
	}
}

func (e *StoreExporter) MaybeExport(describe func() Description) {
	if !e.sampler.ShouldSample() {
		return
	}
	d := describe()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.store.SaveTrace(ctx, d); err != nil {
		e.logger.Error("error saving trace", "traceID", d.TraceID, "err", err)
		return
	}
	e.logger.Info("saved trace for timed out visit", "traceID", d.TraceID, "elapsed", d.Elapsed)
}
