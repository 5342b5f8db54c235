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


package streamvisit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/streamvisit/config"
	"github.com/poiesic/streamvisit/ingestion"
	"github.com/poiesic/streamvisit/search"
	"github.com/poiesic/streamvisit/storage"
	"github.com/poiesic/streamvisit/storage/badger"
	"github.com/poiesic/streamvisit/streaming"
	"github.com/poiesic/streamvisit/tracing"
	"github.com/poiesic/streamvisit/visit"
)

// Database ties a badger document store to the streaming transport and
// hands out searchers and feeders sharing one trace export budget.
type Database struct {
	cfg       *config.Config
	backend   *badger.Backend
	documents *badger.DocumentRepository
	traces    *badger.TraceRepository
	transport *streaming.Transport
	tracing   tracing.Options
	route     visit.Route
	priority  visit.Priority
	logger    *slog.Logger
	closers   []closer // in shutdown order
}

type closer struct {
	name  string
	close func() error
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	cfg    *config.Config
	logger *slog.Logger
}

// WithConfig sets the configuration. Default is config.DefaultConfig().
func WithConfig(cfg *config.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		o.logger = logger
	}
}

// NewDatabase opens the database at filePath, or the configured path when
// filePath is empty.
func NewDatabase(filePath string, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{
		cfg:    config.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	cfg := *options.cfg
	if filePath != "" {
		cfg.Storage.Path = filePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	priority, err := visit.ParsePriority(cfg.Search.Priority)
	if err != nil {
		return nil, err
	}
	route := visit.Route{Cluster: cfg.Search.Cluster, BucketSpace: cfg.Search.BucketSpace}

	backend, err := badger.OpenBackendWithLogger(cfg.Storage.Path, cfg.Storage.InMemory, options.logger)
	if err != nil {
		return nil, err
	}

	documents, err := badger.NewDocumentRepository(backend, badger.WithBucketBits(cfg.Storage.BucketBits))
	if err != nil {
		backend.Close()
		return nil, err
	}

	traces, err := badger.NewTraceRepository(backend)
	if err != nil {
		documents.Close()
		backend.Close()
		return nil, err
	}

	transport, err := streaming.NewTransport(documents,
		streaming.WithPoolSize(cfg.Transport.PoolSize),
		streaming.WithSummaryBatches(cfg.Transport.SummaryBatches),
		streaming.WithLogger(options.logger))
	if err != nil {
		traces.Close()
		documents.Close()
		backend.Close()
		return nil, err
	}

	closers := []closer{
		// Stop visitors before the store goes away
		{"transport", transport.Close},
		{"trace repository", traces.Close},
		{"document repository", documents.Close},
		{"backend storage", backend.Close},
	}

	return &Database{
		closers:   closers,
		cfg:       &cfg,
		backend:   backend,
		documents: documents,
		traces:    traces,
		transport: transport,
		tracing:   tracingOptions(&cfg, traces, options.logger),
		route:     route,
		priority:  priority,
		logger:    options.logger,
	}, nil
}

// NewMemoryDatabase opens an in-memory database.
func NewMemoryDatabase(opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{cfg: config.DefaultConfig()}
	for _, opt := range opts {
		opt(options)
	}
	if options.cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	cfg := *options.cfg
	cfg.Storage.InMemory = true
	return NewDatabase("", append(opts, WithConfig(&cfg))...)
}

// tracingOptions builds the sampling and export setup described by cfg.
func tracingOptions(cfg *config.Config, store tracing.Store, logger *slog.Logger) tracing.Options {
	var exportSampler tracing.Sampler
	switch cfg.Tracing.ExportSampler {
	case config.SamplerTokenBucket:
		exportSampler = tracing.NewTokenBucketSampler(nil, cfg.ExportPeriod(), cfg.Tracing.ExportMaxSamples)
	default:
		exportSampler = tracing.NewMaxSamplesPerPeriod(nil, cfg.ExportPeriod(), cfg.Tracing.ExportMaxSamples)
	}

	var exporter tracing.Exporter
	switch cfg.Tracing.Exporter {
	case config.ExporterStore:
		exporter = tracing.NewStoreExporter(exportSampler, store, cfg.StoreTimeout(), logger)
	default:
		exporter = tracing.NewLogExporter(exportSampler, logger)
	}

	return tracing.Options{
		QuerySampler:               tracing.NewProbabilisticSampler(cfg.Tracing.QuerySampleRate, uint64(time.Now().UnixNano())),
		Exporter:                   exporter,
		TimeoutMultiplierThreshold: cfg.Tracing.TimeoutMultiplierThreshold,
		TraceLevelOverride:         cfg.Tracing.TraceLevelOverride,
	}
}

// Close shuts down every component, continuing past failures, and returns
// the joined errors.
func (db *Database) Close() error {
	var errs []error
	for _, c := range db.closers {
		if err := c.close(); err != nil {
			db.logger.Error("error closing "+c.name, "err", err)
			errs = append(errs, fmt.Errorf("closing %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (db *Database) Config() *config.Config {
	return db.cfg
}

// DefaultTimeout is the timeout for queries that name none.
func (db *Database) DefaultTimeout() time.Duration {
	return db.cfg.Timeout()
}

func (db *Database) DocumentRepository() storage.DocumentRepository {
	return db.documents
}

func (db *Database) TraceRepository() storage.TraceRepository {
	return db.traces
}

func (db *Database) Transport() visit.Transport {
	return db.transport
}

// NewFeeder creates a feeder writing to the document repository. Options
// override the configured defaults.
func (db *Database) NewFeeder(opts ...ingestion.Option) (*ingestion.Feeder, error) {
	return ingestion.NewFeeder(db.documents, append([]ingestion.Option{ingestion.WithLogger(db.logger)}, opts...)...)
}

// NewSearcher creates a searcher over the configured schema. Options
// override the configured defaults.
func (db *Database) NewSearcher(opts ...search.Option) (*search.Searcher, error) {
	defaults := []search.Option{
		search.WithLogger(db.logger),
		search.WithTracing(db.tracing),
		search.WithExportPoolSize(db.cfg.Search.ExportPoolSize),
		search.WithBuilderOptions(
			visit.WithPriority(db.priority),
			visit.WithMaxBucketsPerVisitor(db.cfg.Search.MaxBucketsPerVisitor)),
	}
	if db.cfg.Search.PartialOnTimeout {
		defaults = append(defaults, search.WithTimeoutPolicy(search.PartialOnTimeout))
	}
	if db.cfg.Search.DropDuplicates {
		defaults = append(defaults, search.WithDuplicatePolicy(search.DropDuplicates))
	}
	return search.NewSearcher(db.transport, db.cfg.Search.Schema, db.route, append(defaults, opts...)...)
}
