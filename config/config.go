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


// Package config loads streamvisit settings from TOML files.
//
// Every section has defaults, so a file only needs the keys it changes.
// Durations are integer milliseconds.
//
//	[search]
//	schema = "music"
//	cluster = "local"
//	timeout_ms = 500
//
//	[storage]
//	path = "/var/lib/streamvisit"
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Exporter and sampler names accepted in [tracing].
const (
	ExporterLog   = "log"
	ExporterStore = "store"

	SamplerWindow      = "window"
	SamplerTokenBucket = "token-bucket"
)

// Config holds the settings of a streamvisit database and its searchers.
type Config struct {
	Search    SearchConfig    `toml:"search"`
	Tracing   TracingConfig   `toml:"tracing"`
	Storage   StorageConfig   `toml:"storage"`
	Transport TransportConfig `toml:"transport"`
}

// SearchConfig configures query execution.
type SearchConfig struct {
	// Schema is the document type searched, the second component of
	// a document id: id:<namespace>:<schema>:<key-value>:<local>.
	Schema string `toml:"schema"`

	// Cluster and BucketSpace form the visit route.
	Cluster     string `toml:"cluster"`
	BucketSpace string `toml:"bucket_space"`

	// TimeoutMS is the query timeout used when a request names none.
	TimeoutMS int64 `toml:"timeout_ms"`

	// Priority is the visitor priority name, e.g. "very_high".
	Priority string `toml:"priority"`

	MaxBucketsPerVisitor int `toml:"max_buckets_per_visitor"`

	// PartialOnTimeout returns accumulated hits instead of failing a timed-out query.
	PartialOnTimeout bool `toml:"partial_on_timeout"`

	// DropDuplicates keeps only the first occurrence of a document id.
	DropDuplicates bool `toml:"drop_duplicates"`

	ExportPoolSize int `toml:"export_pool_size"`
}

// TracingConfig configures query sampling and trace export.
type TracingConfig struct {
	QuerySampleRate            float64 `toml:"query_sample_rate"`
	TraceLevelOverride         int     `toml:"trace_level_override"`
	TimeoutMultiplierThreshold float64 `toml:"timeout_multiplier_threshold"`

	// Exporter is "log" or "store".
	Exporter string `toml:"exporter"`

	// ExportSampler is "window" or "token-bucket".
	ExportSampler    string `toml:"export_sampler"`
	ExportPeriodMS   int64  `toml:"export_period_ms"`
	ExportMaxSamples int    `toml:"export_max_samples"`

	// StoreTimeoutMS bounds each save of the store exporter.
	StoreTimeoutMS int64 `toml:"store_timeout_ms"`
}

// StorageConfig configures the document store.
type StorageConfig struct {
	Path       string `toml:"path"`
	InMemory   bool   `toml:"in_memory"`
	BucketBits int    `toml:"bucket_bits"`
}

// TransportConfig configures the in-process visit transport.
type TransportConfig struct {
	PoolSize       int  `toml:"pool_size"`
	SummaryBatches bool `toml:"summary_batches"`
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithStoragePath sets the database directory.
func WithStoragePath(path string) ConfigOption {
	return func(c *Config) {
		c.Storage.Path = path
	}
}

// WithInMemory keeps the database in memory.
func WithInMemory(inMemory bool) ConfigOption {
	return func(c *Config) {
		c.Storage.InMemory = inMemory
	}
}

// WithSchema sets the searched document type.
func WithSchema(schema string) ConfigOption {
	return func(c *Config) {
		c.Search.Schema = schema
	}
}

// WithTimeout sets the default query timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Search.TimeoutMS = timeout.Milliseconds()
	}
}

// WithPoolSize sets the transport worker pool size.
func WithPoolSize(size int) ConfigOption {
	return func(c *Config) {
		c.Transport.PoolSize = size
	}
}

// DefaultConfig returns a Config with the defaults of every section.
func DefaultConfig() *Config {
	return &Config{
		Search: SearchConfig{
			Schema:               "music",
			Cluster:              "local",
			BucketSpace:          "default",
			TimeoutMS:            500,
			Priority:             "very_high",
			MaxBucketsPerVisitor: 1,
			ExportPoolSize:       4,
		},
		Tracing: TracingConfig{
			QuerySampleRate:            0.001,
			TraceLevelOverride:         7,
			TimeoutMultiplierThreshold: 2.0,
			Exporter:                   ExporterLog,
			ExportSampler:              SamplerWindow,
			ExportPeriodMS:             10_000,
			ExportMaxSamples:           2,
			StoreTimeoutMS:             1_000,
		},
		Storage: StorageConfig{
			Path:       "streamvisit.db",
			BucketBits: 16,
		},
		Transport: TransportConfig{
			PoolSize: 8,
		},
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Load reads a TOML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks that the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.Search.Schema == "" {
		return errors.New("search: schema is required")
	}
	if c.Search.Cluster == "" {
		return errors.New("search: cluster is required")
	}
	if c.Search.TimeoutMS <= 0 {
		return errors.New("search: timeout_ms must be positive")
	}
	if c.Search.MaxBucketsPerVisitor < 1 {
		return errors.New("search: max_buckets_per_visitor must be at least 1")
	}
	if c.Search.ExportPoolSize < 1 {
		return errors.New("search: export_pool_size must be at least 1")
	}
	if c.Tracing.QuerySampleRate < 0 || c.Tracing.QuerySampleRate > 1 {
		return errors.New("tracing: query_sample_rate must be between 0 and 1")
	}
	if c.Tracing.TimeoutMultiplierThreshold < 0 {
		return errors.New("tracing: timeout_multiplier_threshold must not be negative")
	}
	if c.Tracing.Exporter != ExporterLog && c.Tracing.Exporter != ExporterStore {
		return fmt.Errorf("tracing: unknown exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.ExportSampler != SamplerWindow && c.Tracing.ExportSampler != SamplerTokenBucket {
		return fmt.Errorf("tracing: unknown export_sampler %q", c.Tracing.ExportSampler)
	}
	if c.Tracing.ExportPeriodMS <= 0 {
		return errors.New("tracing: export_period_ms must be positive")
	}
	if c.Tracing.ExportMaxSamples < 0 {
		return errors.New("tracing: export_max_samples must not be negative")
	}
	if c.Tracing.StoreTimeoutMS <= 0 {
		return errors.New("tracing: store_timeout_ms must be positive")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("storage: path is required unless in_memory is set")
	}
	if c.Storage.BucketBits < 1 || c.Storage.BucketBits > 63 {
		return errors.New("storage: bucket_bits must be between 1 and 63")
	}
	if c.Transport.PoolSize < 1 {
		return errors.New("transport: pool_size must be at least 1")
	}
	return nil
}

// Timeout returns the default query timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Search.TimeoutMS) * time.Millisecond
}

// ExportPeriod returns the export sampler period.
func (c *Config) ExportPeriod() time.Duration {
	return time.Duration(c.Tracing.ExportPeriodMS) * time.Millisecond
}

// StoreTimeout returns the bound on a single trace save.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Tracing.StoreTimeoutMS) * time.Millisecond
}
