// Package tracing decides when streaming visits are traced and which traces
// are worth keeping.
//
// Two independent samplers are involved. The query sampler elevates the trace
// level of a small fraction of location-constrained visits, so unconstrained
// visits over the whole corpus never pay for tracing. The export sampler,
// owned by an Exporter, caps how many traces of timed-out visits are written
// to a diagnostic sink per period, regardless of traffic.
package tracing

import (
	"time"
)

const (
	// DefaultTraceLevelOverride is the trace level forced on sampled visits.
	DefaultTraceLevelOverride = 7

	// DefaultTimeoutMultiplierThreshold is how many times the timeout a visit
	// must have taken before its trace is considered for export.
	DefaultTimeoutMultiplierThreshold = 2.0

	// DefaultQuerySampleRate samples roughly one in a thousand visits.
	DefaultQuerySampleRate = 0.001

	// DefaultExportPeriod and DefaultExportMaxSamples allow two exports per ten seconds.
	DefaultExportPeriod     = 10 * time.Second
	DefaultExportMaxSamples = 2
)

// Options configures visit tracing.
type Options struct {
	// QuerySampler decides whether to elevate the trace level of a
	// location-constrained visit without an explicit trace level.
	QuerySampler Sampler

	// Exporter receives traces of timed-out visits.
	Exporter Exporter

	// TimeoutMultiplierThreshold gates export on elapsed > timeout * threshold.
	TimeoutMultiplierThreshold float64

	// TraceLevelOverride is the level used when the query sampler fires.
	TraceLevelOverride int
}

// DefaultOptions returns options with a seeded probabilistic query sampler and
// a log exporter allowing two exports per ten seconds.
func DefaultOptions() Options {
	return Options{
		QuerySampler:               NewProbabilisticSampler(DefaultQuerySampleRate, uint64(time.Now().UnixNano())),
		Exporter:                   NewLogExporter(NewMaxSamplesPerPeriod(nil, DefaultExportPeriod, DefaultExportMaxSamples), nil),
		TimeoutMultiplierThreshold: DefaultTimeoutMultiplierThreshold,
		TraceLevelOverride:         DefaultTraceLevelOverride,
	}
}

// EffectiveTraceLevel resolves the trace level for a visit. An explicit level
// always wins; otherwise location-constrained visits are sampled.
func (o Options) EffectiveTraceLevel(explicit int, locationConstrained bool) int {
	if explicit > 0 {
		return explicit
	}
	if locationConstrained && o.QuerySampler != nil && o.QuerySampler.ShouldSample() {
		return o.TraceLevelOverride
	}
	return 0
}

// ExceedsExportThreshold reports whether a timed-out visit ran long enough
// for its trace to be considered for export.
func (o Options) ExceedsExportThreshold(elapsed, timeout time.Duration) bool {
	return float64(elapsed) > float64(timeout)*o.TimeoutMultiplierThreshold
}
