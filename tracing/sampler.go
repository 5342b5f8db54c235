package tracing

import (
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sampler decides whether the current event should be sampled.
// Implementations are safe for concurrent use.
type Sampler interface {
	ShouldSample() bool
}

// Clock returns the current time.
type Clock func() time.Time

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() bool

func (f SamplerFunc) ShouldSample() bool {
	return f()
}

// Never is a sampler that never samples.
var Never Sampler = SamplerFunc(func() bool { return false })

// Always is a sampler that always samples.
var Always Sampler = SamplerFunc(func() bool { return true })

// ProbabilisticSampler samples each call independently with a fixed probability.
// Two samplers created with the same rate and seed make identical decisions.
type ProbabilisticSampler struct {
	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

var _ Sampler = (*ProbabilisticSampler)(nil)

// NewProbabilisticSampler creates a sampler that samples with probability
// sampleRate, clamped to [0, 1].
func NewProbabilisticSampler(sampleRate float64, seed uint64) *ProbabilisticSampler {
	sampleRate = min(max(sampleRate, 0), 1)
	return &ProbabilisticSampler{
		rate: sampleRate,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *ProbabilisticSampler) ShouldSample() bool {
	switch s.rate {
	case 0:
		return false
	case 1:
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.rate
}

// MaxSamplesPerPeriod admits at most maxSamples calls per fixed window of length period.
// The window starts at the first call and restarts at the first call after it ends.
type MaxSamplesPerPeriod struct {
	mu          sync.Mutex
	clock       Clock
	period      time.Duration
	maxSamples  int
	windowStart time.Time
	samples     int
}

var _ Sampler = (*MaxSamplesPerPeriod)(nil)

// NewMaxSamplesPerPeriod creates a fixed window sampler. A nil clock uses time.Now.
func NewMaxSamplesPerPeriod(clock Clock, period time.Duration, maxSamples int) *MaxSamplesPerPeriod {
	if clock == nil {
		clock = time.Now
	}
	return &MaxSamplesPerPeriod{
		clock:      clock,
		period:     period,
		maxSamples: maxSamples,
	}
}

func (s *MaxSamplesPerPeriod) ShouldSample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= s.period {
		s.windowStart = now
		s.samples = 0
	}
	if s.samples >= s.maxSamples {
		return false
	}
	s.samples++
	return true
}

// TokenBucketSampler smooths samples with a token bucket refilled at
// maxSamples per period, holding at most maxSamples tokens.
type TokenBucketSampler struct {
	clock   Clock
	limiter *rate.Limiter
}

var _ Sampler = (*TokenBucketSampler)(nil)

// NewTokenBucketSampler creates a token bucket sampler. A nil clock uses time.Now.
func NewTokenBucketSampler(clock Clock, period time.Duration, maxSamples int) *TokenBucketSampler {
	if clock == nil {
		clock = time.Now
	}
	limit := rate.Limit(0)
	if period > 0 && maxSamples > 0 {
		limit = rate.Every(period / time.Duration(maxSamples))
	}
	return &TokenBucketSampler{
		clock:   clock,
		limiter: rate.NewLimiter(limit, maxSamples),
	}
}

func (s *TokenBucketSampler) ShouldSample() bool {
	return s.limiter.AllowN(s.clock(), 1)
}
