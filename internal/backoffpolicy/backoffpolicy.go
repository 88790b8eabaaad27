// Package backoffpolicy implements the bounded monotonic retry delay
// sequence of spec §4.6. It wraps k8s.io/apimachinery/pkg/util/wait.Backoff,
// the same building block client-go controllers use for their own requeue
// backoff, and adds the jitter convention from the teacher's
// internal/common/helper.go (RandomizeDuration).
package backoffpolicy

import (
	"time"

	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Defaults satisfy spec §4.6: first attempt waits ~60s, delays grow to a cap
// near 1h, and the sequence is finite (bounded retry budget).
const (
	DefaultFirstDelay = 60 * time.Second
	DefaultMaxDelay   = time.Hour
	DefaultFactor     = 2.0
	DefaultJitter     = 0.2
	// DefaultSteps bounds the sequence length. 24 matches the spec's "roughly
	// 24 passes per day" note for a network that never validates.
	DefaultSteps = 24
)

// Policy produces a finite, monotonic non-decreasing sequence of delays.
// It is not safe for concurrent use: each validation driver owns its own
// Policy instance (spec §9: drivers hold no shared state besides the
// registry lock).
type Policy struct {
	b wait.Backoff
}

// Option configures a Policy built by New.
type Option func(*wait.Backoff)

// WithFirstDelay overrides the first retry delay.
func WithFirstDelay(d time.Duration) Option {
	return func(b *wait.Backoff) { b.Duration = d }
}

// WithMaxDelay overrides the cap on any single delay.
func WithMaxDelay(d time.Duration) Option {
	return func(b *wait.Backoff) { b.Cap = d }
}

// WithMaxAttempts overrides how many delays the sequence yields before
// HasNext reports false.
func WithMaxAttempts(n int) Option {
	return func(b *wait.Backoff) { b.Steps = n }
}

// New builds a Policy with the spec's defaults, adjusted by opts.
func New(opts ...Option) *Policy {
	b := wait.Backoff{
		Duration: DefaultFirstDelay,
		Factor:   DefaultFactor,
		Jitter:   DefaultJitter,
		Steps:    DefaultSteps,
		Cap:      DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return &Policy{b: b}
}

// HasNext reports whether Next will still yield a delay.
func (p *Policy) HasNext() bool {
	return p.b.Steps > 0
}

// Next returns the next delay in the sequence and advances the policy.
// Callers must check HasNext first; Next on an exhausted Policy returns 0.
func (p *Policy) Next() time.Duration {
	if p.b.Steps <= 0 {
		return 0
	}
	// wait.Backoff.Step zeroes Steps as soon as the grown delay passes Cap,
	// which would end the sequence early; the cap is applied here instead so
	// the sequence keeps yielding capped delays until Steps runs out.
	capDelay := p.b.Cap
	p.b.Cap = 0
	d := p.b.Step()
	p.b.Cap = capDelay
	if capDelay > 0 {
		if p.b.Duration > capDelay {
			p.b.Duration = capDelay
		}
		if d > capDelay {
			d = capDelay
		}
	}
	return d
}

// jitter backs Jitter, the dispatch-spacing helper validation.Driver.Spawn
// uses to spread a batch of freshly spawned drivers' first probes apart,
// without consuming a Policy step.
func jitter(variance float64, d time.Duration) time.Duration {
	if d.Milliseconds() < 1 {
		return d
	}
	ms := float64(d.Milliseconds())
	lower := int64(ms * (1.0 - variance))
	upper := int64(ms * (1.0 + variance))
	if upper <= lower {
		return d
	}
	return time.Duration(rand.Int63nRange(lower, upper)) * time.Millisecond
}

// Jitter randomizes d by the given variance (0.1 == 10%), the same helper
// RandomizeDuration in the teacher exposes for requeue spacing. Used by
// validation.Driver.Spawn to space out a batch of dispatched probes.
func Jitter(variance float64, d time.Duration) time.Duration {
	return jitter(variance, d)
}
