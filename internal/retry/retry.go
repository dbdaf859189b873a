// Package retry computes exponential backoff delays for failed job attempts.
package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// MinDelay is the floor applied to every computed delay.
	MinDelay = time.Second

	// JitterFraction bounds the uniform perturbation applied when jitter is on.
	JitterFraction = 0.25
)

// Policy describes how delays grow between attempts.
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration // zero means uncapped
	Jitter     bool
}

// Calculator turns a Policy and an attempt count into a retry time.
// It is safe for concurrent use.
type Calculator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// New returns a Calculator backed by a randomly seeded source.
func New() *Calculator {
	return &Calculator{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // jitter does not need crypto rand
		now: time.Now,
	}
}

// NewSeeded returns a Calculator whose jitter sequence is fully determined by seed.
func NewSeeded(seed uint64) *Calculator {
	return &Calculator{
		rng: rand.New(rand.NewPCG(seed, seed)), //nolint:gosec
		now: time.Now,
	}
}

// WithClock replaces the time source used by NextRetry.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Delay returns base * multiplier^retryCount, perturbed by up to ±25% when
// jitter is enabled, capped at MaxDelay and never below MinDelay.
func (c *Calculator) Delay(p Policy, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(retryCount))
	if math.IsInf(d, 1) || d > float64(math.MaxInt64) {
		d = float64(math.MaxInt64)
	}

	if p.Jitter {
		c.mu.Lock()
		f := c.rng.Float64()
		c.mu.Unlock()
		d += d * JitterFraction * (2*f - 1)
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < float64(MinDelay) || math.IsNaN(d) {
		d = float64(MinDelay)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which no Duration can hold.
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextRetry returns the earliest time the next attempt may run.
func (c *Calculator) NextRetry(p Policy, retryCount int) time.Time {
	return c.now().Add(c.Delay(p, retryCount))
}
