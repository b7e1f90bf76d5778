// Package backoff turns provider hints and retry counts into reschedule delays.
package backoff

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Jitter ceilings, in percent of the base delay.
const (
	JitterRateLimited = 20
	JitterOverloaded  = 30
)

// Calculator computes jittered delays. It is safe for concurrent use.
type Calculator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCalculator seeds the calculator from src. A fixed seed gives a reproducible sequence.
func NewCalculator(src rand.Source) *Calculator {
	return &Calculator{rnd: rand.New(src)}
}

// Default returns a calculator seeded from the wall clock.
func Default() *Calculator {
	return NewCalculator(rand.NewSource(time.Now().UnixNano()))
}

// Base picks the hint when present, otherwise fallback, and clamps the result to [0, cap].
func Base(hint *int, fallback, cap int) int {
	d := fallback
	if hint != nil {
		d = *hint
	}
	if cap < 0 {
		cap = 0
	}
	if d > cap {
		d = cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Delay returns Base(hint, fallback, cap) plus a uniform jitter in
// [0, base*jitterPct/100] seconds.
func (c *Calculator) Delay(hint *int, fallback, cap, jitterPct int) int {
	d := Base(hint, fallback, cap)
	return d + c.jitter(d, jitterPct)
}

func (c *Calculator) jitter(base, pct int) int {
	if base <= 0 || pct <= 0 {
		return 0
	}
	max := base * pct / 100
	if max <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Intn(max + 1)
}

// Exponential returns base*2^(attempt-1) plus up to jitterPct percent of that value.
func (c *Calculator) Exponential(base time.Duration, attempt, jitterPct int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if wait <= 0 || jitterPct <= 0 {
		return wait
	}
	span := int64(wait) * int64(jitterPct) / 100
	if span <= 0 {
		return wait
	}
	c.mu.Lock()
	extra := c.rnd.Int63n(span + 1)
	c.mu.Unlock()
	return wait + time.Duration(extra)
}

// Capped grows base exponentially per attempt up to max and returns a value in [wait/2, wait].
func (c *Calculator) Capped(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	c.mu.Lock()
	jitter := time.Duration(c.rnd.Int63n(half))
	c.mu.Unlock()
	return wait/2 + jitter
}

// ParseRetryAfter reads a Retry-After header holding delta-seconds. Dates, negative
// numbers and garbage yield nil.
func ParseRetryAfter(v string) *int {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}
