package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter answers "may a request go out now". Take returns zero and consumes budget when
// it may, otherwise it returns how long the caller should wait and consumes nothing.
type Limiter interface {
	Take(ctx context.Context, key string) (time.Duration, error)
}

// Local is an in-process limiter keyed by provider, used when no shared Redis is configured.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLocal admits rpm requests per minute per key.
func NewLocal(rpm, burst int) *Local {
	if burst < 1 {
		burst = 1
	}
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60),
		burst:    burst,
	}
}

func (l *Local) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

func (l *Local) Take(_ context.Context, key string) (time.Duration, error) {
	r := l.get(key).Reserve()
	if !r.OK() {
		return time.Minute, nil
	}
	d := r.Delay()
	if d > 0 {
		r.Cancel()
		return d, nil
	}
	return 0, nil
}

// Unlimited never defers a request.
type Unlimited struct{}

func (Unlimited) Take(context.Context, string) (time.Duration, error) { return 0, nil }
