package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TargetLimiter applies a token-bucket admission budget per normalized
// target: burst of max admissions, refilling at max per window. A flapping
// detector hammering one resource exhausts that target's bucket without
// affecting any other.
type TargetLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTargetLimiter creates a limiter allowing max admissions per window
// for each target.
func NewTargetLimiter(max int, window time.Duration) *TargetLimiter {
	return &TargetLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Every(window / time.Duration(max)),
		b:        max,
	}
}

// Allow checks the target's budget and consumes one token when available.
func (l *TargetLimiter) Allow(target string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[target]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[target] = limiter
	}
	return limiter.Allow()
}
