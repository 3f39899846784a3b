package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalTokenBucket applies per-subject token buckets in process memory. It
// stands in for the Redis bucket when Redis is unreachable, so its limits
// are per instance rather than fleet-wide.
type LocalTokenBucket struct {
	mu        sync.Mutex
	buckets   map[string]*localBucket
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalTokenBucket refills perWindow tokens over window, allowing bursts
// of at most burst requests. A non-positive burst defaults to perWindow.
func NewLocalTokenBucket(perWindow int, window time.Duration, burst int) *LocalTokenBucket {
	if perWindow <= 0 {
		perWindow = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	if burst <= 0 || burst > perWindow {
		burst = perWindow
	}

	return &LocalTokenBucket{
		buckets:   make(map[string]*localBucket),
		limit:     rate.Limit(float64(perWindow) / window.Seconds()),
		burst:     burst,
		idleTTL:   2 * window,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *LocalTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	now := l.now()

	l.mu.Lock()
	l.sweepLocked(now)
	b, ok := l.buckets[subject]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[subject] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}

	remaining := int64(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// sweepLocked drops buckets idle past the TTL. Runs under the mutex, at
// most once per TTL, so steady traffic does not pay a scan per request.
func (l *LocalTokenBucket) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for subject, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, subject)
		}
	}
}
