package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/urbanatlas/fotopipe/internal/ratelimit"
)

// RateLimiter gates a subject's request. Both the Redis-backed and the
// in-process bucket satisfy it.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// withRateLimit guards the mutating photo routes it is attached to. A
// limiter error fails open: ingestion keeps working when Redis does not.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := clientSubject(r)

		decision, err := s.limiter.Allow(r.Context(), subject)
		if err != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Msg("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(routePattern(r)).Inc()
		writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
	})
}
