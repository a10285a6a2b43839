package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/ratelimit"
)

type RateLimiter interface {
	Take(ctx context.Context, subject string, cost int64) (ratelimit.Decision, error)
}

// withRateLimit charges each caller's bucket by the cost of the operation.
// Reads are free; a synchronous composition costs more than queueing a job.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, limited := operationFor(r)
		if !limited {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if subject == "" {
			subject = "anonymous"
		}

		decision, err := s.rateLimiter.Take(r.Context(), subject, s.rateLimitCosts.Of(op))
		if err != nil {
			s.logger.Warn("rate limiter check failed",
				zap.String("subject", subject),
				zap.String("operation", string(op)),
				zap.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		h.Set("X-RateLimit-Cost", strconv.FormatInt(decision.Cost, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(string(op)).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "rate limit exceeded",
			"operation": op,
		})
	})
}

// operationFor maps a request to the operation it bills, if any.
func operationFor(r *http.Request) (ratelimit.Operation, bool) {
	if r.Method != http.MethodPost {
		return "", false
	}
	switch routeLabel(r.URL.Path) {
	case "/v1/compositions":
		return ratelimit.OperationCompose, true
	case "/v1/jobs":
		return ratelimit.OperationCreateJob, true
	case "/v1/jobs/{id}/start":
		return ratelimit.OperationStartJob, true
	}
	return "", false
}
