package quotagate

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// globalRetryAfter is the retry hint for global rejections. With a burst of one
// second of permits, a fresh permit is always available within a second.
const globalRetryAfter = time.Second

// GlobalLimiter admits requests against a process-wide token bucket that
// refills at a fixed rate and holds at most one second of permits. It ignores
// identity and never blocks: a request without a permit is rejected at once.
//
// The bucket lives in the process; each instance enforces its own rate.
type GlobalLimiter struct {
	limiter *rate.Limiter
	rate    int
	now     func() time.Time
	metrics *Metrics
}

// GlobalOption configures a GlobalLimiter.
type GlobalOption func(*GlobalLimiter)

// GlobalWithClock replaces the clock used for refill calculations.
func GlobalWithClock(now func() time.Time) GlobalOption {
	return func(g *GlobalLimiter) {
		g.now = now
	}
}

// GlobalWithMetrics records admission decisions.
func GlobalWithMetrics(m *Metrics) GlobalOption {
	return func(g *GlobalLimiter) {
		g.metrics = m
	}
}

// NewGlobalLimiter creates a limiter admitting permitsPerSecond requests per
// second with a burst of the same size. The bucket starts full.
// Panics if permitsPerSecond is not positive.
//
// Example:
//
//	global := quotagate.NewGlobalLimiter(100)
//	r.Use(global.Handler)
func NewGlobalLimiter(permitsPerSecond int, opts ...GlobalOption) *GlobalLimiter {
	if permitsPerSecond <= 0 {
		panic(fmt.Sprintf("quotagate: global limiter rate must be positive, got %d", permitsPerSecond))
	}
	g := &GlobalLimiter{
		limiter: rate.NewLimiter(rate.Limit(permitsPerSecond), permitsPerSecond),
		rate:    permitsPerSecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit consumes one permit if available. Refill and consume happen as one
// step under the limiter's lock.
func (g *GlobalLimiter) Admit() bool {
	return g.limiter.AllowN(g.now(), 1)
}

// Rate returns the configured permits per second.
func (g *GlobalLimiter) Rate() int {
	return g.rate
}

// Handler returns the global rate limiting middleware.
// Rejected requests receive 429 with code "limit_exceeded" and Retry-After: 1.
func (g *GlobalLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Admit() {
			g.metrics.observeDecision(StageGlobal, OutcomeRejected)
			SetLogField(r, "rejected_by", StageGlobal)
			setHeader(w, r, "RateLimit-Limit", strconv.Itoa(g.rate))
			writeError(w, r, ErrRateLimited.
				With(fmt.Sprintf("Rate limit exceeded: %d requests per second", g.rate)).
				WithRetryAfter(globalRetryAfter))
			return
		}

		g.metrics.observeDecision(StageGlobal, OutcomeAdmitted)
		next.ServeHTTP(w, r)
	})
}
