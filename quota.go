// Plan-aware quota middleware.
//
// The QuotaLimiter counts requests per subscriber for the current calendar day
// and month in a shared counter store and rejects requests that would take a
// counter past the subscriber's plan limit. Counters expire at the period
// boundary. Limits are inclusive: the request that brings a counter to exactly
// the limit is admitted.
//
//	st, _ := store.NewRedis(store.RedisConfig{URL: "localhost:6379"})
//	quota := quotagate.NewQuotaLimiter(registry, st)
//	r.Use(extractor.Handler, quota.Handler)
//
// The increment, check, and compensating decrement are separate store calls.
// Under concurrency a counter can briefly exceed its limit by at most the
// number of requests in flight for that key; every rejected request undoes
// its own increment, so the settled count never exceeds the limit.

package quotagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/quotagate/plans"
	"github.com/nhalm/quotagate/store"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers in any response.
	// Retry-After is still sent on rejection.
	RateLimitHeadersNever
)

// ParseRateLimitHeaderMode maps "always", "on_limit_exceeded", or "never" to a mode.
func ParseRateLimitHeaderMode(s string) (RateLimitHeaderMode, error) {
	switch s {
	case "", "always":
		return RateLimitHeadersAlways, nil
	case "on_limit_exceeded":
		return RateLimitHeadersOnLimitExceeded, nil
	case "never":
		return RateLimitHeadersNever, nil
	}
	return 0, fmt.Errorf("unknown header mode %q", s)
}

// Period is a quota accounting period.
type Period string

// Quota periods, in evaluation order.
const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

var periods = []Period{PeriodDay, PeriodMonth}

// PlanLookup resolves a plan id to its limits. plans.Registry implements it.
type PlanLookup interface {
	Lookup(planID string) (plans.Plan, bool)
}

// PeriodUsage describes a subscriber's consumption in one period.
type PeriodUsage struct {
	Period    Period    `json:"period"`
	Unlimited bool      `json:"unlimited"`
	Limit     int64     `json:"limit,omitempty"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining,omitempty"`
	ResetsAt  time.Time `json:"resets_at"`
}

// QuotaDecision is the outcome of a quota check.
type QuotaDecision struct {
	Admitted bool
	// PlanKnown is false when the plan id was absent from the registry.
	PlanKnown bool
	// FailedOpen is true when the store failed and the request was admitted anyway.
	FailedOpen bool
	// Usage holds the checked periods in evaluation order. On rejection the
	// last entry is the period that rejected.
	Usage []PeriodUsage
}

// binding returns the period usage that should drive response headers: the
// rejecting period, or else the one with the fewest requests remaining.
func (d QuotaDecision) binding() (PeriodUsage, bool) {
	if len(d.Usage) == 0 {
		return PeriodUsage{}, false
	}
	if !d.Admitted {
		return d.Usage[len(d.Usage)-1], true
	}
	best := d.Usage[0]
	for _, u := range d.Usage[1:] {
		if u.Remaining < best.Remaining {
			best = u
		}
	}
	return best, true
}

// QuotaLimiter enforces per-subscriber daily and monthly plan limits.
type QuotaLimiter struct {
	plans      PlanLookup
	store      store.Store
	now        func() time.Time
	loc        *time.Location
	failOpen   bool
	headerMode RateLimitHeaderMode
	compensate time.Duration
	logger     *slog.Logger
	metrics    *Metrics
}

// QuotaOption configures a QuotaLimiter.
type QuotaOption func(*QuotaLimiter)

// QuotaWithClock replaces the clock used to derive period keys.
func QuotaWithClock(now func() time.Time) QuotaOption {
	return func(q *QuotaLimiter) {
		q.now = now
	}
}

// QuotaWithLocation sets the time zone whose calendar defines days and months.
// Default is UTC.
func QuotaWithLocation(loc *time.Location) QuotaOption {
	return func(q *QuotaLimiter) {
		if loc != nil {
			q.loc = loc
		}
	}
}

// QuotaWithFailOpen admits requests when the counter store cannot be reached.
// By default such requests are rejected with 503 so an outage cannot be used
// to bypass quotas.
func QuotaWithFailOpen() QuotaOption {
	return func(q *QuotaLimiter) {
		q.failOpen = true
	}
}

// QuotaWithHeaderMode configures when rate limit headers are included in responses.
func QuotaWithHeaderMode(mode RateLimitHeaderMode) QuotaOption {
	return func(q *QuotaLimiter) {
		q.headerMode = mode
	}
}

// QuotaWithLogger sets the logger for store failures.
func QuotaWithLogger(logger *slog.Logger) QuotaOption {
	return func(q *QuotaLimiter) {
		q.logger = logger
	}
}

// QuotaWithMetrics records decisions and store latency.
func QuotaWithMetrics(m *Metrics) QuotaOption {
	return func(q *QuotaLimiter) {
		q.metrics = m
	}
}

// NewQuotaLimiter creates a quota limiter reading plans from lookup and
// counting in st.
//
// Returns 429 (Too Many Requests) with code "quota_exceeded" when a period's
// limit is exceeded, with Retry-After set to the time until that period resets.
// Returns 503 (Service Unavailable) with code "store_unavailable" if the store
// fails, unless QuotaWithFailOpen is set.
// Requests on a plan missing from lookup are admitted without counting.
func NewQuotaLimiter(lookup PlanLookup, st store.Store, opts ...QuotaOption) *QuotaLimiter {
	q := &QuotaLimiter{
		plans:      lookup,
		store:      st,
		now:        time.Now,
		loc:        time.UTC,
		headerMode: RateLimitHeadersAlways,
		compensate: 2 * time.Second,
		logger:     slog.Default().With("component", "quotagate.quota"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QuotaKey returns the counter key and period end for subscriber in the
// period containing t. Day keys look like "quota:<id>:day:2024-03-09" and
// month keys like "quota:<id>:month:2024-03".
func QuotaKey(subscriberID string, period Period, t time.Time) (string, time.Time) {
	y, m, d := t.Date()
	switch period {
	case PeriodMonth:
		return "quota:" + subscriberID + ":month:" + t.Format("2006-01"),
			time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
	default:
		return "quota:" + subscriberID + ":day:" + t.Format("2006-01-02"),
			time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
	}
}

func periodLimit(p plans.Plan, period Period) *int64 {
	if period == PeriodMonth {
		return p.MonthlyLimit
	}
	return p.DailyLimit
}

func periodName(period Period) string {
	if period == PeriodMonth {
		return "Monthly"
	}
	return "Daily"
}

// Admit counts the request against the subscriber's day and month quotas.
// The day period is checked first; once a period rejects, the month is not
// evaluated. A rejected request leaves no trace in any counter.
func (q *QuotaLimiter) Admit(ctx context.Context, claims Claims) (QuotaDecision, error) {
	plan, ok := q.plans.Lookup(claims.PlanID)
	if !ok {
		q.metrics.observeDecision(StageQuota, OutcomeUnknownPlan)
		return QuotaDecision{Admitted: true}, nil
	}

	decision := QuotaDecision{PlanKnown: true}
	if plan.Unlimited() {
		decision.Admitted = true
		q.metrics.observeDecision(StageQuota, OutcomeAdmitted)
		return decision, nil
	}

	now := q.now().In(q.loc)
	var applied []string

	for _, period := range periods {
		limit := periodLimit(plan, period)
		if limit == nil {
			continue
		}

		key, resetsAt := QuotaKey(claims.SubscriberID, period, now)

		start := time.Now()
		count, ttl, err := q.store.Increment(ctx, key, resetsAt.Sub(now))
		q.metrics.observeStore("increment", start)
		if err != nil {
			q.logger.Error("quota counter increment failed",
				"subscriber_id", claims.SubscriberID,
				"period", string(period),
				"error", err,
			)
			if q.failOpen {
				q.metrics.observeDecision(StageQuota, OutcomeFailOpen)
				decision.Admitted = true
				decision.FailedOpen = true
				return decision, nil
			}
			q.rollback(ctx, applied)
			q.metrics.observeDecision(StageQuota, OutcomeStoreError)
			return decision, fmt.Errorf("quota check for %s: %w", claims.SubscriberID,
				ErrStoreUnavailable.With("Quota check failed"))
		}

		if ttl > 0 {
			resetsAt = now.Add(ttl)
		}
		usage := PeriodUsage{
			Period:    period,
			Limit:     *limit,
			Used:      count,
			Remaining: max(0, *limit-count),
			ResetsAt:  resetsAt,
		}

		if count > *limit {
			q.rollback(ctx, append(applied, key))
			usage.Used = *limit
			decision.Usage = append(decision.Usage, usage)
			q.metrics.observeDecision(StageQuota, OutcomeRejected)
			msg := fmt.Sprintf("%s quota of %d requests exceeded", periodName(period), *limit)
			return decision, ErrQuotaExceeded.
				WithParam(msg, string(period)).
				WithRetryAfter(resetsAt.Sub(now))
		}

		applied = append(applied, key)
		decision.Usage = append(decision.Usage, usage)
	}

	decision.Admitted = true
	q.metrics.observeDecision(StageQuota, OutcomeAdmitted)
	return decision, nil
}

// rollback undoes increments made for a request that will not proceed.
// It runs detached from the request context so a disconnecting client cannot
// leave its increment behind; failures are logged only.
func (q *QuotaLimiter) rollback(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.compensate)
	defer cancel()

	for _, key := range keys {
		start := time.Now()
		_, err := q.store.Decrement(cctx, key)
		q.metrics.observeStore("decrement", start)
		if err != nil {
			q.logger.Warn("quota compensating decrement failed", "key", key, "error", err)
		}
	}
}

// Usage reports current consumption for every period of the subscriber's plan
// without counting a request. Unknown plans report no periods.
func (q *QuotaLimiter) Usage(ctx context.Context, claims Claims) ([]PeriodUsage, error) {
	plan, ok := q.plans.Lookup(claims.PlanID)
	if !ok {
		return nil, nil
	}

	now := q.now().In(q.loc)
	out := make([]PeriodUsage, 0, len(periods))
	for _, period := range periods {
		key, resetsAt := QuotaKey(claims.SubscriberID, period, now)

		start := time.Now()
		used, err := q.store.Get(ctx, key)
		q.metrics.observeStore("get", start)
		if err != nil {
			return nil, fmt.Errorf("quota usage for %s: %w", claims.SubscriberID,
				ErrStoreUnavailable.With("Quota usage unavailable"))
		}

		u := PeriodUsage{Period: period, Used: used, ResetsAt: resetsAt}
		if limit := periodLimit(plan, period); limit != nil {
			u.Limit = *limit
			u.Remaining = max(0, *limit-used)
		} else {
			u.Unlimited = true
		}
		out = append(out, u)
	}
	return out, nil
}

// ResetUsage clears the subscriber's counters for the current day and month.
func (q *QuotaLimiter) ResetUsage(ctx context.Context, subscriberID string) error {
	now := q.now().In(q.loc)
	for _, period := range periods {
		key, _ := QuotaKey(subscriberID, period, now)
		if err := q.store.Reset(ctx, key); err != nil {
			return fmt.Errorf("reset %s quota for %s: %w", period, subscriberID, err)
		}
	}
	return nil
}

// Handler returns the quota middleware. It requires Claims in the request
// context (see Extractor) and rejects requests without them as unauthorized.
// Sets the following headers based on header mode, for the period closest to
// its limit:
//   - RateLimit-Limit: The quota for the period
//   - RateLimit-Remaining: Requests remaining in the period
//   - RateLimit-Reset: Unix timestamp when the period resets
//   - Retry-After: (only when limited) Seconds until the period resets
func (q *QuotaLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, r, ErrUnauthorized.With("Missing credentials"))
			return
		}

		decision, err := q.Admit(r.Context(), claims)

		counted := err == nil || errors.Is(err, ErrQuotaExceeded)
		if u, ok := decision.binding(); ok && counted {
			SetLogFields(r, map[string]any{
				"quota_period": string(u.Period),
				"quota_used":   u.Used,
				"quota_limit":  u.Limit,
			})

			exceeded := !decision.Admitted
			shouldSetHeaders := q.headerMode == RateLimitHeadersAlways ||
				(q.headerMode == RateLimitHeadersOnLimitExceeded && exceeded)
			if shouldSetHeaders {
				setHeader(w, r, "RateLimit-Limit", strconv.FormatInt(u.Limit, 10))
				setHeader(w, r, "RateLimit-Remaining", strconv.FormatInt(u.Remaining, 10))
				setHeader(w, r, "RateLimit-Reset", strconv.FormatInt(u.ResetsAt.Unix(), 10))
			}
		}
		if !decision.PlanKnown && err == nil {
			SetLogField(r, "quota_plan_unknown", true)
		}
		if decision.FailedOpen {
			SetLogField(r, "quota_failed_open", true)
		}

		if err != nil {
			SetLogField(r, "rejected_by", StageQuota)
			writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}
