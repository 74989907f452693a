package quotagate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nhalm/quotagate/plans"
	"github.com/nhalm/quotagate/store"
)

type pipelineFixture struct {
	clock    *testClock
	auth     *authFixture
	pipeline *Pipeline
	verified int
	reached  []Claims
	handler  http.Handler
}

func newPipelineFixture(t *testing.T, permits int) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		clock: newTestClock(time.Date(2024, time.August, 15, 10, 0, 0, 0, time.UTC)),
		auth:  newAuthFixture(t),
	}

	st := store.NewMemory(store.MemoryWithClock(f.clock.Now))
	t.Cleanup(func() { st.Close() })

	registry := plans.NewRegistry(nil, plans.WithPlans(plans.Plan{ID: "pro", DailyLimit: plans.Limit(1)}))

	verify := TokenVerifier(f.auth.signer)
	counting := func(raw string) (BearerClaims, error) {
		f.verified++
		return verify(raw)
	}

	f.pipeline = NewPipeline(
		NewGlobalLimiter(permits, GlobalWithClock(f.clock.Now)),
		NewExtractor(counting, f.auth.keys, ExtractorWithClock(f.clock.Now)),
		NewQuotaLimiter(registry, st, QuotaWithClock(f.clock.Now)),
	)
	f.handler = Handler()(f.pipeline.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())
		f.reached = append(f.reached, claims)
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})))
	return f
}

func (f *pipelineFixture) bearer(t *testing.T, subject string) string {
	t.Helper()
	tok, _, err := f.auth.signer.Sign(subject, "pro", "")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return "Bearer " + tok
}

func (f *pipelineFixture) serve(authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/checker/check-token", http.NoBody)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestPipeline_AdmitsAndPassesClaims(t *testing.T) {
	f := newPipelineFixture(t, 10)

	rec := f.serve(f.bearer(t, "sub-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if len(f.reached) != 1 {
		t.Fatalf("handler reached %d times, want 1", len(f.reached))
	}
	if got := f.reached[0]; got.SubscriberID != "sub-1" || got.PlanID != "pro" || got.Credential != CredentialBearer {
		t.Errorf("claims = %+v", got)
	}
}

func TestPipeline_RejectionCodesAreDistinguishable(t *testing.T) {
	f := newPipelineFixture(t, 1)
	auth := f.bearer(t, "sub-1")

	if rec := f.serve(auth); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected status %d, got %d", http.StatusOK, rec.Code)
	}

	// Global bucket is empty until the clock moves.
	rec := f.serve(auth)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("global rejection: expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "limit_exceeded" {
		t.Errorf("global rejection code = %q, want limit_exceeded", got)
	}

	f.clock.Advance(time.Second)

	rec = f.serve(auth)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("quota rejection: expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "quota_exceeded" {
		t.Errorf("quota rejection code = %q, want quota_exceeded", got)
	}
	if len(f.reached) != 1 {
		t.Errorf("handler reached %d times, want 1", len(f.reached))
	}
}

func TestPipeline_GlobalRejectionSkipsLaterStages(t *testing.T) {
	f := newPipelineFixture(t, 1)
	auth := f.bearer(t, "sub-1")

	f.serve(auth)
	verifiedBefore := f.verified

	rec := f.serve(auth)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if f.verified != verifiedBefore {
		t.Error("credentials verified after global rejection")
	}

	usage, err := f.pipeline.quota.Usage(context.Background(), Claims{SubscriberID: "sub-1", PlanID: "pro"})
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage[0].Used != 1 {
		t.Errorf("daily counter = %d, want 1", usage[0].Used)
	}
}

func TestPipeline_UnauthenticatedConsumesGlobalPermit(t *testing.T) {
	f := newPipelineFixture(t, 1)

	rec := f.serve("")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if got := decodeError(t, rec).Type; got != "auth_error" {
		t.Errorf("error type = %q, want auth_error", got)
	}

	rec = f.serve(f.bearer(t, "sub-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d after unauthenticated request used the permit, got %d",
			http.StatusTooManyRequests, rec.Code)
	}
}

func TestPipeline_APIKey(t *testing.T) {
	f := newPipelineFixture(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", http.NoBody)
	req.Header.Set(DefaultAPIKeyHeader, f.auth.plaintext)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if got := f.reached[0]; got.SubscriberID != "owner-7" || got.Credential != CredentialAPIKey {
		t.Errorf("claims = %+v", got)
	}
}

func TestPipeline_StoreOutageFailsClosed(t *testing.T) {
	f := newAuthFixture(t)
	registry := plans.NewRegistry(nil, plans.WithPlans(plans.Plan{ID: "pro", DailyLimit: plans.Limit(100)}))
	broken := &outageStore{Store: store.NewMemory(), failIncr: func(string) bool { return true }}
	t.Cleanup(func() { broken.Close() })

	p := NewPipeline(nil, f.extractor, NewQuotaLimiter(registry, broken))
	handler := Handler()(p.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		t.Error("handler reached during store outage")
	})))

	tok, _, err := f.signer.Sign("sub-1", "pro", "")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestPipeline_NilStagesSkipped(t *testing.T) {
	called := false
	p := NewPipeline(nil, nil, nil)
	handler := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !called || rec.Code != http.StatusNoContent {
		t.Errorf("called = %v, status = %d", called, rec.Code)
	}
}

func TestPipeline_QuotaErrorsUnwrap(t *testing.T) {
	f := newAuthFixture(t)
	registry := plans.NewRegistry(nil, plans.WithPlans(plans.Plan{ID: "pro", DailyLimit: plans.Limit(1)}))
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	q := NewQuotaLimiter(registry, st)

	claims, err := f.extractor.Extract(context.Background(), http.Header{DefaultAPIKeyHeader: {f.plaintext}})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	f.extractor.Wait()

	q.Admit(context.Background(), claims)
	_, err = q.Admit(context.Background(), claims)
	if !errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrRateLimited) {
		t.Errorf("Admit() error = %v, want quota error distinct from global rate limit", err)
	}
}
