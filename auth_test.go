package quotagate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nhalm/quotagate/apikey"
	"github.com/nhalm/quotagate/token"
)

// flakyKeys wraps a key store and can fail lookups or touches.
type flakyKeys struct {
	apikey.Store
	getErr   error
	touchErr error

	mu      sync.Mutex
	touched []string
}

func (f *flakyKeys) Get(ctx context.Context, id string) (apikey.Key, error) {
	if f.getErr != nil {
		return apikey.Key{}, f.getErr
	}
	return f.Store.Get(ctx, id)
}

func (f *flakyKeys) Touch(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	f.touched = append(f.touched, id)
	f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	return f.Store.Touch(ctx, id, at)
}

type authFixture struct {
	now       time.Time
	signer    *token.Signer
	keys      *flakyKeys
	plaintext string
	key       apikey.Key
	extractor *Extractor
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	now := time.Date(2024, time.August, 15, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	signer, err := token.NewSigner([]byte("test-secret"), token.WithClock(clock))
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	keys := &flakyKeys{Store: apikey.NewMemory()}
	plaintext, key, err := apikey.Generate("owner-7", "pro", "ci", now)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := keys.Put(context.Background(), key); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	return &authFixture{
		now:       now,
		signer:    signer,
		keys:      keys,
		plaintext: plaintext,
		key:       key,
		extractor: NewExtractor(TokenVerifier(signer), keys, ExtractorWithClock(clock)),
	}
}

func TestExtractor_ValidBearer(t *testing.T) {
	f := newAuthFixture(t)
	raw, expires, err := f.signer.Sign("user-1", "free", "cus_1")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+raw)

	claims, err := f.extractor.Extract(context.Background(), h)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := Claims{
		SubscriberID: "user-1",
		PlanID:       "free",
		ExpiresAt:    expires,
		Credential:   CredentialBearer,
	}
	if claims.SubscriberID != want.SubscriberID || claims.PlanID != want.PlanID ||
		claims.Credential != want.Credential || !claims.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("Extract() = %+v, want %+v", claims, want)
	}
}

func TestExtractor_BearerSchemeCaseInsensitive(t *testing.T) {
	f := newAuthFixture(t)
	raw, _, _ := f.signer.Sign("user-1", "free", "")

	h := http.Header{}
	h.Set("Authorization", "bEaReR "+raw)

	if _, err := f.extractor.Extract(context.Background(), h); err != nil {
		t.Errorf("Extract() error = %v", err)
	}
}

func TestExtractor_ValidAPIKey(t *testing.T) {
	f := newAuthFixture(t)

	h := http.Header{}
	h.Set(DefaultAPIKeyHeader, f.plaintext)

	claims, err := f.extractor.Extract(context.Background(), h)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if claims.SubscriberID != "owner-7" || claims.PlanID != "pro" {
		t.Errorf("Extract() = %+v, want owner-7 on pro", claims)
	}
	if claims.Credential != CredentialAPIKey || claims.KeyID != f.key.ID {
		t.Errorf("Extract() credential = %s/%s", claims.Credential, claims.KeyID)
	}
	if claims.Status != string(apikey.StatusActive) {
		t.Errorf("Extract() status = %q, want active", claims.Status)
	}

	f.extractor.Wait()
	stored, _ := f.keys.Get(context.Background(), f.key.ID)
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(f.now) {
		t.Errorf("LastUsedAt = %v, want %v", stored.LastUsedAt, f.now)
	}
}

func TestExtractor_Rejections(t *testing.T) {
	f := newAuthFixture(t)

	expiredSigner, _ := token.NewSigner([]byte("test-secret"), token.WithClock(func() time.Time {
		return f.now.Add(-3 * time.Hour)
	}))
	expired, _, _ := expiredSigner.Sign("user-1", "free", "")

	_, secret, _ := apikey.Parse(f.plaintext)
	wrongSecret := apikey.Format(f.key.ID, secret+"x")
	unknownKey := apikey.Format("00000000-0000-0000-0000-000000000000", secret)

	tests := []struct {
		name    string
		headers map[string]string
		message string
	}{
		{
			name:    "no credentials",
			message: "Missing credentials",
		},
		{
			name:    "wrong secret for existing key id",
			headers: map[string]string{DefaultAPIKeyHeader: wrongSecret},
			message: "Invalid API key",
		},
		{
			name:    "unknown key id",
			headers: map[string]string{DefaultAPIKeyHeader: unknownKey},
			message: "Invalid API key",
		},
		{
			name:    "malformed api key",
			headers: map[string]string{DefaultAPIKeyHeader: "not-a-key"},
			message: "Invalid API key",
		},
		{
			name:    "garbage bearer",
			headers: map[string]string{"Authorization": "Bearer nope"},
			message: "Invalid bearer token",
		},
		{
			name:    "expired bearer",
			headers: map[string]string{"Authorization": "Bearer " + expired},
			message: "Invalid bearer token",
		},
		{
			name:    "basic scheme",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			message: "Invalid authorization format",
		},
		{
			name:    "empty bearer",
			headers: map[string]string{"Authorization": "Bearer "},
			message: "Empty bearer token",
		},
		{
			name: "both present and both invalid",
			headers: map[string]string{
				"Authorization":     "Bearer nope",
				DefaultAPIKeyHeader: wrongSecret,
			},
			message: "Invalid API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			_, err := f.extractor.Extract(context.Background(), h)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("Extract() error = %v, want ErrUnauthorized", err)
			}
			if err.Error() != tt.message {
				t.Errorf("Extract() message = %q, want %q", err.Error(), tt.message)
			}
		})
	}
}

func TestExtractor_ExpiredClaimsFromVerifier(t *testing.T) {
	now := time.Date(2024, time.August, 15, 10, 0, 0, 0, time.UTC)
	verify := func(string) (BearerClaims, error) {
		return BearerClaims{SubscriberID: "user-1", PlanID: "free", ExpiresAt: now}, nil
	}
	e := NewExtractor(verify, nil, ExtractorWithClock(func() time.Time { return now }))

	h := http.Header{}
	h.Set("Authorization", "Bearer anything")

	_, err := e.Extract(context.Background(), h)
	if !errors.Is(err, ErrUnauthorized) || err.Error() != "Bearer token expired" {
		t.Errorf("Extract() error = %v, want Bearer token expired", err)
	}
}

func TestExtractor_InvalidBearerFallsBackToAPIKey(t *testing.T) {
	f := newAuthFixture(t)

	h := http.Header{}
	h.Set("Authorization", "Bearer nope")
	h.Set(DefaultAPIKeyHeader, f.plaintext)

	claims, err := f.extractor.Extract(context.Background(), h)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if claims.Credential != CredentialAPIKey {
		t.Errorf("Extract() credential = %s, want api_key", claims.Credential)
	}
	f.extractor.Wait()
}

func TestExtractor_ValidBearerWinsOverAPIKey(t *testing.T) {
	f := newAuthFixture(t)
	raw, _, _ := f.signer.Sign("user-1", "free", "")

	h := http.Header{}
	h.Set("Authorization", "Bearer "+raw)
	h.Set(DefaultAPIKeyHeader, f.plaintext)

	claims, err := f.extractor.Extract(context.Background(), h)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if claims.Credential != CredentialBearer || claims.SubscriberID != "user-1" {
		t.Errorf("Extract() = %+v, want bearer claims for user-1", claims)
	}
	if len(f.keys.touched) != 0 {
		t.Error("api key touched although bearer token was used")
	}
}

func TestExtractor_RevokedKey(t *testing.T) {
	f := newAuthFixture(t)
	if err := f.keys.SetStatus(context.Background(), f.key.ID, apikey.StatusRevoked); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	h := http.Header{}
	h.Set(DefaultAPIKeyHeader, f.plaintext)

	_, err := f.extractor.Extract(context.Background(), h)
	if !errors.Is(err, ErrUnauthorized) || err.Error() != "API key revoked" {
		t.Errorf("Extract() error = %v, want API key revoked", err)
	}
}

func TestExtractor_KeyStoreFailureIsUnauthorized(t *testing.T) {
	f := newAuthFixture(t)
	f.keys.getErr = errors.New("database is locked")

	h := http.Header{}
	h.Set(DefaultAPIKeyHeader, f.plaintext)

	_, err := f.extractor.Extract(context.Background(), h)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Extract() error = %v, want ErrUnauthorized", err)
	}
}

func TestExtractor_TouchFailureDoesNotFailRequest(t *testing.T) {
	f := newAuthFixture(t)
	f.keys.touchErr = errors.New("write failed")

	h := http.Header{}
	h.Set(DefaultAPIKeyHeader, f.plaintext)

	if _, err := f.extractor.Extract(context.Background(), h); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	f.extractor.Wait()

	f.keys.mu.Lock()
	defer f.keys.mu.Unlock()
	if len(f.keys.touched) != 1 {
		t.Errorf("touch attempts = %d, want 1", len(f.keys.touched))
	}
}

func TestExtractor_TouchSurvivesCancelledRequest(t *testing.T) {
	f := newAuthFixture(t)

	h := http.Header{}
	h.Set(DefaultAPIKeyHeader, f.plaintext)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.extractor.Extract(ctx, h); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	cancel()
	f.extractor.Wait()

	stored, _ := f.keys.Get(context.Background(), f.key.ID)
	if stored.LastUsedAt == nil {
		t.Error("last used not recorded after request context was cancelled")
	}
}

func TestExtractor_CustomHeader(t *testing.T) {
	f := newAuthFixture(t)
	e := NewExtractor(nil, f.keys, ExtractorWithAPIKeyHeader("X-Custom-Key"))

	h := http.Header{}
	h.Set("X-Custom-Key", f.plaintext)

	if _, err := e.Extract(context.Background(), h); err != nil {
		t.Errorf("Extract() error = %v", err)
	}
	e.Wait()

	h = http.Header{}
	h.Set(DefaultAPIKeyHeader, f.plaintext)
	if _, err := e.Extract(context.Background(), h); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Extract() with default header error = %v, want ErrUnauthorized", err)
	}
}

func TestExtractor_Handler(t *testing.T) {
	f := newAuthFixture(t)
	raw, _, _ := f.signer.Sign("user-1", "free", "")

	var got Claims
	var found bool
	handler := Handler()(f.extractor.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, found = ClaimsFromContext(r.Context())
		SetResponse(r, http.StatusOK, nil)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !found || got.SubscriberID != "user-1" {
		t.Errorf("ClaimsFromContext() = %+v, %v", got, found)
	}

	found = false
	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if found {
		t.Error("downstream handler ran for unauthenticated request")
	}
	if errResp := decodeError(t, rec); errResp.Code != "unauthorized" {
		t.Errorf("expected code unauthorized, got %s", errResp.Code)
	}
}

func TestIdentity_ResolveIdentity(t *testing.T) {
	exp := time.Date(2024, time.August, 15, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		identity Identity
		want     Claims
	}{
		{
			name:     "bearer",
			identity: BearerClaims{SubscriberID: "u1", PlanID: "free", ExpiresAt: exp},
			want:     Claims{SubscriberID: "u1", PlanID: "free", ExpiresAt: exp, Credential: CredentialBearer},
		},
		{
			name:     "api key",
			identity: APIKeyClaims{KeyID: "k1", OwnerID: "u2", PlanID: "pro", Status: apikey.StatusActive},
			want:     Claims{SubscriberID: "u2", PlanID: "pro", Status: "active", Credential: CredentialAPIKey, KeyID: "k1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identity.ResolveIdentity(); got != tt.want {
				t.Errorf("ResolveIdentity() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
