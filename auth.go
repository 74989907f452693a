package quotagate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nhalm/quotagate/apikey"
	"github.com/nhalm/quotagate/token"
)

// DefaultAPIKeyHeader is the header the Extractor reads API keys from.
const DefaultAPIKeyHeader = "X-API-Key"

// BearerTokenVerifier verifies a bearer token and returns its payload.
// Verifiers are called concurrently and must be safe for concurrent use.
type BearerTokenVerifier func(token string) (BearerClaims, error)

// Extractor authenticates requests by bearer token or API key and attaches
// the resulting Claims to the request context.
//
// A bearer token in the Authorization header is tried first. If it is absent
// or invalid and an API key header is present, the API key is tried. A request
// with no usable credential is rejected with 401 before any quota is consumed.
type Extractor struct {
	verify       BearerTokenVerifier
	keys         apikey.Store
	header       string
	touchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *Metrics
	touches      sync.WaitGroup
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// ExtractorWithAPIKeyHeader sets the header to read API keys from.
// Default is "X-API-Key".
func ExtractorWithAPIKeyHeader(header string) ExtractorOption {
	return func(e *Extractor) {
		e.header = header
	}
}

// ExtractorWithClock replaces the clock used for expiry checks and last-used stamps.
func ExtractorWithClock(now func() time.Time) ExtractorOption {
	return func(e *Extractor) {
		e.now = now
	}
}

// ExtractorWithLogger sets the logger for background last-used updates and store errors.
func ExtractorWithLogger(logger *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// ExtractorWithMetrics records authentication decisions.
func ExtractorWithMetrics(m *Metrics) ExtractorOption {
	return func(e *Extractor) {
		e.metrics = m
	}
}

// ExtractorWithTouchTimeout bounds each background last-used update. Default 5s.
func ExtractorWithTouchTimeout(d time.Duration) ExtractorOption {
	return func(e *Extractor) {
		e.touchTimeout = d
	}
}

// NewExtractor creates an Extractor. A nil verify disables bearer tokens and a
// nil keys store disables API keys.
//
// Example:
//
//	signer, _ := token.NewSigner(secret)
//	ext := quotagate.NewExtractor(quotagate.TokenVerifier(signer), keyStore)
//	r.Use(ext.Handler)
func NewExtractor(verify BearerTokenVerifier, keys apikey.Store, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		verify:       verify,
		keys:         keys,
		header:       DefaultAPIKeyHeader,
		touchTimeout: 5 * time.Second,
		now:          time.Now,
		logger:       slog.Default().With("component", "quotagate.extractor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract authenticates the credentials in h. Every failure is an
// ErrUnauthorized variant.
func (e *Extractor) Extract(ctx context.Context, h http.Header) (Claims, error) {
	var bearerErr error

	if auth := h.Get("Authorization"); auth != "" && e.verify != nil {
		identity, err := e.fromBearer(auth)
		if err == nil {
			return identity.ResolveIdentity(), nil
		}
		bearerErr = err
	}

	if raw := h.Get(e.header); raw != "" && e.keys != nil {
		identity, err := e.fromAPIKey(ctx, raw)
		if err != nil {
			return Claims{}, err
		}
		return identity.ResolveIdentity(), nil
	}

	if bearerErr != nil {
		return Claims{}, bearerErr
	}
	return Claims{}, ErrUnauthorized.With("Missing credentials")
}

func (e *Extractor) fromBearer(auth string) (Identity, error) {
	// RFC 7235: "Bearer" scheme is case-insensitive
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return nil, ErrUnauthorized.With("Invalid authorization format")
	}

	raw := strings.TrimSpace(auth[7:])
	if raw == "" {
		return nil, ErrUnauthorized.With("Empty bearer token")
	}

	claims, err := e.verify(raw)
	if err != nil {
		return nil, ErrUnauthorized.With("Invalid bearer token")
	}
	if claims.SubscriberID == "" {
		return nil, ErrUnauthorized.With("Invalid bearer token")
	}
	if !claims.ExpiresAt.IsZero() && !e.now().Before(claims.ExpiresAt) {
		return nil, ErrUnauthorized.With("Bearer token expired")
	}
	return claims, nil
}

func (e *Extractor) fromAPIKey(ctx context.Context, raw string) (Identity, error) {
	keyID, secret, err := apikey.Parse(raw)
	if err != nil {
		return nil, ErrUnauthorized.With("Invalid API key")
	}

	key, err := e.keys.Get(ctx, keyID)
	if err != nil {
		if !errors.Is(err, apikey.ErrNotFound) {
			e.logger.Error("api key lookup failed", "key_id", keyID, "error", err)
		}
		return nil, ErrUnauthorized.With("Invalid API key")
	}

	ok, err := apikey.Verify(secret, key.Hash)
	if err != nil {
		e.logger.Error("stored api key hash is unreadable", "key_id", keyID, "error", err)
		return nil, ErrUnauthorized.With("Invalid API key")
	}
	if !ok {
		return nil, ErrUnauthorized.With("Invalid API key")
	}
	if !key.Active() {
		return nil, ErrUnauthorized.With("API key revoked")
	}

	e.touch(ctx, key.ID)

	return APIKeyClaims{
		KeyID:   key.ID,
		OwnerID: key.OwnerID,
		PlanID:  key.PlanID,
		Status:  key.Status,
	}, nil
}

// touch records the key's last use in the background. Failures are logged only.
func (e *Extractor) touch(ctx context.Context, keyID string) {
	at := e.now()
	e.touches.Add(1)
	go func() {
		defer e.touches.Done()

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.touchTimeout)
		defer cancel()

		if err := e.keys.Touch(tctx, keyID, at); err != nil {
			e.logger.Warn("failed to update api key last used", "key_id", keyID, "error", err)
		}
	}()
}

// Wait blocks until pending last-used updates finish.
func (e *Extractor) Wait() {
	e.touches.Wait()
}

// Handler returns the authentication middleware.
// Returns 401 (Unauthorized) when no credential is present or none is valid.
// Authenticated claims are available downstream via ClaimsFromContext.
func (e *Extractor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := e.Extract(r.Context(), r.Header)
		if err != nil {
			e.metrics.observeDecision(StageAuth, OutcomeRejected)
			SetLogField(r, "rejected_by", StageAuth)
			writeError(w, r, err)
			return
		}

		e.metrics.observeDecision(StageAuth, OutcomeAdmitted)
		SetLogFields(r, map[string]any{
			"subscriber_id": claims.SubscriberID,
			"plan_id":       claims.PlanID,
			"credential":    string(claims.Credential),
		})

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// TokenVerifier adapts a token.Signer into a BearerTokenVerifier.
func TokenVerifier(s *token.Signer) BearerTokenVerifier {
	return func(raw string) (BearerClaims, error) {
		claims, err := s.Verify(raw)
		if err != nil {
			return BearerClaims{}, err
		}
		out := BearerClaims{
			SubscriberID: claims.Subject,
			PlanID:       claims.PlanID,
			CustomerID:   claims.CustomerID,
		}
		if claims.ExpiresAt != nil {
			out.ExpiresAt = claims.ExpiresAt.Time
		}
		return out, nil
	}
}
