package quotagate

import (
	"context"
	"time"

	"github.com/nhalm/quotagate/apikey"
)

// CredentialKind names the credential a request authenticated with.
type CredentialKind string

// Credential kinds.
const (
	CredentialBearer CredentialKind = "bearer"
	CredentialAPIKey CredentialKind = "api_key"
)

// Claims is the authenticated identity and plan context of a request.
// It is built once per request by the Extractor and is read-only afterwards.
type Claims struct {
	SubscriberID string         `json:"subscriber_id"`
	PlanID       string         `json:"plan_id"`
	ExpiresAt    time.Time      `json:"expires_at,omitzero"`
	Status       string         `json:"status,omitempty"`
	Credential   CredentialKind `json:"credential"`
	KeyID        string         `json:"key_id,omitempty"`
}

// Identity is a verified credential payload that can be resolved into Claims.
// The set of implementations is closed: BearerClaims and APIKeyClaims.
type Identity interface {
	ResolveIdentity() Claims
	identity()
}

// BearerClaims is the payload of a verified bearer token.
type BearerClaims struct {
	SubscriberID string
	PlanID       string
	CustomerID   string
	ExpiresAt    time.Time
}

// ResolveIdentity implements Identity.
func (b BearerClaims) ResolveIdentity() Claims {
	return Claims{
		SubscriberID: b.SubscriberID,
		PlanID:       b.PlanID,
		ExpiresAt:    b.ExpiresAt,
		Credential:   CredentialBearer,
	}
}

func (BearerClaims) identity() {}

// APIKeyClaims is the identity carried by a verified API key.
type APIKeyClaims struct {
	KeyID   string
	OwnerID string
	PlanID  string
	Status  apikey.Status
}

// ResolveIdentity implements Identity.
func (a APIKeyClaims) ResolveIdentity() Claims {
	return Claims{
		SubscriberID: a.OwnerID,
		PlanID:       a.PlanID,
		Status:       string(a.Status),
		Credential:   CredentialAPIKey,
		KeyID:        a.KeyID,
	}
}

func (APIKeyClaims) identity() {}

type claimsContextKey struct{}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext retrieves the claims attached by the Extractor.
//
// Example:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//		if claims, ok := quotagate.ClaimsFromContext(r.Context()); ok {
//			log.Printf("subscriber %s on plan %s", claims.SubscriberID, claims.PlanID)
//		}
//	}
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(Claims)
	return claims, ok
}
