// Package apikey issues, parses, and verifies API keys and persists their records.
//
// An API key is presented as "sk_<key id>.<secret>". The key id is a UUID used to
// look the record up; only an argon2id hash of the secret is stored.
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix marks a string as a quotagate API key.
const Prefix = "sk_"

const secretBytes = 32

// Status is the lifecycle state of an API key.
type Status string

// Key statuses. Only active keys authenticate.
const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// ErrMalformed is returned when a presented key cannot be split into id and secret.
var ErrMalformed = errors.New("apikey: malformed key")

// Key is the stored record for an API key.
type Key struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	PlanID     string     `json:"plan_id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Active reports whether the key may authenticate requests.
func (k Key) Active() bool {
	return k.Status == StatusActive
}

// Generate creates a new active key for owner on plan. It returns the plaintext
// key, which is shown once and never stored, and the record to persist.
func Generate(ownerID, planID, name string, now time.Time) (string, Key, error) {
	if ownerID == "" {
		return "", Key{}, fmt.Errorf("owner id is required")
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", Key{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := Hash(secret)
	if err != nil {
		return "", Key{}, err
	}

	k := Key{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		PlanID:    planID,
		Name:      name,
		Hash:      hash,
		Status:    StatusActive,
		CreatedAt: now.UTC(),
	}
	return Format(k.ID, secret), k, nil
}

// Format renders a key id and secret as a presentable API key.
func Format(keyID, secret string) string {
	return Prefix + keyID + "." + secret
}

// Parse splits a presented API key into its key id and secret. The "sk_"
// prefix is optional. The key id must be a UUID.
func Parse(raw string) (keyID, secret string, err error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, Prefix)

	keyID, secret, ok := strings.Cut(raw, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", ErrMalformed
	}
	if _, err := uuid.Parse(keyID); err != nil {
		return "", "", ErrMalformed
	}
	return keyID, secret, nil
}
