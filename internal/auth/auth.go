// Package auth resolves bearer tokens to user identities.
//
// Identity itself is owned by whatever signs users up; this package only
// needs to answer "which user is holding this token". Users carry a
// long-lived API key whose sha256 hash lives in the users table. The key is
// exchanged for a short-lived session token, random and opaque, stored
// hashed in the token store with a TTL. Neither the key nor the token is
// ever persisted in the clear.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidAPIKey means the presented key matches no user.
	ErrInvalidAPIKey = errors.New("invalid api key")

	// ErrInvalidToken means the session token is unknown or expired.
	ErrInvalidToken = errors.New("invalid or expired session token")
)

// APIKeyPrefix marks issued keys so they are recognizable in logs and
// support tickets without revealing anything.
const APIKeyPrefix = "arc_"

// DefaultSessionTTL keeps sessions alive for 30 days of inactivity-free use.
const DefaultSessionTTL = 720 * time.Hour

// KeyResolver maps an API key hash to a user id. *ledger.Ledger satisfies
// it.
type KeyResolver interface {
	LookupAPIKeyHash(ctx context.Context, hash string) (uuid.UUID, error)
}

// TokenStore holds active sessions keyed by token hash. Redis in
// production; memory for tests.
type TokenStore interface {
	// Save records a session under the token hash with the given TTL.
	Save(ctx context.Context, tokenHash string, userID uuid.UUID, ttl time.Duration) error

	// Lookup resolves a token hash to its user. Unknown or expired hashes
	// return ErrInvalidToken.
	Lookup(ctx context.Context, tokenHash string) (uuid.UUID, error)
}

// Authenticator mints and resolves session tokens.
type Authenticator struct {
	keys   KeyResolver
	tokens TokenStore
	ttl    time.Duration
	log    zerolog.Logger
}

func New(keys KeyResolver, tokens TokenStore, ttl time.Duration, logger zerolog.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Authenticator{
		keys:   keys,
		tokens: tokens,
		ttl:    ttl,
		log:    logger.With().Str("component", "auth").Logger(),
	}
}

// SessionTTL reports the configured session lifetime.
func (a *Authenticator) SessionTTL() time.Duration { return a.ttl }

// IssueSession exchanges an API key for a fresh session token.
func (a *Authenticator) IssueSession(ctx context.Context, apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", ErrInvalidAPIKey
	}

	userID, err := a.keys.LookupAPIKeyHash(ctx, HashSecret(apiKey))
	if err != nil {
		// Unknown keys and storage faults look identical to the caller on
		// purpose; the distinction is in the wrapped error.
		return "", fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	}

	token, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("mint session token: %w", err)
	}
	if err := a.tokens.Save(ctx, HashSecret(token), userID, a.ttl); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}

	a.log.Info().Str("user_id", userID.String()).Msg("session issued")
	return token, nil
}

// Resolve maps a bearer token to the user holding it.
func (a *Authenticator) Resolve(ctx context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, ErrInvalidToken
	}
	return a.tokens.Lookup(ctx, HashSecret(token))
}

// HashSecret is the canonical hashing for API keys and session tokens:
// sha256, hex encoded.
func HashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a new user API key.
func GenerateAPIKey() (string, error) {
	raw, err := randomHex(24)
	if err != nil {
		return "", err
	}
	return APIKeyPrefix + raw, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
