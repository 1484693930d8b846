// Package auth resolves the bearer credential presented at connection time
// to a stable user id. A credential is refused with a typed reason when it
// is missing, malformed, revoked, or belongs to a banned account.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ShaulKabla/Chat/internal/ban"
)

// Typed refusal reasons, surfaced verbatim to the client.
const (
	ReasonMissingToken  = "missing_token"
	ReasonInvalidToken  = "invalid_token"
	ReasonTokenRevoked  = "token_revoked"
	ReasonAccountBanned = "account_banned"
)

// Sentinel errors matching the refusal reasons.
var (
	ErrMissingToken  = errors.New("auth: missing token")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrTokenRevoked  = errors.New("auth: token revoked")
	ErrAccountBanned = errors.New("auth: account banned")
)

const revokedTokensKey = "revoked_tokens"

// Resolver verifies JWTs and checks revocation and ban state.
type Resolver struct {
	secret []byte
	client *redis.Client
	bans   *ban.Store
}

// NewResolver creates a Resolver with the given HMAC signing secret.
func NewResolver(secret string, client *redis.Client, bans *ban.Store) *Resolver {
	return &Resolver{secret: []byte(secret), client: client, bans: bans}
}

// Resolve validates the token and returns the stable user id. The returned
// error is one of the sentinel errors above.
func (r *Resolver) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	if claims.ID != "" {
		revoked, err := r.client.SIsMember(ctx, revokedTokensKey, claims.ID).Result()
		if err != nil {
			return "", fmt.Errorf("auth: revocation check: %w", err)
		}
		if revoked {
			return "", ErrTokenRevoked
		}
	}

	banned, err := r.bans.IsBanned(ctx, claims.Subject)
	if err != nil {
		return "", fmt.Errorf("auth: ban check: %w", err)
	}
	if banned {
		return "", ErrAccountBanned
	}

	return claims.Subject, nil
}

// Revoke records a token id in the shared revocation set.
func (r *Resolver) Revoke(ctx context.Context, tokenID string) error {
	return r.client.SAdd(ctx, revokedTokensKey, tokenID).Err()
}

// Reason maps a resolution error to its typed wire reason.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ReasonMissingToken
	case errors.Is(err, ErrTokenRevoked):
		return ReasonTokenRevoked
	case errors.Is(err, ErrAccountBanned):
		return ReasonAccountBanned
	default:
		return ReasonInvalidToken
	}
}
