package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"gateway/modules/blocklist"
	"gateway/modules/clock"
	"gateway/modules/hmac"
	mwrl "gateway/modules/middleware/ratelimit"
	rl "gateway/modules/ratelimit"
)

const (
	APIKeyHeader = "X-API-Key"
	bearerPrefix = "bearer "
)

// IdentityResolver maps a request to the key its quota is charged to.
// clientIP has already been extracted and normalized by the dispatcher.
type IdentityResolver interface {
	Resolve(r *http.Request, clientIP string) rl.Key
}

var _ IdentityResolver = (*TokenIdentity)(nil)

// TokenIdentity prefers a verified API key, then a verified bearer token
// subject, and falls back to the client address. API keys are tokens of kind
// hmac.KindAPIKey signed with the same secret; anything that does not verify
// is treated as anonymous.
type TokenIdentity struct {
	signer *hmac.HMACSigner
	clock  clock.Clock
}

// NewTokenIdentity builds the default resolver. A nil signer ignores API keys
// and bearer tokens.
func NewTokenIdentity(signer *hmac.HMACSigner, clock clock.Clock) *TokenIdentity {
	return &TokenIdentity{signer: signer, clock: clock}
}

func (t *TokenIdentity) Resolve(r *http.Request, clientIP string) rl.Key {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if claims, ok := t.verify(r, APIKeyHeader, key, hmac.KindAPIKey, clientIP); ok {
			return rl.APIKeyKey(claims.Subject)
		}
	}

	if token, ok := bearerToken(r); ok {
		if claims, ok := t.verify(r, "Authorization", token, hmac.KindUser, clientIP); ok {
			return rl.UserKey(claims.Subject)
		}
	}

	return rl.IPKey(clientIP)
}

func (t *TokenIdentity) verify(r *http.Request, header, token, kind, clientIP string) (hmac.Claims, bool) {
	if t.signer == nil {
		return hmac.Claims{}, false
	}

	claims, err := t.signer.VerifyClaims(token, t.clock.Now())
	if err == nil && claims.Kind != kind {
		err = hmac.ErrInvalidToken
	}
	if err == nil {
		return claims, true
	}

	level := slog.LevelDebug
	if !errors.Is(err, hmac.ErrExpiredToken) {
		level = slog.LevelInfo
	}
	slog.Log(r.Context(), level, "credential rejected, keying on client address",
		slog.String("header", header),
		slog.String("client_ip", clientIP),
		slog.Any("error", err),
	)
	return hmac.Claims{}, false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(bearerPrefix) || !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(bearerPrefix):]), true
}

// ClientIP returns the canonical client address of r.
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	ip := mwrl.ClientIP(r, trustForwardedFor)
	if canon, err := blocklist.Normalize(ip); err == nil {
		return canon
	}
	return ip
}
