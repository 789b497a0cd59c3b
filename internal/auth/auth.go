// Package auth resolves socket identities from HS256 session tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ramory-l/sockethub"
)

var (
	// ErrUnauthenticated means the handshake carries no valid, unexpired
	// session token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUserRequired means the session is valid but belongs to a guest.
	ErrUserRequired = errors.New("user account required")
)

// Identity is the subject behind a socket.
type Identity struct {
	// UserID is empty for guest sessions.
	UserID    string
	SessionID string
	// ExpiresAt is zero when the token has no exp claim.
	ExpiresAt time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Authenticator verifies tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator for secret. A nil now uses
// time.Now.
func NewAuthenticator(secret string, now func() time.Time) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Authenticator{secret: []byte(secret), now: now}, nil
}

// IssueToken signs a token for id.
func (a *Authenticator) IssueToken(id Identity) (string, error) {
	if strings.TrimSpace(id.SessionID) == "" {
		return "", errors.New("session id is required")
	}

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(a.now()),
		},
		SessionID: id.SessionID,
	}
	if !id.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(id.ExpiresAt)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// ResolveIdentity reads the identity from the handshake token without
// checking expiry. It reports false when there is no token or the token is
// not one of ours.
func (a *Authenticator) ResolveIdentity(handshake sockethub.Handshake) (Identity, bool) {
	token := TokenFromHandshake(handshake)
	if token == "" {
		return Identity{}, false
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, false
	}

	sessionID := strings.TrimSpace(claims.SessionID)
	if sessionID == "" {
		return Identity{}, false
	}

	id := Identity{
		UserID:    strings.TrimSpace(claims.Subject),
		SessionID: sessionID,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, true
}

// Authenticate returns the caller's identity. requireUser rejects guest
// sessions.
func (a *Authenticator) Authenticate(handshake sockethub.Handshake, requireUser bool) (Identity, error) {
	id, ok := a.ResolveIdentity(handshake)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	if a.IsCredentialExpired(id) {
		return Identity{}, fmt.Errorf("%w: session expired", ErrUnauthenticated)
	}
	if requireUser && id.UserID == "" {
		return Identity{}, ErrUserRequired
	}
	return id, nil
}

// IsCredentialExpired reports whether the session behind id has lapsed.
func (a *Authenticator) IsCredentialExpired(id Identity) bool {
	if id.ExpiresAt.IsZero() {
		return false
	}
	return !id.ExpiresAt.After(a.now())
}

// TokenFromHandshake looks in the CONNECT auth payload, then the
// Authorization header, then the token query parameter.
func TokenFromHandshake(handshake sockethub.Handshake) string {
	if token, ok := handshake.Auth["token"].(string); ok && strings.TrimSpace(token) != "" {
		return strings.TrimSpace(token)
	}

	if header := handshake.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token)
		}
	}

	return strings.TrimSpace(handshake.Query.Get("token"))
}
