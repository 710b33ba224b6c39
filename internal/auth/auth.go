// Package auth turns bearer tokens into the Principal passed to every control operation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/campaign-sendqueue/internal/types"
)

// ErrInvalidToken is returned for tokens that fail parsing or validation
var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller of a control operation
type Principal struct {
	Subject string     `json:"subject"`
	Role    types.Role `json:"role"`
}

// CanControl reports whether the principal may mutate campaigns
func (p Principal) CanControl() bool {
	return p.Role == types.RoleAdmin
}

// CanView reports whether the principal may read campaign state
func (p Principal) CanView() bool {
	return p.Role == types.RoleAdmin || p.Role == types.RoleViewer
}

// System is the principal used by internal triggers (worker ticker, AMQP consumer)
var System = Principal{Subject: "system", Role: types.RoleAdmin}

type claims struct {
	Role types.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthenticator issues and verifies HS256 tokens
type JWTAuthenticator struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator creates an authenticator for the shared secret
func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTAuthenticator{key: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for the principal valid for ttl
func (a *JWTAuthenticator) Issue(p Principal, ttl time.Duration) (string, error) {
	now := a.now()
	c := claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(a.key)
}

// Authenticate verifies a token, with or without its "Bearer " prefix
func (a *JWTAuthenticator) Authenticate(tokenString string) (Principal, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if a.issuer != "" && !c.VerifyIssuer(a.issuer, true) {
		return Principal{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, c.Issuer)
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	switch c.Role {
	case types.RoleAdmin, types.RoleViewer:
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}

	return Principal{Subject: c.Subject, Role: c.Role}, nil
}

type contextKey struct{}

// WithPrincipal attaches the principal to the context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal set by the auth middleware
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
