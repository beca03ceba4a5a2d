package replication

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("replication: unauthorized")
	ErrMissingToken = errors.New("replication: missing bearer token")
)

// AuthFunc decides whether a request may be served.
type AuthFunc func(r *http.Request) error

// TokenProvider supplies the bearer token of client requests. An empty token
// sends no Authorization header.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// SigningTokenProvider signs a fresh HS256 token for every request.
type SigningTokenProvider struct {
	Secret  []byte
	Subject string
	TTL     time.Duration
	Clock   func() time.Time
}

func (p *SigningTokenProvider) Token(context.Context) (string, error) {
	now := time.Now()
	if p.Clock != nil {
		now = p.Clock()
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	claims := jwt.RegisteredClaims{
		Subject:   p.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.Secret)
}

// JWTAuth accepts requests that carry a bearer token signed with secret.
func JWTAuth(secret []byte) AuthFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}
	return func(r *http.Request) error {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			return ErrMissingToken
		}
		if _, err := parser.ParseWithClaims(raw, &jwt.RegisteredClaims{}, keyFunc); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil
	}
}
