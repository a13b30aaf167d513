package service

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/mailkeeper/internal/errs"
)

// tokenLeeway tolerates clock skew between issuer and server.
const tokenLeeway = 30 * time.Second

// Tokens issues and parses HS256 access tokens whose subject is the actor id.
type Tokens struct {
	signKey   []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokens constructs Tokens. Non-positive ttl defaults to one hour.
func NewTokens(signKey []byte, accessTTL time.Duration) *Tokens {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &Tokens{signKey: signKey, accessTTL: accessTTL, now: time.Now}
}

// Issue creates a signed HS256 JWT for the given subject.
func (t *Tokens) Issue(userID uuid.UUID) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.signKey)
	return signed, exp, err
}

// Parse validates the token and returns the actor id. Every failure is ErrUnauthorized.
func (t *Tokens) Parse(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, errs.ErrUnauthorized
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return uuid.Nil, errors.Join(errs.ErrUnauthorized, err)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	return id, nil
}
