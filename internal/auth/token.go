package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAccessTTL = 15 * time.Minute

// AccessClaims is what an access token asserts about its bearer.
type AccessClaims struct {
	ID        string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// TokenIssuer signs and parses short-lived HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

func (i *TokenIssuer) Issue(claims AccessClaims) (string, time.Duration, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   claims.ID,
		"id":    claims.ID,
		"email": claims.Email,
		"role":  claims.Role,
		"iat":   now.Unix(),
		"exp":   now.Add(i.ttl).Unix(),
		"typ":   "access",
	})
	encoded, err := token.SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, i.ttl, nil
}

func (i *TokenIssuer) Parse(tokenStr string) (*AccessClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("parse access token: %w", errOr(err, errors.New("token invalid")))
	}
	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return nil, errors.New("invalid token type")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, errors.New("access token missing subject")
	}
	parsed := &AccessClaims{ID: subject}
	parsed.Email, _ = claims["email"].(string)
	parsed.Role, _ = claims["role"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		parsed.ExpiresAt = exp.Time
	}
	return parsed, nil
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
