// Package auth validates the bearer tokens carried in request headers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors returned by the auth package.
var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Identity is the authenticated caller.
type Identity struct {
	Subject string
}

// Validator checks a token and returns who presented it.
type Validator interface {
	Validate(token string) (Identity, error)
}

var tokenPrefixes = []string{"Bearer ", "JacsToken "}

// StripPrefix removes an optional "Bearer " or "JacsToken " scheme.
func StripPrefix(token string) string {
	token = strings.TrimSpace(token)
	for _, prefix := range tokenPrefixes {
		if len(token) >= len(prefix) && strings.EqualFold(token[:len(prefix)], prefix) {
			return strings.TrimSpace(token[len(prefix):])
		}
	}
	return token
}

// JWTValidator accepts HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns a validator for tokens signed with secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate parses and verifies the token. The identity comes from the
// subject claim, falling back to user_name.
func (v *JWTValidator) Validate(token string) (Identity, error) {
	raw := StripPrefix(token)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		subject, _ = claims["user_name"].(string)
	}
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Identity{Subject: subject}, nil
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// StaticValidator maps fixed tokens to subjects. It suits service accounts
// configured in the agent's config file.
type StaticValidator map[string]string

func (s StaticValidator) Validate(token string) (Identity, error) {
	raw := StripPrefix(token)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	subject, ok := s[raw]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: subject}, nil
}

// Chain accepts a token if any of its validators does. The error of the
// last validator is returned otherwise.
type Chain []Validator

func (c Chain) Validate(token string) (Identity, error) {
	err := ErrInvalidToken
	for _, v := range c {
		id, verr := v.Validate(token)
		if verr == nil {
			return id, nil
		}
		err = verr
	}
	return Identity{}, err
}
