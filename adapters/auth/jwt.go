// Package auth verifies bearer tokens into actor ids.
// Stateless: every instance verifies with the shared secret.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/artpar/utter/ports"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenService signs and verifies HS256 tokens whose subject is the actor id.
// Thread-safe and suitable for concurrent use.
type TokenService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
	now        func() time.Time
}

var _ ports.IdentityVerifier = (*TokenService)(nil)

// NewTokenService creates a new JWT token service.
// If secret is empty, a random 32-byte secret is generated.
func NewTokenService(secret, issuer string, expiration time.Duration) *TokenService {
	var secretBytes []byte
	if secret == "" {
		secretBytes = make([]byte, 32)
		rand.Read(secretBytes)
	} else {
		secretBytes = []byte(secret)
	}
	if expiration == 0 {
		expiration = 24 * time.Hour
	}
	return &TokenService{
		secret:     secretBytes,
		issuer:     issuer,
		expiration: expiration,
		now:        time.Now,
	}
}

// GenerateToken mints a token for userID.
func (s *TokenService) GenerateToken(userID string) (string, time.Time, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return "", time.Time{}, errors.New("user id must be a UUID")
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.expiration)

	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   strings.ToLower(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify validates tokenString and returns the lowercased subject.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return "", ErrInvalidToken
	}
	return id.String(), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// GenerateSecret generates a random secret suitable for JWT signing.
func GenerateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
