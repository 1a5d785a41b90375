package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/artpar/utter/adapters/auth"
)

const userID = "3F2B8C9E-1A4D-4E6F-9B0A-7C5D2E1F8A3B"

func TestGenerateAndVerify(t *testing.T) {
	svc := auth.NewTokenService("my-secret", "utter", time.Hour)
	ctx := context.Background()

	token, expiresAt, err := svc.GenerateToken(userID)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if time.Until(expiresAt) > time.Hour || time.Until(expiresAt) < 59*time.Minute {
		t.Errorf("expiresAt = %v, want ~1h from now", expiresAt)
	}

	actor, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if actor != strings.ToLower(userID) {
		t.Errorf("actor = %s, want %s", actor, strings.ToLower(userID))
	}
}

func TestGenerateToken_RejectsNonUUID(t *testing.T) {
	svc := auth.NewTokenService("secret", "", 0)
	if _, _, err := svc.GenerateToken("user1"); err == nil {
		t.Error("expected error for non-UUID user id")
	}
}

func TestVerify_Rejects(t *testing.T) {
	svc := auth.NewTokenService("secret", "utter", time.Hour)
	other := auth.NewTokenService("other-secret", "utter", time.Hour)
	ctx := context.Background()

	foreign, _, _ := other.GenerateToken(userID)

	expiredSvc := auth.NewTokenService("secret", "utter", -time.Minute)
	expired, _, _ := expiredSvc.GenerateToken(userID)

	wrongIssuer, _, _ := auth.NewTokenService("secret", "someone-else", time.Hour).GenerateToken(userID)

	nonUUID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "not-a-uuid", Issuer: "utter",
	}).SignedString([]byte("secret"))

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: userID, Issuer: "utter",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", auth.ErrMissingToken},
		{"garbage", "abc.def.ghi", auth.ErrInvalidToken},
		{"wrong secret", foreign, auth.ErrInvalidToken},
		{"expired", expired, auth.ErrInvalidToken},
		{"wrong issuer", wrongIssuer, auth.ErrInvalidToken},
		{"non-uuid subject", nonUUID, auth.ErrInvalidToken},
		{"alg none", none, auth.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(ctx, tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := auth.BearerToken(tt.header); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestGenerateSecret(t *testing.T) {
	s1 := auth.GenerateSecret()
	s2 := auth.GenerateSecret()
	if len(s1) != 64 {
		t.Errorf("len = %d, want 64", len(s1))
	}
	if s1 == s2 {
		t.Error("secrets should differ")
	}
}
