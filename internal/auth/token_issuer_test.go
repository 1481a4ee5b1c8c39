package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "memex-sync-auth",
		Audience:      "memex-sync-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesDeviceTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, expiresIn, err := issuer.IssueDeviceToken(context.Background(), "user-123", "2")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &deviceClaims{}
	_, err = jwt.NewParser().ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.DeviceID != "2" {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if claims.Issuer != "memex-sync-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "memex-sync-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "user-321", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.UserID != "user-321" || claims.DeviceID != "" {
		t.Fatalf("unexpected claims %#v", claims)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
	if _, err := issuer.ValidateToken(" "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	issuing := newTestIssuer(t, func() time.Time { return now })
	tokenString, _, err := issuing.IssueDeviceToken(context.Background(), "user-1", "1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	later := newTestIssuer(t, func() time.Time { return now.Add(time.Hour) })
	if _, err := later.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAudience(t *testing.T) {
	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "memex-sync-auth",
		Audience:      "another-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := other.IssueDeviceToken(context.Background(), "user-1", "1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := newTestIssuer(t, nil).ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "user-9", "4")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	request, _ := http.NewRequest(http.MethodGet, "/v1/devices", nil)
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken without header, got %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+tokenString)
	claims, err := issuer.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validate request: %v", err)
	}
	if claims.DeviceID != "4" {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := []struct {
		name   string
		config TokenIssuerConfig
		want   error
	}{
		{name: "missing-secret", config: TokenIssuerConfig{Issuer: "a", Audience: "b"}, want: ErrMissingSigningSecret},
		{name: "missing-issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "b"}, want: ErrMissingIssuer},
		{name: "missing-audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: " "}, want: ErrMissingAudience},
		{name: "negative-ttl", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: "b", TokenTTL: -time.Minute}, want: ErrInvalidTTL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(tc.config); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
