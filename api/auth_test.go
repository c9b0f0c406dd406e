package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"notes-sync/auth"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestBearerToken(t *testing.T) {
	token, err := bearerToken("  Bearer header.payload.signature ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
	if _, err := bearerToken(""); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
	if _, err := bearerToken("Bearer " + strings.Repeat(".", 1000)); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
	if _, err := bearerToken("Basic a.b.c"); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestSharedSecretAuth(t *testing.T) {
	secret := []byte("test-secret")
	a := NewSharedSecretAuth(secret)
	a.Audience = "api://aud"

	valid := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	})
	userID, err := a.UserIDFromAuthHeader("Bearer " + valid)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}

	tests := []struct {
		name   string
		secret []byte
		claims jwt.MapClaims
	}{
		{"wrong secret", []byte("other"), jwt.MapClaims{"sub": "u", "aud": "api://aud", "exp": time.Now().Add(time.Hour).Unix()}},
		{"expired", secret, jwt.MapClaims{"sub": "u", "aud": "api://aud", "exp": time.Now().Add(-time.Hour).Unix()}},
		{"missing exp", secret, jwt.MapClaims{"sub": "u", "aud": "api://aud"}},
		{"wrong audience", secret, jwt.MapClaims{"sub": "u", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}},
		{"missing sub", secret, jwt.MapClaims{"aud": "api://aud", "exp": time.Now().Add(time.Hour).Unix()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signHS256(t, tt.secret, tt.claims)
			if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
				t.Fatal("expected token to be rejected")
			}
		})
	}
}

func TestJWKSAuthWithoutKeysRejects(t *testing.T) {
	a := NewAuth(nil, "", "", 0)
	token := signHS256(t, []byte("s"), jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("HS256 tokens must be rejected in JWKS mode")
	}
	if a.keyCacheTTL != defaultJWKSCacheTTL {
		t.Fatalf("unexpected default cache TTL: %v", a.keyCacheTTL)
	}
}

func TestHandlersRequireBearerWhenConfigured(t *testing.T) {
	secret := []byte("shared")
	ts := newTestServer(t, newFakeCreator(nil), func(d *Deps) {
		d.Auth = NewSharedSecretAuth(secret)
	})

	if status, _ := doRequest(t, http.MethodGet, ts.url+"/api/notes", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if status, _ := doRequest(t, http.MethodPost, ts.url+"/api/notes", `{"title":"a","body":"b"}`, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	// outbound hs256 credentials mint tokens the inbound validator accepts
	creds := &auth.Credentials{Mode: auth.ModeHS256, Secret: secret, Subject: "svc"}
	header, err := creds.Header()
	if err != nil {
		t.Fatalf("credentials header: %v", err)
	}
	status, _ := doRequest(t, http.MethodGet, ts.url+"/api/notes", "", map[string]string{"Authorization": header.Get("Authorization")})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	token := strings.TrimPrefix(header.Get("Authorization"), "Bearer ")
	openStream(t, ts.url+"/stream?token="+token).next(t)
}
