package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestServiceJWTDisabledWithoutSecret(t *testing.T) {
	mw := ServiceJWT("", "clinic-sync-agent")
	req := httptest.NewRequest(http.MethodPost, "/api/contacto", nil)
	rec := httptest.NewRecorder()

	called := false
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to be called when auth is disabled")
	}
}

func TestServiceJWTMissingHeader(t *testing.T) {
	mw := ServiceJWT("secret", "clinic-sync-agent")
	req := httptest.NewRequest(http.MethodPost, "/api/contacto", nil)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestServiceJWTRejectsWrongSecret(t *testing.T) {
	mw := ServiceJWT("secret", "clinic-sync-agent")
	signer := NewServiceTokenSigner("wrong", "clinic-sync-agent", "device-1", time.Minute)
	token, err := signer.Sign(time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/contacto", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestServiceJWTRejectsWrongIssuer(t *testing.T) {
	mw := ServiceJWT("secret", "clinic-sync-agent")
	signer := NewServiceTokenSigner("secret", "someone-else", "device-1", time.Minute)
	token, _ := signer.Sign(time.Now())
	req := httptest.NewRequest(http.MethodPost, "/api/contacto", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestServiceJWTRejectsExpiredToken(t *testing.T) {
	mw := ServiceJWT("secret", "")
	signer := NewServiceTokenSigner("secret", "", "device-1", time.Minute)
	token, _ := signer.Sign(time.Now().Add(-time.Hour))
	req := httptest.NewRequest(http.MethodPost, "/api/contacto", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestServiceJWTValidToken(t *testing.T) {
	mw := ServiceJWT("secret", "clinic-sync-agent")
	signer := NewServiceTokenSigner("secret", "clinic-sync-agent", "device-1", time.Minute)
	token, err := signer.Sign(time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/contacto", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	called := false
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		claims, ok := ServiceClaimsFromContext(r.Context())
		if !ok {
			t.Fatalf("expected service claims in context")
		}
		if claims.Subject != "device-1" {
			t.Fatalf("expected subject device-1, got %q", claims.Subject)
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServiceJWTRejectsNoneAlgorithm(t *testing.T) {
	mw := ServiceJWT("secret", "")
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/contacto", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestNilSignerMeansNoAuth(t *testing.T) {
	if s := NewServiceTokenSigner("", "x", "y", time.Minute); s != nil {
		t.Fatalf("expected nil signer for empty secret")
	}
	var s *ServiceTokenSigner
	if _, err := s.Sign(time.Now()); err == nil {
		t.Fatalf("expected error from nil signer")
	}
}
