package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	a, err := NewAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator returned error: %v", err)
	}

	token, err := a.GenerateJWT("ops", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT returned error: %v", err)
	}

	claims, err := a.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT returned error: %v", err)
	}
	if claims["role"] != RoleAdmin {
		t.Fatalf("role = %v, want admin", claims["role"])
	}

	other, _ := NewAuthenticator("other-secret")
	if _, err := other.ValidateJWT(token); err == nil {
		t.Fatal("token validated with a different secret")
	}
}

func TestExpiredToken(t *testing.T) {
	a, _ := NewAuthenticator("test-secret")
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := a.GenerateJWT("ops", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT returned error: %v", err)
	}

	a.now = time.Now
	if _, err := a.ValidateJWT(token); err == nil {
		t.Fatal("expired token validated")
	}
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	if _, err := NewAuthenticator(""); err != ErrNoSecret {
		t.Fatalf("NewAuthenticator(\"\") error = %v, want ErrNoSecret", err)
	}
}

func TestRequireRole(t *testing.T) {
	a, _ := NewAuthenticator("test-secret")
	adminToken, _ := a.GenerateJWT("ops", RoleAdmin, time.Hour)
	viewerToken, _ := a.GenerateJWT("viewer", "viewer", time.Hour)

	var gotSubject string
	handler := a.RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = Subject(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewerToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusNoContent},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/bans", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	if gotSubject != "ops" {
		t.Fatalf("Subject = %q, want ops", gotSubject)
	}
}
