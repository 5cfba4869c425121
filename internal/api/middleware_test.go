package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/okubit/sluice/internal/identity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

var testAuthSecret = []byte("test-secret-at-least-32-characters!!")

func testResolver(allowAnon bool) *identity.Resolver {
	return identity.NewResolver(identity.Config{
		Secret:         testAuthSecret,
		AllowAnonymous: allowAnon,
	})
}

func issueTestToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := identity.IssueToken(subject, testAuthSecret, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	return token
}

// expiredTestToken signs a token whose validity window closed an hour ago.
func expiredTestToken(t *testing.T) string {
	t.Helper()
	past := time.Now().Add(-2 * time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(past),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testAuthSecret)
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}
	return token
}

func TestRecoveryMiddleware_Panic(t *testing.T) {
	logger := discardLogger()

	panicHandler := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("test panic")
	})

	handler := recoveryMiddleware(logger)(panicHandler)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	handler.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("recoveryMiddleware(panic) status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	body := decodeErrorEnvelope(t, w)

	if body.Code != "internal_error" {
		t.Errorf("recoveryMiddleware(panic) code = %q, want %q", body.Code, "internal_error")
	}
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	logger := discardLogger()

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"}, logger)
	})

	handler := recoveryMiddleware(logger)(okHandler)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("recoveryMiddleware(ok) status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCORSMiddleware_AllowedOriginPreflight(t *testing.T) {
	origins := []string{"http://localhost:4200"}
	handler := corsMiddleware(origins)(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("next handler should not be called for OPTIONS")
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	r.Header.Set("Origin", "http://localhost:4200")

	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("CORS preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:4200" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:4200")
	}

	if got := w.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Error("Access-Control-Allow-Headers should be set")
	}
}

func TestCORSMiddleware_DisallowedOriginPreflight(t *testing.T) {
	origins := []string{"http://localhost:4200"}
	handler := corsMiddleware(origins)(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("next handler should not be called for OPTIONS")
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	r.Header.Set("Origin", "http://evil.com")

	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("CORS disallowed preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty for disallowed origin", got)
	}
}

func TestCORSMiddleware_NormalRequest(t *testing.T) {
	origins := []string{"http://localhost:4200"}
	called := false
	handler := corsMiddleware(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	r.Header.Set("Origin", "http://localhost:4200")

	handler.ServeHTTP(w, r)

	if !called {
		t.Error("next handler was not called")
	}

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:4200" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:4200")
	}
}

func TestIdentityMiddleware_ValidToken(t *testing.T) {
	var caller identity.Identity
	handler := identityMiddleware(testResolver(false), discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ = identityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	r.Header.Set("Authorization", "Bearer "+issueTestToken(t, "alice"))

	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d\nbody: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if caller.Key != "user:alice" {
		t.Errorf("identity key = %q, want %q", caller.Key, "user:alice")
	}
	if caller.Subject != "alice" {
		t.Errorf("identity subject = %q, want %q", caller.Subject, "alice")
	}
	if !caller.Authenticated {
		t.Error("identity should be marked authenticated")
	}
}

func TestIdentityMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		authorize   func(t *testing.T, r *http.Request)
		wantMessage string
	}{
		{
			name: "expired token",
			authorize: func(t *testing.T, r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+expiredTestToken(t))
			},
			wantMessage: "token expired",
		},
		{
			name: "garbage token",
			authorize: func(_ *testing.T, r *http.Request) {
				r.Header.Set("Authorization", "Bearer not.a.token")
			},
			wantMessage: "invalid token",
		},
		{
			name:        "no credentials",
			authorize:   func(_ *testing.T, _ *http.Request) {},
			wantMessage: "credentials required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := identityMiddleware(testResolver(false), discardLogger())(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
				t.Error("next handler should not be called for a rejected caller")
			}))

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
			tt.authorize(t, r)

			handler.ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}

			body := decodeErrorEnvelope(t, w)
			if body.Code != "unauthenticated" {
				t.Errorf("error code = %q, want %q", body.Code, "unauthenticated")
			}
			if body.Message != tt.wantMessage {
				t.Errorf("error message = %q, want %q", body.Message, tt.wantMessage)
			}
		})
	}
}

func TestIdentityMiddleware_AnonymousAllowed(t *testing.T) {
	var caller identity.Identity
	handler := identityMiddleware(testResolver(true), discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ = identityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	r.RemoteAddr = "203.0.113.9:4242"

	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d\nbody: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if !strings.HasPrefix(caller.Key, "anon:") {
		t.Errorf("identity key = %q, want anon: prefix", caller.Key)
	}
	if caller.Authenticated {
		t.Error("anonymous identity should not be marked authenticated")
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSecurityHeaders(w)

	expected := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Content-Security-Policy": "default-src 'none'",
	}

	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("setSecurityHeaders() %q = %q, want %q", header, got, want)
		}
	}
}
