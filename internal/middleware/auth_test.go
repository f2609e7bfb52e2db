package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "operator-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims OperatorClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestRequireOperator(t *testing.T) {
	var seenActor string
	handler := RequireOperator(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenActor, _ = ActorID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	valid := OperatorClaims{
		ActorID:          "ops-alice",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	subjectOnly := OperatorClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-bob"}}
	expired := OperatorClaims{
		ActorID:          "ops-alice",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantActor  string
	}{
		{"valid token", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid), http.StatusNoContent, "ops-alice"},
		{"subject fallback", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), subjectOnly), http.StatusNoContent, "ops-bob"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), http.StatusUnauthorized, ""},
		{"no actor", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), OperatorClaims{}), http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenActor = ""
			req := httptest.NewRequest(http.MethodGet, "/admin/outbox/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantActor, seenActor)
		})
	}
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	handler := RateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/admin/outbox/stats", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimit_KeysByOperator(t *testing.T) {
	limited := RateLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler := RequireOperator(testSecret)(limited)

	call := func(actor string) *httptest.ResponseRecorder {
		token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), OperatorClaims{ActorID: actor})
		req := httptest.NewRequest(http.MethodPost, "/admin/outbox/cleanup", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("ops-a").Code)
	assert.Equal(t, http.StatusOK, call("ops-b").Code, "same IP, different operator")

	w := call("ops-a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}
