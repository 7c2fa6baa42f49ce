package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, expiresAt time.Time) string {
	t.Helper()
	claims := &Claims{
		Subject: "tester",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestValidateToken(t *testing.T) {
	v := NewVerifier("secret")

	claims, err := v.ValidateToken(signToken(t, "secret", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "tester", claims.Subject)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("secret")

	_, err := v.ValidateToken(signToken(t, "other", time.Now().Add(time.Hour)))
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	v := NewVerifier("secret")

	_, err := v.ValidateToken(signToken(t, "secret", time.Now().Add(-time.Minute)))
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")
	var gotSubject string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = r.Context().Value(SubjectKey).(string)
		w.WriteHeader(http.StatusOK)
	}))

	// no header
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// malformed header
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// valid token
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", time.Now().Add(time.Hour)))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tester", gotSubject)
}
