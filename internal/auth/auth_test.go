package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *AuthManager {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	return NewAuthManager(Config{
		JWTSecret:     "test-secret",
		JWTExpiration: 5,
		APIKeys:       []string{"key-1"},
		AllowedUsers:  []User{{Username: "ops", PasswordHash: hash, Role: "admin"}},
	})
}

func TestJWTRoundTrip(t *testing.T) {
	am := newManager(t)
	token, err := am.GenerateJWT("ops", "admin")
	require.NoError(t, err)

	claims, err := am.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, "admin", claims.Role)

	other := NewAuthManager(Config{JWTSecret: "different"})
	_, err = other.ValidateJWT(token)
	assert.Error(t, err)
}

func TestAuthenticateUser(t *testing.T) {
	am := newManager(t)
	role, err := am.AuthenticateUser("ops", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "admin", role)

	_, err = am.AuthenticateUser("ops", "wrong")
	assert.Error(t, err)
	_, err = am.AuthenticateUser("nobody", "s3cret")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	am := newManager(t)
	var seenUser string
	h := am.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = Username(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(header, value string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
		if header != "" {
			req.Header.Set(header, value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do("", ""))
	assert.Equal(t, http.StatusNoContent, do("X-API-Key", "key-1"))
	assert.Equal(t, http.StatusUnauthorized, do("X-API-Key", "nope"))
	assert.Equal(t, http.StatusUnauthorized, do("Authorization", "Token abc"))

	token, err := am.GenerateJWT("ops", "admin")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do("Authorization", "Bearer "+token))
	assert.Equal(t, "ops", seenUser)
}

func TestMiddleware_OpenWhenUnconfigured(t *testing.T) {
	am := NewAuthManager(Config{})
	h := am.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
