package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/httpserver"
)

func TestAPIKeyHash_RoundTrip(t *testing.T) {
	hash, err := httpserver.HashAPIKey("s3cret", httpserver.Argon2Params{
		Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)
	assert.True(t, httpserver.VerifyAPIKey("s3cret", hash))
	assert.False(t, httpserver.VerifyAPIKey("wrong", hash))
	assert.False(t, httpserver.VerifyAPIKey("s3cret", "not-a-hash"))
}

func TestToken_RoundTrip(t *testing.T) {
	tm := httpserver.NewTokenManager("signing-secret", time.Hour)
	token, err := tm.CreateToken("client-1", []string{"send", "analyze"})
	require.NoError(t, err)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.True(t, claims.HasScope("send"))
	assert.True(t, claims.HasScope("analyze"))
	assert.False(t, claims.HasScope("fetch"))
}

func TestToken_TamperedSignatureRejected(t *testing.T) {
	tm := httpserver.NewTokenManager("signing-secret", time.Hour)
	token, err := tm.CreateToken("client-1", []string{"send"})
	require.NoError(t, err)

	_, err = tm.ValidateToken(token + "x")
	assert.Error(t, err)

	other := httpserver.NewTokenManager("different-secret", time.Hour)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestToken_ExpiredRejected(t *testing.T) {
	tm := httpserver.NewTokenManager("signing-secret", -time.Minute)
	token, err := tm.CreateToken("client-1", []string{"send"})
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}

func TestBearerAuth_MissingHeader(t *testing.T) {
	tm := httpserver.NewTokenManager("signing-secret", time.Hour)
	handler := tm.BearerAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScope_Enforced(t *testing.T) {
	tm := httpserver.NewTokenManager("signing-secret", time.Hour)
	token, err := tm.CreateToken("client-1", []string{"analyze"})
	require.NoError(t, err)

	handler := tm.BearerAuth(httpserver.RequireScope("send")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/send/dm", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
