package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, sub, iss string, ttl time.Duration, scopes ...string) string {
	t.Helper()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    iss,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func TestVerifyToken(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey, "agentbank")

	claims, err := v.VerifyToken("Bearer " + sign(t, key, "agent-alice", "agentbank", time.Minute, "commit"))
	require.NoError(t, err)
	assert.Equal(t, "agent-alice", claims.Subject)
	assert.True(t, claims.HasScope("commit"))
	assert.True(t, claims.CanActAs("agent-alice"))
	assert.False(t, claims.CanActAs("agent-bob"))

	_, err = v.VerifyToken(sign(t, key, "agent-alice", "agentbank", -time.Minute))
	assert.Error(t, err, "expired")

	_, err = v.VerifyToken(sign(t, key, "agent-alice", "someone-else", time.Minute))
	assert.Error(t, err, "wrong issuer")

	_, err = v.VerifyToken(sign(t, newKey(t), "agent-alice", "agentbank", time.Minute))
	assert.Error(t, err, "foreign key")

	_, err = v.VerifyToken(sign(t, key, "", "agentbank", time.Minute))
	assert.Error(t, err, "empty subject")

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.VerifyToken(hs)
	assert.Error(t, err, "HMAC must be rejected")
}

func TestAdminCanActAsAnyone(t *testing.T) {
	c := &Claims{Scopes: []string{ScopeAdmin}, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}}
	assert.True(t, c.CanActAs("agent-bob"))
	var nilClaims *Claims
	assert.False(t, nilClaims.CanActAs("agent-bob"))
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	mw := NewMiddleware(NewBaseValidator(&key.PublicKey, ""), zap.NewNop())

	var seen string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFrom(r.Context())
		require.True(t, ok)
		seen = c.Subject
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, key, "agent-alice", "", time.Minute))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-alice", seen)
}

func TestRequireScope(t *testing.T) {
	h := RequireScope(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{Scopes: []string{"commit"}}))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req = req.WithContext(WithClaims(req.Context(), &Claims{Scopes: []string{ScopeAdmin}}))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKey(data)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed))

	_, err = ParseRSAPublicKey(nil)
	assert.Error(t, err)
}
