package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRoleExtractor(t *testing.T) {
	cases := []struct {
		header string
		want   Role
	}{
		{"operator", RoleOperator},
		{"Operator", RoleOperator},
		{"  operator  ", RoleOperator},
		{"viewer", RoleViewer},
		{"", RoleViewer},
		{"admin", RoleViewer},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set(RoleHeader, tc.header)
		}
		assert.Equal(t, tc.want, DefaultRoleExtractor(req), "header %q", tc.header)
	}
}

func TestAllowAll(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, RoleOperator, AllowAll(req))
}

func TestHasRole(t *testing.T) {
	assert.True(t, hasRole(RoleViewer, RoleViewer))
	assert.True(t, hasRole(RoleOperator, RoleViewer))
	assert.True(t, hasRole(RoleOperator, RoleOperator))
	assert.False(t, hasRole(RoleViewer, RoleOperator))
	assert.False(t, hasRole(RoleOperator, Role("owner")))
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	protected := RequireRole(RoleOperator, nil)(next)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(RoleHeader, "operator")
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "forbidden")
	assert.Contains(t, rec.Body.String(), "insufficient permissions")
}

func bearerRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestJWTExtractorTrustedProxy(t *testing.T) {
	extractor, err := NewJWTRoleExtractor(JWTConfig{Logger: quietLogger()})
	require.NoError(t, err)

	sign := func(claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return tok
	}

	assert.Equal(t, RoleOperator, extractor(bearerRequest(t, sign(jwt.MapClaims{"role": "operator"}))))
	assert.Equal(t, RoleOperator, extractor(bearerRequest(t, sign(jwt.MapClaims{"role": "OPERATOR"}))))
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, sign(jwt.MapClaims{"role": "analyst"}))))
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, sign(jwt.MapClaims{"sub": "amara"}))))
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, "not-a-jwt")))

	// No Authorization header at all.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, RoleViewer, extractor(req))

	// Wrong scheme.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	assert.Equal(t, RoleViewer, extractor(req))
}

func TestJWTExtractorNestedArrayClaim(t *testing.T) {
	extractor, err := NewJWTRoleExtractor(JWTConfig{
		RoleClaim:     "realm_access.roles",
		OperatorValue: "migration-operator",
		Logger:        quietLogger(),
	})
	require.NoError(t, err)

	sign := func(roles []string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"realm_access": map[string]any{"roles": roles},
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return tok
	}

	assert.Equal(t, RoleOperator, extractor(bearerRequest(t, sign([]string{"user", "migration-operator"}))))
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, sign([]string{"user", "auditor"}))))
}

func TestJWTExtractorVerifiesSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	extractor, err := NewJWTRoleExtractor(JWTConfig{
		PublicKeyPath: keyPath,
		Issuer:        "https://sso.vigil.dev",
		Audience:      "vigil-migrate",
		Logger:        quietLogger(),
	})
	require.NoError(t, err)

	sign := func(signer *rsa.PrivateKey, claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(signer)
		require.NoError(t, err)
		return tok
	}
	goodClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"role": "operator",
			"iss":  "https://sso.vigil.dev",
			"aud":  "vigil-migrate",
			"exp":  time.Now().Add(time.Hour).Unix(),
		}
	}

	assert.Equal(t, RoleOperator, extractor(bearerRequest(t, sign(key, goodClaims()))))

	// Signed by somebody else.
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, sign(otherKey, goodClaims()))))

	// Symmetric algorithm is rejected when a key is configured.
	hsTok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, goodClaims()).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, hsTok)))

	expired := goodClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, sign(key, expired))))

	wrongIssuer := goodClaims()
	wrongIssuer["iss"] = "https://elsewhere.example"
	assert.Equal(t, RoleViewer, extractor(bearerRequest(t, sign(key, wrongIssuer))))
}

func TestNewJWTRoleExtractorKeyErrors(t *testing.T) {
	_, err := NewJWTRoleExtractor(JWTConfig{
		PublicKeyPath: filepath.Join(t.TempDir(), "missing.pem"),
		Logger:        quietLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read JWT public key")

	badPath := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(badPath, []byte("not a pem file"), 0o600))
	_, err = NewJWTRoleExtractor(JWTConfig{PublicKeyPath: badPath, Logger: quietLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode PEM block")
}
