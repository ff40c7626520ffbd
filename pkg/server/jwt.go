package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWT-based role extractor.
type JWTConfig struct {
	// RoleClaim is the claim path holding the caller's role. Dot
	// notation reaches nested claims (e.g. "realm_access.roles").
	// Default: "role".
	RoleClaim string

	// OperatorValue is the claim value that maps to RoleOperator. Any
	// other value, or a missing claim, maps to RoleViewer.
	// Default: "operator".
	OperatorValue string

	// PublicKeyPath points at a PEM-encoded RSA public key used for
	// RS256 verification. When empty, tokens are parsed but NOT
	// verified, which is only safe behind a trusted proxy that has
	// already authenticated the caller.
	PublicKeyPath string

	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewJWTRoleExtractor builds a RoleExtractor that reads the caller's
// role from a Bearer token in the Authorization header.
//
// Missing or invalid tokens map to RoleViewer, so operator access is
// denied by default.
func NewJWTRoleExtractor(cfg JWTConfig) (RoleExtractor, error) {
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.OperatorValue == "" {
		cfg.OperatorValue = "operator"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		key, err := loadRSAPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		publicKey = key
		cfg.Logger.Info("JWT role extractor: using RS256 verification", "keyPath", cfg.PublicKeyPath)
	} else {
		cfg.Logger.Warn("JWT role extractor: no public key configured, tokens parsed without verification (trusted proxy mode)")
	}

	return func(r *http.Request) Role {
		token := bearerToken(r)
		if token == "" {
			return RoleViewer
		}
		claims, err := parseClaims(token, publicKey, cfg)
		if err != nil {
			cfg.Logger.Debug("JWT parse failed, defaulting to viewer", "error", err)
			return RoleViewer
		}
		return roleFromClaims(claims, cfg.RoleClaim, cfg.OperatorValue)
	}, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return key, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseClaims parses and, when a key is configured, verifies the token.
func parseClaims(tokenString string, publicKey *rsa.PublicKey, cfg JWTConfig) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error
	if publicKey != nil {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return publicKey, nil
		}, opts...)
	} else {
		// Trusted proxy mode: parse without verification
		parser := jwt.NewParser(opts...)
		token, _, err = parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// roleFromClaims walks the claim path and maps the value to a Role.
// Array claims (e.g. Keycloak realm_access.roles) match when any
// element equals the operator value.
func roleFromClaims(claims jwt.MapClaims, claimPath, operatorValue string) Role {
	var current interface{} = map[string]interface{}(claims)
	for _, part := range strings.Split(claimPath, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return RoleViewer
		}
		current, ok = m[part]
		if !ok {
			return RoleViewer
		}
	}

	switch v := current.(type) {
	case string:
		if strings.EqualFold(v, operatorValue) {
			return RoleOperator
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, operatorValue) {
				return RoleOperator
			}
		}
	}
	return RoleViewer
}
