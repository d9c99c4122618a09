// Package middleware holds adapters onto the out-of-scope account
// service and the HTTP boundary's cross-cutting concerns: rate limiting,
// security headers, and request tracing. Grounded on
// gateway-go/middleware's auth.go/ratelimit.go/security.go/tracing.go.
package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifierConfig configures a JWTVerifier.
type JWTVerifierConfig struct {
	// JWKSURL is the JSON Web Key Set endpoint used to validate the
	// account service's bearer proofs.
	JWKSURL string

	// Audience and Issuer are checked on every token, mirroring the
	// account service's issuance claims.
	Audience string
	Issuer   string
}

// accountClaims is the account service's proof shape: a subject plus
// the account reference workers present on behalf of.
type accountClaims struct {
	jwt.RegisteredClaims
	AccountRef string `json:"account_ref,omitempty"`
}

// JWTVerifier implements registry.AccountVerifier against bearer JWTs
// issued by the account service, validated with cached JWKS keys.
// Grounded on gateway-go/middleware/auth.go's AuthMiddleware/keyCache,
// repointed from Cloudflare Access's claims onto a generic account proof.
type JWTVerifier struct {
	cfg    JWTVerifierConfig
	logger *slog.Logger
	keys   *keyCache
}

type keyCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	lastFetch time.Time
	ttl       time.Duration
}

// NewJWTVerifier constructs a JWTVerifier.
func NewJWTVerifier(cfg JWTVerifierConfig, logger *slog.Logger) *JWTVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTVerifier{
		cfg:    cfg,
		logger: logger,
		keys: &keyCache{
			keys:    make(map[string]*rsa.PublicKey),
			jwksURL: cfg.JWKSURL,
			ttl:     15 * time.Minute,
		},
	}
}

// Verify validates proof as a bearer JWT and returns the account
// reference it carries. Satisfies registry.AccountVerifier.
func (v *JWTVerifier) Verify(ctx context.Context, nodeID, proof string) (string, bool) {
	if proof == "" || v.keys.jwksURL == "" {
		return "", false
	}

	claims, err := v.validateToken(ctx, proof)
	if err != nil {
		v.logger.Warn("account proof rejected", slog.String("node_id", nodeID), slog.String("error", err.Error()))
		return "", false
	}

	ref := claims.AccountRef
	if ref == "" {
		ref = claims.Subject
	}
	return ref, true
}

func (v *JWTVerifier) validateToken(ctx context.Context, tokenString string) (*accountClaims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &accountClaims{})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("missing key ID in token header")
	}

	key, err := v.getPublicKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}

	claims := &accountClaims{}
	opts := []jwt.ParserOption{}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (v *JWTVerifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.keys.mu.RLock()
	key, ok := v.keys.keys[kid]
	needsRefresh := time.Since(v.keys.lastFetch) > v.keys.ttl
	v.keys.mu.RUnlock()

	if ok && !needsRefresh {
		return key, nil
	}

	if err := v.fetchKeys(ctx); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}

	v.keys.mu.RLock()
	key, ok = v.keys.keys[kid]
	v.keys.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return key, nil
}

func (v *JWTVerifier) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.keys.jwksURL, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch jwks: %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
			Kty string `json:"kty"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	v.keys.mu.Lock()
	defer v.keys.mu.Unlock()
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			v.logger.Warn("failed to parse jwks key", slog.String("kid", k.Kid), slog.String("error", err.Error()))
			continue
		}
		v.keys.keys[k.Kid] = pubKey
	}
	v.keys.lastFetch = time.Now()
	return nil
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	n := new(big.Int).SetBytes(nBytes)
	return &rsa.PublicKey{N: n, E: e}, nil
}
