package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifierConfig configures an OIDCVerifier against an OIDC-issuing
// account service front door.
type OIDCVerifierConfig struct {
	Issuer   string
	ClientID string
}

// OIDCVerifier implements registry.AccountVerifier against OIDC ID
// tokens, for node operators who authenticate through the account
// service's OIDC front door rather than a bare bearer JWT. Grounded
// directly on orchestrator-go/internal/auth/oauth.go's Provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier fetches the provider's discovery document and builds
// a verifier. It makes a network call, so it takes a context.
func NewOIDCVerifier(ctx context.Context, cfg OIDCVerifierConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc: client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc: create provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return &OIDCVerifier{verifier: verifier}, nil
}

// oidcAccountClaims mirrors the account service's ID token shape.
type oidcAccountClaims struct {
	Subject    string `json:"sub"`
	AccountRef string `json:"account_ref,omitempty"`
}

// Verify validates proof as an OIDC ID token and returns the account
// reference it carries. Satisfies registry.AccountVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, nodeID, proof string) (string, bool) {
	proof = strings.TrimPrefix(proof, "Bearer ")
	proof = strings.TrimPrefix(proof, "bearer ")
	if proof == "" {
		return "", false
	}

	idToken, err := v.verifier.Verify(ctx, proof)
	if err != nil {
		return "", false
	}

	var claims oidcAccountClaims
	if err := idToken.Claims(&claims); err != nil {
		return "", false
	}

	ref := claims.AccountRef
	if ref == "" {
		ref = claims.Subject
	}
	return ref, true
}
