// Package auth resolves the calling user and workspace for the user-facing API.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Identity is the resolved caller of a user-scoped request.
type Identity struct {
	UserID      string
	WorkspaceID string
	Email       string
	Expiry      time.Time
}

// Expired reports whether the identity's token has expired at now.
func (i *Identity) Expired(now time.Time) bool {
	if i.Expiry.IsZero() {
		return false
	}
	return now.After(i.Expiry)
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	// ClientID is the expected audience of ID tokens
	ClientID string

	// WorkspaceClaim names the token claim carrying the workspace id.
	WorkspaceClaim string

	// SkipExpiryCheck disables expiry validation (use only for testing)
	SkipExpiryCheck bool
}

// DefaultConfig returns a minimal configuration.
func DefaultConfig() *Config {
	return &Config{WorkspaceClaim: "workspace_id"}
}

// Provider verifies bearer tokens against an OIDC issuer.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   *Config
}

// NewProvider creates a provider from the issuer's discovery document.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	// Create OIDC provider (fetches discovery document)
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipExpiryCheck: cfg.SkipExpiryCheck,
	})
	return newProvider(provider, verifier, cfg), nil
}

// NewProviderWithVerifier builds a provider around an existing verifier, for
// issuers whose keys are configured out of band. Opaque access tokens cannot
// be resolved without discovery.
func NewProviderWithVerifier(verifier *oidc.IDTokenVerifier, cfg *Config) *Provider {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return newProvider(nil, verifier, cfg)
}

func newProvider(provider *oidc.Provider, verifier *oidc.IDTokenVerifier, cfg *Config) *Provider {
	if cfg.WorkspaceClaim == "" {
		cfg.WorkspaceClaim = "workspace_id"
	}
	return &Provider{provider: provider, verifier: verifier, config: cfg}
}

// VerifyToken verifies an ID token and returns the identity it names.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Identity, error) {
	rawToken = trimBearer(rawToken)

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}

	id := &Identity{
		UserID: idToken.Subject,
		Expiry: idToken.Expiry,
	}
	id.Email, _ = claims["email"].(string)
	id.WorkspaceID, _ = claims[p.config.WorkspaceClaim].(string)
	if id.WorkspaceID == "" {
		return nil, fmt.Errorf("token has no %q claim", p.config.WorkspaceClaim)
	}
	return id, nil
}

// VerifyAccessToken resolves an opaque access token through the userinfo
// endpoint.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*Identity, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("userinfo unavailable without discovery")
	}
	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: trimBearer(accessToken),
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	id := &Identity{UserID: userInfo.Subject, Email: userInfo.Email}
	var extra map[string]interface{}
	if err := userInfo.Claims(&extra); err == nil {
		id.WorkspaceID, _ = extra[p.config.WorkspaceClaim].(string)
	}
	if id.WorkspaceID == "" {
		return nil, fmt.Errorf("userinfo has no %q claim", p.config.WorkspaceClaim)
	}
	return id, nil
}

func trimBearer(token string) string {
	token = strings.TrimPrefix(token, "Bearer ")
	return strings.TrimPrefix(token, "bearer ")
}
