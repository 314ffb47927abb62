package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/platinummonkey/clinaudit/pkg/principal"
)

var (
	// ErrNoCredentials is returned when a request carries no credentials.
	ErrNoCredentials = errors.New("no credentials")
	// ErrInvalidCredentials is returned when credentials fail verification.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Dev header names read by DevHeaderVerifier.
const (
	HeaderUser    = "X-Clinaudit-User"
	HeaderRole    = "X-Clinaudit-Role"
	HeaderSession = "X-Clinaudit-Session"
)

// Verifier authenticates a request.
type Verifier interface {
	Verify(r *http.Request) (principal.Principal, error)
}

// OIDCConfig configures an OIDCVerifier.
type OIDCConfig struct {
	IssuerURL string
	ClientID  string
	// RoleClaim names the claim holding the platform role. A list claim
	// yields its first entry.
	RoleClaim string
	// DefaultRole applies when the token has no role claim.
	DefaultRole principal.Role
}

// OIDCVerifier authenticates bearer ID tokens issued by an OpenID provider.
type OIDCVerifier struct {
	config   OIDCConfig
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider and builds a verifier for the
// client id.
func NewOIDCVerifier(ctx context.Context, config OIDCConfig) (*OIDCVerifier, error) {
	if config.IssuerURL == "" || config.ClientID == "" {
		return nil, fmt.Errorf("OIDC issuer and client id are required")
	}
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return NewOIDCVerifierFrom(provider.Verifier(&oidc.Config{ClientID: config.ClientID}), config), nil
}

// NewOIDCVerifierFrom wraps an existing token verifier.
func NewOIDCVerifierFrom(verifier *oidc.IDTokenVerifier, config OIDCConfig) *OIDCVerifier {
	if config.RoleClaim == "" {
		config.RoleClaim = "role"
	}
	if config.DefaultRole == "" {
		config.DefaultRole = principal.RoleViewer
	}
	return &OIDCVerifier{config: config, verifier: verifier}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoCredentials
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidCredentials)
	}
	return strings.TrimSpace(parts[1]), nil
}

// sessionFromToken derives a stable session id from a raw token.
func sessionFromToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return "tok-" + hex.EncodeToString(sum[:12])
}

// Verify checks the bearer token and maps its claims to a principal.
func (v *OIDCVerifier) Verify(r *http.Request) (principal.Principal, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return principal.Principal{}, err
	}
	token, err := v.verifier.Verify(r.Context(), raw)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	var claims map[string]interface{}
	if err := token.Claims(&claims); err != nil {
		return principal.Principal{}, fmt.Errorf("%w: failed to parse claims: %v", ErrInvalidCredentials, err)
	}

	p := principal.Principal{
		Actor:     firstString(claims, "preferred_username", "email"),
		Role:      principal.Normalize(claimString(claims[v.config.RoleClaim])),
		SessionID: firstString(claims, "sid"),
	}
	if p.Actor == "" {
		p.Actor = token.Subject
	}
	if p.Role == "" {
		p.Role = v.config.DefaultRole
	}
	if p.SessionID == "" {
		p.SessionID = sessionFromToken(raw)
	}
	if err := p.Validate(); err != nil {
		return principal.Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return p, nil
}

func firstString(claims map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := claimString(claims[k]); s != "" {
			return s
		}
	}
	return ""
}

func claimString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []interface{}:
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// DevHeaderVerifier trusts the X-Clinaudit-* headers. It exists for local
// development and tests and must not be exposed to untrusted clients.
type DevHeaderVerifier struct{}

// Verify builds a principal from the request headers.
func (DevHeaderVerifier) Verify(r *http.Request) (principal.Principal, error) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		return principal.Principal{}, ErrNoCredentials
	}
	p := principal.Principal{
		Actor:     user,
		Role:      principal.Normalize(r.Header.Get(HeaderRole)),
		SessionID: strings.TrimSpace(r.Header.Get(HeaderSession)),
	}
	if p.Role == "" {
		p.Role = principal.RoleViewer
	}
	if p.SessionID == "" {
		p.SessionID = "dev-" + user
	}
	return p, nil
}
