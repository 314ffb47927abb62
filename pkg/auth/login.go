package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/clinaudit/pkg/httputil"
)

const stateCookie = "clinaudit_oauth_state"

// LoginConfig configures the authorization code flow.
type LoginConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// LoginHandlers drive the browser login against the OpenID provider. The
// callback returns the ID token; the client presents it as a bearer token
// and the Authenticator records the LOGIN on first use.
type LoginHandlers struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	logger       *logrus.Logger
}

// NewLoginHandlers discovers the provider endpoints.
func NewLoginHandlers(ctx context.Context, config LoginConfig, logger *logrus.Logger) (*LoginHandlers, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return newLoginHandlers(provider.Endpoint(), provider.Verifier(&oidc.Config{ClientID: config.ClientID}), config, logger), nil
}

func newLoginHandlers(endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier, config LoginConfig, logger *logrus.Logger) *LoginHandlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &LoginHandlers{
		oauth2Config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
		},
		verifier: verifier,
		logger:   logger,
	}
}

// RegisterRoutes registers the unauthenticated login routes
func (h *LoginHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/login", h.Login).Methods("GET")
	r.HandleFunc("/auth/callback", h.Callback).Methods("GET")
}

// Login handles GET /auth/login
func (h *LoginHandlers) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.oauth2Config.AuthCodeURL(state), http.StatusFound)
}

// TokenResponse is returned by the callback.
type TokenResponse struct {
	IDToken   string    `json:"id_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Callback handles GET /auth/callback
func (h *LoginHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		httputil.WriteBadRequest(w, "invalid login state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		httputil.WriteBadRequest(w, "missing authorization code")
		return
	}

	token, err := h.oauth2Config.Exchange(r.Context(), code)
	if err != nil {
		h.logger.WithError(err).Warn("OIDC code exchange failed")
		httputil.WriteUnauthorized(w, "login failed")
		return
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		httputil.WriteUnauthorized(w, "missing id_token in response")
		return
	}
	idToken, err := h.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		h.logger.WithError(err).Warn("OIDC ID token rejected")
		httputil.WriteUnauthorized(w, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth", MaxAge: -1})
	_ = httputil.WriteSuccess(w, TokenResponse{IDToken: rawIDToken, ExpiresAt: idToken.Expiry.UTC()})
}
