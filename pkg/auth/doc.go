// Package auth turns HTTP credentials into the principal.Principal that
// every access decision, masking call and audit write receives.
//
// # Overview
//
// A Verifier authenticates a request. OIDCVerifier checks a bearer ID token
// against the configured issuer; DevHeaderVerifier trusts plain headers and
// is meant for local development only.
//
// The Authenticator middleware runs the verifier once per request, stores
// the principal in the request context for handlers to pick up, and records
// a LOGIN activity the first time a session is seen:
//
//	verifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
//		IssuerURL: cfg.Auth.OIDCIssuer,
//		ClientID:  cfg.Auth.OIDCClientID,
//		RoleClaim: "role",
//	})
//	authn := auth.NewAuthenticator(verifier, writer, logger)
//	api := router.PathPrefix("/").Subrouter()
//	api.Use(authn.Middleware)
//
// Handlers read the principal with principal.FromContext and pass it on
// explicitly; nothing below the HTTP layer looks at the context for it.
//
// # Sessions
//
// The session id is the token's sid claim when the issuer provides one and
// a digest of the raw token otherwise. Seen sessions are kept in a bounded
// expiring cache, so a restart or eviction produces one extra LOGIN record
// rather than a missing one. POST /auth/logout records LOGOUT and forgets
// the session.
//
// # Login flow
//
// LoginHandlers implements the authorization code flow for browser clients:
// /auth/login redirects to the issuer and /auth/callback exchanges the code
// and returns the ID token to use as a bearer credential.
package auth
