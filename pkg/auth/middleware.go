package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/httputil"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

const (
	sessionCacheSize = 10000
	sessionTTL       = 12 * time.Hour
)

// Authenticator is the HTTP boundary that establishes the principal.
type Authenticator struct {
	verifier Verifier
	recorder audit.Appender
	sessions *lru.LRU[string, struct{}]
	logger   *logrus.Logger
}

// NewAuthenticator creates an authenticator. recorder may be nil, in which
// case no LOGIN or LOGOUT activity is recorded.
func NewAuthenticator(verifier Verifier, recorder audit.Appender, logger *logrus.Logger) *Authenticator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Authenticator{
		verifier: verifier,
		recorder: recorder,
		sessions: lru.NewLRU[string, struct{}](sessionCacheSize, nil, sessionTTL),
		logger:   logger,
	}
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal of authenticated ones in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.verifier.Verify(r)
		if err != nil {
			if !errors.Is(err, ErrNoCredentials) {
				a.logger.WithError(err).WithField("path", r.URL.Path).Warn("Rejected credentials")
			}
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		a.observeSession(r, p)
		next.ServeHTTP(w, r.WithContext(principal.WithContext(r.Context(), p)))
	})
}

// observeSession records LOGIN for a session seen for the first time. A
// failed append leaves the session unmarked so the next request retries.
func (a *Authenticator) observeSession(r *http.Request, p principal.Principal) {
	if a.recorder == nil || a.sessions.Contains(p.SessionID) {
		return
	}
	if err := audit.RecordActivity(r.Context(), a.recorder, p, audit.ActivityLogin, "", "", "session started"); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"actor":   p.Actor,
			"session": p.SessionID,
		}).Error("Failed to record login")
		return
	}
	a.sessions.Add(p.SessionID, struct{}{})
}

// RegisterRoutes registers the session routes. The router must already
// carry Middleware.
func (a *Authenticator) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/logout", a.Logout).Methods("POST")
	r.HandleFunc("/auth/whoami", a.WhoAmI).Methods("GET")
}

// Logout handles POST /auth/logout
func (a *Authenticator) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if a.recorder != nil {
		if err := audit.RecordActivity(r.Context(), a.recorder, p, audit.ActivityLogout, "", "", "session ended"); err != nil {
			httputil.WriteServiceError(w, a.logger, err)
			return
		}
	}
	a.sessions.Remove(p.SessionID)
	httputil.WriteNoContent(w)
}

// WhoAmI handles GET /auth/whoami
func (a *Authenticator) WhoAmI(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	_ = httputil.WriteSuccess(w, p)
}
