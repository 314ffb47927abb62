package access

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/httputil"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// Handlers exposes grant administration over HTTP.
type Handlers struct {
	admin  *Admin
	logger *logrus.Logger
}

// NewHandlers creates grant handlers
func NewHandlers(admin *Admin, logger *logrus.Logger) *Handlers {
	return &Handlers{admin: admin, logger: logger}
}

// RegisterRoutes registers the grant administration routes
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/admin/grants", h.CreateGrant).Methods("POST")
	r.HandleFunc("/admin/grants", h.ListGrants).Methods("GET")
	r.HandleFunc("/admin/grants/{user}/{study}", h.RevokeGrant).Methods("DELETE")
}

// CreateGrant handles POST /admin/grants
func (h *Handlers) CreateGrant(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req GrantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	g, err := h.admin.Grant(r.Context(), p, req)
	if errors.Is(err, ErrInvalidGrant) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, g)
}

// RevokeGrant handles DELETE /admin/grants/{user}/{study}. The grant is
// deactivated, not removed.
func (h *Handlers) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	vars := mux.Vars(r)

	if err := h.admin.Revoke(r.Context(), p, vars["user"], vars["study"]); err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListGrants handles GET /admin/grants?user=...|study=...
func (h *Handlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	user := httputil.ParseQueryString(r, "user", "")
	study := httputil.ParseQueryString(r, "study", "")

	var (
		grants []Grant
		err    error
	)
	switch {
	case study != "":
		if err := h.admin.authorize(r.Context(), p, study); err != nil {
			httputil.WriteServiceError(w, h.logger, err)
			return
		}
		grants, err = h.admin.store.ListByStudy(r.Context(), study)
	case user != "":
		if !h.admin.evaluator.IsAdmin(p) && user != p.Actor {
			httputil.WriteForbidden(w, "only administrators may list another user's grants")
			return
		}
		grants, err = h.admin.store.ListByUser(r.Context(), user)
	default:
		httputil.WriteBadRequest(w, "user or study is required")
		return
	}
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	if grants == nil {
		grants = []Grant{}
	}
	_ = httputil.WriteSuccess(w, grants)
}
