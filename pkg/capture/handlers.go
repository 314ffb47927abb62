package capture

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/httputil"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// Handlers exposes cursor administration over HTTP.
type Handlers struct {
	pipeline *Pipeline
	logger   *logrus.Logger
}

// NewHandlers creates cursor handlers
func NewHandlers(pipeline *Pipeline, logger *logrus.Logger) *Handlers {
	return &Handlers{pipeline: pipeline, logger: logger}
}

// RegisterRoutes registers the cursor administration routes
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/admin/cursors", h.ListCursors).Methods("GET")
	r.HandleFunc("/admin/cursors/{table}/reset", h.ResetCursor).Methods("POST")
}

func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) (principal.Principal, bool) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return p, false
	}
	if !h.pipeline.config.AdminRoles.Contains(p.Role) {
		httputil.WriteForbidden(w, "administrative role required")
		return p, false
	}
	return p, true
}

// ListCursors handles GET /admin/cursors
func (h *Handlers) ListCursors(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	status, err := h.pipeline.Status(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, status)
}

// ResetCursor handles POST /admin/cursors/{table}/reset
func (h *Handlers) ResetCursor(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req ResetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	cur, err := h.pipeline.Reset(r.Context(), p, mux.Vars(r)["table"], req)
	switch {
	case errors.Is(err, ErrInvalidReset):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, audit.ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case err != nil:
		httputil.WriteServiceError(w, h.logger, err)
	default:
		_ = httputil.WriteSuccess(w, cur)
	}
}
