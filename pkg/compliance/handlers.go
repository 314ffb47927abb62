package compliance

import (
	"bytes"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/httputil"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// Handlers exposes the compliance queries over HTTP to administrators.
type Handlers struct {
	service *Service
	logger  *logrus.Logger
}

// NewHandlers creates compliance handlers
func NewHandlers(service *Service, logger *logrus.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers the compliance routes
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/compliance/changes", h.RecentChanges).Methods("GET")
	r.HandleFunc("/compliance/changes/{table}/{id}", h.ChangeHistory).Methods("GET")
	r.HandleFunc("/compliance/activity", h.RecentActivity).Methods("GET")
	r.HandleFunc("/compliance/exports", h.ExportHistory).Methods("GET")
	r.HandleFunc("/compliance/status", h.StatusSummary).Methods("GET")
	r.HandleFunc("/compliance/correction-gaps", h.CorrectionGaps).Methods("GET")
	r.HandleFunc("/compliance/delete-attempts", h.DeleteAttempts).Methods("GET")
	r.HandleFunc("/compliance/suspicious-access", h.SuspiciousAccess).Methods("GET")
	r.HandleFunc("/compliance/safety", h.SafetySummary).Methods("GET")
	r.HandleFunc("/compliance/lag", h.Lag).Methods("GET")
	r.HandleFunc("/compliance/verify/{log}", h.VerifyChain).Methods("GET")
	r.HandleFunc("/compliance/export", h.Export).Methods("POST")
}

func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) (principal.Principal, bool) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return p, false
	}
	if !h.service.config.AdminRoles.Contains(p.Role) {
		httputil.WriteForbidden(w, "administrative role required")
		return p, false
	}
	return p, true
}

// parseWindow reads ?from=&to=&limit=.
func parseWindow(w http.ResponseWriter, r *http.Request) (Window, bool) {
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Window{}, false
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Window{}, false
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Window{}, false
	}
	return Window{From: from, To: to, Limit: limit}, true
}

func (h *Handlers) respond(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, data)
}

// RecentChanges handles GET /compliance/changes
func (h *Handlers) RecentChanges(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	changes, err := h.service.RecentChanges(r.Context(), win)
	h.respond(w, changes, err)
}

// ChangeHistory handles GET /compliance/changes/{table}/{id}
func (h *Handlers) ChangeHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	changes, err := h.service.ChangeHistory(r.Context(), vars["table"], vars["id"])
	h.respond(w, changes, err)
}

// RecentActivity handles GET /compliance/activity?actor=&study=
func (h *Handlers) RecentActivity(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	activity, err := h.service.RecentActivity(r.Context(), ActivityFilter{
		Actor:   httputil.ParseQueryString(r, "actor", ""),
		StudyID: httputil.ParseQueryString(r, "study", ""),
		Window:  win,
	})
	h.respond(w, activity, err)
}

// ExportHistory handles GET /compliance/exports?actor=&study=
func (h *Handlers) ExportHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	exports, err := h.service.ExportHistory(r.Context(), ExportFilter{
		Actor:   httputil.ParseQueryString(r, "actor", ""),
		StudyID: httputil.ParseQueryString(r, "study", ""),
		Window:  win,
	})
	h.respond(w, exports, err)
}

// StatusSummary handles GET /compliance/status
func (h *Handlers) StatusSummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	summary, err := h.service.StatusSummary(r.Context(), win)
	h.respond(w, summary, err)
}

// CorrectionGaps handles GET /compliance/correction-gaps
func (h *Handlers) CorrectionGaps(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	gaps, err := h.service.CorrectionGaps(r.Context(), win)
	h.respond(w, gaps, err)
}

// DeleteAttempts handles GET /compliance/delete-attempts
func (h *Handlers) DeleteAttempts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	attempts, err := h.service.DeleteAttempts(r.Context(), win)
	h.respond(w, attempts, err)
}

// SuspiciousAccess handles GET /compliance/suspicious-access?threshold=
func (h *Handlers) SuspiciousAccess(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	threshold, err := httputil.ParseQueryInt(r, "threshold", DefaultSuspiciousThreshold)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	counts, err := h.service.SuspiciousAccess(r.Context(), win, threshold)
	h.respond(w, counts, err)
}

// SafetySummary handles GET /compliance/safety
func (h *Handlers) SafetySummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	win, ok := parseWindow(w, r)
	if !ok {
		return
	}
	summary, err := h.service.SafetySummary(r.Context(), win)
	h.respond(w, summary, err)
}

// Lag handles GET /compliance/lag
func (h *Handlers) Lag(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	lag, err := h.service.Lag(r.Context())
	h.respond(w, lag, err)
}

// VerifyChain handles GET /compliance/verify/{log}?from_seq=&to_seq=
func (h *Handlers) VerifyChain(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	log, err := audit.ParseLogName(mux.Vars(r)["log"])
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	fromSeq, err := httputil.ParseQueryInt64(r, "from_seq", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	toSeq, err := httputil.ParseQueryInt64(r, "to_seq", fromSeq+audit.MaxRangeSize-1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	report, err := h.service.VerifyChain(r.Context(), log, fromSeq, toSeq)
	h.respond(w, report, err)
}

// Export handles POST /compliance/export. The response body is the
// artifact; the ExportRecord id is returned in a header.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req ExportRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var buf bytes.Buffer
	rec, err := h.service.Export(r.Context(), p, req, &buf)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	format, _ := audit.ParseExportFormat(string(req.Format))

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("X-Export-Record", rec.RecordID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
