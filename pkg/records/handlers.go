package records

import (
	"bytes"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/httputil"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// Handlers exposes secured reads over HTTP.
type Handlers struct {
	reader *Reader
	logger *logrus.Logger
}

// NewHandlers creates record handlers
func NewHandlers(reader *Reader, logger *logrus.Logger) *Handlers {
	return &Handlers{reader: reader, logger: logger}
}

// RegisterRoutes registers the record routes
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/records/{table}", h.Query).Methods("GET")
	r.HandleFunc("/records/{table}/export", h.Export).Methods("POST")
	r.HandleFunc("/records/{table}/{id}", h.Get).Methods("GET")
}

// Query handles GET /records/{table}?study=&search=&limit=
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", DefaultLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	q := Query{
		StudyID: httputil.ParseQueryString(r, "study", ""),
		Search:  httputil.ParseQueryString(r, "search", ""),
		Limit:   limit,
	}

	res, err := h.reader.Query(r.Context(), p, mux.Vars(r)["table"], q)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, res)
}

// Get handles GET /records/{table}/{id}
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	vars := mux.Vars(r)

	row, err := h.reader.Get(r.Context(), p, vars["table"], vars["id"])
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, row)
}

// Export handles POST /records/{table}/export and streams CSV.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req ExportRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var buf bytes.Buffer
	rec, err := h.reader.Export(r.Context(), p, mux.Vars(r)["table"], req, &buf)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("X-Export-Record", rec.RecordID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
