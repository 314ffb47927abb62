// Package httputil provides HTTP utilities shared by the compliance, admin
// and records handlers.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteForbidden(w, "administrative role required")
//
// Service errors are mapped onto the audit error taxonomy:
//
//	if err != nil {
//		httputil.WriteServiceError(w, h.logger, err) // 403, 422, 404 or 500
//		return
//	}
//
// # Request Parsing
//
//	var req GrantRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//	from, err := httputil.ParseQueryTime(r, "from")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
