// Package api assembles the compliance core and serves it over HTTP.
//
// NewSystem wires the audit writer, access control, the validated entity
// store, the capture pipeline, the secured reader and the compliance
// service to one ConnectionManager. The server, the reconciler and the
// admin tool each build a System; only the server adds HTTP on top.
//
// # Routes
//
// Unauthenticated (only when OIDC login is configured):
//
//	GET  /auth/login
//	GET  /auth/callback
//
// Authenticated:
//
//	POST   /auth/logout
//	GET    /auth/whoami
//	GET    /records/{table}
//	GET    /records/{table}/{id}
//	POST   /records/{table}/export
//	POST   /admin/grants
//	GET    /admin/grants
//	DELETE /admin/grants/{user}/{study}
//	GET    /admin/cursors
//	POST   /admin/cursors/{table}/reset
//	GET    /compliance/...
//
// Health probes and /metrics are served by NewOpsRouter on a separate port.
// Readiness fails without the database and degrades when Redis is down or
// a watched table falls more than maxHealthyBacklog changes behind.
package api
