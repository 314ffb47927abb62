// Package access is the row-level access control evaluator and the study
// grant administration surface.
//
// A principal may access a row of study S when its role is administrative,
// or when it holds an active grant on S whose expiry date is today or
// later. The evaluator is called for every row on every read path; its
// only memoization is Evaluator.Scope, which lives for one operation.
//
//	scope := evaluator.Scope()
//	visible, denied, err := access.FilterRows(ctx, scope, p, rows, func(r Row) string { return r.StudyID })
//
// Grants are never deleted. Admin.Revoke sets active=false and every grant
// mutation is recorded in the audit logs in the same transaction.
package access
