// Package cli implements clinaudit-admin, the operator tool.
//
// Every command opens the database from the CLINAUDIT_* environment and
// acts as the operator given by -operator (default $USER) with the
// SYSADMIN role. Grant changes and cursor resets go through the same code
// paths as the HTTP API, so they are audited the same way.
//
//	clinaudit-admin migrate
//	clinaudit-admin grant -user alice@example.org -study S1 -role RESEARCHER
//	clinaudit-admin revoke -user alice@example.org -study S1
//	clinaudit-admin grants -study S1
//	clinaudit-admin cursors
//	clinaudit-admin reset-cursor -table participants -position 0 -reason "restore from backup"
//	clinaudit-admin drain
//	clinaudit-admin verify -log change
//	clinaudit-admin archive
package cli
