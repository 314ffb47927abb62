package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the access evaluator refuses an
	// operation. Reads never surface it as a partial row.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDuplicateDetected marks a replayed entry whose dedup key was already
	// written. Appends count these as success; the sentinel exists so
	// callers writing a single entry can tell a replay from a new record.
	ErrDuplicateDetected = errors.New("duplicate audit entry")

	// ErrNotFound is returned by lookups of a single record.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("invalid audit entry")
)

// AuditWriteFailure wraps a durability failure. The batch was rolled back
// and nothing in it was persisted.
type AuditWriteFailure struct {
	Log LogName
	Err error
}

func (e *AuditWriteFailure) Error() string {
	if e.Log == "" {
		return fmt.Sprintf("audit write failed: %v", e.Err)
	}
	return fmt.Sprintf("audit write to %s log failed: %v", e.Log, e.Err)
}

func (e *AuditWriteFailure) Unwrap() error {
	return e.Err
}

// ValidationFailure is a field that violated a declared rule. Blocking
// failures (required fields, foreign keys) stop the save; the rest are
// recorded and the save proceeds.
type ValidationFailure struct {
	RuleID   string
	Table    string
	Field    string
	Message  string
	Blocking bool
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed for %s.%s (%s): %s", e.Table, e.Field, e.RuleID, e.Message)
}

// IsBlocking reports whether err contains a blocking ValidationFailure.
func IsBlocking(err error) bool {
	var vf *ValidationFailure
	return errors.As(err, &vf) && vf.Blocking
}

func writeFailure(log LogName, err error) error {
	return &AuditWriteFailure{Log: log, Err: err}
}
