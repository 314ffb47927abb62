package audit

import (
	"fmt"
	"strings"
	"time"
)

// Entry is anything the writer can append: ChangeEvent, ActivityRecord,
// ExportRecord or ValidationRecord.
type Entry interface {
	// LogName is the log the entry belongs to.
	LogName() LogName
	// DedupKey identifies replays of the same underlying event. An empty
	// key disables deduplication for the entry.
	DedupKey() string

	prepare(now time.Time) (Entry, error)
	values() []interface{}
}

// logColumns are the domain columns of each log, in values() order. Every
// log also carries record_id, seq, dedup_key, written_at, payload,
// prev_hash and hash.
var logColumns = map[LogName][]string{
	LogChange: {
		"entity_table", "entity_id", "operation", "field_name", "old_value", "new_value",
		"actor", "occurred_at", "reason", "source_change_id", "severity", "corrects_record_id",
	},
	LogActivity: {
		"actor", "activity_type", "study_id", "entity_ref", "description", "occurred_at", "session_id",
	},
	LogExport: {
		"actor", "scope", "study_ids", "record_count", "contains_identifying_data",
		"purpose", "filename", "occurred_at",
	},
	LogValidation: {
		"entity_table", "entity_id", "field_name", "rule_id", "severity", "message",
		"value", "actor", "occurred_at",
	},
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidEntry, fmt.Sprintf(format, args...))
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stamp(t, now time.Time) time.Time {
	if t.IsZero() {
		return now.UTC()
	}
	return t.UTC()
}

// LogName implements Entry.
func (e ChangeEvent) LogName() LogName { return LogChange }

// DedupKey is (table, record id, column, source change id).
func (e ChangeEvent) DedupKey() string {
	if e.SourceChangeID == "" {
		return ""
	}
	return strings.Join([]string{e.EntityTable, e.EntityID, e.FieldName, e.SourceChangeID}, "|")
}

func (e ChangeEvent) prepare(now time.Time) (Entry, error) {
	switch {
	case e.EntityTable == "":
		return nil, invalid("change event has no entity table")
	case e.EntityID == "":
		return nil, invalid("change event on %s has no entity id", e.EntityTable)
	case e.FieldName == "":
		return nil, invalid("change event on %s/%s has no field name", e.EntityTable, e.EntityID)
	case e.Actor == "":
		return nil, invalid("change event on %s/%s has no actor", e.EntityTable, e.EntityID)
	}
	switch e.Operation {
	case OpCreate, OpUpdate:
		if e.Severity == "" {
			e.Severity = SeverityInfo
		}
	case OpDeleteAttempt:
		e.Severity = SeverityCritical
	default:
		return nil, invalid("unknown operation %q", e.Operation)
	}
	e.OccurredAt = stamp(e.OccurredAt, now)
	return e, nil
}

func (e ChangeEvent) values() []interface{} {
	return []interface{}{
		e.EntityTable, e.EntityID, string(e.Operation), e.FieldName,
		nullStringPtr(e.OldValue), nullStringPtr(e.NewValue),
		e.Actor, e.OccurredAt, nullString(e.Reason), e.SourceChangeID,
		string(e.Severity), nullString(e.CorrectsRecordID),
	}
}

// IsCorrection reports whether the event overwrote a value that was
// already set.
func (e ChangeEvent) IsCorrection() bool {
	return e.Operation == OpUpdate && e.OldValue != nil && *e.OldValue != ""
}

// LogName implements Entry.
func (e ActivityRecord) LogName() LogName { return LogActivity }

// DedupKey implements Entry; activity is never deduplicated.
func (e ActivityRecord) DedupKey() string { return "" }

func (e ActivityRecord) prepare(now time.Time) (Entry, error) {
	if e.Actor == "" {
		return nil, invalid("activity has no actor")
	}
	if !e.ActivityType.Valid() {
		return nil, invalid("unknown activity type %q", e.ActivityType)
	}
	e.OccurredAt = stamp(e.OccurredAt, now)
	return e, nil
}

func (e ActivityRecord) values() []interface{} {
	return []interface{}{
		e.Actor, string(e.ActivityType), nullString(e.StudyID), nullString(e.EntityRef),
		nullString(e.Description), e.OccurredAt, e.SessionID,
	}
}

// LogName implements Entry.
func (e ExportRecord) LogName() LogName { return LogExport }

// DedupKey implements Entry; every egress is its own record.
func (e ExportRecord) DedupKey() string { return "" }

func (e ExportRecord) prepare(now time.Time) (Entry, error) {
	switch {
	case e.Actor == "":
		return nil, invalid("export has no actor")
	case e.Scope == "":
		return nil, invalid("export has no scope")
	case e.Filename == "":
		return nil, invalid("export has no filename")
	case e.RecordCount < 0:
		return nil, invalid("export record count is negative")
	}
	e.OccurredAt = stamp(e.OccurredAt, now)
	return e, nil
}

func (e ExportRecord) values() []interface{} {
	return []interface{}{
		e.Actor, e.Scope, strings.Join(e.StudyIDs, ","), e.RecordCount, e.ContainsIdentifyingData,
		e.Purpose, e.Filename, e.OccurredAt,
	}
}

// LogName implements Entry.
func (e ValidationRecord) LogName() LogName { return LogValidation }

// DedupKey implements Entry.
func (e ValidationRecord) DedupKey() string { return "" }

func (e ValidationRecord) prepare(now time.Time) (Entry, error) {
	switch {
	case e.EntityTable == "" || e.FieldName == "":
		return nil, invalid("validation record has no table or field")
	case e.RuleID == "":
		return nil, invalid("validation record has no rule")
	case e.Actor == "":
		return nil, invalid("validation record has no actor")
	}
	if e.Severity == "" {
		e.Severity = SeverityWarning
	}
	e.OccurredAt = stamp(e.OccurredAt, now)
	return e, nil
}

func (e ValidationRecord) values() []interface{} {
	return []interface{}{
		e.EntityTable, e.EntityID, e.FieldName, e.RuleID, string(e.Severity), e.Message,
		e.Value, e.Actor, e.OccurredAt,
	}
}
