package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LogName identifies one of the append-only logs.
type LogName string

const (
	LogChange     LogName = "change"
	LogActivity   LogName = "activity"
	LogExport     LogName = "export"
	LogValidation LogName = "validation"
)

// Logs lists every log in counter-lock order.
var Logs = []LogName{LogActivity, LogChange, LogExport, LogValidation}

// Table returns the table that stores the log.
func (l LogName) Table() string {
	return "audit_" + string(l) + "_log"
}

// Valid reports whether l names a known log.
func (l LogName) Valid() bool {
	for _, known := range Logs {
		if l == known {
			return true
		}
	}
	return false
}

// ParseLogName validates a user-supplied log name.
func ParseLogName(s string) (LogName, error) {
	l := LogName(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown audit log: %q", s)
	}
	return l, nil
}

// Operation is the kind of mutation a ChangeEvent records.
type Operation string

const (
	OpCreate        Operation = "CREATE"
	OpUpdate        Operation = "UPDATE"
	OpDeleteAttempt Operation = "DELETE-ATTEMPT"
)

// Severity grades a change or validation record.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityBlocking Severity = "BLOCKING"
	SeverityCritical Severity = "CRITICAL"
)

// ActivityType classifies user activity.
type ActivityType string

const (
	ActivityView   ActivityType = "VIEW"
	ActivityEdit   ActivityType = "EDIT"
	ActivityExport ActivityType = "EXPORT"
	ActivitySearch ActivityType = "SEARCH"
	ActivityLogin  ActivityType = "LOGIN"
	ActivityLogout ActivityType = "LOGOUT"
)

// Valid reports whether t is a known activity type.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityView, ActivityEdit, ActivityExport, ActivitySearch, ActivityLogin, ActivityLogout:
		return true
	}
	return false
}

// ChangeEvent is one field-level mutation of a watched entity.
type ChangeEvent struct {
	EntityTable      string    `json:"entity_table"`
	EntityID         string    `json:"entity_id"`
	Operation        Operation `json:"operation"`
	FieldName        string    `json:"field_name"`
	OldValue         *string   `json:"old_value"`
	NewValue         *string   `json:"new_value"`
	Actor            string    `json:"actor"`
	OccurredAt       time.Time `json:"occurred_at"`
	Reason           string    `json:"reason,omitempty"`
	SourceChangeID   string    `json:"source_change_id"`
	Severity         Severity  `json:"severity"`
	CorrectsRecordID string    `json:"corrects_record_id,omitempty"`
}

// ActivityRecord captures what a user did, for usage analytics and
// suspicious-access detection.
type ActivityRecord struct {
	Actor        string       `json:"actor"`
	ActivityType ActivityType `json:"activity_type"`
	StudyID      string       `json:"study_id,omitempty"`
	EntityRef    string       `json:"entity_ref,omitempty"`
	Description  string       `json:"description,omitempty"`
	OccurredAt   time.Time    `json:"occurred_at"`
	SessionID    string       `json:"session_id"`
}

// ExportRecord documents one data egress. It is written before the
// artifact is handed to the actor.
type ExportRecord struct {
	Actor                   string    `json:"actor"`
	Scope                   string    `json:"scope"`
	StudyIDs                []string  `json:"study_ids"`
	RecordCount             int       `json:"record_count"`
	ContainsIdentifyingData bool      `json:"contains_identifying_data"`
	Purpose                 string    `json:"purpose"`
	Filename                string    `json:"filename"`
	OccurredAt              time.Time `json:"occurred_at"`
}

// ValidationRecord is a field that violated a declared rule.
type ValidationRecord struct {
	EntityTable string    `json:"entity_table"`
	EntityID    string    `json:"entity_id"`
	FieldName   string    `json:"field_name"`
	RuleID      string    `json:"rule_id"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Value       string    `json:"value"`
	Actor       string    `json:"actor"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Record is the header the writer assigns to every persisted entry.
type Record struct {
	RecordID  string    `json:"record_id"`
	Log       LogName   `json:"log"`
	Seq       int64     `json:"seq"`
	WrittenAt time.Time `json:"written_at"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// StoredRecord is a persisted record with its canonical payload, as read
// back for verification, export and archival.
type StoredRecord struct {
	Record
	Payload json.RawMessage `json:"payload"`
}

// ChangeRecord is a persisted ChangeEvent.
type ChangeRecord struct {
	Record
	ChangeEvent
}

// ActivityEntry is a persisted ActivityRecord.
type ActivityEntry struct {
	Record
	ActivityRecord
}

// ExportEntry is a persisted ExportRecord.
type ExportEntry struct {
	Record
	ExportRecord
}

// AppendResult reports what a batch append did.
type AppendResult struct {
	Records    []Record `json:"records"`
	Duplicates int      `json:"duplicates"`
}

// Written is the number of records persisted by the batch.
func (r AppendResult) Written() int {
	return len(r.Records)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
