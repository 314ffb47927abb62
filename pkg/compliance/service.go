// Package compliance answers the read-only questions auditors and
// administrators ask of the audit logs: what changed, who looked at what,
// what left the system, and whether the capture pipeline is keeping up.
//
// Every query is bounded by a record id, a seq range, or a time window.
// Queries run against a replica when one is configured.
package compliance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/capture"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

var complianceTracer = otel.Tracer("clinaudit/compliance")

// DefaultSuspiciousThreshold is the access count above which an actor is
// reported by SuspiciousAccess when no threshold is given.
const DefaultSuspiciousThreshold = 100

// LagReporter reports capture progress. *capture.Pipeline implements it.
type LagReporter interface {
	Status(ctx context.Context) ([]capture.TableStatus, error)
}

// RuleCounter reports the number of active validation rules.
type RuleCounter interface {
	ActiveRules() int
}

// Config configures a Service.
type Config struct {
	Catalog *entity.Catalog
	Grants  *access.Store
	Rules   RuleCounter
	Lag     LagReporter
	// Recorder receives the ExportRecord of every log export.
	Recorder audit.Appender
	// AdminRoles may call the HTTP handlers.
	AdminRoles principal.RoleSet
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Service runs compliance queries.
type Service struct {
	db     *sql.DB
	reader *audit.Reader
	config Config
}

// NewService creates a query service over db.
func NewService(db *sql.DB, config Config) *Service {
	if config.Catalog == nil {
		config.Catalog = entity.DefaultCatalog()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if len(config.AdminRoles) == 0 {
		config.AdminRoles = principal.DefaultAdminRoles()
	}
	return &Service{db: db, reader: audit.NewReader(db), config: config}
}

func (s *Service) window(w Window) (Window, error) {
	return w.Normalize(s.config.Now())
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return complianceTracer.Start(ctx, "compliance."+name, trace.WithAttributes(attrs...))
}

// filter accumulates WHERE clauses with ascending placeholders.
type filter struct {
	clauses []string
	args    []interface{}
}

func (f *filter) add(clause string, arg interface{}) {
	f.args = append(f.args, arg)
	f.clauses = append(f.clauses, fmt.Sprintf(clause, len(f.args)))
}

func (f *filter) in(column string, values ...string) {
	start := len(f.args) + 1
	for _, v := range values {
		f.args = append(f.args, v)
	}
	f.clauses = append(f.clauses, fmt.Sprintf("%s IN (%s)", column, storage.Placeholders(start, len(values))))
}

func (f *filter) window(w Window) {
	f.add("written_at >= $%d", w.From)
	f.add("written_at < $%d", w.To)
}

func (f *filter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

func (f *filter) limit(n int) string {
	f.args = append(f.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(f.args))
}

const recordColumns = "record_id, seq, written_at, prev_hash, hash"

const changeColumns = recordColumns + `, entity_table, entity_id, operation, field_name, old_value, new_value,
	actor, occurred_at, reason, source_change_id, severity, corrects_record_id`

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func (s *Service) changes(ctx context.Context, f *filter, order string, limit int) ([]audit.ChangeRecord, error) {
	query := "SELECT " + changeColumns + " FROM audit_change_log" + f.where() + " ORDER BY seq " + order + f.limit(limit)
	rows, err := s.db.QueryContext(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	out := []audit.ChangeRecord{}
	for rows.Next() {
		var (
			rec                               audit.ChangeRecord
			oldValue, newValue, reason, fixes sql.NullString
			operation, severity               string
		)
		if err := rows.Scan(&rec.RecordID, &rec.Seq, &rec.WrittenAt, &rec.PrevHash, &rec.Hash,
			&rec.EntityTable, &rec.EntityID, &operation, &rec.FieldName, &oldValue, &newValue,
			&rec.Actor, &rec.OccurredAt, &reason, &rec.SourceChangeID, &severity, &fixes); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		rec.Log = audit.LogChange
		rec.Operation = audit.Operation(operation)
		rec.Severity = audit.Severity(severity)
		rec.OldValue = optional(oldValue)
		rec.NewValue = optional(newValue)
		rec.Reason = reason.String
		rec.CorrectsRecordID = fixes.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ChangeHistory returns every change record of one entity in seq order.
func (s *Service) ChangeHistory(ctx context.Context, table, entityID string) ([]audit.ChangeRecord, error) {
	ctx, span := s.span(ctx, "ChangeHistory", attribute.String("table", table))
	defer span.End()

	if _, ok := s.config.Catalog.Table(table); !ok && table != access.GrantsTable && table != capture.CursorsTable {
		return nil, fmt.Errorf("table %s: %w", table, audit.ErrNotFound)
	}
	f := &filter{}
	f.add("entity_table = $%d", table)
	f.add("entity_id = $%d", entityID)
	return s.changes(ctx, f, "ASC", audit.MaxRangeSize)
}

// RecentChanges returns the newest change records of the window.
func (s *Service) RecentChanges(ctx context.Context, w Window) ([]audit.ChangeRecord, error) {
	ctx, span := s.span(ctx, "RecentChanges")
	defer span.End()

	w, err := s.window(w)
	if err != nil {
		return nil, err
	}
	f := &filter{}
	f.window(w)
	return s.changes(ctx, f, "DESC", w.Limit)
}

// CorrectionGaps returns updates that overwrote a value without giving a
// reason.
func (s *Service) CorrectionGaps(ctx context.Context, w Window) ([]audit.ChangeRecord, error) {
	ctx, span := s.span(ctx, "CorrectionGaps")
	defer span.End()

	w, err := s.window(w)
	if err != nil {
		return nil, err
	}
	f := &filter{}
	f.window(w)
	f.add("operation = $%d", string(audit.OpUpdate))
	f.clauses = append(f.clauses, "old_value IS NOT NULL", "old_value <> ''", "(reason IS NULL OR reason = '')")
	return s.changes(ctx, f, "DESC", w.Limit)
}

// DeleteAttempts returns the rejected deletions of the window.
func (s *Service) DeleteAttempts(ctx context.Context, w Window) ([]audit.ChangeRecord, error) {
	ctx, span := s.span(ctx, "DeleteAttempts")
	defer span.End()

	w, err := s.window(w)
	if err != nil {
		return nil, err
	}
	f := &filter{}
	f.window(w)
	f.add("operation = $%d", string(audit.OpDeleteAttempt))
	return s.changes(ctx, f, "DESC", w.Limit)
}

// ActivityFilter narrows RecentActivity.
type ActivityFilter struct {
	Actor   string `json:"actor,omitempty"`
	StudyID string `json:"study_id,omitempty"`
	Window
}

// RecentActivity returns the newest activity records matching filter.
func (s *Service) RecentActivity(ctx context.Context, af ActivityFilter) ([]audit.ActivityEntry, error) {
	ctx, span := s.span(ctx, "RecentActivity")
	defer span.End()

	w, err := s.window(af.Window)
	if err != nil {
		return nil, err
	}
	f := &filter{}
	f.window(w)
	if af.Actor != "" {
		f.add("actor = $%d", af.Actor)
	}
	if af.StudyID != "" {
		f.add("study_id = $%d", af.StudyID)
	}

	query := "SELECT " + recordColumns + `, actor, activity_type, study_id, entity_ref, description, occurred_at, session_id
		FROM audit_activity_log` + f.where() + " ORDER BY seq DESC" + f.limit(w.Limit)
	rows, err := s.db.QueryContext(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity log: %w", err)
	}
	defer rows.Close()

	out := []audit.ActivityEntry{}
	for rows.Next() {
		var (
			rec                       audit.ActivityEntry
			kind                      string
			studyID, ref, description sql.NullString
		)
		if err := rows.Scan(&rec.RecordID, &rec.Seq, &rec.WrittenAt, &rec.PrevHash, &rec.Hash,
			&rec.Actor, &kind, &studyID, &ref, &description, &rec.OccurredAt, &rec.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		rec.Log = audit.LogActivity
		rec.ActivityType = audit.ActivityType(kind)
		rec.StudyID = studyID.String
		rec.EntityRef = ref.String
		rec.Description = description.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExportFilter narrows ExportHistory.
type ExportFilter struct {
	Actor   string `json:"actor,omitempty"`
	StudyID string `json:"study_id,omitempty"`
	Window
}

// ExportHistory returns the newest export records matching filter.
func (s *Service) ExportHistory(ctx context.Context, ef ExportFilter) ([]audit.ExportEntry, error) {
	ctx, span := s.span(ctx, "ExportHistory")
	defer span.End()

	w, err := s.window(ef.Window)
	if err != nil {
		return nil, err
	}
	f := &filter{}
	f.window(w)
	if ef.Actor != "" {
		f.add("actor = $%d", ef.Actor)
	}
	if ef.StudyID != "" {
		f.add("(',' || study_ids || ',') LIKE $%d", "%,"+ef.StudyID+",%")
	}

	query := "SELECT " + recordColumns + `, actor, scope, study_ids, record_count, contains_identifying_data,
		purpose, filename, occurred_at FROM audit_export_log` + f.where() + " ORDER BY seq DESC" + f.limit(w.Limit)
	rows, err := s.db.QueryContext(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query export log: %w", err)
	}
	defer rows.Close()

	out := []audit.ExportEntry{}
	for rows.Next() {
		var (
			rec      audit.ExportEntry
			studyIDs string
			purpose  sql.NullString
		)
		if err := rows.Scan(&rec.RecordID, &rec.Seq, &rec.WrittenAt, &rec.PrevHash, &rec.Hash,
			&rec.Actor, &rec.Scope, &studyIDs, &rec.RecordCount, &rec.ContainsIdentifyingData,
			&purpose, &rec.Filename, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan export record: %w", err)
		}
		rec.Log = audit.LogExport
		rec.Purpose = purpose.String
		if studyIDs != "" {
			rec.StudyIDs = strings.Split(studyIDs, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AccessCount is one actor's reads within a window.
type AccessCount struct {
	Actor    string `json:"actor"`
	Views    int    `json:"views"`
	Searches int    `json:"searches"`
	Exports  int    `json:"exports"`
	Total    int    `json:"total"`
}

// SuspiciousAccess returns actors whose VIEW, SEARCH and EXPORT activity in
// the window exceeds threshold, busiest first.
func (s *Service) SuspiciousAccess(ctx context.Context, w Window, threshold int) ([]AccessCount, error) {
	ctx, span := s.span(ctx, "SuspiciousAccess")
	defer span.End()

	w, err := s.window(w)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultSuspiciousThreshold
	}

	f := &filter{}
	f.window(w)
	f.in("activity_type", string(audit.ActivityView), string(audit.ActivitySearch), string(audit.ActivityExport))

	query := `SELECT actor,
		SUM(CASE WHEN activity_type = 'VIEW' THEN 1 ELSE 0 END),
		SUM(CASE WHEN activity_type = 'SEARCH' THEN 1 ELSE 0 END),
		SUM(CASE WHEN activity_type = 'EXPORT' THEN 1 ELSE 0 END),
		COUNT(*)
		FROM audit_activity_log` + f.where()
	f.args = append(f.args, threshold)
	query += fmt.Sprintf(" GROUP BY actor HAVING COUNT(*) > $%d ORDER BY COUNT(*) DESC, actor", len(f.args))
	query += f.limit(w.Limit)

	rows, err := s.db.QueryContext(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query access counts: %w", err)
	}
	defer rows.Close()

	out := []AccessCount{}
	for rows.Next() {
		var c AccessCount
		if err := rows.Scan(&c.Actor, &c.Views, &c.Searches, &c.Exports, &c.Total); err != nil {
			return nil, fmt.Errorf("failed to scan access count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Lag returns capture progress per watched table.
func (s *Service) Lag(ctx context.Context) ([]capture.TableStatus, error) {
	if s.config.Lag == nil {
		return []capture.TableStatus{}, nil
	}
	return s.config.Lag.Status(ctx)
}

// VerifyChain recomputes the hash chain of log over [fromSeq, toSeq].
func (s *Service) VerifyChain(ctx context.Context, log audit.LogName, fromSeq, toSeq int64) (audit.ChainReport, error) {
	ctx, span := s.span(ctx, "VerifyChain", attribute.String("log", string(log)))
	defer span.End()

	if !log.Valid() {
		return audit.ChainReport{}, fmt.Errorf("%w: unknown log %q", audit.ErrInvalidEntry, log)
	}
	report, err := s.reader.VerifyChain(ctx, log, fromSeq, toSeq)
	if err != nil {
		return report, err
	}
	if !report.Valid && report.Break != nil {
		s.config.Logger.WithFields(logrus.Fields{
			"log":    log,
			"seq":    report.Break.Seq,
			"reason": report.Break.Reason,
		}).Error("Audit hash chain broken")
	}
	return report, nil
}
