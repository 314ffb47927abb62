package compliance

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// StatusSummary is the compliance dashboard of one window.
type StatusSummary struct {
	Window         Window `json:"window"`
	ChangeEvents   int    `json:"change_events"`
	ActivityEvents int    `json:"activity_events"`
	DistinctActors int    `json:"distinct_actors"`
	ActiveRules    int    `json:"active_validation_rules"`
	WatchedTables  int    `json:"watched_tables"`
	RLSTables      int    `json:"rls_tables"`
	ActiveGrants   int    `json:"active_grants"`
	Studies        int    `json:"total_studies"`
	Participants   int    `json:"total_participants"`
	DataPoints     int    `json:"total_data_points"`
}

// RLSCoverage is the share of watched tables under a row access policy.
func (s StatusSummary) RLSCoverage() float64 {
	if s.WatchedTables == 0 {
		return 0
	}
	return float64(s.RLSTables) / float64(s.WatchedTables)
}

func (s *Service) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

func (s *Service) countWindow(ctx context.Context, table string, w Window) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM "+table+" WHERE written_at >= $1 AND written_at < $2", w.From, w.To)
}

// countEntities counts the rows of the named watched tables present in
// the catalog.
func (s *Service) countEntities(ctx context.Context, tables ...string) (int, error) {
	total := 0
	for _, name := range tables {
		t, ok := s.config.Catalog.Table(name)
		if !ok {
			continue
		}
		n, err := s.count(ctx, "SELECT COUNT(*) FROM "+t.Name)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// StatusSummary collects audit volume, policy coverage and entity totals.
func (s *Service) StatusSummary(ctx context.Context, w Window) (StatusSummary, error) {
	ctx, span := s.span(ctx, "StatusSummary")
	defer span.End()

	w, err := s.window(w)
	if err != nil {
		return StatusSummary{}, err
	}
	sum := StatusSummary{Window: w}

	if sum.ChangeEvents, err = s.countWindow(ctx, audit.LogChange.Table(), w); err != nil {
		return sum, err
	}
	if sum.ActivityEvents, err = s.countWindow(ctx, audit.LogActivity.Table(), w); err != nil {
		return sum, err
	}
	sum.DistinctActors, err = s.count(ctx, `SELECT COUNT(DISTINCT actor) FROM (
		SELECT actor FROM audit_change_log WHERE written_at >= $1 AND written_at < $2
		UNION
		SELECT actor FROM audit_activity_log WHERE written_at >= $3 AND written_at < $4
	) actors`, w.From, w.To, w.From, w.To)
	if err != nil {
		return sum, err
	}

	if s.config.Rules != nil {
		sum.ActiveRules = s.config.Rules.ActiveRules()
	}
	for _, t := range s.config.Catalog.Tables() {
		sum.WatchedTables++
		if t.RLS {
			sum.RLSTables++
		}
	}
	if s.config.Grants != nil {
		if sum.ActiveGrants, err = s.config.Grants.CountActive(ctx, s.db, s.config.Now()); err != nil {
			return sum, err
		}
	}

	if sum.Studies, err = s.countEntities(ctx, entity.TableStudies); err != nil {
		return sum, err
	}
	if sum.Participants, err = s.countEntities(ctx, entity.TableParticipants); err != nil {
		return sum, err
	}
	if sum.DataPoints, err = s.countEntities(ctx, entity.TableObservations, entity.TableNotes, entity.TableFindings); err != nil {
		return sum, err
	}
	return sum, nil
}

// SeverityCount is the number of findings of one type and severity.
type SeverityCount struct {
	FindingType string `json:"finding_type"`
	Severity    string `json:"severity"`
	Events      int    `json:"events"`
	SAEs        int    `json:"sae_count"`
}

// SafetySummary is the safety monitoring report.
type SafetySummary struct {
	Window         Window          `json:"window"`
	DeleteAttempts int             `json:"delete_attempts"`
	Findings       []SeverityCount `json:"findings"`
	TotalSAEs      int             `json:"total_saes"`
}

// SafetySummary counts the rejected deletions of the window and the
// findings recorded so far by type and severity.
func (s *Service) SafetySummary(ctx context.Context, w Window) (SafetySummary, error) {
	ctx, span := s.span(ctx, "SafetySummary")
	defer span.End()

	w, err := s.window(w)
	if err != nil {
		return SafetySummary{}, err
	}
	sum := SafetySummary{Window: w, Findings: []SeverityCount{}}

	sum.DeleteAttempts, err = s.count(ctx,
		"SELECT COUNT(*) FROM audit_change_log WHERE written_at >= $1 AND written_at < $2 AND operation = $3",
		w.From, w.To, string(audit.OpDeleteAttempt))
	if err != nil {
		return sum, err
	}

	t, ok := s.config.Catalog.Table(entity.TableFindings)
	if !ok {
		return sum, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(finding_type, ''), COALESCE(severity, ''), COUNT(*),
		SUM(CASE WHEN LOWER(COALESCE(sae_reported, '')) IN ('true', '1', 'yes') THEN 1 ELSE 0 END)
		FROM `+t.Name+` GROUP BY finding_type, severity ORDER BY severity, finding_type`)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize findings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c SeverityCount
		if err := rows.Scan(&c.FindingType, &c.Severity, &c.Events, &c.SAEs); err != nil {
			return sum, fmt.Errorf("failed to scan finding counts: %w", err)
		}
		sum.TotalSAEs += c.SAEs
		sum.Findings = append(sum.Findings, c)
	}
	return sum, rows.Err()
}

// ExportRequest asks for a windowed log as a downloadable artifact.
type ExportRequest struct {
	Log     audit.LogName      `json:"log"`
	Format  audit.ExportFormat `json:"format"`
	Purpose string             `json:"purpose"`
	Window
}

// Export writes the records of one log in the window to w. The
// ExportRecord is appended first; nothing reaches w if that fails.
func (s *Service) Export(ctx context.Context, p principal.Principal, req ExportRequest, w io.Writer) (audit.Record, error) {
	ctx, span := s.span(ctx, "Export")
	defer span.End()

	if !req.Log.Valid() {
		return audit.Record{}, fmt.Errorf("%w: unknown log %q", audit.ErrInvalidEntry, req.Log)
	}
	format, err := audit.ParseExportFormat(string(req.Format))
	if err != nil {
		return audit.Record{}, fmt.Errorf("%w: %v", audit.ErrInvalidEntry, err)
	}
	if strings.TrimSpace(req.Purpose) == "" {
		return audit.Record{}, fmt.Errorf("%w: an export needs a purpose", audit.ErrInvalidEntry)
	}
	if s.config.Recorder == nil {
		return audit.Record{}, fmt.Errorf("exports are not configured")
	}
	win, err := s.window(req.Window)
	if err != nil {
		return audit.Record{}, err
	}

	records, err := s.reader.Window(ctx, req.Log, win.From, win.To, win.Limit)
	if err != nil {
		return audit.Record{}, err
	}

	filename := fmt.Sprintf("audit_%s_%s_%s.%s", req.Log,
		win.From.Format("20060102T150405Z"), win.To.Format("20060102T150405Z"), format)
	rec := audit.ExportRecord{
		Scope:                   "audit:" + string(req.Log),
		StudyIDs:                []string{},
		RecordCount:             len(records),
		ContainsIdentifyingData: req.Log == audit.LogChange || req.Log == audit.LogValidation,
		Purpose:                 req.Purpose,
		Filename:                filename,
	}
	return audit.ReleaseExport(ctx, s.config.Recorder, p, rec, func() error {
		return format.Write(w, records)
	})
}
